package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// Outcome records where the pipeline stopped for one event.
type Outcome int

const (
	OutcomeIgnored Outcome = iota
	OutcomeStatus
	OutcomeNoCommand
	OutcomeUnknownCommand
	OutcomeModeBlocked
	OutcomePermissionDenied
	OutcomeRateLimited
	OutcomeExecuted
	OutcomeFailed
)

var outcomeNames = map[Outcome]string{
	OutcomeIgnored:          "ignored",
	OutcomeStatus:           "status",
	OutcomeNoCommand:        "no_command",
	OutcomeUnknownCommand:   "unknown_command",
	OutcomeModeBlocked:      "mode_blocked",
	OutcomePermissionDenied: "permission_denied",
	OutcomeRateLimited:      "rate_limited",
	OutcomeExecuted:         "executed",
	OutcomeFailed:           "failed",
}

func (o Outcome) String() string {
	if s, ok := outcomeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// DispatcherConfig holds the collaborators of the dispatch pipeline.
type DispatcherConfig struct {
	Settings  domain.BotSettings
	Registry  *Registry
	Limiter   *RateLimiter
	Telemetry ports.Telemetry
	Transport ports.Transport
	Store     ports.Store
	Admin     ports.RuntimeAdmin
}

// Dispatcher routes inbound events to plugins. Events are handled one at a
// time; passive observers run in their own goroutines.
type Dispatcher struct {
	settings  domain.BotSettings
	registry  *Registry
	limiter   *RateLimiter
	telemetry ports.Telemetry
	transport ports.Transport
	store     ports.Store
	admin     ports.RuntimeAdmin
	logger    ports.Logger

	observers sync.WaitGroup
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig, logger ports.Logger) *Dispatcher {
	if cfg.Limiter == nil {
		cfg.Limiter = NewRateLimiter(DefaultRateLimiterConfig(), logger)
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = NewRequestLogger(DefaultRequestLoggerConfig(), logger)
	}
	return &Dispatcher{
		settings:  cfg.Settings,
		registry:  cfg.Registry,
		limiter:   cfg.Limiter,
		telemetry: cfg.Telemetry,
		transport: cfg.Transport,
		store:     cfg.Store,
		admin:     cfg.Admin,
		logger:    logger,
	}
}

// HandleMessage implements ports.EventSink.
func (d *Dispatcher) HandleMessage(ctx context.Context, ev *domain.InboundEvent) {
	outcome := d.Dispatch(ctx, ev)
	d.logger.Debug("Message dispatched", "chat", ev.ChatID(), "outcome", outcome)
}

// Dispatch runs one inbound message through the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *domain.InboundEvent) Outcome {
	if ev == nil || !ev.HasContent() {
		return OutcomeIgnored
	}
	if ev.Key.FromMe && !d.settings.ProcessSelfMessages {
		return OutcomeIgnored
	}

	dc := d.dispatchContext(ev)

	d.notifyMessage(ctx, ev, dc)
	if ev.IsStatus() {
		d.notifyStatus(ctx, ev, dc)
		return OutcomeStatus
	}

	cmd := ParseCommand(dc.Text, d.settings.Prefix)
	if cmd == nil {
		return OutcomeNoCommand
	}
	dc.Command = cmd

	entry, ok := d.registry.Resolve(cmd.Command)
	if !ok || !entry.Descriptor.Enabled() {
		return OutcomeUnknownCommand
	}
	runner, ok := entry.Runner()
	if !ok {
		return OutcomeUnknownCommand
	}

	switch d.settings.Mode {
	case domain.ModePrivate:
		if !dc.IsOwner {
			return OutcomeModeBlocked
		}
	case domain.ModeGroups:
		if !dc.IsGroup {
			return OutcomeModeBlocked
		}
	}

	desc := &entry.Descriptor
	if err := d.checkPermissions(desc, dc); err != nil {
		d.logger.Debug("Command rejected", "error", err, "gate", err.Gate)
		d.reply(ctx, ev, err.Notice())
		return OutcomePermissionDenied
	}

	decision := d.limiter.Check(dc.SenderID, dc.IsOwner)
	if !decision.Allowed {
		rlErr := &domain.RateLimitError{Principal: dc.SenderID, RetryAfter: decision.RetryAfter, Limit: decision.Limit}
		d.logger.Warn("Rate limit exceeded", "sender", domain.PhoneFromJID(dc.SenderID), "command", cmd.Command, "error", rlErr)
		d.reply(ctx, ev, rlErr.Notice())
		return OutcomeRateLimited
	}

	if d.settings.AutoReact {
		if err := d.react(ctx, ev, desc.Reaction()); err != nil {
			d.logger.Debug("Auto-react failed", "error", err)
		}
	}

	if dc.IsGroup {
		dc.IsSenderAdmin = d.isSenderAdmin(ctx, dc)
	}

	rec := d.telemetry.RequestStart(domain.RequestInfo{
		Command:  cmd.Command,
		Plugin:   desc.Name,
		SenderID: dc.SenderID,
		ChatID:   dc.ChatID,
		IsGroup:  dc.IsGroup,
		ArgCount: len(cmd.Args),
	})
	err := d.safeCall(func() error { return runner.Run(ctx, d.handlerContext(ev, dc, desc.Name)) })
	d.telemetry.RequestEnd(rec, err)

	if err != nil {
		execErr := &domain.HandlerExecutionError{
			Plugin:   desc.Name,
			Command:  cmd.Command,
			Handler:  "run",
			ChatType: dc.ChatType(),
			Err:      err,
		}
		d.logger.Error("Plugin execution failed",
			"plugin", desc.Name,
			"command", cmd.Command,
			"chat_type", dc.ChatType(),
			"error", execErr,
		)
		if d.settings.Debug {
			d.reply(ctx, ev, fmt.Sprintf("❌ Error executing %s: %v", cmd.Command, err))
		}
		return OutcomeFailed
	}
	return OutcomeExecuted
}

func (d *Dispatcher) dispatchContext(ev *domain.InboundEvent) *domain.DispatchContext {
	sender := ev.SenderID()
	if ev.Key.FromMe && ev.Key.Participant == "" && d.transport != nil {
		if self := d.transport.SelfID(); self != "" {
			sender = self
		}
	}
	return &domain.DispatchContext{
		ChatID:   ev.ChatID(),
		SenderID: sender,
		IsGroup:  ev.IsGroupChat(),
		Text:     ExtractText(ev.Message),
		IsOwner:  d.settings.IsOwner(sender),
	}
}

func (d *Dispatcher) checkPermissions(desc *domain.PluginDescriptor, dc *domain.DispatchContext) *domain.PermissionError {
	if desc.Permissions.OwnerOnly && !dc.IsOwner {
		return &domain.PermissionError{Gate: domain.GateOwnerOnly, Command: dc.Command.Command, Sender: dc.SenderID}
	}
	if desc.Permissions.GroupOnly && !dc.IsGroup {
		return &domain.PermissionError{Gate: domain.GateGroupOnly, Command: dc.Command.Command, Sender: dc.SenderID}
	}
	return nil
}

// isSenderAdmin asks the transport for group metadata. Lookup failures
// count as not admin.
func (d *Dispatcher) isSenderAdmin(ctx context.Context, dc *domain.DispatchContext) bool {
	gd, ok := d.transport.(ports.GroupDirectory)
	if !ok {
		return false
	}
	meta, err := gd.GroupMetadata(ctx, dc.ChatID)
	if err != nil || meta == nil {
		if err != nil {
			d.logger.Debug("Group metadata lookup failed", "chat", dc.ChatID, "error", err)
		}
		return false
	}
	return meta.IsAdmin(dc.SenderID)
}

func (d *Dispatcher) handlerContext(ev *domain.InboundEvent, dc *domain.DispatchContext, plugin string) *ports.HandlerContext {
	return &ports.HandlerContext{
		DispatchContext: dc,
		Event:           ev,
		Settings:        d.settings,
		Transport:       d.transport,
		Store:           d.store,
		Logger:          d.logger.With("plugin", plugin),
		Admin:           d.admin,
	}
}

func (d *Dispatcher) reply(ctx context.Context, ev *domain.InboundEvent, text string) {
	if d.transport == nil {
		return
	}
	err := d.transport.Send(ctx, ev.ChatID(), domain.OutboundContent{Text: text}, domain.SendOptions{Quoted: &ev.Key})
	if err != nil {
		d.logger.Warn("Failed to send notice", "chat", ev.ChatID(), "error", err)
	}
}

func (d *Dispatcher) react(ctx context.Context, ev *domain.InboundEvent, glyph string) error {
	if d.transport == nil {
		return nil
	}
	content := domain.OutboundContent{React: &domain.Reaction{Text: glyph, Key: ev.Key}}
	return d.transport.Send(ctx, ev.ChatID(), content, domain.SendOptions{})
}

// safeCall runs fn and converts a panic into a *domain.PanicError.
func (d *Dispatcher) safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.PanicError{Value: r}
		}
	}()
	return fn()
}

func (d *Dispatcher) notifyMessage(ctx context.Context, ev *domain.InboundEvent, dc *domain.DispatchContext) {
	for _, e := range d.registry.MessageObservers() {
		obs := e.Plugin.(ports.MessageObserver)
		hc := d.handlerContext(ev, copyContext(dc), e.Descriptor.Name)
		d.spawn(e.Descriptor.Name, "on_message", dc.ChatType(), func() error {
			return obs.OnMessage(ctx, hc)
		})
	}
}

func (d *Dispatcher) notifyStatus(ctx context.Context, ev *domain.InboundEvent, dc *domain.DispatchContext) {
	for _, e := range d.registry.StatusObservers() {
		obs := e.Plugin.(ports.StatusObserver)
		hc := d.handlerContext(ev, copyContext(dc), e.Descriptor.Name)
		d.spawn(e.Descriptor.Name, "on_status", "status", func() error {
			return obs.OnStatus(ctx, hc)
		})
	}
}

// HandleGroupUpdate implements ports.EventSink.
func (d *Dispatcher) HandleGroupUpdate(ctx context.Context, update *domain.GroupUpdate) {
	if update == nil {
		return
	}
	for _, e := range d.registry.GroupObservers() {
		obs := e.Plugin.(ports.GroupObserver)
		gc := &ports.GroupContext{
			Update:    update,
			Settings:  d.settings,
			Transport: d.transport,
			Store:     d.store,
			Logger:    d.logger.With("plugin", e.Descriptor.Name),
		}
		d.spawn(e.Descriptor.Name, "on_group_update", "group", func() error {
			return obs.OnGroupUpdate(ctx, gc)
		})
	}
}

// spawn runs one observer in its own goroutine. Failures are logged and
// never reach the command path.
func (d *Dispatcher) spawn(plugin, handler, chatType string, fn func() error) {
	d.observers.Add(1)
	go func() {
		defer d.observers.Done()
		if err := d.safeCall(fn); err != nil {
			execErr := &domain.HandlerExecutionError{Plugin: plugin, Handler: handler, ChatType: chatType, Err: err}
			level := d.logger.Error
			if errors.Is(err, context.Canceled) {
				level = d.logger.Debug
			}
			level(handler+" error in "+plugin, "error", execErr)
		}
	}()
}

// Wait blocks until every running observer has returned.
func (d *Dispatcher) Wait() {
	d.observers.Wait()
}

// Settings returns the settings the pipeline runs with.
func (d *Dispatcher) Settings() domain.BotSettings {
	return d.settings
}

func copyContext(dc *domain.DispatchContext) *domain.DispatchContext {
	c := *dc
	return &c
}

var _ ports.EventSink = (*Dispatcher)(nil)
