package ports

import (
	"context"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

// Plugin is the minimum every plugin implements. Behaviour is added through
// the optional capability interfaces below, discovered at registration.
type Plugin interface {
	Descriptor() domain.PluginDescriptor
}

// Runner executes a matched command.
type Runner interface {
	Run(ctx context.Context, hc *HandlerContext) error
}

// MessageObserver sees every inbound message, command or not.
type MessageObserver interface {
	OnMessage(ctx context.Context, hc *HandlerContext) error
}

// StatusObserver sees status broadcast events.
type StatusObserver interface {
	OnStatus(ctx context.Context, hc *HandlerContext) error
}

// GroupObserver sees group participant changes.
type GroupObserver interface {
	OnGroupUpdate(ctx context.Context, gc *GroupContext) error
}

// Initializer is called once when the plugin instance is registered.
type Initializer interface {
	Init(ctx context.Context, ic *InitContext) error
}

// HandlerSet is implemented by plugins whose handlers are only known once
// loaded, such as scripts. The registry uses it to narrow the capability
// interfaces the plugin type satisfies.
type HandlerSet interface {
	Handlers() domain.Handlers
}

// PluginUnit is one loadable plugin source: a compiled-in plugin, a script
// file or a Wasm bundle.
type PluginUnit interface {
	ID() string
	Kind() domain.PluginKind
	Load(ctx context.Context) (Plugin, error)
}

// PluginSource enumerates plugin units.
type PluginSource interface {
	// Units lists every unit currently available, in a stable order.
	Units(ctx context.Context) ([]PluginUnit, error)

	// Unit finds one unit by ID; it returns domain.ErrPluginNotFound when
	// the unit no longer exists.
	Unit(ctx context.Context, id string) (PluginUnit, error)
}

// RuntimeAdmin is the operator surface exposed to plugins.
type RuntimeAdmin interface {
	Plugins() []domain.PluginDescriptor
	ReloadPlugin(ctx context.Context, name string) (*domain.PluginDescriptor, error)
	ReloadAll(ctx context.Context) (domain.LoadReport, error)
	RequestMetrics() domain.RequestMetrics
	LimiterStats() domain.LimiterStats
	RateLimitInfo(principal string) domain.RateLimitInfo
	ResetRateLimit(principal string)
	ResetAllRateLimits()
	Uptime() time.Duration
}

// HandlerContext is what a plugin handler receives for one message.
type HandlerContext struct {
	*domain.DispatchContext

	Event     *domain.InboundEvent
	Settings  domain.BotSettings
	Transport Transport
	Store     Store
	Logger    Logger
	Admin     RuntimeAdmin
}

// Reply sends text to the chat, quoting the triggering message.
func (hc *HandlerContext) Reply(ctx context.Context, text string) error {
	return hc.Transport.Send(ctx, hc.ChatID, domain.OutboundContent{Text: text}, domain.SendOptions{Quoted: &hc.Event.Key})
}

// Send delivers arbitrary content to the chat without quoting.
func (hc *HandlerContext) Send(ctx context.Context, content domain.OutboundContent) error {
	return hc.Transport.Send(ctx, hc.ChatID, content, domain.SendOptions{})
}

// React attaches an emoji reaction to the triggering message.
func (hc *HandlerContext) React(ctx context.Context, glyph string) error {
	content := domain.OutboundContent{React: &domain.Reaction{Text: glyph, Key: hc.Event.Key}}
	return hc.Transport.Send(ctx, hc.ChatID, content, domain.SendOptions{})
}

// Collection opens a persistence collection.
func (hc *HandlerContext) Collection(name string) (Collection, error) {
	if hc.Store == nil {
		return nil, domain.ErrBackendUnavailable
	}
	return hc.Store.Collection(name)
}

// Groups returns the transport's group operations when it has any.
func (hc *HandlerContext) Groups() (GroupDirectory, bool) {
	gd, ok := hc.Transport.(GroupDirectory)
	return gd, ok
}

// GroupContext is what a GroupObserver receives.
type GroupContext struct {
	Update    *domain.GroupUpdate
	Settings  domain.BotSettings
	Transport Transport
	Store     Store
	Logger    Logger
}

// InitContext is what an Initializer receives. Transport is nil when the
// plugin is loaded outside a running bot.
type InitContext struct {
	Settings  domain.BotSettings
	Transport Transport
	Store     Store
	Logger    Logger
}
