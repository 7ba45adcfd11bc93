package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// ErrNoTerminal is returned when the console is started without a TTY.
var ErrNoTerminal = errors.New("console requires an interactive terminal")

const (
	consoleSelf  = "254700000000@s.whatsapp.net"
	consoleGroup = "120363000000000000@g.us"
)

// ConsoleOptions configures the terminal console.
type ConsoleOptions struct {
	// As is the phone number the typed messages come from.
	As string
	// Group simulates a group chat with the sender as its only admin.
	Group    bool
	PushName string
	Settings domain.BotSettings
	// Admin feeds the plugin and stats tabs. May be nil.
	Admin ports.RuntimeAdmin
}

// Console is an interactive terminal transport. Typed lines become inbound
// events; anything the bot sends is printed in the chat tab.
type Console struct {
	opts   ConsoleOptions
	sender string
	chat   string
	logger ports.Logger

	ctx    context.Context
	inbox  chan string
	outbox chan chatLine

	mu     sync.Mutex
	events map[string]string
}

// NewConsole creates a console transport.
func NewConsole(opts ConsoleOptions, logger ports.Logger) *Console {
	if opts.PushName == "" {
		opts.PushName = "Console"
	}
	sender := domain.PhoneToJID(opts.As)
	if sender == "" {
		sender = "254711111111@s.whatsapp.net"
	}
	chat := sender
	if opts.Group {
		chat = consoleGroup
	}
	return &Console{
		opts:   opts,
		sender: sender,
		chat:   chat,
		logger: logger.With("component", "console"),
		ctx:    context.Background(),
		inbox:  make(chan string, 16),
		outbox: make(chan chatLine, 64),
		events: make(map[string]string),
	}
}

// AttachAdmin sets the runtime shown in the plugin and stats tabs. Call it
// before Run.
func (c *Console) AttachAdmin(admin ports.RuntimeAdmin) {
	c.opts.Admin = admin
}

// Run starts the terminal program and feeds typed lines to sink until the
// user quits or ctx is cancelled.
func (c *Console) Run(ctx context.Context, sink ports.EventSink) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return ErrNoTerminal
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ctx = ctx

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pump(ctx, sink)
	}()
	defer wg.Wait()

	p := tea.NewProgram(NewModel(c), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("console failed: %w", err)
	}
	return nil
}

// pump turns typed lines into events, one at a time.
func (c *Console) pump(ctx context.Context, sink ports.EventSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-c.inbox:
			sink.HandleMessage(ctx, c.event(text))
		}
	}
}

// event builds the inbound event for one typed line.
func (c *Console) event(text string) *domain.InboundEvent {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
	payload, _ := json.Marshal(map[string]string{"conversation": text})

	key := domain.EventKey{ID: id, RemoteJID: c.chat}
	if c.opts.Group {
		key.Participant = c.sender
	}

	c.mu.Lock()
	c.events[id] = text
	c.mu.Unlock()

	return &domain.InboundEvent{
		Key:       key,
		Message:   payload,
		PushName:  c.opts.PushName,
		Timestamp: time.Now(),
	}
}

// Submit queues a line as if the user typed it.
func (c *Console) Submit(ctx context.Context, text string) error {
	select {
	case c.inbox <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send implements ports.Transport.
func (c *Console) Send(ctx context.Context, chatID string, content domain.OutboundContent, opts domain.SendOptions) error {
	var line chatLine
	switch {
	case content.React != nil:
		c.mu.Lock()
		target := c.events[content.React.Key.ID]
		c.mu.Unlock()
		line = chatLine{from: lineReaction, text: fmt.Sprintf("%s on %q", content.React.Text, target)}
	case content.Text != "":
		line = chatLine{from: lineBot, text: content.Text}
	case len(content.Raw) > 0:
		line = chatLine{from: lineBot, text: "[attachment] " + string(content.Raw)}
	default:
		return nil
	}

	select {
	case c.outbox <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SelfID implements ports.Transport.
func (c *Console) SelfID() string { return consoleSelf }

// GroupMetadata implements ports.GroupDirectory for the simulated group.
func (c *Console) GroupMetadata(ctx context.Context, chatID string) (*domain.GroupMetadata, error) {
	if !c.opts.Group || chatID != consoleGroup {
		return nil, fmt.Errorf("unknown group %s", chatID)
	}
	return &domain.GroupMetadata{
		ID:      consoleGroup,
		Subject: "MidKnight Console",
		Participants: []domain.GroupParticipant{
			{ID: c.sender, Admin: "superadmin"},
			{ID: consoleSelf, Admin: "admin"},
		},
	}, nil
}

// UpdateParticipants implements ports.GroupDirectory. The change is only
// shown in the chat.
func (c *Console) UpdateParticipants(ctx context.Context, chatID string, participants []string, action domain.GroupAction) error {
	if !c.opts.Group || chatID != consoleGroup {
		return fmt.Errorf("unknown group %s", chatID)
	}
	text := fmt.Sprintf("[group] %s %s", action, strings.Join(participants, ", "))
	select {
	case c.outbox <- chatLine{from: lineSystem, text: text}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected always reports true; the console has no session to lose.
func (c *Console) Connected() bool { return true }

var (
	_ ports.Transport      = (*Console)(nil)
	_ ports.GroupDirectory = (*Console)(nil)
	_ ports.EventSource    = (*Console)(nil)
)
