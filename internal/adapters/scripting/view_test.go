package scripting

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

const (
	userJID  = "254711111111@s.whatsapp.net"
	groupJID = "120363000000000001@g.us"
)

type mockLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *mockLogger) log(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, msg)
}

func (l *mockLogger) Debug(msg string, args ...interface{}) { l.log(msg) }
func (l *mockLogger) Info(msg string, args ...interface{})  { l.log(msg) }
func (l *mockLogger) Warn(msg string, args ...interface{})  { l.log(msg) }
func (l *mockLogger) Error(msg string, args ...interface{}) { l.log(msg) }
func (l *mockLogger) With(args ...interface{}) ports.Logger { return l }

type mockTransport struct {
	mu        sync.Mutex
	texts     []string
	reactions []string
	sendErr   error
}

func (t *mockTransport) Send(ctx context.Context, chatID string, content domain.OutboundContent, opts domain.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if content.Text != "" {
		t.texts = append(t.texts, content.Text)
	}
	if content.React != nil {
		t.reactions = append(t.reactions, content.React.Text)
	}
	return nil
}

func (t *mockTransport) SelfID() string { return "254799999999@s.whatsapp.net" }

// memoryStore is a map-backed ports.Store.
type memoryStore struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]map[string]json.RawMessage)}
}

func (s *memoryStore) Collection(name string) (ports.Collection, error) {
	if name == "" {
		return nil, domain.ErrInvalidCollection
	}
	return &memoryCollection{name: name, store: s}, nil
}

func (s *memoryStore) Backend() string                { return "memory" }
func (s *memoryStore) Ping(ctx context.Context) error { return nil }
func (s *memoryStore) Close() error                   { return nil }

func (s *memoryStore) raw(collection, key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.data[collection][key])
}

type memoryCollection struct {
	name  string
	store *memoryStore
}

func (c *memoryCollection) Name() string { return c.name }

func (c *memoryCollection) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	v, ok := c.store.data[c.name][key]
	return v, ok, nil
}

func (c *memoryCollection) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if c.store.data[c.name] == nil {
		c.store.data[c.name] = make(map[string]json.RawMessage)
	}
	c.store.data[c.name][key] = raw
	return nil
}

func (c *memoryCollection) Update(ctx context.Context, key string, fn ports.UpdateFunc) (json.RawMessage, error) {
	current, ok, _ := c.Get(ctx, key)
	if !ok {
		current = json.RawMessage(`{}`)
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if err := c.Set(ctx, key, next); err != nil {
		return nil, err
	}
	v, _, _ := c.Get(ctx, key)
	return v, nil
}

func (c *memoryCollection) Delete(ctx context.Context, key string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	delete(c.store.data[c.name], key)
	return nil
}

func (c *memoryCollection) Keys(ctx context.Context) ([]string, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	keys := make([]string, 0, len(c.store.data[c.name]))
	for k := range c.store.data[c.name] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func newHandlerContext(text string, cmd *domain.ParsedCommand, transport ports.Transport, store ports.Store) *ports.HandlerContext {
	return &ports.HandlerContext{
		DispatchContext: &domain.DispatchContext{
			ChatID:   groupJID,
			SenderID: userJID,
			IsGroup:  true,
			Text:     text,
			Command:  cmd,
		},
		Event: &domain.InboundEvent{
			Key:      domain.EventKey{ID: "3EB0C431", RemoteJID: groupJID, Participant: userJID},
			PushName: "Wanjiku",
		},
		Settings:  domain.BotSettings{Name: "MidKnight", Prefix: ".", Mode: domain.ModePublic},
		Transport: transport,
		Store:     store,
		Logger:    &mockLogger{},
	}
}

func newGroupContext(store ports.Store) *ports.GroupContext {
	return &ports.GroupContext{
		Update:    &domain.GroupUpdate{ChatID: groupJID, Participants: []string{userJID}, Action: domain.GroupActionAdd},
		Settings:  domain.BotSettings{Name: "MidKnight", Prefix: "."},
		Transport: &mockTransport{},
		Store:     store,
		Logger:    &mockLogger{},
	}
}

func newInitContext(store ports.Store) *ports.InitContext {
	return &ports.InitContext{
		Settings: domain.BotSettings{Name: "MidKnight", Prefix: ".", Mode: domain.ModePublic},
		Store:    store,
		Logger:   &mockLogger{},
	}
}

func TestMessageView(t *testing.T) {
	hc := newHandlerContext(".dice 2 6", &domain.ParsedCommand{Command: "dice", Args: []string{"2", "6"}, Remainder: "2 6"}, &mockTransport{}, nil)
	v := MessageView(hc)

	if v["command"] != "dice" || v["remainder"] != "2 6" {
		t.Errorf("unexpected command fields: %v %v", v["command"], v["remainder"])
	}
	args, ok := v["args"].([]interface{})
	if !ok || len(args) != 2 || args[1] != "6" {
		t.Errorf("unexpected args: %#v", v["args"])
	}
	if v["chat"] != groupJID || v["sender"] != userJID || v["isGroup"] != true {
		t.Errorf("unexpected chat fields: %v", v)
	}
	if v["id"] != "3EB0C431" || v["pushName"] != "Wanjiku" {
		t.Errorf("unexpected event fields: %v", v)
	}
	if v["prefix"] != "." || v["botName"] != "MidKnight" {
		t.Errorf("unexpected settings fields: %v", v)
	}
}

func TestMessageView_NoCommand(t *testing.T) {
	hc := newHandlerContext("just chatting", nil, &mockTransport{}, nil)
	v := MessageView(hc)
	if v["command"] != "" {
		t.Errorf("expected empty command, got %v", v["command"])
	}
	if args := v["args"].([]interface{}); len(args) != 0 {
		t.Errorf("expected no args, got %v", args)
	}
}

func TestGroupView(t *testing.T) {
	gc := &ports.GroupContext{
		Update:   &domain.GroupUpdate{ChatID: groupJID, Participants: []string{userJID}, Action: domain.GroupActionAdd},
		Settings: domain.BotSettings{Name: "MidKnight", Prefix: "!"},
	}
	v := GroupView(gc)
	if v["action"] != "add" || v["chat"] != groupJID || v["prefix"] != "!" {
		t.Errorf("unexpected view: %v", v)
	}
	if p := v["participants"].([]interface{}); len(p) != 1 || p[0] != userJID {
		t.Errorf("unexpected participants: %v", p)
	}
}

func TestStringList(t *testing.T) {
	tests := []struct {
		name    string
		in      interface{}
		want    []string
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"string", "ping", []string{"ping"}, false},
		{"strings", []string{"a", "b"}, []string{"a", "b"}, false},
		{"mixed list of strings", []interface{}{"a", "b"}, []string{"a", "b"}, false},
		{"number in list", []interface{}{"a", 1.0}, nil, true},
		{"number", 42.0, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stringList(tt.in)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidPlugin) {
					t.Fatalf("expected ErrInvalidPlugin, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestStoreHelpers_NoStore(t *testing.T) {
	_, err := storeGet(context.Background(), nil, "users", "alice")
	if !errors.Is(err, domain.ErrBackendUnavailable) {
		t.Errorf("expected ErrBackendUnavailable, got %v", err)
	}
}
