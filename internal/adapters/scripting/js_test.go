package scripting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

const helloJS = `
module.exports = {
  name: "hello",
  pattern: "hello",
  alias: ["hi", "hey"],
  category: "fun",
  desc: "Greets the sender",
  react: "👋",
  run: async (ctx) => {
    await ctx.reply("hello " + ctx.pushName + " " + ctx.args.join(","));
    await ctx.react("✅");
  },
};
`

func loadJS(t *testing.T, src string, timeout time.Duration) *JSPlugin {
	t.Helper()
	p, err := LoadJS("hello.js", []byte(src), Options{Timeout: timeout, Logger: &mockLogger{}})
	if err != nil {
		t.Fatalf("LoadJS failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestLoadJS_Descriptor(t *testing.T) {
	p := loadJS(t, helloJS, 0)
	d := p.Descriptor()

	if d.Name != "hello" || d.Kind != domain.PluginKindJS || d.Unit != "hello.js" {
		t.Errorf("unexpected descriptor: %+v", d)
	}
	if len(d.Patterns) != 1 || d.Patterns[0] != "hello" {
		t.Errorf("unexpected patterns: %v", d.Patterns)
	}
	if len(d.Aliases) != 2 || d.Aliases[1] != "hey" {
		t.Errorf("unexpected aliases: %v", d.Aliases)
	}
	if d.Category != "fun" || d.Description != "Greets the sender" || d.React != "👋" {
		t.Errorf("unexpected metadata: %+v", d)
	}
	if d.Permissions.OwnerOnly || d.Permissions.Disabled {
		t.Errorf("unexpected permissions: %+v", d.Permissions)
	}

	h := p.Handlers()
	if !h.Run || h.OnMessage || h.Init {
		t.Errorf("unexpected handlers: %+v", h)
	}
}

func TestLoadJS_Permissions(t *testing.T) {
	p := loadJS(t, `module.exports = { name: "ban", pattern: "ban", ownerOnly: true, groupOnly: true, enabled: false, run() {} }`, 0)
	perms := p.Descriptor().Permissions
	if !perms.OwnerOnly || !perms.GroupOnly || !perms.Disabled {
		t.Errorf("unexpected permissions: %+v", perms)
	}
}

func TestLoadJS_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
	}{
		{"syntax error", `module.exports = {`, nil},
		{"throws", `throw new Error("nope")`, nil},
		{"run not a function", `module.exports = { name: "x", run: 5 }`, domain.ErrInvalidPlugin},
		{"bad pattern type", `module.exports = { name: "x", pattern: 5 }`, domain.ErrInvalidPlugin},
		{"exports null", `module.exports = null`, domain.ErrInvalidPlugin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadJS("bad.js", []byte(tt.src), Options{Logger: &mockLogger{}})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadJS_RequiresLogger(t *testing.T) {
	if _, err := LoadJS("hello.js", []byte(helloJS), Options{}); err == nil {
		t.Error("expected error without logger")
	}
}

func TestJSPlugin_Run(t *testing.T) {
	p := loadJS(t, helloJS, 0)
	transport := &mockTransport{}
	hc := newHandlerContext(".hello a b", &domain.ParsedCommand{Command: "hello", Args: []string{"a", "b"}}, transport, nil)

	if err := p.Run(context.Background(), hc); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(transport.texts) != 1 || transport.texts[0] != "hello Wanjiku a,b" {
		t.Errorf("unexpected replies: %v", transport.texts)
	}
	if len(transport.reactions) != 1 || transport.reactions[0] != "✅" {
		t.Errorf("unexpected reactions: %v", transport.reactions)
	}
}

func TestJSPlugin_ReplyErrorRejects(t *testing.T) {
	p := loadJS(t, helloJS, 0)
	transport := &mockTransport{sendErr: errors.New("socket closed")}
	hc := newHandlerContext(".hello", &domain.ParsedCommand{Command: "hello"}, transport, nil)

	err := p.Run(context.Background(), hc)
	if err == nil || !strings.Contains(err.Error(), "socket closed") {
		t.Errorf("expected send error to surface, got %v", err)
	}
}

func TestJSPlugin_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"sync throw", `module.exports = { name: "x", run() { throw new Error("sync boom") } }`, "sync boom"},
		{"async reject", `module.exports = { name: "x", run: async () => { throw new Error("async boom") } }`, "async boom"},
		{"never settles", `module.exports = { name: "x", run: () => new Promise(() => {}) }`, "never settled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := loadJS(t, tt.src, 0)
			hc := newHandlerContext(".x", &domain.ParsedCommand{Command: "x"}, &mockTransport{}, nil)
			err := p.Run(context.Background(), hc)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestJSPlugin_Timeout(t *testing.T) {
	p := loadJS(t, `module.exports = { name: "spin", run() { for (;;) {} } }`, 50*time.Millisecond)
	hc := newHandlerContext(".spin", &domain.ParsedCommand{Command: "spin"}, &mockTransport{}, nil)

	start := time.Now()
	err := p.Run(context.Background(), hc)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not interrupt the script")
	}

	// The VM stays usable after an interrupt.
	if err := p.OnMessage(context.Background(), hc); err != nil {
		t.Errorf("missing handler should be a no-op, got %v", err)
	}
}

func TestJSPlugin_Store(t *testing.T) {
	src := `
module.exports = {
  name: "counter",
  onMessage(ctx) {
    const cur = ctx.store.get("counts", ctx.sender) || { n: 0 };
    ctx.store.set("counts", ctx.sender, { n: cur.n + 1, last: ctx.text });
  },
};
`
	p := loadJS(t, src, 0)
	store := newMemoryStore()
	hc := newHandlerContext("hey", nil, &mockTransport{}, store)

	for i := 0; i < 3; i++ {
		if err := p.OnMessage(context.Background(), hc); err != nil {
			t.Fatalf("OnMessage failed: %v", err)
		}
	}
	if got := store.raw("counts", userJID); got != `{"last":"hey","n":3}` {
		t.Errorf("unexpected stored value: %s", got)
	}
}

func TestJSPlugin_GroupAndInit(t *testing.T) {
	src := `
let greeting = "";
module.exports = {
  name: "welcome",
  init(ctx) { greeting = "welcome to " + ctx.botName; },
  onGroupUpdate(ctx) {
    if (ctx.action === "add") ctx.store.set("welcomed", ctx.participants[0], greeting);
  },
};
`
	p := loadJS(t, src, 0)
	store := newMemoryStore()

	ic := newInitContext(store)
	if err := p.Init(context.Background(), ic); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	gc := newGroupContext(store)
	if err := p.OnGroupUpdate(context.Background(), gc); err != nil {
		t.Fatalf("OnGroupUpdate failed: %v", err)
	}
	if got := store.raw("welcomed", userJID); got != `"welcome to MidKnight"` {
		t.Errorf("unexpected stored value: %s", got)
	}
}

func TestJSPlugin_Console(t *testing.T) {
	logger := &mockLogger{}
	p, err := LoadJS("log.js", []byte(`console.log("loaded", 1); module.exports = { name: "log" }`), Options{Logger: logger})
	if err != nil {
		t.Fatalf("LoadJS failed: %v", err)
	}
	defer p.Close()
	if len(logger.lines) != 1 || logger.lines[0] != "loaded 1" {
		t.Errorf("unexpected log lines: %v", logger.lines)
	}
}

func TestJSPlugin_Closed(t *testing.T) {
	p := loadJS(t, helloJS, 0)
	p.Close()
	hc := newHandlerContext(".hello", &domain.ParsedCommand{Command: "hello"}, &mockTransport{}, nil)
	if err := p.Run(context.Background(), hc); err == nil {
		t.Error("expected error after Close")
	}
}
