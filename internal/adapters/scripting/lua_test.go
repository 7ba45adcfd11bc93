package scripting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

const diceLua = `
local faces = 6
return {
  name = "dice",
  pattern = "dice",
  alias = {"roll", "d"},
  category = "fun",
  desc = "Rolls a die",
  ownerOnly = false,
  run = function(ctx)
    local n = tonumber(ctx.args[1]) or faces
    ctx.reply(ctx.pushName .. " rolled a d" .. n)
    ctx.react("🎲")
  end,
}
`

func loadLua(t *testing.T, src string, timeout time.Duration) *LuaPlugin {
	t.Helper()
	p, err := LoadLua("dice.lua", []byte(src), Options{Timeout: timeout, Logger: &mockLogger{}})
	if err != nil {
		t.Fatalf("LoadLua failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestLoadLua_Descriptor(t *testing.T) {
	p := loadLua(t, diceLua, 0)
	d := p.Descriptor()

	if d.Name != "dice" || d.Kind != domain.PluginKindLua || d.Unit != "dice.lua" {
		t.Errorf("unexpected descriptor: %+v", d)
	}
	if len(d.Patterns) != 1 || d.Patterns[0] != "dice" {
		t.Errorf("unexpected patterns: %v", d.Patterns)
	}
	if len(d.Aliases) != 2 || d.Aliases[0] != "roll" {
		t.Errorf("unexpected aliases: %v", d.Aliases)
	}
	if d.Category != "fun" || d.Description != "Rolls a die" {
		t.Errorf("unexpected metadata: %+v", d)
	}

	h := p.Handlers()
	if !h.Run || h.OnMessage || h.OnGroupUpdate {
		t.Errorf("unexpected handlers: %+v", h)
	}
}

func TestLoadLua_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr error
	}{
		{"syntax error", `return {`, nil},
		{"runtime error", `error("nope")`, nil},
		{"no table", `return 42`, domain.ErrInvalidPlugin},
		{"run not a function", `return { name = "x", run = 5 }`, domain.ErrInvalidPlugin},
		{"bad alias", `return { name = "x", pattern = "x", alias = { 1, 2 } }`, domain.ErrInvalidPlugin},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadLua("bad.lua", []byte(tt.src), Options{Logger: &mockLogger{}})
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadLua_Sandbox(t *testing.T) {
	p := loadLua(t, diceLua, 0)
	for _, name := range []string{"os", "io", "dofile", "loadfile", "loadstring", "require", "debug"} {
		if p.L.GetGlobal(name) != lua.LNil {
			t.Errorf("%s should not be reachable from plugins", name)
		}
	}
	for _, name := range []string{"string", "table", "math", "pairs"} {
		if p.L.GetGlobal(name) == lua.LNil {
			t.Errorf("%s should be available to plugins", name)
		}
	}

	_, err := LoadLua("escape.lua", []byte(`return { name = "x", f = os.execute("true") }`), Options{Logger: &mockLogger{}})
	if err == nil {
		t.Error("expected os access to fail")
	}
}

func TestLuaPlugin_Run(t *testing.T) {
	p := loadLua(t, diceLua, 0)
	transport := &mockTransport{}
	hc := newHandlerContext(".dice 20", &domain.ParsedCommand{Command: "dice", Args: []string{"20"}}, transport, nil)

	if err := p.Run(context.Background(), hc); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(transport.texts) != 1 || transport.texts[0] != "Wanjiku rolled a d20" {
		t.Errorf("unexpected replies: %v", transport.texts)
	}
	if len(transport.reactions) != 1 || transport.reactions[0] != "🎲" {
		t.Errorf("unexpected reactions: %v", transport.reactions)
	}
}

func TestLuaPlugin_Errors(t *testing.T) {
	p := loadLua(t, `return { name = "x", run = function(ctx) error("lua boom") end }`, 0)
	hc := newHandlerContext(".x", &domain.ParsedCommand{Command: "x"}, &mockTransport{}, nil)

	err := p.Run(context.Background(), hc)
	if err == nil || !strings.Contains(err.Error(), "lua boom") {
		t.Errorf("expected lua error, got %v", err)
	}

	p = loadLua(t, diceLua, 0)
	hc = newHandlerContext(".dice", &domain.ParsedCommand{Command: "dice"}, &mockTransport{sendErr: errors.New("socket closed")}, nil)
	err = p.Run(context.Background(), hc)
	if err == nil || !strings.Contains(err.Error(), "socket closed") {
		t.Errorf("expected send error to surface, got %v", err)
	}
}

func TestLuaPlugin_Timeout(t *testing.T) {
	p := loadLua(t, `return { name = "spin", run = function(ctx) while true do end end }`, 50*time.Millisecond)
	hc := newHandlerContext(".spin", &domain.ParsedCommand{Command: "spin"}, &mockTransport{}, nil)

	err := p.Run(context.Background(), hc)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLuaPlugin_Store(t *testing.T) {
	src := `
return {
  name = "counter",
  onMessage = function(ctx)
    local cur = ctx.store.get("counts", ctx.sender) or { n = 0 }
    ctx.store.set("counts", ctx.sender, { n = cur.n + 1, tags = { "a", "b" } })
  end,
}
`
	p := loadLua(t, src, 0)
	store := newMemoryStore()
	hc := newHandlerContext("hey", nil, &mockTransport{}, store)

	for i := 0; i < 2; i++ {
		if err := p.OnMessage(context.Background(), hc); err != nil {
			t.Fatalf("OnMessage failed: %v", err)
		}
	}
	if got := store.raw("counts", userJID); got != `{"n":2,"tags":["a","b"]}` {
		t.Errorf("unexpected stored value: %s", got)
	}

	src = `return { name = "cleaner", onMessage = function(ctx) ctx.store.del("counts", ctx.sender) end }`
	cleaner := loadLua(t, src, 0)
	if err := cleaner.OnMessage(context.Background(), hc); err != nil {
		t.Fatalf("OnMessage failed: %v", err)
	}
	if got := store.raw("counts", userJID); got != "" {
		t.Errorf("expected key to be deleted, got %s", got)
	}
}

func TestLuaPlugin_StoreUnavailable(t *testing.T) {
	p := loadLua(t, `return { name = "x", onMessage = function(ctx) ctx.store.get("a", "b") end }`, 0)
	hc := newHandlerContext("hey", nil, &mockTransport{}, nil)
	err := p.OnMessage(context.Background(), hc)
	if err == nil || !strings.Contains(err.Error(), "store.get failed") {
		t.Errorf("expected store error, got %v", err)
	}
}

func TestLuaPlugin_GroupAndInit(t *testing.T) {
	src := `
local greeting = ""
return {
  name = "welcome",
  init = function(ctx) greeting = "welcome to " .. ctx.botName end,
  onGroupUpdate = function(ctx)
    if ctx.action == "add" then ctx.store.set("welcomed", ctx.participants[1], greeting) end
  end,
}
`
	p := loadLua(t, src, 0)
	store := newMemoryStore()

	if err := p.Init(context.Background(), newInitContext(store)); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := p.OnGroupUpdate(context.Background(), newGroupContext(store)); err != nil {
		t.Fatalf("OnGroupUpdate failed: %v", err)
	}
	if got := store.raw("welcomed", userJID); got != `"welcome to MidKnight"` {
		t.Errorf("unexpected stored value: %s", got)
	}
}

func TestLuaValueConversion(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	in := map[string]interface{}{
		"name":  "alice",
		"score": 4.5,
		"ok":    true,
		"tags":  []interface{}{"x", "y"},
		"empty": map[string]interface{}{},
	}
	out, ok := luaToGo(goToLua(L, in)).(map[string]interface{})
	if !ok {
		t.Fatalf("expected map, got %T", out)
	}
	if out["name"] != "alice" || out["score"] != 4.5 || out["ok"] != true {
		t.Errorf("unexpected scalars: %v", out)
	}
	if tags, ok := out["tags"].([]interface{}); !ok || len(tags) != 2 || tags[1] != "y" {
		t.Errorf("unexpected tags: %#v", out["tags"])
	}
	if empty, ok := out["empty"].(map[string]interface{}); !ok || len(empty) != 0 {
		t.Errorf("unexpected empty table: %#v", out["empty"])
	}
}
