package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// LuaPlugin is a plugin defined by a chunk that returns a table:
//
//	return { name = "dice", pattern = "dice", run = function(ctx) ctx.reply("4") end }
//
// The state only has the base, table, string and math libraries.
type LuaPlugin struct {
	desc     domain.PluginDescriptor
	timeout  time.Duration
	logger   ports.Logger
	handlers map[string]*lua.LFunction

	mu     sync.Mutex
	L      *lua.LState
	closed bool
}

// unsafeGlobals are removed from the base library.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module", "require", "collectgarbage"}

func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// LoadLua runs a chunk and reads the plugin table it returns.
func LoadLua(unit string, src []byte, opts Options) (*LuaPlugin, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	p := &LuaPlugin{
		timeout:  opts.timeout(),
		logger:   opts.Logger.With("unit", unit),
		handlers: make(map[string]*lua.LFunction),
		L:        newSandboxedState(),
	}
	p.L.SetGlobal("print", p.L.NewFunction(p.print))

	fn, err := p.L.Load(strings.NewReader(string(src)), unit)
	if err != nil {
		p.L.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", unit, err)
	}

	var ret lua.LValue
	err = p.guard(context.Background(), func() error {
		if err := p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
			return err
		}
		ret = p.L.Get(-1)
		p.L.Pop(1)
		return nil
	})
	if err != nil {
		p.L.Close()
		return nil, fmt.Errorf("failed to run %s: %w", unit, err)
	}

	tbl, ok := ret.(*lua.LTable)
	if !ok {
		p.L.Close()
		return nil, fmt.Errorf("%w: %s must return a table, got %s", domain.ErrInvalidPlugin, unit, ret.Type())
	}
	if err := p.readTable(tbl); err != nil {
		p.L.Close()
		return nil, err
	}
	p.desc.Kind = domain.PluginKindLua
	p.desc.Unit = unit
	return p, nil
}

func (p *LuaPlugin) print(L *lua.LState) int {
	parts := make([]string, L.GetTop())
	for i := range parts {
		parts[i] = L.ToStringMeta(L.Get(i + 1)).String()
	}
	p.logger.Info(strings.Join(parts, "\t"))
	return 0
}

func (p *LuaPlugin) readTable(tbl *lua.LTable) error {
	str := func(key string) string {
		if s, ok := tbl.RawGetString(key).(lua.LString); ok {
			return string(s)
		}
		return ""
	}

	patterns, err := stringList(luaToGo(tbl.RawGetString("pattern")))
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	aliases, err := stringList(luaToGo(tbl.RawGetString("alias")))
	if err != nil {
		return fmt.Errorf("alias: %w", err)
	}

	p.desc = domain.PluginDescriptor{
		Name:        str("name"),
		Patterns:    patterns,
		Aliases:     aliases,
		Category:    str("category"),
		Description: str("desc"),
		React:       str("react"),
		Permissions: domain.Permissions{
			OwnerOnly: lua.LVAsBool(tbl.RawGetString("ownerOnly")),
			GroupOnly: lua.LVAsBool(tbl.RawGetString("groupOnly")),
		},
	}
	if enabled := tbl.RawGetString("enabled"); enabled != lua.LNil {
		p.desc.Permissions.Disabled = !lua.LVAsBool(enabled)
	}

	for _, name := range []string{"run", "onMessage", "onStatus", "onGroupUpdate", "init"} {
		v := tbl.RawGetString(name)
		if v == lua.LNil {
			continue
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return fmt.Errorf("%w: %s is not a function", domain.ErrInvalidPlugin, name)
		}
		p.handlers[name] = fn
	}
	return nil
}

// Descriptor implements ports.Plugin.
func (p *LuaPlugin) Descriptor() domain.PluginDescriptor { return p.desc }

// Handlers implements ports.HandlerSet.
func (p *LuaPlugin) Handlers() domain.Handlers {
	return domain.Handlers{
		Run:           p.handlers["run"] != nil,
		OnMessage:     p.handlers["onMessage"] != nil,
		OnStatus:      p.handlers["onStatus"] != nil,
		OnGroupUpdate: p.handlers["onGroupUpdate"] != nil,
		Init:          p.handlers["init"] != nil,
	}
}

// Run implements ports.Runner.
func (p *LuaPlugin) Run(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "run", hc)
}

// OnMessage implements ports.MessageObserver.
func (p *LuaPlugin) OnMessage(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "onMessage", hc)
}

// OnStatus implements ports.StatusObserver.
func (p *LuaPlugin) OnStatus(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "onStatus", hc)
}

// OnGroupUpdate implements ports.GroupObserver.
func (p *LuaPlugin) OnGroupUpdate(ctx context.Context, gc *ports.GroupContext) error {
	return p.call(ctx, "onGroupUpdate", func() *lua.LTable {
		t := goToLua(p.L, GroupView(gc)).(*lua.LTable)
		p.bindStore(ctx, t, gc.Store)
		return t
	})
}

// Init implements ports.Initializer.
func (p *LuaPlugin) Init(ctx context.Context, ic *ports.InitContext) error {
	return p.call(ctx, "init", func() *lua.LTable {
		t := goToLua(p.L, InitView(ic)).(*lua.LTable)
		p.bindStore(ctx, t, ic.Store)
		return t
	})
}

func (p *LuaPlugin) callMessage(ctx context.Context, handler string, hc *ports.HandlerContext) error {
	return p.call(ctx, handler, func() *lua.LTable {
		t := goToLua(p.L, MessageView(hc)).(*lua.LTable)
		t.RawSetString("reply", p.L.NewFunction(func(L *lua.LState) int {
			if err := hc.Reply(ctx, L.CheckString(1)); err != nil {
				L.RaiseError("reply failed: %s", err.Error())
			}
			return 0
		}))
		t.RawSetString("react", p.L.NewFunction(func(L *lua.LState) int {
			if err := hc.React(ctx, L.CheckString(1)); err != nil {
				L.RaiseError("react failed: %s", err.Error())
			}
			return 0
		}))
		p.bindStore(ctx, t, hc.Store)
		return t
	})
}

func (p *LuaPlugin) bindStore(ctx context.Context, t *lua.LTable, store ports.Store) {
	s := p.L.SetFuncs(p.L.NewTable(), map[string]lua.LGFunction{
		"get": func(L *lua.LState) int {
			v, err := storeGet(ctx, store, L.CheckString(1), L.CheckString(2))
			if err != nil {
				L.RaiseError("store.get failed: %s", err.Error())
			}
			L.Push(goToLua(L, v))
			return 1
		},
		"set": func(L *lua.LState) int {
			if err := storeSet(ctx, store, L.CheckString(1), L.CheckString(2), luaToGo(L.CheckAny(3))); err != nil {
				L.RaiseError("store.set failed: %s", err.Error())
			}
			return 0
		},
		"del": func(L *lua.LState) int {
			if err := storeDelete(ctx, store, L.CheckString(1), L.CheckString(2)); err != nil {
				L.RaiseError("store.del failed: %s", err.Error())
			}
			return 0
		},
	})
	t.RawSetString("store", s)
}

func (p *LuaPlugin) call(ctx context.Context, handler string, arg func() *lua.LTable) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPluginClosed
	}
	fn := p.handlers[handler]
	if fn == nil {
		return nil
	}
	return p.guard(ctx, func() error {
		return p.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, arg())
	})
}

// guard bounds a call with the plugin timeout. Callers hold p.mu or own the
// state exclusively.
func (p *LuaPlugin) guard(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	p.L.SetContext(ctx)
	defer p.L.RemoveContext()

	err := fn()
	if err != nil && ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		return ctx.Err()
	}
	return err
}

// Close releases the Lua state.
func (p *LuaPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
	return nil
}

// goToLua converts JSON-shaped Go values to Lua values.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case string:
		return lua.LString(t)
	case float64:
		return lua.LNumber(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case []interface{}:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(goToLua(L, item))
		}
		return tbl
	case []string:
		tbl := L.NewTable()
		for _, item := range t {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	}
	return lua.LString(fmt.Sprint(v))
}

// luaToGo converts Lua values to JSON-shaped Go values. Tables with only
// positive integer keys become lists.
func luaToGo(v lua.LValue) interface{} {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LString:
		return string(t)
	case lua.LNumber:
		return float64(t)
	case *lua.LTable:
		if n := t.MaxN(); n > 0 && n == tableLen(t) {
			list := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, luaToGo(t.RawGetInt(i)))
			}
			return list
		}
		m := make(map[string]interface{})
		t.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val)
		})
		return m
	}
	return v.String()
}

func tableLen(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

var (
	_ ports.Runner          = (*LuaPlugin)(nil)
	_ ports.MessageObserver = (*LuaPlugin)(nil)
	_ ports.StatusObserver  = (*LuaPlugin)(nil)
	_ ports.GroupObserver   = (*LuaPlugin)(nil)
	_ ports.Initializer     = (*LuaPlugin)(nil)
	_ ports.HandlerSet      = (*LuaPlugin)(nil)
)
