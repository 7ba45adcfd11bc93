package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

var errPluginClosed = errors.New("plugin closed")

// JSPlugin is a plugin defined by a CommonJS style module:
//
//	module.exports = { name: "hello", pattern: "hello", run: async (ctx) => { await ctx.reply("hi") } }
//
// The goja runtime is not goroutine safe, so calls are serialized.
type JSPlugin struct {
	desc     domain.PluginDescriptor
	timeout  time.Duration
	logger   ports.Logger
	handlers map[string]goja.Callable

	mu     sync.Mutex
	vm     *goja.Runtime
	closed bool
}

// LoadJS evaluates a script and reads its exported plugin definition.
func LoadJS(unit string, src []byte, opts Options) (*JSPlugin, error) {
	logger := opts.Logger
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	p := &JSPlugin{
		timeout:  opts.timeout(),
		logger:   logger.With("unit", unit),
		handlers: make(map[string]goja.Callable),
		vm:       goja.New(),
	}

	module := p.vm.NewObject()
	exports := p.vm.NewObject()
	module.Set("exports", exports)
	p.vm.Set("module", module)
	p.vm.Set("exports", exports)
	p.vm.Set("console", p.console())

	err := p.guard(context.Background(), func() error {
		_, err := p.vm.RunScript(unit, string(src))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", unit, err)
	}

	exported := module.Get("exports")
	if exported == nil || goja.IsUndefined(exported) || goja.IsNull(exported) {
		return nil, fmt.Errorf("%w: %s exports nothing", domain.ErrInvalidPlugin, unit)
	}
	if err := p.readExports(exported.ToObject(p.vm)); err != nil {
		return nil, err
	}
	p.desc.Kind = domain.PluginKindJS
	p.desc.Unit = unit
	return p, nil
}

func (p *JSPlugin) console() map[string]interface{} {
	logAt := func(log func(string, ...interface{})) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			log(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	return map[string]interface{}{
		"log":   logAt(p.logger.Info),
		"info":  logAt(p.logger.Info),
		"debug": logAt(p.logger.Debug),
		"warn":  logAt(p.logger.Warn),
		"error": logAt(p.logger.Error),
	}
}

func (p *JSPlugin) readExports(exp *goja.Object) error {
	get := func(key string) interface{} {
		v := exp.Get(key)
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil
		}
		return v.Export()
	}
	str := func(key string) string {
		s, _ := get(key).(string)
		return s
	}

	patterns, err := stringList(get("pattern"))
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	aliases, err := stringList(get("alias"))
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
			OwnerOnly: exp.Get("ownerOnly") != nil && exp.Get("ownerOnly").ToBoolean(),
			GroupOnly: exp.Get("groupOnly") != nil && exp.Get("groupOnly").ToBoolean(),
		},
	}
	if enabled := exp.Get("enabled"); enabled != nil && !goja.IsUndefined(enabled) {
		p.desc.Permissions.Disabled = !enabled.ToBoolean()
	}

	for _, name := range []string{"run", "onMessage", "onStatus", "onGroupUpdate", "init"} {
		v := exp.Get(name)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		fn, ok := goja.AssertFunction(v)
		if !ok {
			return fmt.Errorf("%w: %s is not a function", domain.ErrInvalidPlugin, name)
		}
		p.handlers[name] = fn
	}
	return nil
}

// Descriptor implements ports.Plugin.
func (p *JSPlugin) Descriptor() domain.PluginDescriptor { return p.desc }

// Handlers implements ports.HandlerSet.
func (p *JSPlugin) Handlers() domain.Handlers {
	return domain.Handlers{
		Run:           p.handlers["run"] != nil,
		OnMessage:     p.handlers["onMessage"] != nil,
		OnStatus:      p.handlers["onStatus"] != nil,
		OnGroupUpdate: p.handlers["onGroupUpdate"] != nil,
		Init:          p.handlers["init"] != nil,
	}
}

// Run implements ports.Runner.
func (p *JSPlugin) Run(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "run", hc)
}

// OnMessage implements ports.MessageObserver.
func (p *JSPlugin) OnMessage(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "onMessage", hc)
}

// OnStatus implements ports.StatusObserver.
func (p *JSPlugin) OnStatus(ctx context.Context, hc *ports.HandlerContext) error {
	return p.callMessage(ctx, "onStatus", hc)
}

// OnGroupUpdate implements ports.GroupObserver.
func (p *JSPlugin) OnGroupUpdate(ctx context.Context, gc *ports.GroupContext) error {
	return p.call(ctx, "onGroupUpdate", func() *goja.Object {
		obj := p.object(GroupView(gc))
		p.bindStore(ctx, obj, gc.Store)
		return obj
	})
}

// Init implements ports.Initializer.
func (p *JSPlugin) Init(ctx context.Context, ic *ports.InitContext) error {
	return p.call(ctx, "init", func() *goja.Object {
		obj := p.object(InitView(ic))
		p.bindStore(ctx, obj, ic.Store)
		return obj
	})
}

func (p *JSPlugin) callMessage(ctx context.Context, handler string, hc *ports.HandlerContext) error {
	return p.call(ctx, handler, func() *goja.Object {
		obj := p.object(MessageView(hc))
		obj.Set("reply", func(text string) error { return hc.Reply(ctx, text) })
		obj.Set("react", func(glyph string) error { return hc.React(ctx, glyph) })
		p.bindStore(ctx, obj, hc.Store)
		return obj
	})
}

func (p *JSPlugin) object(view map[string]interface{}) *goja.Object {
	obj := p.vm.NewObject()
	for k, v := range view {
		obj.Set(k, v)
	}
	return obj
}

func (p *JSPlugin) bindStore(ctx context.Context, obj *goja.Object, store ports.Store) {
	s := p.vm.NewObject()
	s.Set("get", func(collection, key string) (interface{}, error) {
		return storeGet(ctx, store, collection, key)
	})
	s.Set("set", func(collection, key string, value goja.Value) error {
		return storeSet(ctx, store, collection, key, value.Export())
	})
	s.Set("del", func(collection, key string) error {
		return storeDelete(ctx, store, collection, key)
	})
	obj.Set("store", s)
}

// call runs one exported handler with the argument built by arg.
func (p *JSPlugin) call(ctx context.Context, handler string, arg func() *goja.Object) error {
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
		result, err := fn(goja.Undefined(), arg())
		if err != nil {
			return err
		}
		return settle(result)
	})
}

// guard interrupts the VM when the call outlives its deadline. Callers hold
// p.mu or own the VM exclusively.
func (p *JSPlugin) guard(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	done := make(chan struct{})
	watcher := make(chan struct{})
	go func() {
		defer close(watcher)
		select {
		case <-ctx.Done():
			p.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	err := fn()
	close(done)
	<-watcher
	p.vm.ClearInterrupt()

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
		}
		return ctx.Err()
	}
	return err
}

// settle turns a rejected or never-settled promise into an error.
func settle(result goja.Value) error {
	if result == nil {
		return nil
	}
	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	switch promise.State() {
	case goja.PromiseStateRejected:
		reason := promise.Result()
		if obj, ok := reason.(*goja.Object); ok {
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				return errors.New(msg.String())
			}
		}
		return errors.New(reason.String())
	case goja.PromiseStatePending:
		return errors.New("handler returned a promise that never settled")
	}
	return nil
}

// Close releases the VM.
func (p *JSPlugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.handlers = nil
	return nil
}

var (
	_ ports.Runner          = (*JSPlugin)(nil)
	_ ports.MessageObserver = (*JSPlugin)(nil)
	_ ports.StatusObserver  = (*JSPlugin)(nil)
	_ ports.GroupObserver   = (*JSPlugin)(nil)
	_ ports.Initializer     = (*JSPlugin)(nil)
	_ ports.HandlerSet      = (*JSPlugin)(nil)
)
