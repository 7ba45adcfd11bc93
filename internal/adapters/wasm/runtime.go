// Package wasm implements the WebAssembly plugin runtime using wazero.
//
// Guests import the "midknight" host module and export their linear memory,
// a malloc(size i32) i32 allocator and one handler(ptr i32, len i32) i32
// function per capability named in plugin.yaml. The host writes the JSON
// event view into guest memory and calls the handler; a non-zero result is
// reported as a handler failure.
package wasm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/MidknightMantra/MidKnight/internal/adapters/scripting"
	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// HostModule is the import module name guests link against.
const HostModule = "midknight"

// Log levels accepted by the log host function.
const (
	LogDebug uint32 = iota
	LogInfo
	LogWarn
	LogError
)

// ErrTimeout is returned when a guest handler runs past its deadline.
var ErrTimeout = errors.New("wasm call timed out")

var errPluginClosed = errors.New("plugin closed")

// RuntimeOptions configures the WASM runtime.
type RuntimeOptions struct {
	Timeout          time.Duration // Per call deadline (default: 30s)
	MemoryLimitPages uint32        // 64KiB pages per guest (default: 256)
}

// Runtime compiles and hosts Wasm plugins. One wazero runtime is shared by
// every plugin it loads.
type Runtime struct {
	runtime wazero.Runtime
	logger  ports.Logger
	timeout time.Duration
}

// NewRuntime creates a runtime and registers the host module.
func NewRuntime(ctx context.Context, logger ports.Logger, opts RuntimeOptions) (*Runtime, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = scripting.DefaultTimeout
	}
	if opts.MemoryLimitPages == 0 {
		opts.MemoryLimitPages = 256
	}

	config := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(opts.MemoryLimitPages)
	r := wazero.NewRuntimeWithConfig(ctx, config)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	runtime := &Runtime{runtime: r, logger: logger, timeout: opts.Timeout}
	if err := runtime.registerHostFunctions(ctx); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("failed to register host module: %w", err)
	}
	return runtime, nil
}

func (r *Runtime) registerHostFunctions(ctx context.Context) error {
	_, err := r.runtime.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().
		WithFunc(r.hostLog).
		Export("log").
		NewFunctionBuilder().
		WithFunc(r.hostReply).
		Export("reply").
		NewFunctionBuilder().
		WithFunc(r.hostReact).
		Export("react").
		Instantiate(ctx)
	return err
}

// call carries the event a guest handler is running for.
type call struct {
	hc     *ports.HandlerContext
	logger ports.Logger
}

type callKey struct{}

func withCall(ctx context.Context, c *call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

func callFrom(ctx context.Context) *call {
	c, _ := ctx.Value(callKey{}).(*call)
	return c
}

// Host function: log(level i32, ptr i32, len i32)
func (r *Runtime) hostLog(ctx context.Context, m api.Module, level, ptr, length uint32) {
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return
	}
	logger := r.logger
	if c := callFrom(ctx); c != nil {
		logger = c.logger
	}

	msg := string(data)
	switch level {
	case LogDebug:
		logger.Debug(msg)
	case LogWarn:
		logger.Warn(msg)
	case LogError:
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}

// Host function: reply(ptr i32, len i32) -> err_code i32
func (r *Runtime) hostReply(ctx context.Context, m api.Module, ptr, length uint32) int32 {
	return r.send(ctx, m, ptr, length, func(c *call, text string) error {
		return c.hc.Reply(ctx, text)
	})
}

// Host function: react(ptr i32, len i32) -> err_code i32
func (r *Runtime) hostReact(ctx context.Context, m api.Module, ptr, length uint32) int32 {
	return r.send(ctx, m, ptr, length, func(c *call, glyph string) error {
		return c.hc.React(ctx, glyph)
	})
}

func (r *Runtime) send(ctx context.Context, m api.Module, ptr, length uint32, fn func(*call, string) error) int32 {
	c := callFrom(ctx)
	if c == nil || c.hc == nil {
		return -1
	}
	data, ok := m.Memory().Read(ptr, length)
	if !ok {
		return -2
	}
	if err := fn(c, string(data)); err != nil {
		c.logger.Warn("Host send failed", "error", err)
		return -3
	}
	return 0
}

// Load verifies, compiles and instantiates a plugin module.
func (r *Runtime) Load(ctx context.Context, unit string, manifest domain.PluginManifest, wasmBytes []byte) (*Plugin, error) {
	hash := sha256.Sum256(wasmBytes)
	hashStr := hex.EncodeToString(hash[:])
	if manifest.SHA256 != "" && manifest.SHA256 != hashStr {
		return nil, fmt.Errorf("%w: module hash mismatch: expected %s, got %s", domain.ErrInvalidPlugin, manifest.SHA256, hashStr)
	}

	compiled, err := r.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}
	if err := checkExports(compiled, manifest.Exports); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	p := &Plugin{
		runtime:  r,
		desc:     manifest.Descriptor(unit),
		exports:  manifest.Exports,
		compiled: compiled,
		hash:     hashStr,
		logger:   r.logger.With("plugin", manifest.Name, "unit", unit),
	}
	if _, err := p.instance(ctx); err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return p, nil
}

func checkExports(compiled wazero.CompiledModule, exports domain.ManifestExports) error {
	funcs := compiled.ExportedFunctions()
	if _, ok := compiled.ExportedMemories()["memory"]; !ok {
		return fmt.Errorf("%w: module does not export memory", domain.ErrInvalidPlugin)
	}
	if err := checkSignature(funcs, "malloc", []api.ValueType{api.ValueTypeI32}); err != nil {
		return err
	}
	for _, name := range []string{exports.Run, exports.OnMessage, exports.OnStatus, exports.OnGroupUpdate, exports.Init} {
		if name == "" {
			continue
		}
		if err := checkSignature(funcs, name, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}); err != nil {
			return err
		}
	}
	return nil
}

func checkSignature(funcs map[string]api.FunctionDefinition, name string, params []api.ValueType) error {
	def, ok := funcs[name]
	if !ok {
		return fmt.Errorf("%w: module does not export %s", domain.ErrInvalidPlugin, name)
	}
	got := def.ParamTypes()
	results := def.ResultTypes()
	if len(got) != len(params) || len(results) != 1 || results[0] != api.ValueTypeI32 {
		return fmt.Errorf("%w: %s has signature %v -> %v", domain.ErrInvalidPlugin, name, got, results)
	}
	for i := range params {
		if got[i] != params[i] {
			return fmt.Errorf("%w: %s has signature %v -> %v", domain.ErrInvalidPlugin, name, got, results)
		}
	}
	return nil
}

// Close shuts down the runtime and every module it hosts.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Plugin is one loaded Wasm plugin. Calls are serialized; a guest that
// exceeds its deadline is closed by wazero and instantiated again on the
// next call.
type Plugin struct {
	runtime  *Runtime
	desc     domain.PluginDescriptor
	exports  domain.ManifestExports
	compiled wazero.CompiledModule
	hash     string
	logger   ports.Logger

	mu     sync.Mutex
	module api.Module
	closed bool
}

// Hash returns the SHA-256 of the module bytes.
func (p *Plugin) Hash() string { return p.hash }

// Descriptor implements ports.Plugin.
func (p *Plugin) Descriptor() domain.PluginDescriptor { return p.desc }

// Handlers implements ports.HandlerSet.
func (p *Plugin) Handlers() domain.Handlers { return p.exports.Handlers() }

// Run implements ports.Runner.
func (p *Plugin) Run(ctx context.Context, hc *ports.HandlerContext) error {
	return p.call(ctx, p.exports.Run, &call{hc: hc, logger: p.logger}, scripting.MessageView(hc))
}

// OnMessage implements ports.MessageObserver.
func (p *Plugin) OnMessage(ctx context.Context, hc *ports.HandlerContext) error {
	return p.call(ctx, p.exports.OnMessage, &call{hc: hc, logger: p.logger}, scripting.MessageView(hc))
}

// OnStatus implements ports.StatusObserver.
func (p *Plugin) OnStatus(ctx context.Context, hc *ports.HandlerContext) error {
	return p.call(ctx, p.exports.OnStatus, &call{hc: hc, logger: p.logger}, scripting.MessageView(hc))
}

// OnGroupUpdate implements ports.GroupObserver.
func (p *Plugin) OnGroupUpdate(ctx context.Context, gc *ports.GroupContext) error {
	return p.call(ctx, p.exports.OnGroupUpdate, &call{logger: p.logger}, scripting.GroupView(gc))
}

// Init implements ports.Initializer.
func (p *Plugin) Init(ctx context.Context, ic *ports.InitContext) error {
	return p.call(ctx, p.exports.Init, &call{logger: p.logger}, scripting.InitView(ic))
}

// instance returns the live module, instantiating it when needed. Callers
// hold p.mu.
func (p *Plugin) instance(ctx context.Context) (api.Module, error) {
	if p.module != nil && !p.module.IsClosed() {
		return p.module, nil
	}
	config := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions("_initialize")
	module, err := p.runtime.runtime.InstantiateModule(ctx, p.compiled, config)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	p.module = module
	return module, nil
}

func (p *Plugin) call(ctx context.Context, export string, c *call, view map[string]interface{}) error {
	if export == "" {
		return nil
	}
	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPluginClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.runtime.timeout)
	defer cancel()

	module, err := p.instance(ctx)
	if err != nil {
		return err
	}
	ptr, err := writeToPluginMemory(ctx, module, payload)
	if err != nil {
		return err
	}

	results, err := module.ExportedFunction(export).Call(withCall(ctx, c), uint64(ptr), uint64(len(payload)))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, p.runtime.timeout)
		}
		return fmt.Errorf("failed to call %s: %w", export, err)
	}
	if code := int32(results[0]); code != 0 {
		return fmt.Errorf("%s returned error code %d", export, code)
	}
	return nil
}

// writeToPluginMemory copies data into memory allocated by the guest's
// malloc export.
func writeToPluginMemory(ctx context.Context, m api.Module, data []byte) (uint32, error) {
	results, err := m.ExportedFunction("malloc").Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("failed to allocate plugin memory: %w", err)
	}
	ptr := uint32(results[0])
	if !m.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("failed to write %d bytes at %#x", len(data), ptr)
	}
	return ptr, nil
}

// Close releases the module instance and its compiled code.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	ctx := context.Background()
	if p.module != nil {
		p.module.Close(ctx)
	}
	return p.compiled.Close(ctx)
}

var (
	_ ports.Runner          = (*Plugin)(nil)
	_ ports.MessageObserver = (*Plugin)(nil)
	_ ports.StatusObserver  = (*Plugin)(nil)
	_ ports.GroupObserver   = (*Plugin)(nil)
	_ ports.Initializer     = (*Plugin)(nil)
	_ ports.HandlerSet      = (*Plugin)(nil)
)
