// Package services provides the core runtime services.
package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// PluginEntry is a registered plugin instance. Entries are immutable once
// published in a registry snapshot.
type PluginEntry struct {
	Descriptor domain.PluginDescriptor
	Plugin     ports.Plugin
}

// Runner returns the command handler when the plugin has one.
func (e *PluginEntry) Runner() (ports.Runner, bool) {
	r, ok := e.Plugin.(ports.Runner)
	if !ok || !declares(e.Plugin, func(h domain.Handlers) bool { return h.Run }) {
		return nil, false
	}
	return r, true
}

// declares reports whether a plugin that publishes its handler set includes
// the picked handler. Plugins without a handler set declare everything their
// type implements.
func declares(p ports.Plugin, pick func(domain.Handlers) bool) bool {
	hs, ok := p.(ports.HandlerSet)
	return !ok || pick(hs.Handlers())
}

// registryState holds the descriptor set and every index derived from it.
// A state is never mutated after it has been published.
type registryState struct {
	plugins  map[string]*PluginEntry
	order    []string
	commands map[string]string // command -> plugin name
	aliases  map[string]string // alias -> canonical command

	messageObservers []*PluginEntry
	statusObservers  []*PluginEntry
	groupObservers   []*PluginEntry
}

func newRegistryState() *registryState {
	return &registryState{
		plugins:  make(map[string]*PluginEntry),
		commands: make(map[string]string),
		aliases:  make(map[string]string),
	}
}

func (s *registryState) clone() *registryState {
	c := &registryState{
		plugins:          make(map[string]*PluginEntry, len(s.plugins)),
		order:            append([]string(nil), s.order...),
		commands:         make(map[string]string, len(s.commands)),
		aliases:          make(map[string]string, len(s.aliases)),
		messageObservers: append([]*PluginEntry(nil), s.messageObservers...),
		statusObservers:  append([]*PluginEntry(nil), s.statusObservers...),
		groupObservers:   append([]*PluginEntry(nil), s.groupObservers...),
	}
	for k, v := range s.plugins {
		c.plugins[k] = v
	}
	for k, v := range s.commands {
		c.commands[k] = v
	}
	for k, v := range s.aliases {
		c.aliases[k] = v
	}
	return c
}

// owner returns the plugin a trigger currently resolves to.
func (s *registryState) owner(trigger string) (string, bool) {
	if name, ok := s.commands[trigger]; ok {
		return name, true
	}
	if canonical, ok := s.aliases[trigger]; ok {
		name, ok := s.commands[canonical]
		return name, ok
	}
	return "", false
}

func (s *registryState) add(e *PluginEntry) error {
	d := &e.Descriptor
	if _, exists := s.plugins[d.Name]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicatePlugin, d.Name)
	}
	for _, trigger := range append(append([]string(nil), d.Patterns...), d.Aliases...) {
		if other, taken := s.owner(trigger); taken && other != d.Name {
			return fmt.Errorf("%w: %q is already registered by plugin %s", domain.ErrCommandCollision, trigger, other)
		}
	}

	s.plugins[d.Name] = e
	s.order = append(s.order, d.Name)
	for _, p := range d.Patterns {
		s.commands[p] = d.Name
	}
	canonical := d.Canonical()
	for _, a := range d.Aliases {
		if _, isCommand := s.commands[a]; isCommand {
			continue
		}
		s.aliases[a] = canonical
	}

	if _, ok := e.Plugin.(ports.MessageObserver); ok && declares(e.Plugin, func(h domain.Handlers) bool { return h.OnMessage }) {
		s.messageObservers = append(s.messageObservers, e)
	}
	if _, ok := e.Plugin.(ports.StatusObserver); ok && declares(e.Plugin, func(h domain.Handlers) bool { return h.OnStatus }) {
		s.statusObservers = append(s.statusObservers, e)
	}
	if _, ok := e.Plugin.(ports.GroupObserver); ok && declares(e.Plugin, func(h domain.Handlers) bool { return h.OnGroupUpdate }) {
		s.groupObservers = append(s.groupObservers, e)
	}
	return nil
}

func (s *registryState) remove(name string) *PluginEntry {
	e, ok := s.plugins[name]
	if !ok {
		return nil
	}
	delete(s.plugins, name)

	for _, p := range e.Descriptor.Patterns {
		if s.commands[p] == name {
			delete(s.commands, p)
		}
	}
	canonical := e.Descriptor.Canonical()
	for _, a := range e.Descriptor.Aliases {
		if s.aliases[a] == canonical {
			delete(s.aliases, a)
		}
	}

	s.order = removeName(s.order, name)
	s.messageObservers = removeEntry(s.messageObservers, name)
	s.statusObservers = removeEntry(s.statusObservers, name)
	s.groupObservers = removeEntry(s.groupObservers, name)
	return e
}

func removeName(names []string, name string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

func removeEntry(entries []*PluginEntry, name string) []*PluginEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if e.Descriptor.Name != name {
			out = append(out, e)
		}
	}
	return out
}

// RegistryConfig configures the plugin registry.
type RegistryConfig struct {
	// LoadConcurrency bounds how many units are compiled at once.
	LoadConcurrency int
	// Now is the clock used for LoadedAt stamps.
	Now func() time.Time
}

// Registry owns the loaded plugins and their command indexes. Readers see a
// consistent snapshot; load and reload build a new snapshot and swap it in.
type Registry struct {
	mu      sync.RWMutex
	state   *registryState
	initCtx ports.InitContext

	// writeMu serializes load and reload so snapshots are built one at a time.
	writeMu sync.Mutex

	source    ports.PluginSource
	logger    ports.Logger
	loadLimit int
	now       func() time.Time
}

// NewRegistry creates an empty registry reading units from source.
func NewRegistry(source ports.PluginSource, cfg RegistryConfig, logger ports.Logger) *Registry {
	if cfg.LoadConcurrency <= 0 {
		cfg.LoadConcurrency = runtime.NumCPU()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		state:     newRegistryState(),
		source:    source,
		logger:    logger,
		loadLimit: cfg.LoadConcurrency,
		now:       cfg.Now,
	}
}

// SetInitContext sets what Init hooks receive for plugins loaded from now on.
func (r *Registry) SetInitContext(ic ports.InitContext) {
	r.mu.Lock()
	r.initCtx = ic
	r.mu.Unlock()
}

func (r *Registry) snapshot() *registryState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Registry) publish(s *registryState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// LoadAll loads every unit from the source into the registry. A unit that
// fails is skipped and counted; it never stops the others.
func (r *Registry) LoadAll(ctx context.Context) (domain.LoadReport, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.logger.Info("Loading plugins")
	next := r.snapshot().clone()
	report, err := r.loadInto(ctx, next)
	if err != nil {
		return report, err
	}
	r.publish(next)
	r.logger.Info("Plugins loaded", "loaded", report.Loaded, "failed", report.Failed)
	return report, nil
}

// ReloadAll replaces the whole plugin set with a fresh load of every unit.
// Concurrent resolves see either the old set or the new one.
func (r *Registry) ReloadAll(ctx context.Context) (domain.LoadReport, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	previous := r.snapshot()
	next := newRegistryState()
	report, err := r.loadInto(ctx, next)
	if err != nil {
		return report, err
	}
	r.publish(next)

	for _, e := range previous.plugins {
		r.closePlugin(e.Plugin)
	}
	r.logger.Info("Plugins reloaded", "loaded", report.Loaded, "failed", report.Failed)
	return report, nil
}

type loadResult struct {
	plugin ports.Plugin
	err    error
}

func (r *Registry) loadInto(ctx context.Context, state *registryState) (domain.LoadReport, error) {
	var report domain.LoadReport

	units, err := r.source.Units(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list plugin units: %w", err)
	}

	// Compile concurrently, register in source order.
	results := make([]loadResult, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.loadLimit)
	for i, unit := range units {
		g.Go(func() error {
			p, err := unit.Load(gctx)
			results[i] = loadResult{plugin: p, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, unit := range units {
		res := results[i]
		if res.err == nil {
			_, res.err = r.register(ctx, state, unit, res.plugin)
		}
		if res.err != nil {
			loadErr := asLoadError(unit.ID(), res.err)
			r.logger.Warn("Failed to load plugin", "unit", unit.ID(), "error", loadErr.Err)
			report.Failed++
			report.Errors = append(report.Errors, loadErr)
			continue
		}
		report.Loaded++
	}
	return report, nil
}

// LoadOne loads a single unit and adds it to the registry.
func (r *Registry) LoadOne(ctx context.Context, unit ports.PluginUnit) (*domain.PluginDescriptor, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	p, err := unit.Load(ctx)
	if err != nil {
		return nil, asLoadError(unit.ID(), err)
	}
	next := r.snapshot().clone()
	entry, err := r.register(ctx, next, unit, p)
	if err != nil {
		return nil, asLoadError(unit.ID(), err)
	}
	r.publish(next)
	r.logger.Debug("Plugin loaded", "name", entry.Descriptor.Name, "unit", unit.ID())
	d := entry.Descriptor
	return &d, nil
}

// ReloadOne replaces one plugin with a fresh load of its unit. When the new
// unit fails to load the previous plugin stays registered.
func (r *Registry) ReloadOne(ctx context.Context, name string) (*domain.PluginDescriptor, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.snapshot()
	old, registered := current.plugins[name]
	unitID := name
	if registered {
		unitID = old.Descriptor.Unit
	}

	unit, err := r.source.Unit(ctx, unitID)
	if err != nil {
		return nil, asLoadError(unitID, err)
	}
	p, err := unit.Load(ctx)
	if err != nil {
		r.logger.Warn("Reload failed, keeping previous plugin", "name", name, "error", err)
		return nil, asLoadError(unitID, err)
	}

	next := current.clone()
	next.remove(name)
	if got := p.Descriptor().Name; registered && strings.TrimSpace(got) != name {
		r.closePlugin(p)
		return nil, &domain.LoadError{Unit: unitID, Plugin: name,
			Err: fmt.Errorf("%w: reloaded unit declares name %q", domain.ErrInvalidPlugin, got)}
	}
	entry, err := r.register(ctx, next, unit, p)
	if err != nil {
		r.logger.Warn("Reload failed, keeping previous plugin", "name", name, "error", err)
		return nil, asLoadError(unitID, err)
	}
	r.publish(next)

	if registered {
		r.closePlugin(old.Plugin)
	}
	r.logger.Info("Reloaded plugin", "name", name)
	d := entry.Descriptor
	return &d, nil
}

// register validates a loaded plugin, indexes it into state and runs its
// Init hook. On failure state is left untouched and the plugin is closed.
func (r *Registry) register(ctx context.Context, state *registryState, unit ports.PluginUnit, p ports.Plugin) (*PluginEntry, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: unit produced no plugin", domain.ErrInvalidPlugin)
	}

	d := p.Descriptor()
	d.Normalize()
	if err := d.Validate(); err != nil {
		r.closePlugin(p)
		return nil, err
	}
	d.Unit = unit.ID()
	if d.Kind == "" {
		d.Kind = unit.Kind()
	}
	d.LoadedAt = r.now()

	entry := &PluginEntry{Descriptor: d, Plugin: p}
	if err := state.add(entry); err != nil {
		r.closePlugin(p)
		return nil, err
	}

	if init, ok := p.(ports.Initializer); ok && declares(p, func(h domain.Handlers) bool { return h.Init }) {
		r.mu.RLock()
		ic := r.initCtx
		r.mu.RUnlock()
		if ic.Logger == nil {
			ic.Logger = r.logger
		}
		ic.Logger = ic.Logger.With("plugin", d.Name)
		if err := init.Init(ctx, &ic); err != nil {
			state.remove(d.Name)
			r.closePlugin(p)
			return nil, fmt.Errorf("init failed: %w", err)
		}
	}
	return entry, nil
}

func (r *Registry) closePlugin(p ports.Plugin) {
	c, ok := p.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		r.logger.Warn("Failed to close plugin", "name", p.Descriptor().Name, "error", err)
	}
}

func asLoadError(unit string, err error) *domain.LoadError {
	var le *domain.LoadError
	if errors.As(err, &le) {
		return le
	}
	return &domain.LoadError{Unit: unit, Err: err}
}

// Resolve finds the plugin for a trigger, trying commands before aliases.
func (r *Registry) Resolve(trigger string) (*PluginEntry, bool) {
	t := strings.ToLower(trigger)
	s := r.snapshot()
	name, ok := s.owner(t)
	if !ok {
		return nil, false
	}
	e, ok := s.plugins[name]
	return e, ok
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) (*PluginEntry, bool) {
	e, ok := r.snapshot().plugins[name]
	return e, ok
}

// List returns every descriptor in registration order.
func (r *Registry) List() []domain.PluginDescriptor {
	s := r.snapshot()
	out := make([]domain.PluginDescriptor, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.plugins[name].Descriptor)
	}
	return out
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	return len(r.snapshot().plugins)
}

// MessageObservers returns the plugins that see every message.
func (r *Registry) MessageObservers() []*PluginEntry {
	return r.snapshot().messageObservers
}

// StatusObservers returns the plugins that see status broadcasts.
func (r *Registry) StatusObservers() []*PluginEntry {
	return r.snapshot().statusObservers
}

// GroupObservers returns the plugins that see group updates.
func (r *Registry) GroupObservers() []*PluginEntry {
	return r.snapshot().groupObservers
}

// Close releases every plugin that holds resources and empties the registry.
func (r *Registry) Close() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	previous := r.snapshot()
	r.publish(newRegistryState())
	for _, e := range previous.plugins {
		r.closePlugin(e.Plugin)
	}
	return nil
}
