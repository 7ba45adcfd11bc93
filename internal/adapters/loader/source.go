package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/MidknightMantra/MidKnight/internal/adapters/scripting"
	"github.com/MidknightMantra/MidKnight/internal/adapters/wasm"
	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// Options configures a directory source.
type Options struct {
	Dir           string
	ScriptTimeout time.Duration
	Wasm          *wasm.Runtime // nil disables Wasm plugins
	Logger        ports.Logger
}

// DirectorySource lists the plugin units found directly under a directory:
// <name>.js, <name>.lua and <name>/plugin.yaml. Files are read again on
// every load so a reload picks up edits.
type DirectorySource struct {
	fs   afero.Fs
	opts Options
}

// NewDirectorySource creates a source over dir on fs.
func NewDirectorySource(fs afero.Fs, opts Options) *DirectorySource {
	return &DirectorySource{fs: fs, opts: opts}
}

// Units implements ports.PluginSource. A missing directory has no units.
func (s *DirectorySource) Units(ctx context.Context) ([]ports.PluginUnit, error) {
	infos, err := afero.ReadDir(s.fs, s.opts.Dir)
	if errors.Is(err, os.ErrNotExist) {
		s.opts.Logger.Debug("Plugin directory does not exist", "dir", s.opts.Dir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	// ReadDir sorts by name, which keeps load order stable.
	units := make([]ports.PluginUnit, 0, len(infos))
	for _, info := range infos {
		if u, ok := s.unitFor(info); ok {
			units = append(units, u)
		}
	}
	return units, nil
}

// Unit implements ports.PluginSource.
func (s *DirectorySource) Unit(ctx context.Context, id string) (ports.PluginUnit, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, id)
	}
	info, err := s.fs.Stat(filepath.Join(s.opts.Dir, id))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, id)
	}
	u, ok := s.unitFor(info)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, id)
	}
	return u, nil
}

func (s *DirectorySource) unitFor(info os.FileInfo) (ports.PluginUnit, bool) {
	name := info.Name()
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return nil, false
	}
	full := filepath.Join(s.opts.Dir, name)

	if info.IsDir() {
		ok, _ := afero.Exists(s.fs, filepath.Join(full, ManifestFile))
		if !ok {
			return nil, false
		}
		return &wasmUnit{source: s, id: name, dir: full}, true
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".js":
		return &scriptUnit{source: s, id: name, path: full, kind: domain.PluginKindJS}, true
	case ".lua":
		return &scriptUnit{source: s, id: name, path: full, kind: domain.PluginKindLua}, true
	}
	return nil, false
}

func (s *DirectorySource) scriptOptions() scripting.Options {
	return scripting.Options{Timeout: s.opts.ScriptTimeout, Logger: s.opts.Logger}
}

// scriptUnit is a single JavaScript or Lua file.
type scriptUnit struct {
	source *DirectorySource
	id     string
	path   string
	kind   domain.PluginKind
}

func (u *scriptUnit) ID() string              { return u.id }
func (u *scriptUnit) Kind() domain.PluginKind { return u.kind }

func (u *scriptUnit) Load(ctx context.Context) (ports.Plugin, error) {
	src, err := afero.ReadFile(u.source.fs, u.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", u.id, err)
	}

	switch u.kind {
	case domain.PluginKindJS:
		p, err := scripting.LoadJS(u.id, src, u.source.scriptOptions())
		if err != nil {
			return nil, err
		}
		return p, nil
	case domain.PluginKindLua:
		p, err := scripting.LoadLua(u.id, src, u.source.scriptOptions())
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported script kind %q", u.kind)
}

// wasmUnit is a directory holding plugin.yaml and its module.
type wasmUnit struct {
	source *DirectorySource
	id     string
	dir    string
}

func (u *wasmUnit) ID() string              { return u.id }
func (u *wasmUnit) Kind() domain.PluginKind { return domain.PluginKindWasm }

func (u *wasmUnit) Load(ctx context.Context) (ports.Plugin, error) {
	manifest, err := u.Manifest()
	if err != nil {
		return nil, err
	}
	runtime := u.source.opts.Wasm
	if runtime == nil {
		return nil, fmt.Errorf("wasm runtime is not configured")
	}

	module, err := afero.ReadFile(u.source.fs, filepath.Join(u.dir, filepath.FromSlash(path.Clean(manifest.Entrypoint))))
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	p, err := runtime.Load(ctx, u.id, *manifest, module)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Manifest reads and validates the unit's plugin.yaml.
func (u *wasmUnit) Manifest() (*domain.PluginManifest, error) {
	data, err := afero.ReadFile(u.source.fs, filepath.Join(u.dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// LoadPath loads the plugin at path, a script file or a Wasm plugin
// directory, without registering it. The caller closes the plugin.
func LoadPath(ctx context.Context, fs afero.Fs, target string, opts Options) (ports.Plugin, error) {
	opts.Dir = filepath.Dir(filepath.Clean(target))
	src := NewDirectorySource(fs, opts)
	unit, err := src.Unit(ctx, filepath.Base(filepath.Clean(target)))
	if err != nil {
		return nil, fmt.Errorf("%s is not a plugin: %w", target, err)
	}
	return unit.Load(ctx)
}

var _ ports.PluginSource = (*DirectorySource)(nil)
