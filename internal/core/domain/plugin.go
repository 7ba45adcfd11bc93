package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// PluginKind identifies the runtime that hosts a plugin.
type PluginKind string

const (
	PluginKindBuiltin PluginKind = "builtin"
	PluginKindJS      PluginKind = "js"
	PluginKindLua     PluginKind = "lua"
	PluginKindWasm    PluginKind = "wasm"
)

// DefaultReaction is sent when a plugin has no reaction glyph of its own.
const DefaultReaction = "⚡"

// Permissions are the per-plugin access gates.
type Permissions struct {
	OwnerOnly bool `json:"owner_only" yaml:"owner_only"`
	GroupOnly bool `json:"group_only" yaml:"group_only"`
	Disabled  bool `json:"disabled" yaml:"disabled"`
}

// Handlers lists which optional handlers a dynamically loaded plugin
// provides.
type Handlers struct {
	Run           bool `json:"run"`
	OnMessage     bool `json:"on_message"`
	OnStatus      bool `json:"on_status"`
	OnGroupUpdate bool `json:"on_group_update"`
	Init          bool `json:"init"`
}

// PluginDescriptor is the identity and trigger contract of one plugin.
type PluginDescriptor struct {
	Name        string      `json:"name"`
	Patterns    []string    `json:"patterns,omitempty"`
	Aliases     []string    `json:"aliases,omitempty"`
	Category    string      `json:"category,omitempty"`
	Description string      `json:"description,omitempty"`
	React       string      `json:"react,omitempty"`
	Permissions Permissions `json:"permissions"`
	Kind        PluginKind  `json:"kind"`
	Unit        string      `json:"unit"`
	LoadedAt    time.Time   `json:"loaded_at"`
}

// Enabled reports whether the plugin accepts commands.
func (d *PluginDescriptor) Enabled() bool {
	return !d.Permissions.Disabled
}

// Canonical returns the canonical command, or "" for a passive plugin.
func (d *PluginDescriptor) Canonical() string {
	if len(d.Patterns) == 0 {
		return ""
	}
	return strings.ToLower(d.Patterns[0])
}

// HasCommand reports whether the descriptor declares any trigger pattern.
func (d *PluginDescriptor) HasCommand() bool {
	return len(d.Patterns) > 0
}

// Reaction returns the acknowledgement glyph for this plugin.
func (d *PluginDescriptor) Reaction() string {
	if d.React != "" {
		return d.React
	}
	return DefaultReaction
}

// Normalize lowercases triggers and drops duplicate entries in place.
func (d *PluginDescriptor) Normalize() {
	d.Name = strings.TrimSpace(d.Name)
	d.Patterns = normalizeTriggers(d.Patterns)
	d.Aliases = normalizeTriggers(d.Aliases)
}

// Validate checks the structural rules every loaded plugin must satisfy.
func (d *PluginDescriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPlugin)
	}
	if strings.IndexFunc(d.Name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: name %q contains whitespace", ErrInvalidPlugin, d.Name)
	}
	for _, p := range d.Patterns {
		if err := validateTrigger("pattern", p); err != nil {
			return err
		}
	}
	for _, a := range d.Aliases {
		if err := validateTrigger("alias", a); err != nil {
			return err
		}
	}
	if len(d.Aliases) > 0 && len(d.Patterns) == 0 {
		return fmt.Errorf("%w: aliases declared without a command pattern", ErrInvalidPlugin)
	}
	return nil
}

func validateTrigger(kind, trigger string) error {
	if trigger == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidPlugin, kind)
	}
	if strings.IndexFunc(trigger, unicode.IsSpace) >= 0 {
		return fmt.Errorf("%w: %s %q contains whitespace", ErrInvalidPlugin, kind, trigger)
	}
	return nil
}

func normalizeTriggers(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// PluginManifest is the plugin.yaml file that accompanies a Wasm plugin.
type PluginManifest struct {
	Name        string          `yaml:"name" json:"name"`
	Version     string          `yaml:"version" json:"version,omitempty"`
	Description string          `yaml:"description" json:"description,omitempty"`
	Author      string          `yaml:"author" json:"author,omitempty"`
	Category    string          `yaml:"category" json:"category,omitempty"`
	React       string          `yaml:"react" json:"react,omitempty"`
	Entrypoint  string          `yaml:"entrypoint" json:"entrypoint,omitempty"`
	SHA256      string          `yaml:"sha256" json:"sha256,omitempty"`
	Pattern     []string        `yaml:"pattern" json:"pattern,omitempty"`
	Alias       []string        `yaml:"alias" json:"alias,omitempty"`
	Permissions Permissions     `yaml:"permissions" json:"permissions"`
	Exports     ManifestExports `yaml:"exports" json:"exports"`
}

// ManifestExports maps plugin capabilities to exported Wasm function names.
type ManifestExports struct {
	Run           string `yaml:"run" json:"run,omitempty"`
	OnMessage     string `yaml:"on_message" json:"on_message,omitempty"`
	OnStatus      string `yaml:"on_status" json:"on_status,omitempty"`
	OnGroupUpdate string `yaml:"on_group_update" json:"on_group_update,omitempty"`
	Init          string `yaml:"init" json:"init,omitempty"`
}

// Handlers reports which handlers the manifest exports.
func (e ManifestExports) Handlers() Handlers {
	return Handlers{
		Run:           e.Run != "",
		OnMessage:     e.OnMessage != "",
		OnStatus:      e.OnStatus != "",
		OnGroupUpdate: e.OnGroupUpdate != "",
		Init:          e.Init != "",
	}
}

// Descriptor converts the manifest into a registry descriptor.
func (m *PluginManifest) Descriptor(unit string) PluginDescriptor {
	d := PluginDescriptor{
		Name:        m.Name,
		Patterns:    append([]string(nil), m.Pattern...),
		Aliases:     append([]string(nil), m.Alias...),
		Category:    m.Category,
		Description: m.Description,
		React:       m.React,
		Permissions: m.Permissions,
		Kind:        PluginKindWasm,
		Unit:        unit,
	}
	d.Normalize()
	return d
}

// LoadReport summarises a bulk load of plugin units.
type LoadReport struct {
	Loaded int     `json:"loaded"`
	Failed int     `json:"failed"`
	Errors []error `json:"-"`
}
