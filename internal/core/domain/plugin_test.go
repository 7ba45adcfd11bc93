package domain

import (
	"errors"
	"testing"
)

func TestPluginDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		desc    PluginDescriptor
		wantErr bool
	}{
		{
			name:    "valid command plugin",
			desc:    PluginDescriptor{Name: "ping", Patterns: []string{"ping"}, Aliases: []string{"p"}},
			wantErr: false,
		},
		{
			name:    "passive plugin without patterns",
			desc:    PluginDescriptor{Name: "antilink"},
			wantErr: false,
		},
		{
			name:    "missing name",
			desc:    PluginDescriptor{Patterns: []string{"ping"}},
			wantErr: true,
		},
		{
			name:    "whitespace name",
			desc:    PluginDescriptor{Name: "my plugin"},
			wantErr: true,
		},
		{
			name:    "empty pattern",
			desc:    PluginDescriptor{Name: "x", Patterns: []string{""}},
			wantErr: true,
		},
		{
			name:    "pattern with whitespace",
			desc:    PluginDescriptor{Name: "x", Patterns: []string{"two words"}},
			wantErr: true,
		},
		{
			name:    "alias without pattern",
			desc:    PluginDescriptor{Name: "x", Aliases: []string{"y"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.desc.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidPlugin) {
				t.Errorf("error should wrap ErrInvalidPlugin, got %v", err)
			}
		})
	}
}

func TestPluginDescriptor_Normalize(t *testing.T) {
	d := PluginDescriptor{
		Name:     " menu ",
		Patterns: []string{"Menu", "HELP", "menu"},
		Aliases:  []string{" List "},
	}
	d.Normalize()

	if d.Name != "menu" {
		t.Errorf("Name = %q, want menu", d.Name)
	}
	if len(d.Patterns) != 2 || d.Patterns[0] != "menu" || d.Patterns[1] != "help" {
		t.Errorf("Patterns = %v, want [menu help]", d.Patterns)
	}
	if len(d.Aliases) != 1 || d.Aliases[0] != "list" {
		t.Errorf("Aliases = %v, want [list]", d.Aliases)
	}
	if d.Canonical() != "menu" {
		t.Errorf("Canonical() = %q, want menu", d.Canonical())
	}
}

func TestPluginDescriptor_Reaction(t *testing.T) {
	d := PluginDescriptor{Name: "x"}
	if d.Reaction() != DefaultReaction {
		t.Errorf("Reaction() = %q, want default", d.Reaction())
	}
	d.React = "🏓"
	if d.Reaction() != "🏓" {
		t.Errorf("Reaction() = %q, want 🏓", d.Reaction())
	}
}

func TestPluginDescriptor_Enabled(t *testing.T) {
	d := PluginDescriptor{Name: "x"}
	if !d.Enabled() {
		t.Error("zero-value descriptor should be enabled")
	}
	d.Permissions.Disabled = true
	if d.Enabled() {
		t.Error("disabled descriptor should not be enabled")
	}
}

func TestPluginManifest_Descriptor(t *testing.T) {
	m := PluginManifest{
		Name:        "echo",
		Description: "Echo text back",
		Pattern:     []string{"Echo"},
		Alias:       []string{"say"},
		Permissions: Permissions{GroupOnly: true},
		Exports:     ManifestExports{Run: "handle_command"},
	}

	d := m.Descriptor("echo")
	if d.Kind != PluginKindWasm {
		t.Errorf("Kind = %v, want wasm", d.Kind)
	}
	if d.Canonical() != "echo" {
		t.Errorf("Canonical() = %q, want echo", d.Canonical())
	}
	if !d.Permissions.GroupOnly {
		t.Error("GroupOnly should carry over")
	}
	if d.Unit != "echo" {
		t.Errorf("Unit = %q, want echo", d.Unit)
	}
}
