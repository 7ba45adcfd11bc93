// Package builtin holds the plugins compiled into the binary.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// UnitPrefix marks the IDs of compiled-in units.
const UnitPrefix = "builtin:"

// Factory builds a fresh plugin instance.
type Factory func() ports.Plugin

// Source serves compiled-in plugins as units. Each load builds a new
// instance, so reloading a built-in resets its state.
type Source struct {
	units []*unit
}

// NewSource creates a source from plugin factories.
func NewSource(factories ...Factory) *Source {
	s := &Source{}
	for _, f := range factories {
		name := f().Descriptor().Name
		s.units = append(s.units, &unit{id: UnitPrefix + name, factory: f})
	}
	return s
}

// Default returns the operator plugins: ping, menu, reload, stats and
// ratelimit.
func Default() *Source {
	return NewSource(
		func() ports.Plugin { return NewPing() },
		func() ports.Plugin { return &Menu{} },
		func() ports.Plugin { return &Reload{} },
		func() ports.Plugin { return &Stats{} },
		func() ports.Plugin { return &RateLimit{} },
	)
}

// Units implements ports.PluginSource.
func (s *Source) Units(ctx context.Context) ([]ports.PluginUnit, error) {
	units := make([]ports.PluginUnit, len(s.units))
	for i, u := range s.units {
		units[i] = u
	}
	return units, nil
}

// Unit implements ports.PluginSource.
func (s *Source) Unit(ctx context.Context, id string) (ports.PluginUnit, error) {
	if !strings.HasPrefix(id, UnitPrefix) {
		id = UnitPrefix + id
	}
	for _, u := range s.units {
		if u.id == id {
			return u, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, id)
}

type unit struct {
	id      string
	factory Factory
}

func (u *unit) ID() string              { return u.id }
func (u *unit) Kind() domain.PluginKind { return domain.PluginKindBuiltin }

func (u *unit) Load(ctx context.Context) (ports.Plugin, error) {
	return u.factory(), nil
}

var _ ports.PluginSource = (*Source)(nil)
