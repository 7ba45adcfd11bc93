package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// MultiSource chains sources. Units keep the order of the sources; the
// first source that knows a unit ID wins.
type MultiSource []ports.PluginSource

// Units implements ports.PluginSource.
func (m MultiSource) Units(ctx context.Context) ([]ports.PluginUnit, error) {
	var units []ports.PluginUnit
	seen := make(map[string]bool)
	for _, src := range m {
		us, err := src.Units(ctx)
		if err != nil {
			return nil, err
		}
		for _, u := range us {
			if seen[u.ID()] {
				continue
			}
			seen[u.ID()] = true
			units = append(units, u)
		}
	}
	return units, nil
}

// Unit implements ports.PluginSource.
func (m MultiSource) Unit(ctx context.Context, id string) (ports.PluginUnit, error) {
	for _, src := range m {
		u, err := src.Unit(ctx, id)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, domain.ErrPluginNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrPluginNotFound, id)
}

var _ ports.PluginSource = MultiSource(nil)
