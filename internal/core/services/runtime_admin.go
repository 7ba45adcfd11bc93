package services

import (
	"context"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// Admin exposes registry, limiter and telemetry operations to operator
// plugins.
type Admin struct {
	registry *Registry
	limiter  *RateLimiter
	requests *RequestLogger
	started  time.Time
	now      func() time.Time
}

// NewAdmin creates the operator surface. requests may be nil.
func NewAdmin(registry *Registry, limiter *RateLimiter, requests *RequestLogger) *Admin {
	return &Admin{
		registry: registry,
		limiter:  limiter,
		requests: requests,
		started:  time.Now(),
		now:      time.Now,
	}
}

func (a *Admin) Plugins() []domain.PluginDescriptor {
	return a.registry.List()
}

func (a *Admin) ReloadPlugin(ctx context.Context, name string) (*domain.PluginDescriptor, error) {
	d, err := a.registry.ReloadOne(ctx, name)
	if err == nil && a.requests != nil {
		a.requests.SystemEvent("plugin_reloaded", "plugin", name)
	}
	return d, err
}

func (a *Admin) ReloadAll(ctx context.Context) (domain.LoadReport, error) {
	report, err := a.registry.ReloadAll(ctx)
	if err == nil && a.requests != nil {
		a.requests.SystemEvent("plugins_reloaded", "loaded", report.Loaded, "failed", report.Failed)
	}
	return report, err
}

func (a *Admin) RequestMetrics() domain.RequestMetrics {
	if a.requests == nil {
		return domain.RequestMetrics{}
	}
	return a.requests.Metrics()
}

func (a *Admin) LimiterStats() domain.LimiterStats {
	return a.limiter.Stats()
}

func (a *Admin) RateLimitInfo(principal string) domain.RateLimitInfo {
	return a.limiter.Info(principal)
}

func (a *Admin) ResetRateLimit(principal string) {
	a.limiter.Reset(principal)
}

func (a *Admin) ResetAllRateLimits() {
	a.limiter.ResetAll()
}

// Uptime returns how long the runtime has been up.
func (a *Admin) Uptime() time.Duration {
	return a.now().Sub(a.started)
}

var _ ports.RuntimeAdmin = (*Admin)(nil)
