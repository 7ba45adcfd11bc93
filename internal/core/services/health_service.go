package services

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/errgroup"

	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// HealthStatus represents the overall health status.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string            `json:"name"`
	Status    HealthStatus      `json:"status"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
	Latency   time.Duration     `json:"latency"`
}

// SystemHealth represents the overall system health.
type SystemHealth struct {
	Status     HealthStatus      `json:"status"`
	Version    string            `json:"version"`
	Uptime     time.Duration     `json:"uptime"`
	Components []ComponentHealth `json:"components"`
	System     SystemMetrics     `json:"system"`
	CheckedAt  time.Time         `json:"checked_at"`
}

// SystemMetrics contains process and host metrics.
type SystemMetrics struct {
	GoVersion    string  `json:"go_version"`
	NumGoroutine int     `json:"num_goroutine"`
	NumCPU       int     `json:"num_cpu"`
	HeapAlloc    uint64  `json:"heap_alloc"`
	HeapInuse    uint64  `json:"heap_inuse"`
	NumGC        uint32  `json:"num_gc"`
	HostMemTotal uint64  `json:"host_mem_total,omitempty"`
	HostMemUsed  float64 `json:"host_mem_used_percent,omitempty"`
	HostCPU      float64 `json:"host_cpu_percent,omitempty"`
}

// HealthChecker checks the health of one component.
type HealthChecker func(ctx context.Context) ComponentHealth

// HealthService aggregates component checks into a health report.
type HealthService struct {
	mu        sync.RWMutex
	startTime time.Time
	version   string
	checkers  map[string]HealthChecker
	timeout   time.Duration
	hostStats bool
	logger    ports.Logger
}

// NewHealthService creates a new health service.
func NewHealthService(version string, logger ports.Logger) *HealthService {
	return &HealthService{
		startTime: time.Now(),
		version:   version,
		checkers:  make(map[string]HealthChecker),
		timeout:   5 * time.Second,
		hostStats: true,
		logger:    logger,
	}
}

// WithoutHostStats disables gopsutil host sampling.
func (s *HealthService) WithoutHostStats() *HealthService {
	s.hostStats = false
	return s
}

// RegisterChecker registers a health checker for a component.
func (s *HealthService) RegisterChecker(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Check runs every checker concurrently and folds the results into one
// report. Components are sorted by name.
func (s *HealthService) Check(ctx context.Context) *SystemHealth {
	s.mu.RLock()
	names := make([]string, 0, len(s.checkers))
	for name := range s.checkers {
		names = append(names, name)
	}
	checkers := make([]HealthChecker, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		checkers = append(checkers, s.checkers[name])
	}
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	components := make([]ComponentHealth, len(checkers))
	g, gctx := errgroup.WithContext(ctx)
	for i, checker := range checkers {
		g.Go(func() error {
			start := time.Now()
			health := checker(gctx)
			health.Name = names[i]
			if health.CheckedAt.IsZero() {
				health.CheckedAt = time.Now()
			}
			if health.Latency == 0 {
				health.Latency = time.Since(start)
			}
			components[i] = health
			return nil
		})
	}
	_ = g.Wait()

	overall := HealthStatusHealthy
	for _, health := range components {
		if health.Status == HealthStatusUnhealthy {
			overall = HealthStatusUnhealthy
		} else if health.Status == HealthStatusDegraded && overall == HealthStatusHealthy {
			overall = HealthStatusDegraded
		}
	}
	if overall != HealthStatusHealthy {
		s.logger.Warn("Health check not healthy", "status", overall)
	}

	return &SystemHealth{
		Status:     overall,
		Version:    s.version,
		Uptime:     time.Since(s.startTime),
		Components: components,
		System:     s.systemMetrics(ctx),
		CheckedAt:  time.Now(),
	}
}

// CheckLiveness performs a simple liveness check.
func (s *HealthService) CheckLiveness(ctx context.Context) bool {
	return true
}

// CheckReadiness reports whether no component is unhealthy.
func (s *HealthService) CheckReadiness(ctx context.Context) bool {
	return s.Check(ctx).Status != HealthStatusUnhealthy
}

func (s *HealthService) systemMetrics(ctx context.Context) SystemMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	metrics := SystemMetrics{
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		NumGC:        m.NumGC,
	}
	if !s.hostStats {
		return metrics
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		metrics.HostMemTotal = vm.Total
		metrics.HostMemUsed = vm.UsedPercent
	} else {
		s.logger.Debug("Failed to read host memory", "error", err)
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		metrics.HostCPU = pct[0]
	}
	return metrics
}

// GetUptime returns the service uptime.
func (s *HealthService) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// RegistryChecker reports the number of loaded plugins. An empty registry
// is degraded.
func RegistryChecker(reg *Registry) HealthChecker {
	return func(ctx context.Context) ComponentHealth {
		n := reg.Count()
		h := ComponentHealth{
			Status:  HealthStatusHealthy,
			Message: fmt.Sprintf("%d plugins loaded", n),
			Details: map[string]string{"plugins": fmt.Sprint(n)},
		}
		if n == 0 {
			h.Status = HealthStatusDegraded
		}
		return h
	}
}

// StoreChecker pings the persistence backend.
func StoreChecker(store ports.Store) HealthChecker {
	return func(ctx context.Context) ComponentHealth {
		h := ComponentHealth{
			Status:  HealthStatusHealthy,
			Details: map[string]string{"backend": store.Backend()},
		}
		if err := store.Ping(ctx); err != nil {
			h.Status = HealthStatusUnhealthy
			h.Message = err.Error()
		}
		return h
	}
}

// TransportChecker reports whether the transport session is up.
func TransportChecker(connected func() bool) HealthChecker {
	return func(ctx context.Context) ComponentHealth {
		if connected() {
			return ComponentHealth{Status: HealthStatusHealthy, Message: "connected"}
		}
		return ComponentHealth{Status: HealthStatusDegraded, Message: "disconnected"}
	}
}
