package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
)

// mockStore implements ports.Store with a configurable ping result.
type mockStore struct {
	pingErr error
}

func (s *mockStore) Collection(name string) (ports.Collection, error) {
	return nil, domain.ErrBackendUnavailable
}
func (s *mockStore) Backend() string                { return "mock" }
func (s *mockStore) Ping(ctx context.Context) error { return s.pingErr }
func (s *mockStore) Close() error                   { return nil }

func newTestHealthService() *HealthService {
	return NewHealthService("1.0.0", &NopLogger{}).WithoutHostStats()
}

func TestHealthService_Check(t *testing.T) {
	svc := newTestHealthService()
	svc.RegisterChecker("healthy", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: HealthStatusHealthy, Message: "All good"}
	})

	health := svc.Check(context.Background())
	if health.Status != HealthStatusHealthy {
		t.Errorf("Status = %v, want healthy", health.Status)
	}
	if health.Version != "1.0.0" {
		t.Errorf("Version = %v, want 1.0.0", health.Version)
	}
	if len(health.Components) != 1 || health.Components[0].Name != "healthy" {
		t.Fatalf("Components = %+v", health.Components)
	}
	if health.Components[0].CheckedAt.IsZero() {
		t.Error("CheckedAt not stamped")
	}
}

func TestHealthService_OverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses map[string]HealthStatus
		want     HealthStatus
	}{
		{"no checkers", nil, HealthStatusHealthy},
		{"all healthy", map[string]HealthStatus{"a": HealthStatusHealthy, "b": HealthStatusHealthy}, HealthStatusHealthy},
		{"degraded", map[string]HealthStatus{"a": HealthStatusHealthy, "b": HealthStatusDegraded}, HealthStatusDegraded},
		{"unhealthy wins", map[string]HealthStatus{"a": HealthStatusDegraded, "b": HealthStatusUnhealthy}, HealthStatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestHealthService()
			for name, status := range tt.statuses {
				status := status
				svc.RegisterChecker(name, func(ctx context.Context) ComponentHealth {
					return ComponentHealth{Status: status}
				})
			}
			if got := svc.Check(context.Background()).Status; got != tt.want {
				t.Errorf("Status = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthService_ComponentsSorted(t *testing.T) {
	svc := newTestHealthService()
	for _, name := range []string{"transport", "plugins", "storage"} {
		svc.RegisterChecker(name, func(ctx context.Context) ComponentHealth {
			return ComponentHealth{Status: HealthStatusHealthy}
		})
	}

	health := svc.Check(context.Background())
	want := []string{"plugins", "storage", "transport"}
	for i, c := range health.Components {
		if c.Name != want[i] {
			t.Errorf("Components[%d] = %s, want %s", i, c.Name, want[i])
		}
	}
}

func TestHealthService_ChecksRunConcurrently(t *testing.T) {
	svc := newTestHealthService()
	for _, name := range []string{"a", "b", "c"} {
		svc.RegisterChecker(name, func(ctx context.Context) ComponentHealth {
			time.Sleep(50 * time.Millisecond)
			return ComponentHealth{Status: HealthStatusHealthy}
		})
	}

	start := time.Now()
	svc.Check(context.Background())
	if elapsed := time.Since(start); elapsed > 140*time.Millisecond {
		t.Errorf("Check took %v, checkers appear to run sequentially", elapsed)
	}
}

func TestHealthService_Readiness(t *testing.T) {
	svc := newTestHealthService()
	ctx := context.Background()

	if !svc.CheckLiveness(ctx) {
		t.Error("CheckLiveness() = false, want true")
	}
	if !svc.CheckReadiness(ctx) {
		t.Error("CheckReadiness() = false, want true (no checkers)")
	}

	svc.RegisterChecker("storage", StoreChecker(&mockStore{pingErr: errors.New("connection refused")}))
	if svc.CheckReadiness(ctx) {
		t.Error("CheckReadiness() = true, want false (storage down)")
	}
}

func TestHealthService_SystemMetrics(t *testing.T) {
	svc := newTestHealthService()
	metrics := svc.systemMetrics(context.Background())

	if metrics.GoVersion == "" {
		t.Error("GoVersion is empty")
	}
	if metrics.NumCPU <= 0 {
		t.Errorf("NumCPU = %d, want > 0", metrics.NumCPU)
	}
	if metrics.HostMemTotal != 0 {
		t.Error("host stats sampled although disabled")
	}
}

func TestRegistryChecker(t *testing.T) {
	src := &testSource{}
	reg := newTestRegistry(src)

	if h := RegistryChecker(reg)(context.Background()); h.Status != HealthStatusDegraded {
		t.Errorf("empty registry Status = %v, want degraded", h.Status)
	}

	src.add("ping", newCommandPlugin("ping", []string{"ping"}, nil))
	if _, err := reg.LoadAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	h := RegistryChecker(reg)(context.Background())
	if h.Status != HealthStatusHealthy || h.Details["plugins"] != "1" {
		t.Errorf("health = %+v", h)
	}
}

func TestStoreAndTransportCheckers(t *testing.T) {
	h := StoreChecker(&mockStore{})(context.Background())
	if h.Status != HealthStatusHealthy || h.Details["backend"] != "mock" {
		t.Errorf("store health = %+v", h)
	}

	if h := TransportChecker(func() bool { return false })(context.Background()); h.Status != HealthStatusDegraded {
		t.Errorf("disconnected transport Status = %v", h.Status)
	}
	if h := TransportChecker(func() bool { return true })(context.Background()); h.Status != HealthStatusHealthy {
		t.Errorf("connected transport Status = %v", h.Status)
	}
}
