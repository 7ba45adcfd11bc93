package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

type mockAdmin struct {
	reloaded []string
	resets   []string
	resetAll bool
}

func (m *mockAdmin) Plugins() []domain.PluginDescriptor {
	return []domain.PluginDescriptor{
		{Name: "ping", Patterns: []string{"ping"}, Kind: domain.PluginKindBuiltin},
		{Name: "dice", Patterns: []string{"dice"}, Kind: domain.PluginKindLua},
	}
}

func (m *mockAdmin) ReloadPlugin(ctx context.Context, name string) (*domain.PluginDescriptor, error) {
	switch name {
	case "ping":
		m.reloaded = append(m.reloaded, name)
		return &domain.PluginDescriptor{Name: name, Kind: domain.PluginKindBuiltin}, nil
	case "broken":
		return nil, &domain.LoadError{Unit: "broken.js", Err: fmt.Errorf("syntax error")}
	}
	return nil, domain.ErrPluginNotFound
}

func (m *mockAdmin) ReloadAll(ctx context.Context) (domain.LoadReport, error) {
	return domain.LoadReport{Loaded: 2, Failed: 1}, nil
}

func (m *mockAdmin) RequestMetrics() domain.RequestMetrics {
	return domain.RequestMetrics{Total: 5, Successful: 4, Failed: 1, SuccessRate: 80}
}

func (m *mockAdmin) LimiterStats() domain.LimiterStats {
	return domain.LimiterStats{MaxRequests: 10, Window: time.Minute, ActiveBuckets: 3}
}

func (m *mockAdmin) RateLimitInfo(principal string) domain.RateLimitInfo {
	return domain.RateLimitInfo{Remaining: 7, Limit: 10}
}

func (m *mockAdmin) ResetRateLimit(principal string) { m.resets = append(m.resets, principal) }
func (m *mockAdmin) ResetAllRateLimits()             { m.resetAll = true }
func (m *mockAdmin) Uptime() time.Duration           { return time.Hour }

func newTestServer(t *testing.T, health *services.HealthService, admin *mockAdmin) *Client {
	t.Helper()
	var h *HTTPServer
	if admin == nil {
		h = NewHTTPServer("127.0.0.1:0", health, nil, "test", &services.NopLogger{})
	} else {
		h = NewHTTPServer("127.0.0.1:0", health, admin, "test", &services.NopLogger{})
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestHealthEndpoints(t *testing.T) {
	ctx := context.Background()
	health := services.NewHealthService("1.2.3", &services.NopLogger{}).WithoutHostStats()
	health.RegisterChecker("transport", services.TransportChecker(func() bool { return true }))
	client := newTestServer(t, health, nil)

	report, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if report.Status != "healthy" || report.Version != "1.2.3" {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(report.Components) != 1 || report.Components[0].Name != "transport" {
		t.Errorf("unexpected components: %+v", report.Components)
	}

	alive, err := client.Liveness(ctx)
	if err != nil || !alive {
		t.Errorf("Liveness = %v, %v", alive, err)
	}
	ready, err := client.Readiness(ctx)
	if err != nil || !ready {
		t.Errorf("Readiness = %v, %v", ready, err)
	}

	// Runtime routes are not mounted without an admin.
	var se *StatusError
	if _, err := client.Plugins(ctx); !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected 404 without admin, got %v", err)
	}
}

func TestHealthUnhealthy(t *testing.T) {
	health := services.NewHealthService("1.2.3", &services.NopLogger{}).WithoutHostStats()
	health.RegisterChecker("store", func(ctx context.Context) services.ComponentHealth {
		return services.ComponentHealth{Name: "store", Status: services.HealthStatusUnhealthy, Message: "disk full"}
	})
	client := newTestServer(t, health, nil)

	report, err := client.Health(context.Background())
	if err != nil {
		t.Fatalf("503 body should still decode: %v", err)
	}
	if report.Status != "unhealthy" || report.Components[0].Message != "disk full" {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestRuntimeEndpoints(t *testing.T) {
	ctx := context.Background()
	admin := &mockAdmin{}
	client := newTestServer(t, nil, admin)

	plugins, err := client.Plugins(ctx)
	if err != nil || len(plugins) != 2 || plugins[1].Kind != domain.PluginKindLua {
		t.Fatalf("Plugins = %+v, %v", plugins, err)
	}

	d, err := client.ReloadPlugin(ctx, "ping")
	if err != nil || d.Name != "ping" {
		t.Fatalf("ReloadPlugin = %+v, %v", d, err)
	}
	if len(admin.reloaded) != 1 {
		t.Errorf("admin not called: %v", admin.reloaded)
	}

	var se *StatusError
	if _, err := client.ReloadPlugin(ctx, "ghost"); !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown plugin, got %v", err)
	}
	if _, err := client.ReloadPlugin(ctx, "broken"); !errors.As(err, &se) || se.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for failed reload, got %v", err)
	}

	report, err := client.ReloadAll(ctx)
	if err != nil || report.Loaded != 2 || report.Failed != 1 {
		t.Errorf("ReloadAll = %+v, %v", report, err)
	}

	stats, err := client.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.Plugins != 2 || stats.Requests.Total != 5 || stats.Limiter.Window != time.Minute || stats.Uptime != "1h0m0s" {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestRateLimitEndpoints(t *testing.T) {
	ctx := context.Background()
	admin := &mockAdmin{}
	client := newTestServer(t, nil, admin)

	info, err := client.RateLimitInfo(ctx, "0712345678")
	if err != nil || info.Remaining != 7 {
		t.Fatalf("RateLimitInfo = %+v, %v", info, err)
	}

	if err := client.ResetRateLimit(ctx, "0712345678"); err != nil {
		t.Fatalf("ResetRateLimit failed: %v", err)
	}
	if err := client.ResetRateLimit(ctx, "254700000001:3@s.whatsapp.net"); err != nil {
		t.Fatalf("ResetRateLimit failed: %v", err)
	}
	want := []string{"254712345678@s.whatsapp.net", "254700000001@s.whatsapp.net"}
	if len(admin.resets) != 2 || admin.resets[0] != want[0] || admin.resets[1] != want[1] {
		t.Errorf("resets = %v, want %v", admin.resets, want)
	}

	if err := client.ResetRateLimit(ctx, ""); err != nil || !admin.resetAll {
		t.Errorf("reset all: %v, called=%v", err, admin.resetAll)
	}

	var se *StatusError
	if err := client.ResetRateLimit(ctx, "nobody"); !errors.As(err, &se) || se.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid principal, got %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	h := NewHTTPServer("127.0.0.1:0", nil, nil, "test", &services.NopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.ListenAndServe(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("ListenAndServe returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
