package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Uptime     string                 `json:"uptime"`
	CheckedAt  time.Time              `json:"checked_at"`
	Components []ComponentReport      `json:"components"`
	System     services.SystemMetrics `json:"system"`
}

// ComponentReport is one checker result inside a HealthReport.
type ComponentReport struct {
	Name      string            `json:"name"`
	Status    string            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	LatencyMS float64           `json:"latency_ms"`
}

// StatsReport is the body of GET /runtime/stats.
type StatsReport struct {
	Uptime   string                `json:"uptime"`
	Plugins  int                   `json:"plugins"`
	Requests domain.RequestMetrics `json:"requests"`
	Limiter  domain.LimiterStats   `json:"limiter"`
}

// StatusError is returned when the control plane answers with a non-2xx code.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.Code, e.Message)
}

// Client talks to a running bot's control plane.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, either "host:port" or a full URL.
func NewClient(addr string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

// call performs one request and decodes the JSON answer into out. Health
// probes answer 503 with a valid body, so allowUnavailable keeps that body.
func (c *Client) call(ctx context.Context, method, path string, out interface{}, allowUnavailable bool) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control plane: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	ok := resp.StatusCode < 300 || (allowUnavailable && resp.StatusCode == http.StatusServiceUnavailable)
	if !ok {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// Health fetches the full health report.
func (c *Client) Health(ctx context.Context) (*HealthReport, error) {
	var report HealthReport
	if err := c.call(ctx, http.MethodGet, "/health", &report, true); err != nil {
		return nil, err
	}
	return &report, nil
}

// Liveness reports whether the process answers its liveness probe.
func (c *Client) Liveness(ctx context.Context) (bool, error) {
	var resp struct {
		Alive bool `json:"alive"`
	}
	err := c.call(ctx, http.MethodGet, "/health/liveness", &resp, true)
	return resp.Alive, err
}

// Readiness reports whether the process answers its readiness probe.
func (c *Client) Readiness(ctx context.Context) (bool, error) {
	var resp struct {
		Ready bool `json:"ready"`
	}
	err := c.call(ctx, http.MethodGet, "/health/readiness", &resp, true)
	return resp.Ready, err
}

// Plugins lists the registered plugins.
func (c *Client) Plugins(ctx context.Context) ([]domain.PluginDescriptor, error) {
	var resp struct {
		Plugins []domain.PluginDescriptor `json:"plugins"`
	}
	if err := c.call(ctx, http.MethodGet, "/runtime/plugins", &resp, false); err != nil {
		return nil, err
	}
	return resp.Plugins, nil
}

// ReloadPlugin reloads one plugin by name.
func (c *Client) ReloadPlugin(ctx context.Context, name string) (*domain.PluginDescriptor, error) {
	var resp struct {
		Plugin *domain.PluginDescriptor `json:"plugin"`
	}
	path := "/runtime/plugins/" + url.PathEscape(name) + "/reload"
	if err := c.call(ctx, http.MethodPost, path, &resp, false); err != nil {
		return nil, err
	}
	return resp.Plugin, nil
}

// ReloadAll reloads every plugin.
func (c *Client) ReloadAll(ctx context.Context) (domain.LoadReport, error) {
	var report domain.LoadReport
	err := c.call(ctx, http.MethodPost, "/runtime/plugins/reload", &report, false)
	return report, err
}

// Stats fetches request and limiter statistics.
func (c *Client) Stats(ctx context.Context) (*StatsReport, error) {
	var report StatsReport
	if err := c.call(ctx, http.MethodGet, "/runtime/stats", &report, false); err != nil {
		return nil, err
	}
	return &report, nil
}

// RateLimitInfo returns the bucket state of one principal.
func (c *Client) RateLimitInfo(ctx context.Context, principal string) (domain.RateLimitInfo, error) {
	var info domain.RateLimitInfo
	err := c.call(ctx, http.MethodGet, "/runtime/ratelimit/"+url.PathEscape(principal), &info, false)
	return info, err
}

// ResetRateLimit clears one principal's bucket, or every bucket when
// principal is empty.
func (c *Client) ResetRateLimit(ctx context.Context, principal string) error {
	path := "/runtime/ratelimit"
	if principal != "" {
		path += "/" + url.PathEscape(principal)
	}
	return c.call(ctx, http.MethodDelete, path, nil, false)
}
