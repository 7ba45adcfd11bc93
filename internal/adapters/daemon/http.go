// Package daemon exposes the running bot over a local HTTP control plane.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
	"github.com/MidknightMantra/MidKnight/internal/core/ports"
	"github.com/MidknightMantra/MidKnight/internal/core/services"
)

// HTTPServer serves health probes and the operator endpoints.
type HTTPServer struct {
	server    *http.Server
	healthSvc *services.HealthService
	admin     ports.RuntimeAdmin
	version   string
	startTime time.Time
	logger    ports.Logger
}

// NewHTTPServer creates the control plane. admin may be nil, in which case
// only the health endpoints are mounted.
func NewHTTPServer(addr string, healthSvc *services.HealthService, admin ports.RuntimeAdmin, version string, logger ports.Logger) *HTTPServer {
	h := &HTTPServer{
		healthSvc: healthSvc,
		admin:     admin,
		version:   version,
		startTime: time.Now(),
		logger:    logger,
	}

	h.server = &http.Server{
		Addr:         addr,
		Handler:      h.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	return h
}

// Handler returns the route table.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/liveness", h.handleLiveness)
	mux.HandleFunc("GET /health/readiness", h.handleReadiness)

	if h.admin != nil {
		mux.HandleFunc("GET /runtime/plugins", h.handlePlugins)
		mux.HandleFunc("POST /runtime/plugins/reload", h.handleReloadAll)
		mux.HandleFunc("POST /runtime/plugins/{name}/reload", h.handleReload)
		mux.HandleFunc("GET /runtime/stats", h.handleStats)
		mux.HandleFunc("GET /runtime/ratelimit/{principal}", h.handleRateLimitInfo)
		mux.HandleFunc("DELETE /runtime/ratelimit", h.handleRateLimitResetAll)
		mux.HandleFunc("DELETE /runtime/ratelimit/{principal}", h.handleRateLimitReset)
	}
	return mux
}

// Serve accepts connections on l until ctx is cancelled, then shuts down
// gracefully.
func (h *HTTPServer) Serve(ctx context.Context, l net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.Serve(l)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.Shutdown(shutdownCtx)
	}
}

// ListenAndServe listens on the configured address and calls Serve.
func (h *HTTPServer) ListenAndServe(ctx context.Context) error {
	l, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.logger.Info("Control plane listening", "addr", l.Addr().String())
	return h.Serve(ctx, l)
}

// Shutdown gracefully shuts down the HTTP server.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Addr returns the server address.
func (h *HTTPServer) Addr() string {
	return h.server.Addr
}

func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":    "MidKnight",
		"version": h.version,
		"uptime":  time.Since(h.startTime).Round(time.Second).String(),
		"status":  "running",
	})
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.healthSvc == nil {
		writeJSON(w, http.StatusOK, HealthReport{
			Status:  string(services.HealthStatusHealthy),
			Version: h.version,
			Uptime:  time.Since(h.startTime).Round(time.Second).String(),
		})
		return
	}

	health := h.healthSvc.Check(r.Context())
	status := http.StatusOK
	if health.Status == services.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	report := HealthReport{
		Status:     string(health.Status),
		Version:    health.Version,
		Uptime:     health.Uptime.Round(time.Second).String(),
		CheckedAt:  health.CheckedAt,
		Components: make([]ComponentReport, len(health.Components)),
		System:     health.System,
	}
	for i, c := range health.Components {
		report.Components[i] = ComponentReport{
			Name:      c.Name,
			Status:    string(c.Status),
			Message:   c.Message,
			Details:   c.Details,
			LatencyMS: float64(c.Latency.Microseconds()) / 1000,
		}
	}
	writeJSON(w, status, report)
}

// handleLiveness handles Kubernetes/Cloud Run liveness probe.
func (h *HTTPServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	alive := true
	if h.healthSvc != nil {
		alive = h.healthSvc.CheckLiveness(r.Context())
	}
	status := http.StatusOK
	if !alive {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"alive": alive})
}

// handleReadiness handles Kubernetes/Cloud Run readiness probe.
func (h *HTTPServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := true
	if h.healthSvc != nil {
		ready = h.healthSvc.CheckReadiness(r.Context())
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"ready": ready})
}

func (h *HTTPServer) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugins": h.admin.Plugins()})
}

func (h *HTTPServer) handleReload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, err := h.admin.ReloadPlugin(r.Context(), name)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, domain.ErrPluginNotFound) {
			status = http.StatusNotFound
		}
		h.logger.Warn("Reload via control plane failed", "plugin", name, "error", err)
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plugin": d})
}

func (h *HTTPServer) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.ReloadAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsReport{
		Uptime:   h.admin.Uptime().Round(time.Second).String(),
		Plugins:  len(h.admin.Plugins()),
		Requests: h.admin.RequestMetrics(),
		Limiter:  h.admin.LimiterStats(),
	})
}

func (h *HTTPServer) handleRateLimitInfo(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.admin.RateLimitInfo(principal))
}

func (h *HTTPServer) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFromPath(w, r)
	if !ok {
		return
	}
	h.admin.ResetRateLimit(principal)
	writeJSON(w, http.StatusOK, map[string]string{"reset": principal})
}

func (h *HTTPServer) handleRateLimitResetAll(w http.ResponseWriter, r *http.Request) {
	h.admin.ResetAllRateLimits()
	writeJSON(w, http.StatusOK, map[string]string{"reset": "all"})
}

// principalFromPath accepts either a phone number or a full JID.
func principalFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.PathValue("principal")
	jid := domain.NormalizeJID(raw)
	if !strings.Contains(raw, "@") {
		jid = domain.PhoneToJID(raw)
	}
	if jid == "" || domain.PhoneFromJID(jid) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid principal %q", raw))
		return "", false
	}
	return jid, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
