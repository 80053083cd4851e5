package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency the health endpoint can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	checks  map[string]Pinger
	timeout time.Duration
}

// NewHealthHandler creates a health handler probing each named dependency.
func NewHealthHandler(checks map[string]Pinger, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{checks: checks, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	statusCode := http.StatusOK

	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			slog.Error("Health check failed", "dependency", name, "error", err)
			checks[name] = "unreachable"
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	JSON(w, statusCode, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// RegisterHealth registers the detailed health route. The bare /health
// liveness probe is served by the heartbeat middleware.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
