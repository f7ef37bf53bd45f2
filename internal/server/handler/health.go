package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger is a dependency whose reachability is part of health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	startedAt time.Time
	deps      map[string]Pinger
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler that pings deps by name.
func NewHealthHandler(mode string, deps map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, startedAt: time.Now(), deps: deps, logger: logger}
}

// HealthCheck reports process status and dependency reachability. Any
// unreachable dependency turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.deps))
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health: dependency unreachable",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			checks[name] = "down"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":         overall,
		"mode":           h.mode,
		"checks":         checks,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
