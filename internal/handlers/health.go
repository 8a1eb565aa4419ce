package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rotulo-studio/api/internal/platform/httpx"
)

var startTime = time.Now()

// ReadinessCheck probes a dependency, returning an error when it is not
// ready to serve traffic.
type ReadinessCheck func(ctx context.Context) error

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checks map[string]ReadinessCheck
}

// NewHealthHandlers constructs the probe handlers. Checks are optional;
// readiness passes vacuously without them.
func NewHealthHandlers() *HealthHandlers {
	return &HealthHandlers{checks: make(map[string]ReadinessCheck)}
}

// AddCheck registers a named readiness probe.
func (h *HealthHandlers) AddCheck(name string, check ReadinessCheck) {
	if name == "" || check == nil {
		return
	}
	h.checks[name] = check
}

// Healthz reports process liveness.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"uptime":    time.Since(startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Readyz runs every registered dependency check and reports the first group
// of failures with a 503.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	failures := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}

	if len(failures) > 0 {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":   "unavailable",
			"failures": failures,
		})
		return
	}

	httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
