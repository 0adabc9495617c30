package handler

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// HealthHandler serves the health endpoint.
type HealthHandler struct {
	mode   string
	checks map[string]HealthCheck
}

// NewHealthHandler creates a HealthHandler running checks on every call.
func NewHealthHandler(mode string, checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{mode: mode, checks: checks}
}

// HealthCheck reports "ok", or "degraded" with 503 when any check fails.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			deps[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	writeJSON(w, code, map[string]any{
		"status":       status,
		"mode":         h.mode,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
