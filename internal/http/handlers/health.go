package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler serves liveness and readiness probes
type HealthHandler struct {
	ping func(ctx context.Context) error
}

// NewHealthHandler creates a health handler; ping checks the database for readiness
func NewHealthHandler(ping func(ctx context.Context) error) *HealthHandler {
	return &HealthHandler{ping: ping}
}

// ServeHTTP handles GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// HandleReady handles GET /health/ready
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
