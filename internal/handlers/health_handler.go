package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db        *sql.DB
	version   string
	startedAt time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *sql.DB, version string) *HealthHandler {
	return &HealthHandler{
		db:        db,
		version:   version,
		startedAt: time.Now(),
	}
}

// HealthCheck reports liveness plus database reachability
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK

	if err := h.db.PingContext(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  status,
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
