package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gottino/remarkable-sync/internal/services"
)

// StatusHandler exposes sync engine status and stats
type StatusHandler struct {
	manager   *services.SyncManager
	processor *services.QueueProcessor
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(manager *services.SyncManager, processor *services.QueueProcessor) *StatusHandler {
	return &StatusHandler{
		manager:   manager,
		processor: processor,
	}
}

// GetStatus returns processor state and target connectivity
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"processor": h.processor.GetStatus(r.Context()),
		"targets":   h.manager.TargetInfos(r.Context()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetStats returns aggregate ledger statistics. The optional target query
// parameter narrows the stats to one target.
func (h *StatusHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	targetName := r.URL.Query().Get("target")

	stats, err := h.manager.Stats(r.Context(), targetName)
	if err != nil {
		log.Printf("Error loading sync stats: %v", err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// RunNow triggers an immediate processing cycle
func (h *StatusHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	h.processor.RunNow()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "scheduled"})
}
