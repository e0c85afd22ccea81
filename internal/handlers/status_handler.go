package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// StatusHandler serves health and version endpoints
type StatusHandler struct {
	store     interfaces.StorageManager
	startedAt time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(store interfaces.StorageManager, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		store:     store,
		startedAt: time.Now(),
		logger:    logger,
	}
}

// HealthHandler reports service liveness and database reachability.
// GET /health
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DB().PingContext(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("Health check failed: database unreachable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"error":  "database unreachable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(h.startedAt).String(),
	})
}

// VersionHandler reports build information.
// GET /api/version
func (h *StatusHandler) VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetFullVersion(),
	})
}
