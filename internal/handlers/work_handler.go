package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
)

// WorkHandler serves the worker-facing pull/push protocol: GET hands out
// the next work item for a service, PUT ingests a terminal update.
type WorkHandler struct {
	dispatcher *orchestrator.Dispatcher
	updater    *orchestrator.Updater
	queue      *orchestrator.UpdateQueue
	validate   *validator.Validate
	logger     arbor.ILogger
}

// NewWorkHandler creates a new work handler
func NewWorkHandler(dispatcher *orchestrator.Dispatcher, updater *orchestrator.Updater, queue *orchestrator.UpdateQueue, logger arbor.ILogger) *WorkHandler {
	return &WorkHandler{
		dispatcher: dispatcher,
		updater:    updater,
		queue:      queue,
		validate:   validator.New(),
		logger:     logger,
	}
}

// workItemPayload is the wire shape of a claimed work item: the item's
// fields plus its step's serialized operation.
type workItemPayload struct {
	models.WorkItem
	Operation string `json:"operation"`
}

// GetWorkHandler hands the next ready work item to a polling worker.
// GET /api/work?serviceID=...&podName=...
// Responds 200 with the claimed item or 404 when the service is idle.
func (h *WorkHandler) GetWorkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	serviceID := r.URL.Query().Get("serviceID")
	if serviceID == "" {
		writeError(w, http.StatusBadRequest, "serviceID is required")
		return
	}
	podName := r.URL.Query().Get("podName")

	handle, err := h.dispatcher.GetWork(r.Context(), serviceID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoWorkAvailable) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to get work")
		writeError(w, http.StatusInternalServerError, "failed to get work")
		return
	}

	h.logger.Debug().
		Int64("work_item_id", handle.WorkItem.ID).
		Str("service_id", serviceID).
		Str("pod_name", podName).
		Msg("Work item dispatched")

	response := map[string]any{
		"workItem": workItemPayload{WorkItem: handle.WorkItem, Operation: handle.Operation},
	}
	if handle.MaxCmrGranules != nil {
		response["maxCmrGranules"] = *handle.MaxCmrGranules
	}

	writeJSON(w, http.StatusOK, response)
}

// UpdateWorkHandler ingests a worker's terminal update for one work item.
// PUT /api/work/{id}
// The response is 204 as soon as the update is queued; processing happens
// in the background. Updates for terminal jobs get 409.
func (h *WorkHandler) UpdateWorkHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	idPart := strings.TrimPrefix(r.URL.Path, "/api/work/")
	workItemID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || workItemID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid work item id")
		return
	}

	var wire models.WireUpdate
	if err := decodeJSON(r, &wire); err != nil {
		writeError(w, http.StatusBadRequest, "invalid update body")
		return
	}
	if err := h.validate.Struct(&wire); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	upd, err := models.UpdateFromWire(workItemID, &wire)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Legacy terminal-job path: some workers expect an explicit conflict
	// instead of a silently absorbed update
	status, err := h.updater.JobStatusForItem(r.Context(), workItemID)
	if err != nil {
		if errors.Is(err, interfaces.ErrWorkItemNotFound) {
			writeError(w, http.StatusNotFound, "work item not found")
			return
		}
		h.logger.Error().Err(err).Int64("work_item_id", workItemID).Msg("Failed to resolve job status")
		writeError(w, http.StatusInternalServerError, "failed to resolve job status")
		return
	}
	if status.IsTerminal() && upd.Status != models.WorkItemStatusCanceled {
		writeError(w, http.StatusConflict, "job is already in a terminal state")
		return
	}

	// 204 means "queued", not "applied": the enqueue is the backpressure
	// boundary, and a full queue surfaces as 503 so the worker retries
	if err := h.queue.Enqueue(r.Context(), upd); err != nil {
		h.logger.Error().Err(err).Int64("work_item_id", workItemID).Msg("Failed to enqueue work item update")
		writeError(w, http.StatusServiceUnavailable, "update queue unavailable")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
