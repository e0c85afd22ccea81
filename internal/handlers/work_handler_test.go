package handlers

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
	"github.com/nasa/harmony-orchestrator/internal/services/events"
	badgerstore "github.com/nasa/harmony-orchestrator/internal/storage/badger"
	"github.com/nasa/harmony-orchestrator/internal/storage/sqlite"
)

type workHarness struct {
	handler *WorkHandler
	store   *sqlite.Manager
	queue   *orchestrator.UpdateQueue
}

func setupWorkHandler(t *testing.T) *workHarness {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	artifactDB, err := badgerstore.NewBadgerDB(logger, &common.ArtifactsConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { artifactDB.Close() })
	artifacts := badgerstore.NewArtifactStorage(artifactDB, logger)

	config := common.NewDefaultConfig()
	eventService := events.NewService(nil, logger)

	batcher := orchestrator.NewBatcher(store, artifacts, eventService, &config.Orchestration, "test-bucket", logger)
	advancer := orchestrator.NewAdvancer(store, artifacts, batcher, &config.Orchestration, logger)
	completer := orchestrator.NewCompleter(store, artifacts, eventService, &config.Orchestration, logger)
	updater := orchestrator.NewUpdater(store, artifacts, eventService, advancer, completer, &config.Orchestration, logger)
	dispatcher := orchestrator.NewDispatcher(store, &config.Orchestration, logger)
	queue := orchestrator.NewUpdateQueue(store.DB(), &config.UpdateQueue)

	return &workHarness{
		handler: NewWorkHandler(dispatcher, updater, queue, logger),
		store:   store,
		queue:   queue,
	}
}

// seedWork creates a running job with one ready query item and returns its ID
func (h *workHarness) seedWork(t *testing.T, jobID string, jobStatus models.JobStatus) int64 {
	t.Helper()
	ctx := context.Background()

	var itemID int64
	err := h.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := h.store.Jobs().CreateJob(ctx, tx, &models.Job{
			JobID: jobID, Username: "jdoe", Status: jobStatus, NumInputGranules: 1,
		}); err != nil {
			return err
		}
		if err := h.store.Steps().CreateSteps(ctx, tx, []*models.WorkflowStep{{
			JobID: jobID, StepIndex: 1, ServiceID: "svc-query", Kind: models.StepKindQuery,
			Operation: `{"op":true}`, WorkItemCount: 1, ProgressWeight: 1,
		}}); err != nil {
			return err
		}
		item := &models.WorkItem{
			JobID: jobID, ServiceID: "svc-query", WorkflowStepIndex: 1,
			Status: models.WorkItemStatusReady,
		}
		if err := h.store.WorkItems().CreateWorkItem(ctx, tx, item); err != nil {
			return err
		}
		itemID = item.ID
		return nil
	})
	require.NoError(t, err)
	return itemID
}

func TestGetWorkHandler(t *testing.T) {
	h := setupWorkHandler(t)

	// Idle service polls get 404
	rec := httptest.NewRecorder()
	h.handler.GetWorkHandler(rec, httptest.NewRequest(http.MethodGet, "/api/work?serviceID=svc-query", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing serviceID is a bad request
	rec = httptest.NewRecorder()
	h.handler.GetWorkHandler(rec, httptest.NewRequest(http.MethodGet, "/api/work", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	itemID := h.seedWork(t, "job-1", models.JobStatusRunning)

	rec = httptest.NewRecorder()
	h.handler.GetWorkHandler(rec, httptest.NewRequest(http.MethodGet, "/api/work?serviceID=svc-query&podName=pod-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var response struct {
		WorkItem       workItemPayload `json:"workItem"`
		MaxCmrGranules *int            `json:"maxCmrGranules"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.Equal(t, itemID, response.WorkItem.ID)
	assert.Equal(t, `{"op":true}`, response.WorkItem.Operation)
	require.NotNil(t, response.MaxCmrGranules)
	assert.Equal(t, 1, *response.MaxCmrGranules)

	// The claimed item is gone from the queue
	rec = httptest.NewRecorder()
	h.handler.GetWorkHandler(rec, httptest.NewRequest(http.MethodGet, "/api/work?serviceID=svc-query", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateWorkHandler(t *testing.T) {
	h := setupWorkHandler(t)
	itemID := h.seedWork(t, "job-1", models.JobStatusRunning)

	body := map[string]any{
		"status":  "successful",
		"results": []string{"/tmp/job-1/1/outputs/catalog.json"},
		"hits":    1,
	}
	payload, _ := json.Marshal(body)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, fmt.Sprintf("/api/work/%d", itemID), bytes.NewReader(payload))
	h.handler.UpdateWorkHandler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// The update landed on the queue for background processing
	upd, deleteFn, err := h.queue.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, itemID, upd.WorkItemID)
	assert.Equal(t, models.WorkItemStatusSuccessful, upd.Status)
	require.NoError(t, deleteFn())
}

func TestUpdateWorkHandler_Rejections(t *testing.T) {
	h := setupWorkHandler(t)
	itemID := h.seedWork(t, "job-1", models.JobStatusRunning)

	// Bad work item id
	rec := httptest.NewRecorder()
	h.handler.UpdateWorkHandler(rec, httptest.NewRequest(http.MethodPut, "/api/work/abc", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Invalid status
	rec = httptest.NewRecorder()
	h.handler.UpdateWorkHandler(rec, httptest.NewRequest(http.MethodPut,
		fmt.Sprintf("/api/work/%d", itemID), bytes.NewReader([]byte(`{"status":"sideways"}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown work item
	rec = httptest.NewRecorder()
	h.handler.UpdateWorkHandler(rec, httptest.NewRequest(http.MethodPut,
		"/api/work/99999", bytes.NewReader([]byte(`{"status":"successful"}`))))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// GET on the update route
	rec = httptest.NewRecorder()
	h.handler.UpdateWorkHandler(rec, httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/work/%d", itemID), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUpdateWorkHandler_TerminalJobConflicts(t *testing.T) {
	h := setupWorkHandler(t)
	itemID := h.seedWork(t, "job-1", models.JobStatusCanceled)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut,
		fmt.Sprintf("/api/work/%d", itemID), bytes.NewReader([]byte(`{"status":"successful"}`)))
	h.handler.UpdateWorkHandler(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)
}
