package janitor

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
	"github.com/nasa/harmony-orchestrator/internal/storage/sqlite"
)

func TestSweep_FailsStalledItems(t *testing.T) {
	logger := arbor.NewLogger()

	store, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queueConfig := common.NewDefaultConfig().UpdateQueue
	queue := orchestrator.NewUpdateQueue(store.DB(), &queueConfig)

	janitorConfig := &common.JanitorConfig{
		Enabled:        true,
		Schedule:       "*/2 * * * *",
		MaxItemRuntime: "1h",
	}
	svc := NewService(store, queue, janitorConfig, logger)

	ctx := context.Background()

	var stalledID int64
	err = store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.Jobs().CreateJob(ctx, tx, &models.Job{
			JobID: "job-1", Username: "jdoe", Status: models.JobStatusRunning, NumInputGranules: 2,
		}); err != nil {
			return err
		}
		if err := store.Steps().CreateSteps(ctx, tx, []*models.WorkflowStep{{
			JobID: "job-1", StepIndex: 1, ServiceID: "svc", Kind: models.StepKindQuery, WorkItemCount: 2,
		}}); err != nil {
			return err
		}

		stalled := &models.WorkItem{
			JobID: "job-1", ServiceID: "svc", WorkflowStepIndex: 1,
			Status: models.WorkItemStatusRunning, StartedAt: time.Now().Add(-2 * time.Hour),
		}
		if err := store.WorkItems().CreateWorkItem(ctx, tx, stalled); err != nil {
			return err
		}
		stalledID = stalled.ID

		healthy := &models.WorkItem{
			JobID: "job-1", ServiceID: "svc", WorkflowStepIndex: 1,
			Status: models.WorkItemStatusRunning, StartedAt: time.Now(), SortIndex: 1,
		}
		return store.WorkItems().CreateWorkItem(ctx, tx, healthy)
	})
	require.NoError(t, err)

	require.NoError(t, svc.Sweep(ctx))

	// Exactly one failed update was queued, for the stalled item
	upd, deleteFn, err := queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, stalledID, upd.WorkItemID)
	assert.Equal(t, models.WorkItemStatusFailed, upd.Status)
	require.NotNil(t, upd.Failed)
	require.NoError(t, deleteFn())

	_, _, err = queue.Receive(ctx)
	assert.ErrorIs(t, err, orchestrator.ErrNoMessage)
}

func TestStart_DisabledIsNoop(t *testing.T) {
	logger := arbor.NewLogger()

	store, err := sqlite.NewManager(logger, &common.SQLiteConfig{
		Path:          t.TempDir() + "/test.db",
		CacheSizeMB:   10,
		BusyTimeoutMS: 5000,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	queueConfig := common.NewDefaultConfig().UpdateQueue
	queue := orchestrator.NewUpdateQueue(store.DB(), &queueConfig)

	svc := NewService(store, queue, &common.JanitorConfig{Enabled: false}, logger)
	require.NoError(t, svc.Start())
	svc.Stop()
}
