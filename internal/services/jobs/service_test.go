package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
	"github.com/nasa/harmony-orchestrator/internal/services/chains"
	"github.com/nasa/harmony-orchestrator/internal/services/events"
	badgerstore "github.com/nasa/harmony-orchestrator/internal/storage/badger"
	"github.com/nasa/harmony-orchestrator/internal/storage/sqlite"
)

func setupService(t *testing.T) (*Service, *sqlite.Manager) {
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

	config := common.NewDefaultConfig().Orchestration
	config.PreviewThreshold = 10

	chainRegistry, err := chains.NewService("", logger)
	require.NoError(t, err)
	require.NoError(t, chainRegistry.Register(&chains.ChainDefinition{
		Name: "harmony/subset",
		Steps: []chains.StepDefinition{
			{Service: "svc-query", Kind: "sequential-query", ProgressWeight: 0.2},
			{Service: "svc-sub", Kind: "map", ProgressWeight: 0.8},
		},
	}))

	eventService := events.NewService(nil, logger)
	completer := orchestrator.NewCompleter(store, artifacts, eventService, &config, logger)

	return NewService(store, chainRegistry, completer, eventService, &config, logger), store
}

func TestService_Submit(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, &SubmitRequest{
		Username:         "jdoe",
		Chain:            "harmony/subset",
		Operation:        `{"format":{"mime":"image/tiff"}}`,
		NumInputGranules: 3,
		IsAsync:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, job.Status)

	steps, err := store.Steps().GetSteps(ctx, nil, job.JobID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, models.StepKindQuery, steps[0].Kind)
	assert.Equal(t, 1, steps[0].WorkItemCount)
	assert.Equal(t, 3, steps[1].WorkItemCount)

	// The first query work item is ready and counted for fair share
	count, err := store.UserWork().GetReadyCount(ctx, "jdoe", "svc-query")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestService_SubmitLargeAsyncJobPreviews(t *testing.T) {
	svc, _ := setupService(t)

	job, err := svc.Submit(context.Background(), &SubmitRequest{
		Username:         "jdoe",
		Chain:            "harmony/subset",
		NumInputGranules: 50, // above the preview threshold of 10
		IsAsync:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPreviewing, job.Status)

	// Synchronous jobs never preview
	job, err = svc.Submit(context.Background(), &SubmitRequest{
		Username:         "jdoe",
		Chain:            "harmony/subset",
		NumInputGranules: 50,
		IsAsync:          false,
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAccepted, job.Status)
}

func TestService_SubmitUnknownChain(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Submit(context.Background(), &SubmitRequest{
		Username:         "jdoe",
		Chain:            "harmony/nope",
		NumInputGranules: 1,
	})
	assert.Error(t, err)
}

func TestService_PauseResume(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, &SubmitRequest{
		Username: "jdoe", Chain: "harmony/subset", NumInputGranules: 2, IsAsync: true,
	})
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPaused, paused.Status)

	// Paused jobs drop out of the fair-share counters
	count, err := store.UserWork().GetReadyCount(ctx, "jdoe", "svc-query")
	require.NoError(t, err)
	assert.Zero(t, count)

	resumed, err := svc.Resume(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)

	count, err = store.UserWork().GetReadyCount(ctx, "jdoe", "svc-query")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Double resume is rejected
	_, err = svc.Resume(ctx, job.JobID)
	assert.ErrorIs(t, err, ErrJobNotPausable)
}

func TestService_Cancel(t *testing.T) {
	svc, store := setupService(t)
	ctx := context.Background()

	job, err := svc.Submit(ctx, &SubmitRequest{
		Username: "jdoe", Chain: "harmony/subset", NumInputGranules: 2, IsAsync: true,
	})
	require.NoError(t, err)

	canceled, err := svc.Cancel(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCanceled, canceled.Status)

	// The first query item was swept
	count, err := store.WorkItems().CountByStatus(ctx, nil, job.JobID, 1, models.WorkItemStatusCanceled)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Cancel is not repeatable once terminal
	_, err = svc.Cancel(ctx, job.JobID)
	assert.ErrorIs(t, err, ErrJobNotPausable)
}
