package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/harmony-orchestrator/internal/models"
)

func TestUserWorkStorage_AddReady(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, m.UserWork().AddReady(ctx, nil, "jdoe", "svc", 3))

	count, err := m.UserWork().GetReadyCount(ctx, "jdoe", "svc")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, m.UserWork().AddReady(ctx, nil, "jdoe", "svc", -1))
	count, err = m.UserWork().GetReadyCount(ctx, "jdoe", "svc")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// The counter clamps at zero
	require.NoError(t, m.UserWork().AddReady(ctx, nil, "jdoe", "svc", -10))
	count, err = m.UserWork().GetReadyCount(ctx, "jdoe", "svc")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// Unknown pair reads as zero
	count, err = m.UserWork().GetReadyCount(ctx, "nobody", "svc")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUserWorkStorage_Recalculate(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	seedJob(t, m, "job-1", models.JobStatusRunning, models.StepKindQuery, models.StepKindMap)
	serviceID := "svc-" + string(models.StepKindMap)

	for i := 0; i < 4; i++ {
		require.NoError(t, m.WorkItems().CreateWorkItem(ctx, nil, &models.WorkItem{
			JobID: "job-1", ServiceID: serviceID, WorkflowStepIndex: 2,
			Status: models.WorkItemStatusReady, SortIndex: i,
		}))
	}

	require.NoError(t, m.UserWork().Recalculate(ctx, nil, "jdoe", serviceID))
	count, err := m.UserWork().GetReadyCount(ctx, "jdoe", serviceID)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Paused jobs drop out of the counter
	job, err := m.Jobs().GetJob(ctx, nil, "job-1")
	require.NoError(t, err)
	job.Status = models.JobStatusPaused
	require.NoError(t, m.Jobs().UpdateJob(ctx, nil, job))

	require.NoError(t, m.UserWork().Recalculate(ctx, nil, "jdoe", serviceID))
	count, err = m.UserWork().GetReadyCount(ctx, "jdoe", serviceID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
