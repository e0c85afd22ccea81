package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

func TestJobStorage_CreateAndGet(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	job := &models.Job{
		JobID:            "job-1",
		Username:         "jdoe",
		Status:           models.JobStatusAccepted,
		Message:          "The job is being processed",
		NumInputGranules: 100,
		IgnoreErrors:     true,
		IsAsync:          true,
		RequestURL:       "https://harmony.example.com/ogc/request",
	}

	require.NoError(t, m.Jobs().CreateJob(ctx, nil, job))

	stored, err := m.Jobs().GetJob(ctx, nil, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", stored.Username)
	assert.Equal(t, models.JobStatusAccepted, stored.Status)
	assert.Equal(t, 100, stored.NumInputGranules)
	assert.True(t, stored.IgnoreErrors)
	assert.True(t, stored.IsAsync)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestJobStorage_GetMissing(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()

	_, err := m.Jobs().GetJob(context.Background(), nil, "nope")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)

	_, err = m.Jobs().GetJobStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestJobStorage_Update(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	job := &models.Job{JobID: "job-2", Username: "jdoe", Status: models.JobStatusAccepted, NumInputGranules: 5}
	require.NoError(t, m.Jobs().CreateJob(ctx, nil, job))

	job.Status = models.JobStatusRunning
	job.Progress = 40
	job.NumInputGranules = 3
	require.NoError(t, m.Jobs().UpdateJob(ctx, nil, job))

	stored, err := m.Jobs().GetJob(ctx, nil, "job-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)
	assert.Equal(t, 40, stored.Progress)
	assert.Equal(t, 3, stored.NumInputGranules)

	status, err := m.Jobs().GetJobStatus(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, status)
}

func TestJobStorage_List(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	for _, spec := range []struct {
		id       string
		username string
		status   models.JobStatus
	}{
		{"job-a", "alice", models.JobStatusRunning},
		{"job-b", "alice", models.JobStatusSuccessful},
		{"job-c", "bob", models.JobStatusRunning},
	} {
		require.NoError(t, m.Jobs().CreateJob(ctx, nil, &models.Job{
			JobID: spec.id, Username: spec.username, Status: spec.status, NumInputGranules: 1,
		}))
	}

	jobs, err := m.Jobs().ListJobs(ctx, &interfaces.JobListOptions{Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = m.Jobs().ListJobs(ctx, &interfaces.JobListOptions{Status: "running"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = m.Jobs().ListJobs(ctx, &interfaces.JobListOptions{Status: "running,successful", Username: "alice"})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestJobStorage_DeleteCascades(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	job := &models.Job{JobID: "job-d", Username: "jdoe", Status: models.JobStatusRunning, NumInputGranules: 1}
	require.NoError(t, m.Jobs().CreateJob(ctx, nil, job))
	require.NoError(t, m.Steps().CreateSteps(ctx, nil, []*models.WorkflowStep{{
		JobID: "job-d", StepIndex: 1, ServiceID: "svc", Kind: models.StepKindQuery, WorkItemCount: 1,
	}}))
	item := &models.WorkItem{JobID: "job-d", ServiceID: "svc", WorkflowStepIndex: 1, Status: models.WorkItemStatusReady}
	require.NoError(t, m.WorkItems().CreateWorkItem(ctx, nil, item))

	require.NoError(t, m.Jobs().DeleteJob(ctx, "job-d"))

	_, err := m.WorkItems().GetWorkItem(ctx, nil, item.ID)
	assert.ErrorIs(t, err, interfaces.ErrWorkItemNotFound)

	_, err = m.Steps().GetStep(ctx, nil, "job-d", 1)
	assert.ErrorIs(t, err, interfaces.ErrStepNotFound)
}
