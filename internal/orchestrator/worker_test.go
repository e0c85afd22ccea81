package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// The drain pool applies queued updates in the background: the full
// enqueue -> drain -> finalize path of the 204 contract.
func TestUpdatePool_DrainsQueue(t *testing.T) {
	e := newTestEngine(t, nil)
	e.createJob(t, "job-1", 1, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery})

	handle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &handle.WorkItem, 1)

	queueConfig := &common.UpdateQueueConfig{
		PollInterval:      "20ms",
		Concurrency:       2,
		VisibilityTimeout: "1m",
		MaxReceive:        3,
		QueueName:         "test_updates",
		RatePerSecond:     100,
	}
	queue := NewUpdateQueue(e.store.DB(), queueConfig)
	pool := NewUpdatePool(queue, e.updater, queueConfig, arbor.NewLogger())

	upd := &models.WorkItemUpdate{
		WorkItemID: handle.WorkItem.ID,
		Status:     models.WorkItemStatusSuccessful,
		Successful: &models.SuccessfulResult{Results: results, Hits: intPtr(1)},
	}
	require.NoError(t, queue.Enqueue(context.Background(), upd))

	pool.Start()
	defer pool.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.job(t, "job-1").Status == models.JobStatusSuccessful {
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	job := e.job(t, "job-1")
	assert.Equal(t, models.JobStatusSuccessful, job.Status)
	assert.Len(t, e.links(t, "job-1"), 1)
}
