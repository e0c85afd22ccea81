package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/harmony-orchestrator/internal/models"
)

func TestBatchStorage_Lifecycle(t *testing.T) {
	m, cleanup := setupTestManager(t)
	defer cleanup()
	ctx := context.Background()

	seedJob(t, m, "job-1", models.JobStatusRunning, models.StepKindQuery, models.StepKindBatchedAggregate)

	// No batches yet
	current, err := m.Batches().GetCurrentBatch(ctx, nil, "job-1", "agg")
	require.NoError(t, err)
	assert.Nil(t, current)

	require.NoError(t, m.Batches().CreateBatch(ctx, nil, &models.Batch{JobID: "job-1", ServiceID: "agg", BatchID: 0}))
	require.NoError(t, m.Batches().CreateBatch(ctx, nil, &models.Batch{JobID: "job-1", ServiceID: "agg", BatchID: 1}))

	current, err = m.Batches().GetCurrentBatch(ctx, nil, "job-1", "agg")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, 1, current.BatchID)

	items := []*models.BatchItem{
		{JobID: "job-1", ServiceID: "agg", StacItemURL: "/tmp/i0.json", ItemSize: 100, SortIndex: 0},
		{JobID: "job-1", ServiceID: "agg", StacItemURL: "/tmp/i1.json", ItemSize: 200, SortIndex: 1},
		{JobID: "job-1", ServiceID: "agg", StacItemURL: "", ItemSize: 0, SortIndex: 2}, // placeholder
	}
	require.NoError(t, m.Batches().InsertBatchItems(ctx, nil, items))
	for _, item := range items {
		assert.NotZero(t, item.ID)
	}

	pending, err := m.Batches().GetUnassignedItems(ctx, nil, "job-1", "agg")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, 0, pending[0].SortIndex)
	assert.True(t, pending[2].IsPlaceholder())

	// Assign the first two to batch 0
	require.NoError(t, m.Batches().AssignItem(ctx, nil, items[0].ID, 0))
	require.NoError(t, m.Batches().AssignItem(ctx, nil, items[1].ID, 0))

	pending, err = m.Batches().GetUnassignedItems(ctx, nil, "job-1", "agg")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	max, ok, err := m.Batches().MaxSortIndexInBatch(ctx, nil, "job-1", "agg", 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, max)

	_, ok, err = m.Batches().MaxSortIndexInBatch(ctx, nil, "job-1", "agg", 1)
	require.NoError(t, err)
	assert.False(t, ok)

	max, ok, err = m.Batches().MaxPendingSortIndex(ctx, nil, "job-1", "agg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, max)

	batchItems, err := m.Batches().GetBatchItems(ctx, nil, "job-1", "agg", 0)
	require.NoError(t, err)
	require.Len(t, batchItems, 2)
	assert.Equal(t, "/tmp/i0.json", batchItems[0].StacItemURL)
	require.NotNil(t, batchItems[0].BatchID)
	assert.Equal(t, 0, *batchItems[0].BatchID)
}
