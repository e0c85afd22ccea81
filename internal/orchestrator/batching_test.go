package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

func TestPipeline_BatchedAggregation(t *testing.T) {
	e := newTestEngine(t, nil)
	e.createJob(t, "job-1", 5, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-concat", kind: models.StepKindBatchedAggregate, maxBatchInputs: 2, maxBatchSizeInBytes: 1_000_000_000})

	queryHandle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &queryHandle.WorkItem, 5)
	e.succeed(t, queryHandle.WorkItem.ID, results, intPtr(5), []int64{100, 100, 100, 100, 100})

	// Five inputs under a two-item cap seal into batches of 2, 2, 1
	step2 := e.step(t, "job-1", 2)
	assert.Equal(t, 3, step2.WorkItemCount)

	ctx := context.Background()
	for batchID := 0; batchID < 3; batchID++ {
		items, err := e.store.Batches().GetBatchItems(ctx, nil, "job-1", "svc-concat", batchID)
		require.NoError(t, err)

		wantLen := 2
		if batchID == 2 {
			wantLen = 1
		}
		require.Len(t, items, wantLen, "batch %d", batchID)

		// Contiguous sort indexes, strictly above the prior batch
		for i, item := range items {
			assert.Equal(t, batchID*2+i, item.SortIndex)
		}

		// The sealed batch catalog lists the item URLs in ascending order
		catalogURL := fmt.Sprintf("s3://test-bucket/job-1/batches/2/%d/catalog.json", batchID)
		body, err := e.artifacts.Get(ctx, catalogURL)
		require.NoError(t, err)

		catalog, err := models.CatalogFromJSON(body)
		require.NoError(t, err)
		itemLinks := catalog.ItemLinks()
		require.Len(t, itemLinks, wantLen)
		for i, link := range itemLinks {
			assert.Equal(t, items[i].StacItemURL, link.Href)
		}

		// Every batch catalog carries the harmony_source link
		hasSource := false
		for _, link := range catalog.Links {
			if link.Rel == models.StacRelHarmonySource {
				hasSource = true
			}
		}
		assert.True(t, hasSource)
	}

	// Three aggregating children drain the pipeline
	for i := 0; i < 3; i++ {
		handle := e.claim(t, "svc-concat")
		assert.Equal(t, i, handle.WorkItem.SortIndex)
		childResults := e.workerOutputs(t, &handle.WorkItem, 1)
		e.succeed(t, handle.WorkItem.ID, childResults, nil, nil)
	}

	job := e.job(t, "job-1")
	assert.Equal(t, models.JobStatusSuccessful, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Len(t, e.links(t, "job-1"), 3)
}

func TestPipeline_BatchSealsOnByteBound(t *testing.T) {
	e := newTestEngine(t, nil)
	e.createJob(t, "job-1", 3, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-concat", kind: models.StepKindBatchedAggregate, maxBatchInputs: 100, maxBatchSizeInBytes: 250})

	queryHandle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &queryHandle.WorkItem, 3)
	// 200 + 100 overflows 250, so the second item opens batch 1
	e.succeed(t, queryHandle.WorkItem.ID, results, intPtr(3), []int64{200, 100, 100})

	ctx := context.Background()
	batch0, err := e.store.Batches().GetBatchItems(ctx, nil, "job-1", "svc-concat", 0)
	require.NoError(t, err)
	require.Len(t, batch0, 1)
	assert.Equal(t, 0, batch0[0].SortIndex)

	batch1, err := e.store.Batches().GetBatchItems(ctx, nil, "job-1", "svc-concat", 1)
	require.NoError(t, err)
	require.Len(t, batch1, 2)

	step2 := e.step(t, "job-1", 2)
	assert.Equal(t, 2, step2.WorkItemCount)
}

// A failed upstream item participates as a placeholder: ordering holds and
// the placeholder never counts toward the batch limits.
func TestPipeline_BatchPlaceholderForFailedItem(t *testing.T) {
	e := newTestEngine(t, func(c *common.OrchestrationConfig) { c.WorkItemRetryLimit = 0 })
	e.createJob(t, "job-1", 3, true, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-sub", kind: models.StepKindMap},
		stepSpec{serviceID: "svc-concat", kind: models.StepKindBatchedAggregate, maxBatchInputs: 3, maxBatchSizeInBytes: 1_000_000_000})

	queryHandle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &queryHandle.WorkItem, 3)
	e.succeed(t, queryHandle.WorkItem.ID, results, intPtr(3), nil)

	// Middle item fails; the others succeed
	handles := make([]*models.WorkItemHandle, 3)
	for i := 0; i < 3; i++ {
		handles[i] = e.claim(t, "svc-sub")
	}
	bySort := map[int]*models.WorkItemHandle{}
	for _, handle := range handles {
		bySort[handle.WorkItem.SortIndex] = handle
	}

	okResults0 := e.workerOutputs(t, &bySort[0].WorkItem, 1)
	e.succeed(t, bySort[0].WorkItem.ID, okResults0, nil, []int64{100})

	e.fail(t, bySort[1].WorkItem.ID, "corrupt granule")

	okResults2 := e.workerOutputs(t, &bySort[2].WorkItem, 1)
	e.succeed(t, bySort[2].WorkItem.ID, okResults2, nil, []int64{100})

	// One batch sealed with the two real items; the placeholder held
	// position 1 without counting
	ctx := context.Background()
	items, err := e.store.Batches().GetBatchItems(ctx, nil, "job-1", "svc-concat", 0)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.False(t, items[0].IsPlaceholder())
	assert.True(t, items[1].IsPlaceholder())
	assert.False(t, items[2].IsPlaceholder())

	catalogBody, err := e.artifacts.Get(ctx, "s3://test-bucket/job-1/batches/3/0/catalog.json")
	require.NoError(t, err)
	catalog, err := models.CatalogFromJSON(catalogBody)
	require.NoError(t, err)
	assert.Len(t, catalog.ItemLinks(), 2)

	// The aggregating child finishes the job with errors recorded
	handle := e.claim(t, "svc-concat")
	childResults := e.workerOutputs(t, &handle.WorkItem, 1)
	e.succeed(t, handle.WorkItem.ID, childResults, nil, nil)

	job := e.job(t, "job-1")
	assert.Equal(t, models.JobStatusCompleteWithErrors, job.Status)
}

func TestPipeline_NonBatchedAggregation(t *testing.T) {
	e := newTestEngine(t, func(c *common.OrchestrationConfig) { c.AggregateStacCatalogMaxPageSize = 2 })
	e.createJob(t, "job-1", 3, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-sub", kind: models.StepKindMap},
		stepSpec{serviceID: "svc-zarr", kind: models.StepKindAggregate})

	queryHandle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &queryHandle.WorkItem, 3)
	e.succeed(t, queryHandle.WorkItem.ID, results, intPtr(3), nil)

	for i := 0; i < 3; i++ {
		handle := e.claim(t, "svc-sub")
		childResults := e.workerOutputs(t, &handle.WorkItem, 1)
		e.succeed(t, handle.WorkItem.ID, childResults, nil, nil)
	}

	// One aggregating child reads the paged catalog chain
	handle := e.claim(t, "svc-zarr")
	assert.Equal(t, 0, handle.WorkItem.SortIndex)

	ctx := context.Background()
	body, err := e.artifacts.Get(ctx, handle.WorkItem.StacCatalogLocation)
	require.NoError(t, err)

	catalog, err := models.CatalogFromJSON(body)
	require.NoError(t, err)
	// Two items on page zero, one on page one, linked by next/prev
	assert.Len(t, catalog.ItemLinks(), 2)
	next, ok := catalog.NextLink()
	require.True(t, ok)

	var nextCatalog models.StacCatalog
	nextBody, err := e.artifacts.Get(ctx, next.Href)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(nextBody, &nextCatalog))
	assert.Len(t, nextCatalog.ItemLinks(), 1)

	finalResults := e.workerOutputs(t, &handle.WorkItem, 1)
	e.succeed(t, handle.WorkItem.ID, finalResults, nil, nil)

	job := e.job(t, "job-1")
	assert.Equal(t, models.JobStatusSuccessful, job.Status)
	assert.Len(t, e.links(t, "job-1"), 1)
}

func TestPipeline_QueryContinuation(t *testing.T) {
	e := newTestEngine(t, func(c *common.OrchestrationConfig) { c.CmrMaxPageSize = 2 })
	e.createJob(t, "job-1", 5, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-sub", kind: models.StepKindMap})

	produced := 0
	pages := 0
	for {
		handle, err := e.dispatcher.GetWork(context.Background(), "svc-query")
		if err != nil {
			break
		}
		pages++
		require.NotNil(t, handle.MaxCmrGranules)

		limit := *handle.MaxCmrGranules
		require.Greater(t, limit, 0)
		produced += limit

		results := e.workerOutputs(t, &handle.WorkItem, limit)
		upd := &models.WorkItemUpdate{
			WorkItemID: handle.WorkItem.ID,
			Status:     models.WorkItemStatusSuccessful,
			Successful: &models.SuccessfulResult{Results: results, ScrollID: fmt.Sprintf("scroll-%d", pages)},
		}
		require.NoError(t, e.updater.Process(context.Background(), upd))
	}

	// The CMR bound: pages of 2, 2, 1 and never more than five granules
	assert.Equal(t, 3, pages)
	assert.Equal(t, 5, produced)

	queryStep := e.step(t, "job-1", 1)
	assert.True(t, queryStep.IsComplete)
	assert.Equal(t, 3, queryStep.CompletedCount)

	// Downstream sort indexes are globally contiguous across pages
	seen := map[int]bool{}
	for i := 0; i < 5; i++ {
		handle := e.claim(t, "svc-sub")
		seen[handle.WorkItem.SortIndex] = true
		childResults := e.workerOutputs(t, &handle.WorkItem, 1)
		e.succeed(t, handle.WorkItem.ID, childResults, nil, nil)
	}
	for i := 0; i < 5; i++ {
		assert.True(t, seen[i], "missing sort index %d", i)
	}

	job := e.job(t, "job-1")
	assert.Equal(t, models.JobStatusSuccessful, job.Status)
	assert.Len(t, e.links(t, "job-1"), 5)
}

// A shrinking hits total reduces the job's granule count and the future
// steps' expected workloads.
func TestPipeline_HitsShrinkGranuleCount(t *testing.T) {
	e := newTestEngine(t, nil)
	e.createJob(t, "job-1", 10, false, models.JobStatusAccepted,
		stepSpec{serviceID: "svc-query", kind: models.StepKindQuery},
		stepSpec{serviceID: "svc-sub", kind: models.StepKindMap})

	handle := e.claim(t, "svc-query")
	results := e.workerOutputs(t, &handle.WorkItem, 4)
	e.succeed(t, handle.WorkItem.ID, results, intPtr(4), nil)

	job := e.job(t, "job-1")
	assert.Equal(t, 4, job.NumInputGranules)

	step2 := e.step(t, "job-1", 2)
	assert.Equal(t, 4, step2.WorkItemCount)
}
