package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// errEmptyPriorBatch signals a broken batch chain: a sealed batch with no
// items where one was required to anchor the sort order. The guard is
// believed unreachable; it fails the job rather than continue silently.
var errEmptyPriorBatch = errors.New("prior batch is empty")

// Batcher groups stream-ordered outputs of a step into size- and
// count-bounded batches for a downstream aggregating service, preserving
// the global sort order produced across parallel upstream workers.
type Batcher struct {
	store     interfaces.StorageManager
	artifacts interfaces.ArtifactStore
	events    interfaces.EventService
	config    *common.OrchestrationConfig
	bucket    string
	logger    arbor.ILogger
}

// NewBatcher creates a new batch engine
func NewBatcher(store interfaces.StorageManager, artifacts interfaces.ArtifactStore, events interfaces.EventService, config *common.OrchestrationConfig, bucket string, logger arbor.ILogger) *Batcher {
	return &Batcher{
		store:     store,
		artifacts: artifacts,
		events:    events,
		config:    config,
		bucket:    bucket,
		logger:    logger,
	}
}

// batchState tracks the current batch while pending items are assigned
type batchState struct {
	batch    *models.Batch
	count    int   // non-placeholder items
	size     int64 // bytes
	maxSort  int
	hasItems bool
}

// HandleOutputs persists the completed item's outputs as batch items and
// extends the batch chain. Failed parents and parents with no URLs insert
// a placeholder so the ordering invariant holds without contributing to
// batch limits. Returns whether any aggregating child was emitted.
func (b *Batcher) HandleOutputs(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, item *models.WorkItem, allStepComplete bool) (bool, error) {
	newItems, err := b.buildBatchItems(ctx, tx, job, aggStep, item)
	if err != nil {
		return false, err
	}
	if err := b.store.Batches().InsertBatchItems(ctx, tx, newItems); err != nil {
		return false, err
	}

	return b.assignPending(ctx, tx, job, aggStep, allStepComplete)
}

// buildBatchItems converts one completed work item into pending batch items
func (b *Batcher) buildBatchItems(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, item *models.WorkItem) ([]*models.BatchItem, error) {
	if item.Status != models.WorkItemStatusSuccessful || len(item.ResultCatalogs) == 0 {
		// Placeholder keeps the expected sort index occupied
		return []*models.BatchItem{{
			JobID:     job.JobID,
			ServiceID: aggStep.ServiceID,
			ItemSize:  0,
			SortIndex: item.SortIndex,
		}}, nil
	}

	singleOutput := len(item.ResultCatalogs) == 1
	if singleOutput {
		parentStep, err := b.store.Steps().GetStep(ctx, tx, job.JobID, item.WorkflowStepIndex)
		if err != nil {
			return nil, err
		}
		singleOutput = !parentStep.IsSequential()
	}

	// Multi-output producers (the query step) get monotonically increasing
	// sort indexes assigned at emission time; the query step is sequential
	// so emission order is the global order.
	nextEmit := 0
	if !singleOutput {
		max, ok, err := b.store.Batches().MaxPendingSortIndex(ctx, tx, job.JobID, aggStep.ServiceID)
		if err != nil {
			return nil, err
		}
		if ok {
			nextEmit = max + 1
		}
	}

	var items []*models.BatchItem
	for i, catalogURL := range item.ResultCatalogs {
		sortIndex := item.SortIndex
		if !singleOutput {
			sortIndex = nextEmit
			nextEmit++
		}

		urls, err := loadCatalogItemURLs(ctx, b.artifacts, catalogURL)
		if err != nil {
			return nil, err
		}

		batchItem := &models.BatchItem{
			JobID:     job.JobID,
			ServiceID: aggStep.ServiceID,
			SortIndex: sortIndex,
		}
		if len(urls) > 0 {
			batchItem.StacItemURL = urls[0]
			if i < len(item.OutputItemSizes) {
				batchItem.ItemSize = item.OutputItemSizes[i]
			}
		}
		items = append(items, batchItem)
	}

	return items, nil
}

// assignPending walks the pending items in sort order, extending the
// current batch and sealing it whenever a bound is reached. Items whose
// sort index is not yet contiguous with the current batch stay pending.
func (b *Batcher) assignPending(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, allStepComplete bool) (bool, error) {
	batches := b.store.Batches()

	pending, err := batches.GetUnassignedItems(ctx, tx, job.JobID, aggStep.ServiceID)
	if err != nil {
		return false, err
	}

	state, err := b.loadCurrentBatch(ctx, tx, job, aggStep)
	if err != nil {
		return false, err
	}

	maxItems := aggStep.MaxBatchInputs
	if maxItems <= 0 {
		maxItems = b.config.MaxBatchInputs
	}
	maxBytes := aggStep.MaxBatchSizeInBytes
	if maxBytes <= 0 {
		maxBytes = b.config.MaxBatchSizeInBytes
	}

	childCreated := false

	for _, pendingItem := range pending {
		nextSortIndex, err := b.nextSortIndex(ctx, tx, job, aggStep, state)
		if err != nil {
			return childCreated, err
		}
		if pendingItem.SortIndex != nextSortIndex {
			// Items further along the queue are not yet contiguous with
			// the current batch
			break
		}

		fits := state.size+pendingItem.ItemSize <= maxBytes &&
			(pendingItem.IsPlaceholder() || state.count+1 <= maxItems)

		if !fits {
			sealed, err := b.seal(ctx, tx, job, aggStep, state.batch.BatchID)
			if err != nil {
				return childCreated, err
			}
			childCreated = childCreated || sealed

			state, err = b.openNextBatch(ctx, tx, job, aggStep, state.batch.BatchID+1)
			if err != nil {
				return childCreated, err
			}
		}

		if err := batches.AssignItem(ctx, tx, pendingItem.ID, state.batch.BatchID); err != nil {
			return childCreated, err
		}
		state.hasItems = true
		state.maxSort = pendingItem.SortIndex
		state.size += pendingItem.ItemSize
		if !pendingItem.IsPlaceholder() {
			state.count++
		}

		// Seal eagerly once a bound is reached so downstream aggregation
		// starts before the whole step finishes
		if state.count >= maxItems || state.size >= maxBytes {
			sealed, err := b.seal(ctx, tx, job, aggStep, state.batch.BatchID)
			if err != nil {
				return childCreated, err
			}
			childCreated = childCreated || sealed

			state, err = b.openNextBatch(ctx, tx, job, aggStep, state.batch.BatchID+1)
			if err != nil {
				return childCreated, err
			}
		}
	}

	// The final batch seals unconditionally once the upstream step drains
	if allStepComplete && state.hasItems {
		sealed, err := b.seal(ctx, tx, job, aggStep, state.batch.BatchID)
		if err != nil {
			return childCreated, err
		}
		childCreated = childCreated || sealed
	}

	return childCreated, nil
}

func (b *Batcher) loadCurrentBatch(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep) (*batchState, error) {
	batches := b.store.Batches()

	current, err := batches.GetCurrentBatch(ctx, tx, job.JobID, aggStep.ServiceID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = &models.Batch{JobID: job.JobID, ServiceID: aggStep.ServiceID, BatchID: 0}
		if err := batches.CreateBatch(ctx, tx, current); err != nil {
			return nil, err
		}
	}

	state := &batchState{batch: current}

	items, err := batches.GetBatchItems(ctx, tx, job.JobID, aggStep.ServiceID, current.BatchID)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		state.hasItems = true
		state.size += item.ItemSize
		if item.SortIndex > state.maxSort {
			state.maxSort = item.SortIndex
		}
		if !item.IsPlaceholder() {
			state.count++
		}
	}

	return state, nil
}

func (b *Batcher) openNextBatch(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, batchID int) (*batchState, error) {
	batch := &models.Batch{JobID: job.JobID, ServiceID: aggStep.ServiceID, BatchID: batchID}
	if err := b.store.Batches().CreateBatch(ctx, tx, batch); err != nil {
		return nil, err
	}
	return &batchState{batch: batch}, nil
}

// nextSortIndex is the sort index the current batch must receive next to
// stay contiguous with everything already assigned
func (b *Batcher) nextSortIndex(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, state *batchState) (int, error) {
	if state.hasItems {
		return state.maxSort + 1, nil
	}
	if state.batch.BatchID > 0 {
		prevMax, ok, err := b.store.Batches().MaxSortIndexInBatch(ctx, tx, job.JobID, aggStep.ServiceID, state.batch.BatchID-1)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: job %s service %s batch %d", errEmptyPriorBatch, job.JobID, aggStep.ServiceID, state.batch.BatchID-1)
		}
		return prevMax + 1, nil
	}
	return 0, nil
}

// seal closes a batch: it writes the batch catalog and emits the ready
// aggregating work item pointing at it. A batch holding only placeholders
// is discarded with a warning; sealing never produces an empty child.
func (b *Batcher) seal(ctx context.Context, tx *sql.Tx, job *models.Job, aggStep *models.WorkflowStep, batchID int) (bool, error) {
	items, err := b.store.Batches().GetBatchItems(ctx, tx, job.JobID, aggStep.ServiceID, batchID)
	if err != nil {
		return false, err
	}

	nonPlaceholder := 0
	for _, item := range items {
		if !item.IsPlaceholder() {
			nonPlaceholder++
		}
	}
	if nonPlaceholder == 0 {
		b.logger.Warn().
			Str("job_id", job.JobID).
			Str("service_id", aggStep.ServiceID).
			Int("batch_id", batchID).
			Msg("Discarding batch containing only placeholder items")
		return false, nil
	}

	sourceHref := job.RequestURL
	if sourceHref == "" {
		sourceHref = fmt.Sprintf("harmony:/jobs/%s", job.JobID)
	}

	catalogURL, err := writeBatchCatalog(ctx, b.artifacts, b.bucket, job.JobID, sourceHref, aggStep.StepIndex, batchID, items)
	if err != nil {
		return false, err
	}

	child := &models.WorkItem{
		JobID:               job.JobID,
		ServiceID:           aggStep.ServiceID,
		WorkflowStepIndex:   aggStep.StepIndex,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: catalogURL,
		SortIndex:           batchID,
	}
	if err := b.store.WorkItems().CreateWorkItem(ctx, tx, child); err != nil {
		return false, err
	}

	if err := b.store.Steps().AdjustWorkItemCount(ctx, tx, job.JobID, aggStep.StepIndex, 1); err != nil {
		return false, err
	}
	aggStep.WorkItemCount++

	if err := b.store.UserWork().AddReady(ctx, tx, job.Username, aggStep.ServiceID, 1); err != nil {
		return false, err
	}

	b.logger.Info().
		Str("job_id", job.JobID).
		Str("service_id", aggStep.ServiceID).
		Int("batch_id", batchID).
		Int("items", nonPlaceholder).
		Msg("Batch sealed")

	// Fire-and-forget nudge for the external scheduler
	b.events.Publish(interfaces.Event{
		Type:      interfaces.EventBatchSealed,
		JobID:     job.JobID,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"serviceID": aggStep.ServiceID,
			"batchID":   batchID,
			"items":     nonPlaceholder,
		},
	})

	return true, nil
}
