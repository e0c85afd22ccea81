package orchestrator

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// Advancer turns a completed work item into the next step's work: child
// items for map steps, a single aggregated child for aggregate steps, or
// batch engine input for batched steps. Child emission happens in the same
// transaction as the update so "step k complete" and "step k+1 has work"
// become visible together.
type Advancer struct {
	store     interfaces.StorageManager
	artifacts interfaces.ArtifactStore
	batcher   *Batcher
	config    *common.OrchestrationConfig
	logger    arbor.ILogger
}

// NewAdvancer creates a new step advancer
func NewAdvancer(store interfaces.StorageManager, artifacts interfaces.ArtifactStore, batcher *Batcher, config *common.OrchestrationConfig, logger arbor.ILogger) *Advancer {
	return &Advancer{
		store:     store,
		artifacts: artifacts,
		batcher:   batcher,
		config:    config,
		logger:    logger,
	}
}

// Advance generates the next step's work for the just-completed item.
// Returns whether any child work item was created.
func (a *Advancer) Advance(ctx context.Context, tx *sql.Tx, job *models.Job, step, nextStep *models.WorkflowStep, item *models.WorkItem, allStepComplete bool) (bool, error) {
	switch nextStep.Kind {
	case models.StepKindMap:
		return a.advanceMap(ctx, tx, job, step, nextStep, item)
	case models.StepKindAggregate:
		return a.advanceAggregate(ctx, tx, job, step, nextStep, item, allStepComplete)
	case models.StepKindBatchedAggregate:
		return a.batcher.HandleOutputs(ctx, tx, job, nextStep, item, allStepComplete)
	default:
		return false, fmt.Errorf("cannot advance into step kind %q", nextStep.Kind)
	}
}

// advanceMap emits one ready child per result catalog. A single-output
// parent passes its sort index through; a multi-output parent (the query
// step) gets contiguous indexes from the current maximum.
func (a *Advancer) advanceMap(ctx context.Context, tx *sql.Tx, job *models.Job, step, nextStep *models.WorkflowStep, item *models.WorkItem) (bool, error) {
	if item.Status != models.WorkItemStatusSuccessful || len(item.ResultCatalogs) == 0 {
		return false, nil
	}

	results := item.ResultCatalogs

	startIndex := item.SortIndex
	if len(results) > 1 || step.IsSequential() {
		max, err := a.store.WorkItems().MaxSortIndex(ctx, tx, job.JobID, nextStep.ServiceID)
		if err != nil {
			return false, err
		}
		startIndex = max + 1
	}

	children := make([]*models.WorkItem, 0, len(results))
	for i, url := range results {
		children = append(children, &models.WorkItem{
			JobID:               job.JobID,
			ServiceID:           nextStep.ServiceID,
			WorkflowStepIndex:   nextStep.StepIndex,
			Status:              models.WorkItemStatusReady,
			StacCatalogLocation: url,
			SortIndex:           startIndex + i,
		})
	}

	if err := a.store.WorkItems().CreateWorkItems(ctx, tx, children, a.config.InsertBatchSize); err != nil {
		return false, err
	}

	if err := a.store.UserWork().AddReady(ctx, tx, job.Username, nextStep.ServiceID, len(children)); err != nil {
		return false, err
	}

	a.logger.Debug().
		Str("job_id", job.JobID).
		Str("service_id", nextStep.ServiceID).
		Int("children", len(children)).
		Msg("Child work items created")

	return true, nil
}

// advanceAggregate waits for the whole step to finish, then builds one
// paged catalog over every STAC item the step produced and emits a single
// aggregating child reading page zero.
func (a *Advancer) advanceAggregate(ctx context.Context, tx *sql.Tx, job *models.Job, step, nextStep *models.WorkflowStep, item *models.WorkItem, allStepComplete bool) (bool, error) {
	if !allStepComplete {
		return false, nil
	}

	parents, err := a.store.WorkItems().GetSuccessfulItems(ctx, tx, job.JobID, step.StepIndex)
	if err != nil {
		return false, err
	}

	// Believed impossible: the step just completed, so its successful
	// items must be readable. Kept as a hard check rather than a silent
	// continuation.
	successCount, err := a.store.WorkItems().CountByStatus(ctx, tx, job.JobID, step.StepIndex, models.WorkItemStatusSuccessful)
	if err != nil {
		return false, err
	}
	if len(parents) != successCount {
		return false, fmt.Errorf("%w: aggregation expected %d successful work items but read %d", errInvariantViolation, successCount, len(parents))
	}

	var itemURLs []string
	for _, parent := range parents {
		for _, catalogURL := range parent.ResultCatalogs {
			urls, err := loadCatalogItemURLs(ctx, a.artifacts, catalogURL)
			if err != nil {
				return false, fmt.Errorf("failed to collect aggregation inputs: %w", err)
			}
			itemURLs = append(itemURLs, urls...)
		}
	}

	if len(itemURLs) == 0 {
		// Every upstream item failed under ignore_errors: the aggregating
		// step will never run, so its expected count drops to zero and the
		// completer can finalize the job.
		if err := a.store.Steps().SetWorkItemCount(ctx, tx, job.JobID, nextStep.StepIndex, 0); err != nil {
			return false, err
		}
		nextStep.WorkItemCount = 0
		a.logger.Warn().
			Str("job_id", job.JobID).
			Int("step_index", step.StepIndex).
			Msg("Aggregating step has no inputs; skipping child emission")
		return false, nil
	}

	// The paged catalogs live under the aggregating child's own ID, so
	// the child is created first and pointed at page zero afterwards
	child := &models.WorkItem{
		JobID:             job.JobID,
		ServiceID:         nextStep.ServiceID,
		WorkflowStepIndex: nextStep.StepIndex,
		Status:            models.WorkItemStatusReady,
		SortIndex:         0,
	}
	if err := a.store.WorkItems().CreateWorkItem(ctx, tx, child); err != nil {
		return false, err
	}

	firstCatalog, err := writeAggregationCatalogs(ctx, a.artifacts, job.JobID, child.ID, itemURLs, a.config.AggregateStacCatalogMaxPageSize)
	if err != nil {
		return false, err
	}

	child.StacCatalogLocation = firstCatalog
	if err := a.store.WorkItems().UpdateWorkItem(ctx, tx, child); err != nil {
		return false, err
	}

	if err := a.store.UserWork().AddReady(ctx, tx, job.Username, nextStep.ServiceID, 1); err != nil {
		return false, err
	}

	a.logger.Debug().
		Str("job_id", job.JobID).
		Str("service_id", nextStep.ServiceID).
		Int("items", len(itemURLs)).
		Msg("Aggregating child work item created")

	return true, nil
}
