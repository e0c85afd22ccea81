// -----------------------------------------------------------------------
// Last Modified: Thursday, 30th July 2026 2:18:55 pm
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

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

// errInvariantViolation marks an unrecoverable pipeline state: the job is
// failed immediately instead of retrying the update.
var errInvariantViolation = errors.New("pipeline invariant violation")

// Updater consumes a worker's terminal update for one work item: it
// decides retry versus accept, maintains the step counters, and drives the
// advancer and completer. The whole sequence is one transaction.
type Updater struct {
	store     interfaces.StorageManager
	artifacts interfaces.ArtifactStore
	events    interfaces.EventService
	advancer  *Advancer
	completer *Completer
	config    *common.OrchestrationConfig
	cache     *statusCache
	logger    arbor.ILogger
}

// NewUpdater creates a new update handler
func NewUpdater(store interfaces.StorageManager, artifacts interfaces.ArtifactStore, events interfaces.EventService, advancer *Advancer, completer *Completer, config *common.OrchestrationConfig, logger arbor.ILogger) *Updater {
	ttl := common.Duration(config.StatusCacheTTL, 2*time.Second)
	return &Updater{
		store:     store,
		artifacts: artifacts,
		events:    events,
		advancer:  advancer,
		completer: completer,
		config:    config,
		cache:     newStatusCache(ttl, 1000),
		logger:    logger,
	}
}

// JobStatusForItem returns the status of the job owning a work item,
// consulting the TTL cache before reading the job row. Used by the update
// endpoint's terminal-job rejection path.
func (u *Updater) JobStatusForItem(ctx context.Context, workItemID int64) (models.JobStatus, error) {
	item, err := u.store.WorkItems().GetWorkItem(ctx, nil, workItemID)
	if err != nil {
		return "", err
	}

	if status, ok := u.cache.get(item.JobID); ok {
		return status, nil
	}

	status, err := u.store.Jobs().GetJobStatus(ctx, item.JobID)
	if err != nil {
		return "", err
	}
	u.cache.set(item.JobID, status)
	return status, nil
}

// Process applies one work item update inside a single transaction.
// Racing duplicates serialize on the database: the first wins, the second
// observes a terminal item and no-ops.
func (u *Updater) Process(ctx context.Context, upd *models.WorkItemUpdate) error {
	if err := upd.Validate(); err != nil {
		return err
	}

	return u.store.WithTx(ctx, func(tx *sql.Tx) error {
		return u.process(ctx, tx, upd)
	})
}

func (u *Updater) process(ctx context.Context, tx *sql.Tx, upd *models.WorkItemUpdate) error {
	items := u.store.WorkItems()
	jobs := u.store.Jobs()
	stepsStore := u.store.Steps()

	// The item row resolves the owning job. Every read and write below runs
	// in this one transaction on the single pooled connection; the work item
	// row is written before the jobs row.
	item, err := items.GetWorkItem(ctx, tx, upd.WorkItemID)
	if err != nil {
		if errors.Is(err, interfaces.ErrWorkItemNotFound) {
			u.logger.Warn().Int64("work_item_id", upd.WorkItemID).Msg("Update targets unknown work item")
			return nil
		}
		return err
	}

	job, err := jobs.GetJob(ctx, tx, item.JobID)
	if err != nil {
		return err
	}

	if job.IsTerminal() && upd.Status != models.WorkItemStatusCanceled {
		u.logger.Info().
			Str("job_id", job.JobID).
			Int64("work_item_id", item.ID).
			Str("job_status", string(job.Status)).
			Msg("Ignoring update for terminal job")
		return nil
	}

	if item.IsTerminal() {
		// Duplicate worker update; the first one already won
		return nil
	}

	step, err := stepsStore.GetStep(ctx, tx, job.JobID, item.WorkflowStepIndex)
	if err != nil {
		return err
	}

	// Retry path: a failure under the retry budget re-enters the queue
	if upd.Status == models.WorkItemStatusFailed && item.RetryCount < u.config.WorkItemRetryLimit {
		return u.requeueForRetry(ctx, tx, job, item, upd.Failed.Message)
	}

	now := time.Now()

	// The larger of harmony- and worker-observed runtime, so a late retry
	// cannot shrink the reported duration when the original worker replies
	// first.
	duration := time.Duration(0)
	if !item.StartedAt.IsZero() && now.After(item.StartedAt) {
		duration = now.Sub(item.StartedAt)
	}
	if upd.WorkerDuration > duration {
		duration = upd.WorkerDuration
	}
	item.Duration = duration

	if upd.Successful != nil {
		result := upd.Successful
		item.ResultCatalogs = result.Results
		item.OutputItemSizes = result.OutputItemSizes
		if result.TotalItemsSize != nil && *result.TotalItemsSize > 0 {
			item.TotalItemsSize = *result.TotalItemsSize
		} else {
			item.TotalItemsSize = sizeInMiB(result.OutputItemSizes)
		}
		if result.ScrollID != "" {
			item.ScrollID = result.ScrollID
		}
	}

	item.Status = upd.Status
	if err := items.UpdateWorkItem(ctx, tx, item); err != nil {
		return err
	}

	// First update moves an accepted job to running
	if job.Status == models.JobStatusAccepted {
		job.Status = models.JobStatusRunning
	}

	completed, err := stepsStore.RecountCompleted(ctx, tx, job.JobID, step.StepIndex)
	if err != nil {
		return err
	}
	step.CompletedCount = completed

	// A smaller hits total from the CMR shrinks the job and every future
	// step's expected workload
	if upd.Successful != nil && upd.Successful.Hits != nil && *upd.Successful.Hits < job.NumInputGranules {
		if err := u.shrinkGranuleCount(ctx, tx, job, step, *upd.Successful.Hits); err != nil {
			return err
		}
	}

	allStepComplete := step.WorkItemCount > 0 && step.CompletedCount >= step.WorkItemCount

	// A batched step's expected count grows while its upstream step is
	// still sealing batches, so it cannot be complete before the upstream
	// step is.
	if allStepComplete && step.Kind == models.StepKindBatchedAggregate {
		prevStep, err := stepsStore.GetStep(ctx, tx, job.JobID, step.StepIndex-1)
		if err != nil {
			return err
		}
		if !prevStep.IsComplete {
			allStepComplete = false
		}
	}

	if allStepComplete && !step.IsComplete {
		if err := stepsStore.MarkComplete(ctx, tx, job.JobID, step.StepIndex); err != nil {
			return err
		}
		step.IsComplete = true
	}

	// Failure policy: accepted failures either continue the job with one
	// fewer granule or terminate it
	if item.Status == models.WorkItemStatusFailed {
		continueProcessing, err := u.handleFailure(ctx, tx, job, step, item, upd.Failed.Message)
		if err != nil {
			return err
		}
		if !continueProcessing {
			u.cache.set(job.JobID, job.Status)
			return nil
		}
	}

	nextStep, err := stepsStore.GetStep(ctx, tx, job.JobID, step.StepIndex+1)
	if err != nil {
		if !errors.Is(err, interfaces.ErrStepNotFound) {
			return err
		}
		nextStep = nil
	}

	childCreated := false
	if nextStep != nil && item.Status != models.WorkItemStatusCanceled {
		// Failed and warning items only advance into batched steps, where
		// they hold their position as placeholders
		shouldAdvance := item.Status == models.WorkItemStatusSuccessful || nextStep.IsBatched()
		if shouldAdvance {
			childCreated, err = u.advancer.Advance(ctx, tx, job, step, nextStep, item, allStepComplete)
			if err != nil {
				return u.handlePipelineError(ctx, tx, job, err)
			}
		}
	}

	// Query continuation: while the CMR budget is positive another
	// sequential page is enqueued carrying the scroll cursor forward
	continuationCreated := false
	if step.Kind == models.StepKindQuery && item.Status == models.WorkItemStatusSuccessful && len(item.ResultCatalogs) > 0 {
		continuationCreated, err = u.continueQuery(ctx, tx, job, step, item)
		if err != nil {
			return err
		}
	}

	// Job completion
	if nextStep == nil {
		if err := u.completer.AppendLeafLinks(ctx, tx, job, item); err != nil {
			return u.handlePipelineError(ctx, tx, job, err)
		}
	}
	if nextStep == nil && job.Status == models.JobStatusPreviewing && job.BatchesCompleted > 0 {
		// First preview results landed; the job waits for the user
		if err := u.completer.PauseForPreview(ctx, tx, job); err != nil {
			return err
		}
	} else if !continuationCreated && (nextStep == nil || (allStepComplete && !childCreated)) {
		if _, err := u.completer.MaybeFinalize(ctx, tx, job, step, nextStep, allStepComplete); err != nil {
			return err
		}
	}

	// Progress bookkeeping for non-terminal jobs; terminal progress was
	// stamped by the completer
	if !job.IsTerminal() {
		freshSteps, err := stepsStore.GetSteps(ctx, tx, job.JobID)
		if err != nil {
			return err
		}
		job.Progress = computeProgress(freshSteps)
		if err := jobs.UpdateJob(ctx, tx, job); err != nil {
			return err
		}
	}

	u.cache.set(job.JobID, job.Status)

	u.events.Publish(interfaces.Event{
		Type:      interfaces.EventWorkItem,
		JobID:     job.JobID,
		Timestamp: now,
		Payload: map[string]any{
			"workItemID": item.ID,
			"status":     string(item.Status),
			"progress":   job.Progress,
		},
	})

	return nil
}

// requeueForRetry sends a failed item back to the dispatcher's queue
func (u *Updater) requeueForRetry(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem, reason string) error {
	item.RetryCount++
	item.Status = models.WorkItemStatusReady
	item.StartedAt = time.Time{}

	if err := u.store.WorkItems().UpdateWorkItem(ctx, tx, item); err != nil {
		return err
	}
	if err := u.store.UserWork().AddReady(ctx, tx, job.Username, item.ServiceID, 1); err != nil {
		return err
	}

	u.logger.Info().
		Str("job_id", job.JobID).
		Int64("work_item_id", item.ID).
		Int("retry_count", item.RetryCount).
		Str("reason", reason).
		Msg("Work item requeued for retry")

	return nil
}

// shrinkGranuleCount lowers the job's granule total and recomputes each
// future step's expected work item count. Batched steps are skipped: their
// counts grow one batch at a time as the batch engine seals.
func (u *Updater) shrinkGranuleCount(ctx context.Context, tx *sql.Tx, job *models.Job, currentStep *models.WorkflowStep, hits int) error {
	if hits < 0 {
		hits = 0
	}
	job.NumInputGranules = hits

	steps, err := u.store.Steps().GetSteps(ctx, tx, job.JobID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.Kind == models.StepKindBatchedAggregate {
			continue
		}

		newCount := step.ExpectedWorkItemCount(hits, u.config.CmrMaxPageSize)
		if newCount < step.CompletedCount {
			newCount = step.CompletedCount
		}
		if newCount == step.WorkItemCount {
			continue
		}

		if err := u.store.Steps().SetWorkItemCount(ctx, tx, job.JobID, step.StepIndex, newCount); err != nil {
			return err
		}
		if step.StepIndex == currentStep.StepIndex {
			currentStep.WorkItemCount = newCount
		}
	}

	u.logger.Debug().
		Str("job_id", job.JobID).
		Int("num_input_granules", hits).
		Msg("Granule count shrunk from CMR hits")

	return nil
}

// handleFailure applies the partial-failure policy to an accepted failure.
// Returns whether job processing continues.
func (u *Updater) handleFailure(ctx context.Context, tx *sql.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem, message string) (bool, error) {
	// A failed query step is always fatal: without granules the pipeline
	// has no inputs
	if step.Kind == models.StepKindQuery {
		return false, u.completer.FailJob(ctx, tx, job, fmt.Sprintf("failed to query the CMR: %s", message))
	}

	jobError := &models.JobError{
		JobID:   job.JobID,
		URL:     item.StacCatalogLocation,
		Message: message,
	}
	if err := u.store.Errors().InsertError(ctx, tx, jobError); err != nil {
		return false, err
	}

	if !job.IgnoreErrors {
		return false, u.completer.FailJob(ctx, tx, job, message)
	}

	errorCount, err := u.store.Errors().CountErrors(ctx, tx, job.JobID)
	if err != nil {
		return false, err
	}
	if errorCount > u.config.MaxErrorsForJob {
		return false, u.completer.FailJob(ctx, tx, job,
			fmt.Sprintf("too many work item failures (%d); canceling the remaining work", errorCount))
	}

	// One fewer granule flows through every future one-to-one step.
	// Aggregating steps keep their expected count; batched steps see the
	// failure as a placeholder instead.
	steps, err := u.store.Steps().GetSteps(ctx, tx, job.JobID)
	if err != nil {
		return false, err
	}
	for _, futureStep := range steps {
		if futureStep.StepIndex <= step.StepIndex || futureStep.Kind != models.StepKindMap {
			continue
		}
		if err := u.store.Steps().AdjustWorkItemCount(ctx, tx, job.JobID, futureStep.StepIndex, -1); err != nil {
			return false, err
		}
	}

	if job.Status == models.JobStatusRunning || job.Status == models.JobStatusAccepted {
		job.Status = models.JobStatusRunningWithErrors
		if err := u.store.Jobs().UpdateJob(ctx, tx, job); err != nil {
			return false, err
		}
	}

	u.logger.Warn().
		Str("job_id", job.JobID).
		Int64("work_item_id", item.ID).
		Int("error_count", errorCount).
		Str("message", message).
		Msg("Work item failure accepted")

	return true, nil
}

// continueQuery enqueues the next sequential query page while the CMR
// budget remains positive
func (u *Updater) continueQuery(ctx context.Context, tx *sql.Tx, job *models.Job, step *models.WorkflowStep, item *models.WorkItem) (bool, error) {
	successful, err := u.store.WorkItems().CountByStatus(ctx, tx, job.JobID, step.StepIndex, models.WorkItemStatusSuccessful)
	if err != nil {
		return false, err
	}

	limit := cmrPageLimit(job.NumInputGranules, successful, u.config.CmrMaxPageSize)
	if limit <= 0 {
		return false, nil
	}

	next := &models.WorkItem{
		JobID:               job.JobID,
		ServiceID:           item.ServiceID,
		WorkflowStepIndex:   step.StepIndex,
		Status:              models.WorkItemStatusReady,
		StacCatalogLocation: item.StacCatalogLocation,
		ScrollID:            item.ScrollID,
		SortIndex:           item.SortIndex + 1,
	}
	if err := u.store.WorkItems().CreateWorkItem(ctx, tx, next); err != nil {
		return false, err
	}
	if err := u.store.UserWork().AddReady(ctx, tx, job.Username, item.ServiceID, 1); err != nil {
		return false, err
	}

	u.logger.Debug().
		Str("job_id", job.JobID).
		Int("sort_index", next.SortIndex).
		Msg("Query step continuation enqueued")

	return true, nil
}

// handlePipelineError fails the job on invariant violations and propagates
// everything else for the transaction retry harness
func (u *Updater) handlePipelineError(ctx context.Context, tx *sql.Tx, job *models.Job, err error) error {
	if errors.Is(err, errInvariantViolation) ||
		errors.Is(err, errEmptyPriorBatch) ||
		errors.Is(err, interfaces.ErrArtifactNotFound) {
		u.logger.Error().Err(err).Str("job_id", job.JobID).Msg("Pipeline invariant violated")
		if failErr := u.completer.FailJob(ctx, tx, job, "internal error: the service pipeline produced an inconsistent state"); failErr != nil {
			return failErr
		}
		u.cache.set(job.JobID, job.Status)
		return nil
	}
	return err
}

// sizeInMiB converts byte sizes to the MiB total recorded on work items
func sizeInMiB(sizes []int64) float64 {
	var total int64
	for _, size := range sizes {
		total += size
	}
	return float64(total) / (1024 * 1024)
}
