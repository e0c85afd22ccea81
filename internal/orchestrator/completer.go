package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// Completer detects end-of-pipeline, writes result links, computes the
// final job status, and sweeps residual work items on termination.
type Completer struct {
	store     interfaces.StorageManager
	artifacts interfaces.ArtifactStore
	events    interfaces.EventService
	config    *common.OrchestrationConfig
	logger    arbor.ILogger
}

// NewCompleter creates a new job completer
func NewCompleter(store interfaces.StorageManager, artifacts interfaces.ArtifactStore, events interfaces.EventService, config *common.OrchestrationConfig, logger arbor.ILogger) *Completer {
	return &Completer{
		store:     store,
		artifacts: artifacts,
		events:    events,
		config:    config,
		logger:    logger,
	}
}

// AppendLeafLinks turns a successful leaf work item's output catalogs into
// job links, one per item data asset. Duplicate worker updates cannot
// double-append because the updater no-ops on already-terminal items.
func (c *Completer) AppendLeafLinks(ctx context.Context, tx *sql.Tx, job *models.Job, item *models.WorkItem) error {
	if item.Status != models.WorkItemStatusSuccessful {
		return nil
	}

	var links []*models.JobLink
	for _, catalogURL := range item.ResultCatalogs {
		refs, err := loadCatalogItems(ctx, c.artifacts, catalogURL)
		if err != nil {
			return fmt.Errorf("failed to read result catalog: %w", err)
		}

		for _, ref := range refs {
			asset, ok := ref.Item.DataAsset()
			if !ok {
				c.logger.Warn().
					Str("job_id", job.JobID).
					Str("item_url", ref.URL).
					Msg("Result item has no data asset")
				continue
			}

			link := &models.JobLink{
				JobID: job.JobID,
				Href:  asset.Href,
				Rel:   "data",
				Type:  asset.Type,
				Title: asset.Title,
				BBox:  ref.Item.BBox,
			}
			if temporal := temporalFromItem(ref.Item); temporal != nil {
				link.Temporal = temporal
			}
			links = append(links, link)
		}
	}

	if len(links) == 0 {
		return nil
	}

	if err := c.store.Links().InsertLinks(ctx, tx, links); err != nil {
		return err
	}

	// Progress-reporting counter: one tick per completed leaf batch
	job.BatchesCompleted++

	c.logger.Debug().
		Str("job_id", job.JobID).
		Int64("work_item_id", item.ID).
		Int("links", len(links)).
		Msg("Job links appended")

	return nil
}

// MaybeFinalize moves the job to its terminal state when the whole
// pipeline has drained: the final step is complete and no downstream step
// expects further items. Previewing jobs pause instead of finishing.
func (c *Completer) MaybeFinalize(ctx context.Context, tx *sql.Tx, job *models.Job, step *models.WorkflowStep, nextStep *models.WorkflowStep, allStepComplete bool) (bool, error) {
	if !allStepComplete {
		return false, nil
	}
	if nextStep != nil && nextStep.WorkItemCount > 0 {
		return false, nil
	}

	// User-gated preview: the job stops here until the user resumes it
	if job.Status == models.JobStatusPreviewing {
		return false, c.PauseForPreview(ctx, tx, job)
	}

	errorCount, err := c.store.Errors().CountErrors(ctx, tx, job.JobID)
	if err != nil {
		return false, err
	}

	var status models.JobStatus
	var message string
	switch {
	case errorCount == 0:
		status = models.JobStatusSuccessful
		message = "Job completed successfully"
	default:
		dataLinks, err := c.store.Links().CountDataLinks(ctx, tx, job.JobID)
		if err != nil {
			return false, err
		}
		if dataLinks > 0 {
			status = models.JobStatusCompleteWithErrors
			message = "Job completed with errors; see the errors field for details"
		} else {
			status = models.JobStatusFailed
			message = "Job failed: all work items failed"
		}
	}

	if err := c.terminate(ctx, tx, job, status, message); err != nil {
		return false, err
	}
	return true, nil
}

// FailJob immediately moves the job to failed and sweeps residual work
func (c *Completer) FailJob(ctx context.Context, tx *sql.Tx, job *models.Job, message string) error {
	return c.terminate(ctx, tx, job, models.JobStatusFailed, message)
}

// CancelJob moves the job to canceled and sweeps residual work
func (c *Completer) CancelJob(ctx context.Context, tx *sql.Tx, job *models.Job, message string) error {
	if message == "" {
		message = "Canceled by user"
	}
	return c.terminate(ctx, tx, job, models.JobStatusCanceled, message)
}

// terminate is the single transition into an absorbing state: it stamps
// the job, cancels outstanding ready and running items, and zeroes the
// fair-share counters for every service in the pipeline.
func (c *Completer) terminate(ctx context.Context, tx *sql.Tx, job *models.Job, status models.JobStatus, message string) error {
	if job.IsTerminal() {
		return nil
	}

	job.Status = status
	job.Message = message
	job.Progress = models.FinalProgress(status, job.Progress)

	if err := c.store.Jobs().UpdateJob(ctx, tx, job); err != nil {
		return err
	}

	swept, err := c.store.WorkItems().CancelPending(ctx, tx, job.JobID)
	if err != nil {
		return err
	}

	if err := c.recalculateUserWork(ctx, tx, job); err != nil {
		return err
	}

	c.logger.Info().
		Str("job_id", job.JobID).
		Str("status", string(status)).
		Int("swept_items", swept).
		Msg("Job reached terminal state")

	c.events.Publish(interfaces.Event{
		Type:      interfaces.EventJobStatus,
		JobID:     job.JobID,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"status":  string(status),
			"message": message,
		},
	})

	return nil
}

// PauseForPreview pauses a previewing job once its first results land
func (c *Completer) PauseForPreview(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	job.Status = models.JobStatusPaused
	job.Message = "Preview complete; resume the job to process the remaining granules"

	if err := c.store.Jobs().UpdateJob(ctx, tx, job); err != nil {
		return err
	}

	if err := c.recalculateUserWork(ctx, tx, job); err != nil {
		return err
	}

	c.logger.Info().Str("job_id", job.JobID).Msg("Previewing job paused for user review")

	c.events.Publish(interfaces.Event{
		Type:      interfaces.EventJobStatus,
		JobID:     job.JobID,
		Timestamp: time.Now(),
		Payload:   map[string]any{"status": string(job.Status)},
	})

	return nil
}

// recalculateUserWork rebuilds the fair-share counters for every service
// the job's pipeline touches
func (c *Completer) recalculateUserWork(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	steps, err := c.store.Steps().GetSteps(ctx, tx, job.JobID)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, step := range steps {
		if seen[step.ServiceID] {
			continue
		}
		seen[step.ServiceID] = true
		if err := c.store.UserWork().Recalculate(ctx, tx, job.Username, step.ServiceID); err != nil {
			return err
		}
	}
	return nil
}

func temporalFromItem(item *models.StacItem) *models.TemporalExtent {
	start, errStart := time.Parse(time.RFC3339, item.Properties.StartDatetime)
	end, errEnd := time.Parse(time.RFC3339, item.Properties.EndDatetime)
	if errStart != nil && errEnd != nil {
		return nil
	}
	return &models.TemporalExtent{Start: start, End: end}
}
