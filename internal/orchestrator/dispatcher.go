package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// Dispatcher claims the next ready work item for a polling service.
// Claim order is FIFO over (created_at, id) within a service; sequential
// steps yield at most one running item at a time.
type Dispatcher struct {
	store  interfaces.StorageManager
	config *common.OrchestrationConfig
	logger arbor.ILogger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(store interfaces.StorageManager, config *common.OrchestrationConfig, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		store:  store,
		config: config,
		logger: logger,
	}
}

// GetWork claims the oldest ready work item for the service and returns a
// handle carrying the item, its operation, and the CMR page-limit hint for
// query-step items. Returns ErrNoWorkAvailable when nothing is claimable;
// callers poll.
func (d *Dispatcher) GetWork(ctx context.Context, serviceID string) (*models.WorkItemHandle, error) {
	var handle *models.WorkItemHandle

	err := d.store.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now()

		item, err := d.store.WorkItems().ClaimNextReady(ctx, tx, serviceID, now)
		if err != nil {
			if errors.Is(err, interfaces.ErrWorkItemNotFound) {
				return ErrNoWorkAvailable
			}
			return err
		}

		step, err := d.store.Steps().GetStep(ctx, tx, item.JobID, item.WorkflowStepIndex)
		if err != nil {
			return err
		}

		job, err := d.store.Jobs().GetJob(ctx, tx, item.JobID)
		if err != nil {
			return err
		}

		h := &models.WorkItemHandle{
			WorkItem:  *item,
			Operation: step.Operation,
		}

		// Query-step items carry the page-limit hint so the service never
		// yields more granules than the job has left.
		if step.Kind == models.StepKindQuery {
			successful, err := d.store.WorkItems().CountByStatus(ctx, tx, item.JobID, item.WorkflowStepIndex, models.WorkItemStatusSuccessful)
			if err != nil {
				return err
			}
			limit := cmrPageLimit(job.NumInputGranules, successful, d.config.CmrMaxPageSize)
			h.MaxCmrGranules = &limit
		}

		if err := d.store.UserWork().AddReady(ctx, tx, job.Username, serviceID, -1); err != nil {
			return err
		}

		handle = h
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrNoWorkAvailable) {
			return nil, ErrNoWorkAvailable
		}
		d.logger.Error().Err(err).Str("service_id", serviceID).Msg("Failed to claim work item")
		return nil, err
	}

	d.logger.Debug().
		Int64("work_item_id", handle.WorkItem.ID).
		Str("job_id", handle.WorkItem.JobID).
		Str("service_id", serviceID).
		Msg("Work item claimed")

	return handle, nil
}
