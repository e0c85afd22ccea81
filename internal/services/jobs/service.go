package jobs

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
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
	"github.com/nasa/harmony-orchestrator/internal/services/chains"
)

// ErrJobNotPausable is returned when pause/resume is requested in a state
// that does not allow it
var ErrJobNotPausable = errors.New("job state does not allow this transition")

// SubmitRequest carries everything needed to start a job
type SubmitRequest struct {
	Username         string `json:"username" validate:"required"`
	Chain            string `json:"chain" validate:"required"`
	Operation        string `json:"operation"` // serialized request passed to every service
	RequestURL       string `json:"request,omitempty"`
	NumInputGranules int    `json:"numInputGranules" validate:"gt=0"`
	IgnoreErrors     bool   `json:"ignoreErrors"`
	IsAsync          bool   `json:"isAsync"`
}

// Service owns job intake and the user-facing lifecycle transitions
// (cancel, pause, resume). The update pipeline itself never goes through
// here.
type Service struct {
	store     interfaces.StorageManager
	chains    *chains.Service
	completer *orchestrator.Completer
	events    interfaces.EventService
	config    *common.OrchestrationConfig
	logger    arbor.ILogger
}

// NewService creates a new job service
func NewService(store interfaces.StorageManager, chainRegistry *chains.Service, completer *orchestrator.Completer, events interfaces.EventService, config *common.OrchestrationConfig, logger arbor.ILogger) *Service {
	return &Service{
		store:     store,
		chains:    chainRegistry,
		completer: completer,
		events:    events,
		config:    config,
		logger:    logger,
	}
}

// Submit creates the job, its workflow steps, and the first sequential
// query work item in one transaction.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*models.Job, error) {
	chain, ok := s.chains.Get(req.Chain)
	if !ok {
		return nil, fmt.Errorf("unknown service chain %q", req.Chain)
	}

	status := models.JobStatusAccepted
	// Large async jobs pause after their first results for user review;
	// synchronous jobs never preview.
	if req.IsAsync && req.NumInputGranules > s.config.PreviewThreshold {
		status = models.JobStatusPreviewing
	}

	job := &models.Job{
		JobID:            common.NewJobID(),
		Username:         req.Username,
		Status:           status,
		Message:          "The job is being processed",
		NumInputGranules: req.NumInputGranules,
		IgnoreErrors:     req.IgnoreErrors,
		IsAsync:          req.IsAsync,
		RequestURL:       req.RequestURL,
		CreatedAt:        time.Now(),
	}

	steps := make([]*models.WorkflowStep, 0, len(chain.Steps))
	for i, stepDef := range chain.Steps {
		kind := models.StepKind(stepDef.Kind)

		step := &models.WorkflowStep{
			JobID:               job.JobID,
			StepIndex:           i + 1,
			ServiceID:           stepDef.Service,
			Kind:                kind,
			Operation:           req.Operation,
			ProgressWeight:      stepDef.ProgressWeight,
			MaxBatchInputs:      stepDef.MaxBatchInputs,
			MaxBatchSizeInBytes: stepDef.MaxBatchSizeInBytes,
		}

		// Batched steps start at zero and grow as the batch engine seals
		if kind != models.StepKindBatchedAggregate {
			step.WorkItemCount = step.ExpectedWorkItemCount(req.NumInputGranules, s.config.CmrMaxPageSize)
		}

		steps = append(steps, step)
	}

	first := &models.WorkItem{
		JobID:             job.JobID,
		ServiceID:         steps[0].ServiceID,
		WorkflowStepIndex: 1,
		Status:            models.WorkItemStatusReady,
		SortIndex:         0,
	}

	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.store.Jobs().CreateJob(ctx, tx, job); err != nil {
			return err
		}
		if err := s.store.Steps().CreateSteps(ctx, tx, steps); err != nil {
			return err
		}
		if err := s.store.WorkItems().CreateWorkItem(ctx, tx, first); err != nil {
			return err
		}
		return s.store.UserWork().AddReady(ctx, tx, job.Username, first.ServiceID, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.JobID).
		Str("username", job.Username).
		Str("chain", chain.Name).
		Int("num_input_granules", job.NumInputGranules).
		Str("status", string(job.Status)).
		Msg("Job submitted")

	s.events.Publish(interfaces.Event{
		Type:    interfaces.EventJobStatus,
		JobID:   job.JobID,
		Payload: map[string]any{"status": string(job.Status)},
	})

	return job, nil
}

// Get returns a job with its links and errors
func (s *Service) Get(ctx context.Context, jobID string) (*models.Job, []*models.JobLink, []*models.JobError, error) {
	job, err := s.store.Jobs().GetJob(ctx, nil, jobID)
	if err != nil {
		return nil, nil, nil, err
	}

	links, err := s.store.Links().GetLinks(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}

	jobErrors, err := s.store.Errors().GetErrors(ctx, jobID)
	if err != nil {
		return nil, nil, nil, err
	}

	return job, links, jobErrors, nil
}

// List returns jobs matching the filter
func (s *Service) List(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.store.Jobs().ListJobs(ctx, opts)
}

// Cancel moves the job to canceled and sweeps its outstanding work items
func (s *Service) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.store.Jobs().GetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return fmt.Errorf("%w: job is already %s", ErrJobNotPausable, job.Status)
		}
		return s.completer.CancelJob(ctx, tx, job, "Canceled by user")
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Pause suspends a running job; its ready items stop dispatching and the
// fair-share counters drop to zero.
func (s *Service) Pause(ctx context.Context, jobID string) (*models.Job, error) {
	return s.transition(ctx, jobID, func(job *models.Job) error {
		switch job.Status {
		case models.JobStatusAccepted, models.JobStatusRunning, models.JobStatusRunningWithErrors, models.JobStatusPreviewing:
			job.Status = models.JobStatusPaused
			job.Message = "Job paused by user"
			return nil
		default:
			return fmt.Errorf("%w: cannot pause a %s job", ErrJobNotPausable, job.Status)
		}
	})
}

// Resume restarts a paused or previewing job; ready items become
// dispatchable again. A job whose pipeline already drained during the
// preview pause finalizes immediately.
func (s *Service) Resume(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.transition(ctx, jobID, func(job *models.Job) error {
		switch job.Status {
		case models.JobStatusPaused, models.JobStatusPreviewing:
			job.Status = models.JobStatusRunning
			job.Message = "The job is being processed"
			return nil
		default:
			return fmt.Errorf("%w: cannot resume a %s job", ErrJobNotPausable, job.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	err = s.store.WithTx(ctx, func(tx *sql.Tx) error {
		steps, err := s.store.Steps().GetSteps(ctx, tx, jobID)
		if err != nil || len(steps) == 0 {
			return err
		}
		last := steps[len(steps)-1]
		if !last.IsComplete {
			return nil
		}
		_, err = s.completer.MaybeFinalize(ctx, tx, job, last, nil, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

// transition applies a status change and rebuilds the fair-share counters
// for every service the job touches
func (s *Service) transition(ctx context.Context, jobID string, apply func(*models.Job) error) (*models.Job, error) {
	var job *models.Job
	err := s.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.store.Jobs().GetJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return fmt.Errorf("%w: job is already %s", ErrJobNotPausable, job.Status)
		}

		if err := apply(job); err != nil {
			return err
		}
		if err := s.store.Jobs().UpdateJob(ctx, tx, job); err != nil {
			return err
		}

		steps, err := s.store.Steps().GetSteps(ctx, tx, jobID)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, step := range steps {
			if seen[step.ServiceID] {
				continue
			}
			seen[step.ServiceID] = true
			if err := s.store.UserWork().Recalculate(ctx, tx, job.Username, step.ServiceID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job state transition")

	s.events.Publish(interfaces.Event{
		Type:    interfaces.EventJobStatus,
		JobID:   jobID,
		Payload: map[string]any{"status": string(job.Status)},
	})

	return job, nil
}
