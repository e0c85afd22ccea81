package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/common"
	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
	"github.com/nasa/harmony-orchestrator/internal/orchestrator"
)

// Service sweeps work items that have been running past the allowed
// runtime. Swept items are failed through the normal update queue, so the
// retry budget and failure policy apply exactly as if the worker had
// reported the failure itself.
type Service struct {
	store      interfaces.StorageManager
	queue      *orchestrator.UpdateQueue
	config     *common.JanitorConfig
	maxRuntime time.Duration
	cron       *cron.Cron
	entryID    cron.EntryID
	logger     arbor.ILogger
}

// NewService creates the janitor
func NewService(store interfaces.StorageManager, queue *orchestrator.UpdateQueue, config *common.JanitorConfig, logger arbor.ILogger) *Service {
	return &Service{
		store:      store,
		queue:      queue,
		config:     config,
		maxRuntime: common.Duration(config.MaxItemRuntime, 2*time.Hour),
		cron:       cron.New(),
		logger:     logger,
	}
}

// Start schedules the sweep; a no-op when the janitor is disabled
func (s *Service) Start() error {
	if !s.config.Enabled {
		s.logger.Debug().Msg("Janitor disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(s.config.Schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Janitor sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	s.entryID = entryID

	s.cron.Start()
	s.logger.Info().
		Str("schedule", s.config.Schedule).
		Str("max_item_runtime", s.maxRuntime.String()).
		Msg("Janitor started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep fails every running work item whose runtime exceeded the limit
func (s *Service) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-s.maxRuntime)

	stalled, err := s.store.WorkItems().GetStalled(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(stalled) == 0 {
		return nil
	}

	for _, item := range stalled {
		upd := &models.WorkItemUpdate{
			WorkItemID: item.ID,
			Status:     models.WorkItemStatusFailed,
			Failed: &models.FailureReason{
				Message: fmt.Sprintf("work item exceeded the maximum allowed runtime of %s", s.maxRuntime),
			},
		}
		if err := s.queue.Enqueue(ctx, upd); err != nil {
			return fmt.Errorf("failed to enqueue stalled item update: %w", err)
		}

		s.logger.Warn().
			Int64("work_item_id", item.ID).
			Str("job_id", item.JobID).
			Str("started_at", item.StartedAt.Format(time.RFC3339)).
			Msg("Stalled work item failed by janitor")
	}

	return nil
}
