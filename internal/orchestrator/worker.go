package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/nasa/harmony-orchestrator/internal/common"
)

// UpdatePool drains the update queue with a pool of workers. A shared rate
// limiter bounds how hard a worker burst can hit the single-writer
// database.
type UpdatePool struct {
	queue   *UpdateQueue
	updater *Updater
	config  *common.UpdateQueueConfig
	limiter *rate.Limiter
	logger  arbor.ILogger
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewUpdatePool creates a new update drain pool
func NewUpdatePool(queue *UpdateQueue, updater *Updater, config *common.UpdateQueueConfig, logger arbor.ILogger) *UpdatePool {
	ctx, cancel := context.WithCancel(context.Background())

	var limiter *rate.Limiter
	if config.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RatePerSecond), int(config.RatePerSecond))
	}

	return &UpdatePool{
		queue:   queue,
		updater: updater,
		config:  config,
		limiter: limiter,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start starts the drain workers
func (p *UpdatePool) Start() {
	concurrency := p.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	p.logger.Info().Int("concurrency", concurrency).Msg("Starting update drain pool")

	for i := 0; i < concurrency; i++ {
		workerID := i
		common.SafeGo(p.logger, fmt.Sprintf("update-worker-%d", workerID), func() {
			p.worker(workerID)
		})
	}
}

// Stop stops the drain workers
func (p *UpdatePool) Stop() {
	p.logger.Info().Msg("Stopping update drain pool")
	p.cancel()

	// Give workers a brief moment to finish current processing
	time.Sleep(250 * time.Millisecond)
}

// worker is the drain loop: receive, process, delete
func (p *UpdatePool) worker(workerID int) {
	pollInterval := common.Duration(p.config.PollInterval, 250*time.Millisecond)

	// Stagger worker starts to reduce database lock contention
	concurrency := p.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	staggerDelay := (pollInterval / time.Duration(concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().Int("worker_id", workerID).Msg("Update drain worker stopped")
			return

		case <-ticker.C:
			// Drain until empty so a backlog clears faster than one
			// message per tick
			for {
				if err := p.processOne(workerID); err != nil {
					if !errors.Is(err, ErrNoMessage) && !isBusyError(err) {
						p.logger.Warn().
							Err(err).
							Int("worker_id", workerID).
							Msg("Error processing work item update")
					}
					break
				}
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// processOne receives and applies a single queued update
func (p *UpdatePool) processOne(workerID int) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return err
		}
	}

	upd, deleteFn, err := p.queue.Receive(p.ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	processErr := p.updater.Process(p.ctx, upd)
	elapsed := time.Since(start)

	if processErr != nil {
		// Exceptions inside the update transaction are logged and dropped;
		// the worker retries on transport errors, and goqite redelivers if
		// the delete below fails.
		p.logger.Error().
			Err(processErr).
			Int64("work_item_id", upd.WorkItemID).
			Int("worker_id", workerID).
			Dur("duration", elapsed).
			Msg("Work item update failed")
	} else {
		p.logger.Debug().
			Int64("work_item_id", upd.WorkItemID).
			Str("status", string(upd.Status)).
			Int("worker_id", workerID).
			Dur("duration", elapsed).
			Msg("Work item update applied")
	}

	if err := deleteFn(); err != nil {
		p.logger.Warn().
			Err(err).
			Int64("work_item_id", upd.WorkItemID).
			Msg("Failed to delete processed update - queue will redeliver")
		return err
	}

	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
