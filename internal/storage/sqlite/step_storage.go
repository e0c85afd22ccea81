package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// StepStorage implements SQLite storage for workflow steps
type StepStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewStepStorage creates a new step storage instance
func NewStepStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.StepStorage {
	return &StepStorage{
		db:     db,
		logger: logger,
	}
}

const stepColumns = `job_id, step_index, service_id, kind, operation, work_item_count,
	completed_count, progress_weight, max_batch_inputs, max_batch_size_bytes, is_complete`

// CreateSteps inserts the steps of a job
func (s *StepStorage) CreateSteps(ctx context.Context, q interfaces.Querier, steps []*models.WorkflowStep) error {
	query := `
		INSERT INTO workflow_steps (` + stepColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	qr := s.db.querier(q)
	for _, step := range steps {
		_, err := qr.ExecContext(ctx, query,
			step.JobID,
			step.StepIndex,
			step.ServiceID,
			string(step.Kind),
			step.Operation,
			step.WorkItemCount,
			step.CompletedCount,
			step.ProgressWeight,
			step.MaxBatchInputs,
			step.MaxBatchSizeInBytes,
			boolToInt(step.IsComplete),
		)
		if err != nil {
			return fmt.Errorf("failed to create workflow step %d: %w", step.StepIndex, err)
		}
	}

	return nil
}

// GetStep retrieves one step
func (s *StepStorage) GetStep(ctx context.Context, q interfaces.Querier, jobID string, stepIndex int) (*models.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE job_id = ? AND step_index = ?`
	row := s.db.querier(q).QueryRowContext(ctx, query, jobID, stepIndex)

	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrStepNotFound
	}
	return step, err
}

// GetSteps retrieves all steps of a job in pipeline order
func (s *StepStorage) GetSteps(ctx context.Context, q interfaces.Querier, jobID string) ([]*models.WorkflowStep, error) {
	query := `SELECT ` + stepColumns + ` FROM workflow_steps WHERE job_id = ? ORDER BY step_index`
	rows, err := s.db.querier(q).QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.WorkflowStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpdateStep persists a step's mutable fields
func (s *StepStorage) UpdateStep(ctx context.Context, q interfaces.Querier, step *models.WorkflowStep) error {
	query := `
		UPDATE workflow_steps
		SET work_item_count = ?, completed_count = ?, is_complete = ?
		WHERE job_id = ? AND step_index = ?
	`

	_, err := s.db.querier(q).ExecContext(ctx, query,
		step.WorkItemCount,
		step.CompletedCount,
		boolToInt(step.IsComplete),
		step.JobID,
		step.StepIndex,
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow step: %w", err)
	}
	return nil
}

// AdjustWorkItemCount adds delta to the step's expected work item count
func (s *StepStorage) AdjustWorkItemCount(ctx context.Context, q interfaces.Querier, jobID string, stepIndex, delta int) error {
	query := `
		UPDATE workflow_steps
		SET work_item_count = MAX(0, work_item_count + ?)
		WHERE job_id = ? AND step_index = ?
	`
	_, err := s.db.querier(q).ExecContext(ctx, query, delta, jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("failed to adjust work item count: %w", err)
	}
	return nil
}

// SetWorkItemCount replaces the step's expected work item count
func (s *StepStorage) SetWorkItemCount(ctx context.Context, q interfaces.Querier, jobID string, stepIndex, count int) error {
	query := `UPDATE workflow_steps SET work_item_count = ? WHERE job_id = ? AND step_index = ?`
	_, err := s.db.querier(q).ExecContext(ctx, query, count, jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("failed to set work item count: %w", err)
	}
	return nil
}

// RecountCompleted recomputes completed_count from terminal work items.
// The recount runs in the update transaction so the counter can never
// drift from the item rows it summarizes.
func (s *StepStorage) RecountCompleted(ctx context.Context, q interfaces.Querier, jobID string, stepIndex int) (int, error) {
	qr := s.db.querier(q)

	query := `
		UPDATE workflow_steps
		SET completed_count = (
			SELECT COUNT(*) FROM work_items
			WHERE job_id = ? AND workflow_step_index = ?
			  AND status IN ('successful', 'failed', 'canceled', 'warning')
		)
		WHERE job_id = ? AND step_index = ?
	`
	if _, err := qr.ExecContext(ctx, query, jobID, stepIndex, jobID, stepIndex); err != nil {
		return 0, fmt.Errorf("failed to recount completed items: %w", err)
	}

	var count int
	err := qr.QueryRowContext(ctx,
		"SELECT completed_count FROM workflow_steps WHERE job_id = ? AND step_index = ?",
		jobID, stepIndex).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, interfaces.ErrStepNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read completed count: %w", err)
	}
	return count, nil
}

// MarkComplete flags the step as finished
func (s *StepStorage) MarkComplete(ctx context.Context, q interfaces.Querier, jobID string, stepIndex int) error {
	query := `UPDATE workflow_steps SET is_complete = 1 WHERE job_id = ? AND step_index = ?`
	_, err := s.db.querier(q).ExecContext(ctx, query, jobID, stepIndex)
	if err != nil {
		return fmt.Errorf("failed to mark step complete: %w", err)
	}
	return nil
}

func scanStep(r rowScanner) (*models.WorkflowStep, error) {
	var (
		step       models.WorkflowStep
		kind       string
		isComplete int
	)

	err := r.Scan(
		&step.JobID,
		&step.StepIndex,
		&step.ServiceID,
		&kind,
		&step.Operation,
		&step.WorkItemCount,
		&step.CompletedCount,
		&step.ProgressWeight,
		&step.MaxBatchInputs,
		&step.MaxBatchSizeInBytes,
		&isComplete,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan workflow step: %w", err)
	}

	step.Kind = models.StepKind(kind)
	step.IsComplete = isComplete != 0
	return &step, nil
}
