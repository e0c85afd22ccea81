package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// ErrorStorage implements SQLite storage for accepted work item failures
type ErrorStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewErrorStorage creates a new error storage instance
func NewErrorStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.ErrorStorage {
	return &ErrorStorage{
		db:     db,
		logger: logger,
	}
}

// InsertError appends one job error
func (s *ErrorStorage) InsertError(ctx context.Context, q interfaces.Querier, jobError *models.JobError) error {
	if jobError.CreatedAt.IsZero() {
		jobError.CreatedAt = time.Now()
	}

	result, err := s.db.querier(q).ExecContext(ctx,
		"INSERT INTO job_errors (job_id, url, message, created_at) VALUES (?, ?, ?, ?)",
		jobError.JobID, jobError.URL, jobError.Message, timeToMillis(jobError.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert job error: %w", err)
	}

	if id, err := result.LastInsertId(); err == nil {
		jobError.ID = id
	}
	return nil
}

// CountErrors counts a job's recorded errors
func (s *ErrorStorage) CountErrors(ctx context.Context, q interfaces.Querier, jobID string) (int, error) {
	var count int
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_errors WHERE job_id = ?", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count job errors: %w", err)
	}
	return count, nil
}

// GetErrors returns a job's errors in insertion order
func (s *ErrorStorage) GetErrors(ctx context.Context, jobID string) ([]*models.JobError, error) {
	rows, err := s.db.db.QueryContext(ctx,
		"SELECT id, job_id, url, message, created_at FROM job_errors WHERE job_id = ? ORDER BY id", jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job errors: %w", err)
	}
	defer rows.Close()

	var errors []*models.JobError
	for rows.Next() {
		var (
			jobError  models.JobError
			createdAt int64
		)
		if err := rows.Scan(&jobError.ID, &jobError.JobID, &jobError.URL, &jobError.Message, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan job error: %w", err)
		}
		jobError.CreatedAt = millisToTime(createdAt)
		errors = append(errors, &jobError)
	}
	return errors, rows.Err()
}
