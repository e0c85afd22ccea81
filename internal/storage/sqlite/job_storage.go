// -----------------------------------------------------------------------
// Last Modified: Wednesday, 22nd July 2026 11:30:09 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// JobStorage implements SQLite storage for jobs
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `job_id, username, status, message, progress, num_input_granules,
	batches_completed, ignore_errors, is_async, request_url, created_at, updated_at`

// CreateJob inserts a new job
func (s *JobStorage) CreateJob(ctx context.Context, q interfaces.Querier, job *models.Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	job.UpdatedAt = job.CreatedAt

	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.querier(q).ExecContext(ctx, query,
		job.JobID,
		job.Username,
		string(job.Status),
		job.Message,
		job.Progress,
		job.NumInputGranules,
		job.BatchesCompleted,
		boolToInt(job.IgnoreErrors),
		boolToInt(job.IsAsync),
		job.RequestURL,
		timeToMillis(job.CreatedAt),
		timeToMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Debug().Str("job_id", job.JobID).Str("status", string(job.Status)).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, q interfaces.Querier, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = ?`
	row := s.db.querier(q).QueryRowContext(ctx, query, jobID)
	return scanJob(row)
}

// GetJobStatus reads only the status column
func (s *JobStorage) GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, error) {
	var status string
	err := s.db.db.QueryRowContext(ctx, "SELECT status FROM jobs WHERE job_id = ?", jobID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", interfaces.ErrJobNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return models.JobStatus(status), nil
}

// UpdateJob persists the job's mutable fields
func (s *JobStorage) UpdateJob(ctx context.Context, q interfaces.Querier, job *models.Job) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE jobs
		SET status = ?, message = ?, progress = ?, num_input_granules = ?,
		    batches_completed = ?, ignore_errors = ?, updated_at = ?
		WHERE job_id = ?
	`

	result, err := s.db.querier(q).ExecContext(ctx, query,
		string(job.Status),
		job.Message,
		job.Progress,
		job.NumInputGranules,
		job.BatchesCompleted,
		boolToInt(job.IgnoreErrors),
		timeToMillis(job.UpdatedAt),
		job.JobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return interfaces.ErrJobNotFound
	}
	return nil
}

// ListJobs lists jobs with pagination and filters
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if opts != nil {
		if opts.Username != "" {
			query += " AND username = ?"
			args = append(args, opts.Username)
		}
		if opts.Status != "" {
			statuses := []string{}
			for _, st := range strings.Split(opts.Status, ",") {
				st = strings.TrimSpace(st)
				if st != "" {
					statuses = append(statuses, st)
				}
			}
			if len(statuses) == 1 {
				query += " AND status = ?"
				args = append(args, statuses[0])
			} else if len(statuses) > 1 {
				placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
				query += fmt.Sprintf(" AND status IN (%s)", placeholders)
				for _, st := range statuses {
					args = append(args, st)
				}
			}
		}
	}

	query += " ORDER BY created_at DESC, job_id"

	limit := 50
	offset := 0
	if opts != nil {
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		if opts.Offset > 0 {
			offset = opts.Offset
		}
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRow(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJob deletes a job; ownership cascades to all dependent rows
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.db.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected > 0 {
		s.logger.Info().Str("job_id", jobID).Msg("Job deleted from storage")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*models.Job, error) {
	job, err := scanJobFrom(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrJobNotFound
	}
	return job, err
}

func scanJobRow(rows *sql.Rows) (*models.Job, error) {
	return scanJobFrom(rows)
}

func scanJobFrom(r rowScanner) (*models.Job, error) {
	var (
		job                  models.Job
		status               string
		ignoreErrors, isAsync int
		createdAt, updatedAt int64
	)

	err := r.Scan(
		&job.JobID,
		&job.Username,
		&status,
		&job.Message,
		&job.Progress,
		&job.NumInputGranules,
		&job.BatchesCompleted,
		&ignoreErrors,
		&isAsync,
		&job.RequestURL,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	job.IgnoreErrors = ignoreErrors != 0
	job.IsAsync = isAsync != 0
	job.CreatedAt = millisToTime(createdAt)
	job.UpdatedAt = millisToTime(updatedAt)

	return &job, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
