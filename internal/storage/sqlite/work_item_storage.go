package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// WorkItemStorage implements SQLite storage for work items
type WorkItemStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewWorkItemStorage creates a new work item storage instance
func NewWorkItemStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.WorkItemStorage {
	return &WorkItemStorage{
		db:     db,
		logger: logger,
	}
}

const workItemColumns = `id, job_id, service_id, workflow_step_index, status,
	stac_catalog_location, scroll_id, sort_index, retry_count, started_at,
	duration_ms, total_items_size, output_item_sizes, result_catalogs,
	created_at, updated_at`

// jobs in these states may have work dispatched
const dispatchableJobStatuses = `('accepted', 'previewing', 'running', 'running_with_errors')`

// CreateWorkItem inserts one work item and fills in its assigned ID
func (s *WorkItemStorage) CreateWorkItem(ctx context.Context, q interfaces.Querier, item *models.WorkItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = item.CreatedAt

	sizes, catalogs, err := marshalItemBlobs(item)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO work_items (job_id, service_id, workflow_step_index, status,
			stac_catalog_location, scroll_id, sort_index, retry_count, started_at,
			duration_ms, total_items_size, output_item_sizes, result_catalogs,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.querier(q).ExecContext(ctx, query,
		item.JobID,
		item.ServiceID,
		item.WorkflowStepIndex,
		string(item.Status),
		item.StacCatalogLocation,
		item.ScrollID,
		item.SortIndex,
		item.RetryCount,
		nullableMillis(item.StartedAt),
		item.Duration.Milliseconds(),
		item.TotalItemsSize,
		sizes,
		catalogs,
		timeToMillis(item.CreatedAt),
		timeToMillis(item.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create work item: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read work item id: %w", err)
	}
	item.ID = id
	return nil
}

// CreateWorkItems inserts items in chunks of batchSize to bound statement size
func (s *WorkItemStorage) CreateWorkItems(ctx context.Context, q interfaces.Querier, items []*models.WorkItem, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}

	now := time.Now()
	qr := s.db.querier(q)

	for start := 0; start < len(items); start += batchSize {
		end := start + batchSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		query := `
			INSERT INTO work_items (job_id, service_id, workflow_step_index, status,
				stac_catalog_location, scroll_id, sort_index, retry_count, started_at,
				duration_ms, total_items_size, output_item_sizes, result_catalogs,
				created_at, updated_at)
			VALUES `
		args := make([]any, 0, len(chunk)*15)
		for i, item := range chunk {
			if item.CreatedAt.IsZero() {
				item.CreatedAt = now
			}
			item.UpdatedAt = item.CreatedAt

			sizes, catalogs, err := marshalItemBlobs(item)
			if err != nil {
				return err
			}

			if i > 0 {
				query += ", "
			}
			query += "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
			args = append(args,
				item.JobID, item.ServiceID, item.WorkflowStepIndex, string(item.Status),
				item.StacCatalogLocation, item.ScrollID, item.SortIndex, item.RetryCount,
				nullableMillis(item.StartedAt), item.Duration.Milliseconds(),
				item.TotalItemsSize, sizes, catalogs,
				timeToMillis(item.CreatedAt), timeToMillis(item.UpdatedAt),
			)
		}

		result, err := qr.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to insert work item batch: %w", err)
		}

		// SQLite assigns contiguous rowids within a single INSERT
		lastID, err := result.LastInsertId()
		if err == nil {
			firstID := lastID - int64(len(chunk)) + 1
			for i, item := range chunk {
				item.ID = firstID + int64(i)
			}
		}
	}

	return nil
}

// GetWorkItem retrieves a work item by ID
func (s *WorkItemStorage) GetWorkItem(ctx context.Context, q interfaces.Querier, id int64) (*models.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE id = ?`
	row := s.db.querier(q).QueryRowContext(ctx, query, id)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrWorkItemNotFound
	}
	return item, err
}

// ClaimNextReady atomically claims the oldest ready item for a service.
// Sequential steps yield an item only while none of theirs is running, and
// paused or terminal jobs never dispatch.
func (s *WorkItemStorage) ClaimNextReady(ctx context.Context, q interfaces.Querier, serviceID string, now time.Time) (*models.WorkItem, error) {
	qr := s.db.querier(q)

	selectQuery := `
		SELECT wi.id
		FROM work_items wi
		JOIN workflow_steps ws ON ws.job_id = wi.job_id AND ws.step_index = wi.workflow_step_index
		JOIN jobs j ON j.job_id = wi.job_id
		WHERE wi.service_id = ?
		  AND wi.status = 'ready'
		  AND j.status IN ` + dispatchableJobStatuses + `
		  AND (ws.kind != 'sequential-query' OR NOT EXISTS (
			SELECT 1 FROM work_items r
			WHERE r.job_id = wi.job_id
			  AND r.workflow_step_index = wi.workflow_step_index
			  AND r.status = 'running'
		  ))
		ORDER BY wi.created_at, wi.id
		LIMIT 1
	`

	var id int64
	err := qr.QueryRowContext(ctx, selectQuery, serviceID).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrWorkItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next ready work item: %w", err)
	}

	// The status guard makes the claim atomic: a racing claim that got the
	// same row first leaves zero affected rows here.
	result, err := qr.ExecContext(ctx,
		"UPDATE work_items SET status = 'running', started_at = ?, updated_at = ? WHERE id = ? AND status = 'ready'",
		timeToMillis(now), timeToMillis(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to claim work item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read claim result: %w", err)
	}
	if affected == 0 {
		return nil, interfaces.ErrWorkItemNotFound
	}

	return s.GetWorkItem(ctx, qr, id)
}

// UpdateWorkItem persists a work item's mutable fields
func (s *WorkItemStorage) UpdateWorkItem(ctx context.Context, q interfaces.Querier, item *models.WorkItem) error {
	item.UpdatedAt = time.Now()

	sizes, catalogs, err := marshalItemBlobs(item)
	if err != nil {
		return err
	}

	query := `
		UPDATE work_items
		SET status = ?, stac_catalog_location = ?, scroll_id = ?, retry_count = ?,
		    started_at = ?, duration_ms = ?, total_items_size = ?,
		    output_item_sizes = ?, result_catalogs = ?, updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.querier(q).ExecContext(ctx, query,
		string(item.Status),
		item.StacCatalogLocation,
		item.ScrollID,
		item.RetryCount,
		nullableMillis(item.StartedAt),
		item.Duration.Milliseconds(),
		item.TotalItemsSize,
		sizes,
		catalogs,
		timeToMillis(item.UpdatedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return nil
}

// CountByStatus counts a step's work items in the given statuses
func (s *WorkItemStorage) CountByStatus(ctx context.Context, q interfaces.Querier, jobID string, stepIndex int, statuses ...models.WorkItemStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM work_items WHERE job_id = ? AND workflow_step_index = ? AND status IN (`
	args := []any{jobID, stepIndex}
	for i, status := range statuses {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, string(status))
	}
	query += ")"

	var count int
	if err := s.db.querier(q).QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count work items: %w", err)
	}
	return count, nil
}

// MaxSortIndex returns the highest sort index for (job, service), -1 when none
func (s *WorkItemStorage) MaxSortIndex(ctx context.Context, q interfaces.Querier, jobID, serviceID string) (int, error) {
	var max sql.NullInt64
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT MAX(sort_index) FROM work_items WHERE job_id = ? AND service_id = ?",
		jobID, serviceID).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("failed to read max sort index: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

// GetSuccessfulItems returns the step's successful items in sort order
func (s *WorkItemStorage) GetSuccessfulItems(ctx context.Context, q interfaces.Querier, jobID string, stepIndex int) ([]*models.WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + `
		FROM work_items
		WHERE job_id = ? AND workflow_step_index = ? AND status = 'successful'
		ORDER BY sort_index
	`
	rows, err := s.db.querier(q).QueryContext(ctx, query, jobID, stepIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to get successful work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// CancelPending moves all ready and running items of the job to canceled
func (s *WorkItemStorage) CancelPending(ctx context.Context, q interfaces.Querier, jobID string) (int, error) {
	result, err := s.db.querier(q).ExecContext(ctx,
		"UPDATE work_items SET status = 'canceled', updated_at = ? WHERE job_id = ? AND status IN ('ready', 'running')",
		timeToMillis(time.Now()), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel pending work items: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return int(affected), nil
}

// GetStalled returns running items that started before the cutoff
func (s *WorkItemStorage) GetStalled(ctx context.Context, cutoff time.Time) ([]*models.WorkItem, error) {
	query := `
		SELECT ` + workItemColumns + `
		FROM work_items
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at < ?
		ORDER BY started_at
	`
	rows, err := s.db.db.QueryContext(ctx, query, timeToMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to get stalled work items: %w", err)
	}
	defer rows.Close()

	var items []*models.WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func marshalItemBlobs(item *models.WorkItem) (sizes string, catalogs string, err error) {
	sizesBytes, err := json.Marshal(item.OutputItemSizes)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize output item sizes: %w", err)
	}
	if item.OutputItemSizes == nil {
		sizesBytes = []byte("[]")
	}

	catalogBytes, err := json.Marshal(item.ResultCatalogs)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize result catalogs: %w", err)
	}
	if item.ResultCatalogs == nil {
		catalogBytes = []byte("[]")
	}

	return string(sizesBytes), string(catalogBytes), nil
}

func nullableMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Valid: true, Int64: t.UnixMilli()}
}

func scanWorkItem(r rowScanner) (*models.WorkItem, error) {
	var (
		item                 models.WorkItem
		status               string
		startedAt            sql.NullInt64
		durationMS           int64
		sizesJSON, catsJSON  string
		createdAt, updatedAt int64
	)

	err := r.Scan(
		&item.ID,
		&item.JobID,
		&item.ServiceID,
		&item.WorkflowStepIndex,
		&status,
		&item.StacCatalogLocation,
		&item.ScrollID,
		&item.SortIndex,
		&item.RetryCount,
		&startedAt,
		&durationMS,
		&item.TotalItemsSize,
		&sizesJSON,
		&catsJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}

	item.Status = models.WorkItemStatus(status)
	if startedAt.Valid {
		item.StartedAt = millisToTime(startedAt.Int64)
	}
	item.Duration = time.Duration(durationMS) * time.Millisecond
	item.CreatedAt = millisToTime(createdAt)
	item.UpdatedAt = millisToTime(updatedAt)

	if sizesJSON != "" && sizesJSON != "[]" {
		if err := json.Unmarshal([]byte(sizesJSON), &item.OutputItemSizes); err != nil {
			return nil, fmt.Errorf("failed to deserialize output item sizes: %w", err)
		}
	}
	if catsJSON != "" && catsJSON != "[]" {
		if err := json.Unmarshal([]byte(catsJSON), &item.ResultCatalogs); err != nil {
			return nil, fmt.Errorf("failed to deserialize result catalogs: %w", err)
		}
	}

	return &item, nil
}
