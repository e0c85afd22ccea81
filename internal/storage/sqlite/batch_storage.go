package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
	"github.com/nasa/harmony-orchestrator/internal/models"
)

// BatchStorage implements SQLite storage for batches and batch items
type BatchStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewBatchStorage creates a new batch storage instance
func NewBatchStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.BatchStorage {
	return &BatchStorage{
		db:     db,
		logger: logger,
	}
}

// InsertBatchItems inserts pending batch items
func (s *BatchStorage) InsertBatchItems(ctx context.Context, q interfaces.Querier, items []*models.BatchItem) error {
	if len(items) == 0 {
		return nil
	}

	query := `INSERT INTO batch_items (job_id, service_id, batch_id, stac_item_url, item_size, sort_index) VALUES `
	args := make([]any, 0, len(items)*6)
	for i, item := range items {
		if i > 0 {
			query += ", "
		}
		query += "(?, ?, ?, ?, ?, ?)"

		var batchID any
		if item.BatchID != nil {
			batchID = *item.BatchID
		}
		args = append(args, item.JobID, item.ServiceID, batchID, item.StacItemURL, item.ItemSize, item.SortIndex)
	}

	result, err := s.db.querier(q).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert batch items: %w", err)
	}

	lastID, err := result.LastInsertId()
	if err == nil {
		firstID := lastID - int64(len(items)) + 1
		for i, item := range items {
			item.ID = firstID + int64(i)
		}
	}
	return nil
}

// GetCurrentBatch returns the batch with the highest ID, or nil when none exists
func (s *BatchStorage) GetCurrentBatch(ctx context.Context, q interfaces.Querier, jobID, serviceID string) (*models.Batch, error) {
	var batchID sql.NullInt64
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT MAX(batch_id) FROM batches WHERE job_id = ? AND service_id = ?",
		jobID, serviceID).Scan(&batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to get current batch: %w", err)
	}
	if !batchID.Valid {
		return nil, nil
	}

	return &models.Batch{JobID: jobID, ServiceID: serviceID, BatchID: int(batchID.Int64)}, nil
}

// CreateBatch inserts a new batch row
func (s *BatchStorage) CreateBatch(ctx context.Context, q interfaces.Querier, batch *models.Batch) error {
	_, err := s.db.querier(q).ExecContext(ctx,
		"INSERT INTO batches (job_id, service_id, batch_id, created_at) VALUES (?, ?, ?, ?)",
		batch.JobID, batch.ServiceID, batch.BatchID, timeToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

// GetUnassignedItems returns pending items in sort order
func (s *BatchStorage) GetUnassignedItems(ctx context.Context, q interfaces.Querier, jobID, serviceID string) ([]*models.BatchItem, error) {
	query := `
		SELECT id, job_id, service_id, batch_id, stac_item_url, item_size, sort_index
		FROM batch_items
		WHERE job_id = ? AND service_id = ? AND batch_id IS NULL
		ORDER BY sort_index
	`
	return s.queryBatchItems(ctx, q, query, jobID, serviceID)
}

// AssignItem moves a pending item into a batch
func (s *BatchStorage) AssignItem(ctx context.Context, q interfaces.Querier, itemID int64, batchID int) error {
	_, err := s.db.querier(q).ExecContext(ctx,
		"UPDATE batch_items SET batch_id = ? WHERE id = ?", batchID, itemID)
	if err != nil {
		return fmt.Errorf("failed to assign batch item: %w", err)
	}
	return nil
}

// MaxSortIndexInBatch returns the highest assigned sort index in the batch
func (s *BatchStorage) MaxSortIndexInBatch(ctx context.Context, q interfaces.Querier, jobID, serviceID string, batchID int) (int, bool, error) {
	var max sql.NullInt64
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT MAX(sort_index) FROM batch_items WHERE job_id = ? AND service_id = ? AND batch_id = ?",
		jobID, serviceID, batchID).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read batch max sort index: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

// MaxPendingSortIndex returns the highest sort index over all batch items
// for the pair, assigned or not
func (s *BatchStorage) MaxPendingSortIndex(ctx context.Context, q interfaces.Querier, jobID, serviceID string) (int, bool, error) {
	var max sql.NullInt64
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT MAX(sort_index) FROM batch_items WHERE job_id = ? AND service_id = ?",
		jobID, serviceID).Scan(&max)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read max batch item sort index: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return int(max.Int64), true, nil
}

// GetBatchItems returns a batch's items in sort order
func (s *BatchStorage) GetBatchItems(ctx context.Context, q interfaces.Querier, jobID, serviceID string, batchID int) ([]*models.BatchItem, error) {
	query := `
		SELECT id, job_id, service_id, batch_id, stac_item_url, item_size, sort_index
		FROM batch_items
		WHERE job_id = ? AND service_id = ? AND batch_id = ?
		ORDER BY sort_index
	`
	return s.queryBatchItems(ctx, q, query, jobID, serviceID, batchID)
}

func (s *BatchStorage) queryBatchItems(ctx context.Context, q interfaces.Querier, query string, args ...any) ([]*models.BatchItem, error) {
	rows, err := s.db.querier(q).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch items: %w", err)
	}
	defer rows.Close()

	var items []*models.BatchItem
	for rows.Next() {
		var (
			item    models.BatchItem
			batchID sql.NullInt64
		)
		if err := rows.Scan(&item.ID, &item.JobID, &item.ServiceID, &batchID, &item.StacItemURL, &item.ItemSize, &item.SortIndex); err != nil {
			return nil, fmt.Errorf("failed to scan batch item: %w", err)
		}
		if batchID.Valid {
			id := int(batchID.Int64)
			item.BatchID = &id
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
