package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// UserWorkStorage maintains the per-(username, serviceID) ready counters
// used by the external fair-share scheduler.
type UserWorkStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewUserWorkStorage creates a new user work storage instance
func NewUserWorkStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.UserWorkStorage {
	return &UserWorkStorage{
		db:     db,
		logger: logger,
	}
}

// AddReady adds delta to the ready counter, clamping at zero
func (s *UserWorkStorage) AddReady(ctx context.Context, q interfaces.Querier, username, serviceID string, delta int) error {
	qr := s.db.querier(q)
	now := timeToMillis(time.Now())

	result, err := qr.ExecContext(ctx,
		"UPDATE user_work SET ready_count = MAX(0, ready_count + ?), updated_at = ? WHERE username = ? AND service_id = ?",
		delta, now, username, serviceID)
	if err != nil {
		return fmt.Errorf("failed to update user work counter: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read user work update result: %w", err)
	}
	if affected == 0 {
		initial := delta
		if initial < 0 {
			initial = 0
		}
		if _, err := qr.ExecContext(ctx,
			"INSERT INTO user_work (username, service_id, ready_count, updated_at) VALUES (?, ?, ?, ?)",
			username, serviceID, initial, now); err != nil {
			return fmt.Errorf("failed to insert user work counter: %w", err)
		}
	}
	return nil
}

// Recalculate recomputes the counter from ready items of dispatchable jobs.
// Called on pause, resume and terminal transitions, where delta tracking
// would have to know how many items each sweep touched.
func (s *UserWorkStorage) Recalculate(ctx context.Context, q interfaces.Querier, username, serviceID string) error {
	query := `
		INSERT INTO user_work (username, service_id, ready_count, updated_at)
		VALUES (?, ?,
			(SELECT COUNT(*) FROM work_items wi
			 JOIN jobs j ON j.job_id = wi.job_id
			 WHERE j.username = ? AND wi.service_id = ? AND wi.status = 'ready'
			   AND j.status IN ` + dispatchableJobStatuses + `),
			?)
		ON CONFLICT(username, service_id) DO UPDATE SET
			ready_count = excluded.ready_count,
			updated_at = excluded.updated_at
	`
	_, err := s.db.querier(q).ExecContext(ctx, query,
		username, serviceID, username, serviceID, timeToMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to recalculate user work counter: %w", err)
	}
	return nil
}

// GetReadyCount returns the current counter value
func (s *UserWorkStorage) GetReadyCount(ctx context.Context, username, serviceID string) (int, error) {
	var count int
	err := s.db.db.QueryRowContext(ctx,
		"SELECT ready_count FROM user_work WHERE username = ? AND service_id = ?",
		username, serviceID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get user work counter: %w", err)
	}
	return count, nil
}
