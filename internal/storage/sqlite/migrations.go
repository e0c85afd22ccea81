package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate runs database migrations
func (s *SQLiteDB) migrate() error {
	ctx := context.Background()

	if err := s.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "initial_schema", up: migrateV1},
		{version: 2, name: "work_item_result_catalogs", up: migrateV2},
		{version: 3, name: "user_work_counters", up: migrateV3},
	}

	for _, m := range migrations {
		if err := s.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}

	return nil
}

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (s *SQLiteDB) createMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLiteDB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}

	if count > 0 {
		return nil // Already applied
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s', 'now'))",
		m.version, m.name)
	if err != nil {
		return err
	}

	s.logger.Info().Int("version", m.version).Str("name", m.name).Msg("Applied database migration")
	return tx.Commit()
}

// migrateV1 is the base schema; schemaSQL already created the tables with
// IF NOT EXISTS, so this only records the version.
func migrateV1(ctx context.Context, tx *sql.Tx) error {
	return nil
}

// migrateV2 adds the result_catalogs column for databases created before
// work items recorded their output catalog URLs.
func migrateV2(ctx context.Context, tx *sql.Tx) error {
	var count int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM pragma_table_info('work_items') WHERE name = 'result_catalogs'").Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = tx.ExecContext(ctx,
		"ALTER TABLE work_items ADD COLUMN result_catalogs TEXT NOT NULL DEFAULT '[]'")
	return err
}

// migrateV3 backfills user_work counters from current ready items
func migrateV3(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_work (username, service_id, ready_count, updated_at)
		SELECT j.username, wi.service_id, COUNT(*), strftime('%s', 'now') * 1000
		FROM work_items wi
		JOIN jobs j ON j.job_id = wi.job_id
		WHERE wi.status = 'ready'
		GROUP BY j.username, wi.service_id
	`)
	return err
}
