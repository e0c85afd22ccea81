// -----------------------------------------------------------------------
// Last Modified: Wednesday, 22nd July 2026 11:27:38 am
// Modified By: Bob McAllan
// -----------------------------------------------------------------------

package sqlite

import (
	"fmt"
)

const schemaSQL = `
-- Jobs: one row per user request
CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	username TEXT NOT NULL,
	status TEXT NOT NULL,
	message TEXT NOT NULL DEFAULT '',
	progress INTEGER NOT NULL DEFAULT 0,
	num_input_granules INTEGER NOT NULL DEFAULT 0,
	batches_completed INTEGER NOT NULL DEFAULT 0,
	ignore_errors INTEGER NOT NULL DEFAULT 0,
	is_async INTEGER NOT NULL DEFAULT 1,
	request_url TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_username ON jobs(username, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

-- Workflow steps: the pipeline stages of a job, 1-based and contiguous
CREATE TABLE IF NOT EXISTS workflow_steps (
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	step_index INTEGER NOT NULL,
	service_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	operation TEXT NOT NULL DEFAULT '',
	work_item_count INTEGER NOT NULL DEFAULT 0,
	completed_count INTEGER NOT NULL DEFAULT 0,
	progress_weight REAL NOT NULL DEFAULT 1.0,
	max_batch_inputs INTEGER NOT NULL DEFAULT 0,
	max_batch_size_bytes INTEGER NOT NULL DEFAULT 0,
	is_complete INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (job_id, step_index)
);

CREATE INDEX IF NOT EXISTS idx_workflow_steps_service ON workflow_steps(service_id);

-- Work items: one service invocation on one input catalog
CREATE TABLE IF NOT EXISTS work_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	workflow_step_index INTEGER NOT NULL,
	status TEXT NOT NULL,
	stac_catalog_location TEXT NOT NULL DEFAULT '',
	scroll_id TEXT NOT NULL DEFAULT '',
	sort_index INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	total_items_size REAL NOT NULL DEFAULT 0,
	output_item_sizes TEXT NOT NULL DEFAULT '[]',
	result_catalogs TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

-- Claim path: oldest ready item per service
CREATE INDEX IF NOT EXISTS idx_work_items_claim ON work_items(service_id, status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_work_items_job_step ON work_items(job_id, workflow_step_index, status);

-- Job links: result artifacts, append-only
CREATE TABLE IF NOT EXISTS job_links (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	href TEXT NOT NULL,
	rel TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	bbox TEXT NOT NULL DEFAULT '',
	temporal_start INTEGER,
	temporal_end INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_links_job ON job_links(job_id, rel);

-- Job errors: accepted work item failures, append-only
CREATE TABLE IF NOT EXISTS job_errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	url TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_errors_job ON job_errors(job_id);

-- Batches: dense IDs from 0 per (job, service); the highest is current
CREATE TABLE IF NOT EXISTS batches (
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	batch_id INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, service_id, batch_id)
);

-- Batch items: NULL batch_id means pending assignment
CREATE TABLE IF NOT EXISTS batch_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
	service_id TEXT NOT NULL,
	batch_id INTEGER,
	stac_item_url TEXT NOT NULL DEFAULT '',
	item_size INTEGER NOT NULL DEFAULT 0,
	sort_index INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_batch_items_pending ON batch_items(job_id, service_id, batch_id, sort_index);

-- Fair-share counters for the external scheduler
CREATE TABLE IF NOT EXISTS user_work (
	username TEXT NOT NULL,
	service_id TEXT NOT NULL,
	ready_count INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (username, service_id)
);
`

// InitSchema creates the base schema and runs pending migrations
func (s *SQLiteDB) InitSchema() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if err := s.migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.logger.Debug().Msg("Database schema initialized")
	return nil
}
