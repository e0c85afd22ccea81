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

// LinkStorage implements SQLite storage for job result links
type LinkStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
}

// NewLinkStorage creates a new link storage instance
func NewLinkStorage(db *SQLiteDB, logger arbor.ILogger) interfaces.LinkStorage {
	return &LinkStorage{
		db:     db,
		logger: logger,
	}
}

// InsertLinks appends result links for a job
func (s *LinkStorage) InsertLinks(ctx context.Context, q interfaces.Querier, links []*models.JobLink) error {
	if len(links) == 0 {
		return nil
	}

	now := timeToMillis(time.Now())
	query := `INSERT INTO job_links (job_id, href, rel, type, title, bbox, temporal_start, temporal_end, created_at) VALUES `
	args := make([]any, 0, len(links)*9)
	for i, link := range links {
		if i > 0 {
			query += ", "
		}
		query += "(?, ?, ?, ?, ?, ?, ?, ?, ?)"

		bbox := ""
		if len(link.BBox) > 0 {
			bboxBytes, err := json.Marshal(link.BBox)
			if err != nil {
				return fmt.Errorf("failed to serialize bbox: %w", err)
			}
			bbox = string(bboxBytes)
		}

		var start, end sql.NullInt64
		if link.Temporal != nil {
			start = nullableMillis(link.Temporal.Start)
			end = nullableMillis(link.Temporal.End)
		}

		args = append(args, link.JobID, link.Href, link.Rel, link.Type, link.Title, bbox, start, end, now)
	}

	if _, err := s.db.querier(q).ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert job links: %w", err)
	}
	return nil
}

// GetLinks returns a job's links in insertion order
func (s *LinkStorage) GetLinks(ctx context.Context, jobID string) ([]*models.JobLink, error) {
	query := `
		SELECT id, job_id, href, rel, type, title, bbox, temporal_start, temporal_end
		FROM job_links
		WHERE job_id = ?
		ORDER BY id
	`
	rows, err := s.db.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job links: %w", err)
	}
	defer rows.Close()

	var links []*models.JobLink
	for rows.Next() {
		var (
			link       models.JobLink
			bbox       string
			start, end sql.NullInt64
		)
		if err := rows.Scan(&link.ID, &link.JobID, &link.Href, &link.Rel, &link.Type, &link.Title, &bbox, &start, &end); err != nil {
			return nil, fmt.Errorf("failed to scan job link: %w", err)
		}

		if bbox != "" {
			if err := json.Unmarshal([]byte(bbox), &link.BBox); err != nil {
				s.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to deserialize link bbox")
			}
		}
		if start.Valid || end.Valid {
			link.Temporal = &models.TemporalExtent{
				Start: millisToTime(start.Int64),
				End:   millisToTime(end.Int64),
			}
		}

		links = append(links, &link)
	}
	return links, rows.Err()
}

// CountDataLinks counts a job's rel=data links
func (s *LinkStorage) CountDataLinks(ctx context.Context, q interfaces.Querier, jobID string) (int, error) {
	var count int
	err := s.db.querier(q).QueryRowContext(ctx,
		"SELECT COUNT(*) FROM job_links WHERE job_id = ? AND rel = 'data'", jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count data links: %w", err)
	}
	return count, nil
}
