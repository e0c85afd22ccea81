package badger

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/nasa/harmony-orchestrator/internal/interfaces"
)

// Artifact is one stored catalog document, keyed by its URL
type Artifact struct {
	URL       string `badgerhold:"key"`
	Body      []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArtifactStorage implements the ArtifactStore interface over Badger.
// Catalogs are opaque JSON addressed by their s3:// or /tmp/ URL; nothing
// here interprets the key beyond using it verbatim.
type ArtifactStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewArtifactStorage creates a new artifact storage instance
func NewArtifactStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ArtifactStore {
	return &ArtifactStorage{
		db:     db,
		logger: logger,
	}
}

// Put stores a catalog document at the given URL, replacing any prior body
func (s *ArtifactStorage) Put(ctx context.Context, url string, body []byte) error {
	now := time.Now()

	artifact := Artifact{
		URL:       url,
		Body:      body,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var existing Artifact
	if err := s.db.Store().Get(url, &existing); err == nil {
		artifact.CreatedAt = existing.CreatedAt
	}

	if err := s.db.Store().Upsert(url, &artifact); err != nil {
		return fmt.Errorf("failed to store artifact: %w", err)
	}

	s.logger.Debug().Str("url", url).Int("bytes", len(body)).Msg("Artifact stored")
	return nil
}

// Get retrieves the catalog document stored at the given URL
func (s *ArtifactStorage) Get(ctx context.Context, url string) ([]byte, error) {
	var artifact Artifact
	err := s.db.Store().Get(url, &artifact)
	if err == badgerhold.ErrNotFound {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrArtifactNotFound, url)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return artifact.Body, nil
}

// Exists reports whether a catalog is stored at the given URL
func (s *ArtifactStorage) Exists(ctx context.Context, url string) (bool, error) {
	var artifact Artifact
	err := s.db.Store().Get(url, &artifact)
	if err == badgerhold.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check artifact: %w", err)
	}
	return true, nil
}
