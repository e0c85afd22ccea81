package interfaces

import (
	"context"
	"errors"
)

// ErrArtifactNotFound is returned when no artifact exists at a URL
var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactStore is a content-addressed store of JSON catalogs. The core
// reads and writes opaque JSON at well-known keys ("s3://..." batch
// catalogs, "/tmp/..." work item catalogs); it never interprets the URL
// beyond using it as the key.
type ArtifactStore interface {
	Put(ctx context.Context, url string, body []byte) error
	Get(ctx context.Context, url string) ([]byte, error)
	Exists(ctx context.Context, url string) (bool, error)
}
