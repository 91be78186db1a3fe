// Package artifact stores run reports and exported datasets.
package artifact

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Object describes a stored artifact.
type Object struct {
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	Size        int64     `json:"size"`
	ContentType string    `json:"contentType"`
	StoredAt    time.Time `json:"storedAt"`
}

// Store persists artifacts by key.
type Store interface {
	// Put writes data under key, replacing any previous object.
	Put(ctx context.Context, key string, data []byte, contentType string) (*Object, error)

	// Get opens the object stored under key.
	// Returns domain.ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// URL returns the location of key.
	URL(key string) string
}

// New creates a Store from configuration. Type "none" returns a nil Store.
func New(ctx context.Context, cfg domain.ArtifactConfig) (Store, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unsupported artifact store: %s", domain.ErrInvalidInput, cfg.Type)
	}
}

// RunKey builds the key of a run artifact.
func RunKey(datasetID, runID, name string) string {
	return path.Join(cleanSegment(datasetID), cleanSegment(runID), cleanSegment(name))
}

// cleanSegment keeps a key segment from escaping its parent.
func cleanSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
