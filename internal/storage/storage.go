package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
)

// BlobStore abstracts uploaded media storage backends.
type BlobStore interface {
	// Save stores media data. key format: {user_id}/{YYYY-MM-DD}/{uuid}{ext}
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for the media file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the media file. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if a media file exists.
	Exists(ctx context.Context, key string) bool

	// URL returns a presigned URL for the media file.
	// Returns "" for local-only backends.
	URL(ctx context.Context, key string) (string, error)

	// Type returns "local" or "s3".
	Type() string
}

// New creates a BlobStore based on config. S3 wins when configured;
// otherwise media lives on the local filesystem. Returns an error if S3
// is configured but unreachable.
func New(cfg config.S3Config, blobDir string, log zerolog.Logger) (BlobStore, error) {
	if !cfg.Enabled() {
		return NewLocalStore(blobDir), nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return s3store, nil
}
