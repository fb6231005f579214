package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/asr-gateway/internal/config"
)

// AudioStore abstracts recording storage backends.
type AudioStore interface {
	// Save stores data under key, e.g. 2026-10-19/{conn_id}-{segment}.wav.
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Open returns a reader for a stored object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// New creates an AudioStore based on config. S3 wins when a bucket is
// configured; otherwise recordings go to dir. Returns nil, nil when neither
// is configured. Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (AudioStore, error) {
	if !cfg.Enabled() {
		if dir == "" {
			return nil, nil
		}
		return NewLocalStore(dir), nil
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
