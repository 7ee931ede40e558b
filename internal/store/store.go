// Package store defines the artifact store port: durable write-once blob
// persistence plus minting of time-limited, read-only access references.
package store

import (
	"context"
	"fmt"
	"time"

	"scanrelay/internal/domain"
)

// Store persists report blobs and signs access references for them.
// Put must precede Sign for a given key.
type Store interface {
	// Put writes the blob under key and returns the store key. It retries
	// transient backend failures internally and returns
	// domain.ErrStorageUnavailable once the retry budget is exhausted.
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)

	// Sign mints a read-only access reference to an existing key, valid for
	// ttl. It returns domain.ErrKeyNotFound for a key that was never put.
	Sign(ctx context.Context, key string, ttl time.Duration) (domain.AccessReference, error)
}

// ObjectKey builds the store key for one report of a pipeline run. Keys are
// namespaced by engagement and build so re-runs never collide.
func ObjectKey(engagement, buildID, filename string) string {
	return fmt.Sprintf("%s/%s/%s", engagement, buildID, filename)
}

// putAttempts bounds how often a Put is retried against an unreachable
// backend before degrading to ErrStorageUnavailable.
const putAttempts = 3

// RetryPut runs op up to putAttempts times with exponential backoff,
// honouring context cancellation between attempts. Adapters share it so a
// flaky backend degrades the same way regardless of implementation.
func RetryPut(ctx context.Context, op func() error) error {
	backoff := 250 * time.Millisecond
	var err error
	for attempt := 1; attempt <= putAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == putAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", domain.ErrStorageUnavailable, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%w: %d attempts: %w", domain.ErrStorageUnavailable, putAttempts, err)
}
