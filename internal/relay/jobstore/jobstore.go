// Package jobstore retains the relay service's per-job import results. The
// pipeline never reads these; they exist so operators can inspect what became
// of a delivery after the build finished.
package jobstore

import (
	"context"
	"errors"

	"scanrelay/internal/domain"
)

// ErrNotFound is returned for job ids the store has never seen.
var ErrNotFound = errors.New("job not found")

// Store persists import results keyed by job id.
type Store interface {
	// Create records a freshly accepted job. Job ids are unique per
	// submission, so Create never overwrites.
	Create(ctx context.Context, res domain.ImportResult) error

	// Update replaces the stored result for an existing job id.
	Update(ctx context.Context, res domain.ImportResult) error

	// Delete removes a record, used when an accepted job turns out not to
	// fit the work queue after all.
	Delete(ctx context.Context, jobID string) error

	// Get returns the result for one job id or ErrNotFound.
	Get(ctx context.Context, jobID string) (domain.ImportResult, error)

	// List returns up to limit results, most recently updated first.
	List(ctx context.Context, limit int) ([]domain.ImportResult, error)

	Close() error
}
