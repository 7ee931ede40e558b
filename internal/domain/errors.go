package domain

import "errors"

// Error taxonomy. Callers branch on these with errors.Is; everything else is
// wrapped detail.
var (
	// ErrConfig marks a malformed stage or job definition. Fatal before any
	// stage runs.
	ErrConfig = errors.New("invalid configuration")

	// ErrStorageUnavailable is returned when the artifact store cannot be
	// reached after the bounded retry budget.
	ErrStorageUnavailable = errors.New("artifact store unavailable")

	// ErrKeyNotFound is returned by Sign for a key that was never put. It
	// indicates a programming error upstream, not an operational condition.
	ErrKeyNotFound = errors.New("store key not found")

	// ErrInvalidJob marks a delivery job with a missing scan type,
	// engagement, or file URL.
	ErrInvalidJob = errors.New("invalid delivery job")

	// ErrQueueFull is the relay's backpressure signal: the bounded work
	// queue is at capacity and the job was not accepted.
	ErrQueueFull = errors.New("relay work queue full")

	// ErrFetchFailed marks a relay-side artifact download failure.
	ErrFetchFailed = errors.New("artifact fetch failed")

	// ErrImportFailed marks a downstream import failure after retries.
	ErrImportFailed = errors.New("downstream import failed")
)
