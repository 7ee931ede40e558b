package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"scanrelay/internal/domain"
)

const (
	defaultFetchTimeout = 2 * time.Minute
	defaultMaxFetchSize = 64 << 20 // 64 MiB
)

// Fetcher downloads artifacts from presigned store URLs. The size and
// timeout bounds cap how long a single artifact can tie up a worker.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
}

// NewFetcher creates a bounded fetcher. Non-positive arguments fall back to
// the defaults.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxFetchSize
	}
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
	}
}

// Fetch retrieves the artifact or fails with domain.ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrFetchFailed, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrFetchFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrFetchFailed, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: artifact exceeds %d byte limit", domain.ErrFetchFailed, f.maxBytes)
	}
	return body, nil
}
