// Package memory is an in-memory store.Store used by tests and local runs.
// Signed URLs resolve against an httptest-style base URL supplied by the
// caller, so the relay fetcher can download from it like a real store.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"scanrelay/internal/domain"
	"scanrelay/internal/store"
)

// Store keeps blobs in a map behind a RWMutex.
type Store struct {
	mu      sync.RWMutex
	objects map[string]object

	// BaseURL prefixes signed URLs, e.g. an httptest.Server URL.
	BaseURL string

	// PutFailures makes the next n backend writes fail, for exercising the
	// retry and degradation paths.
	PutFailures int
}

type object struct {
	body        []byte
	contentType string
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(baseURL string) *Store {
	return &Store{
		objects: make(map[string]object),
		BaseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	err := store.RetryPut(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.PutFailures > 0 {
			s.PutFailures--
			return fmt.Errorf("simulated backend outage")
		}
		s.objects[key] = object{body: append([]byte(nil), body...), contentType: contentType}
		return nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *Store) Sign(ctx context.Context, key string, ttl time.Duration) (domain.AccessReference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.objects[key]; !exists {
		return domain.AccessReference{}, fmt.Errorf("%w: %q", domain.ErrKeyNotFound, key)
	}
	return domain.AccessReference{
		StoreKey:  key,
		URL:       s.BaseURL + "/" + key,
		ExpiresAt: time.Now().Add(ttl),
	}, nil
}

// ServeHTTP serves stored objects by path, mirroring a presigned GET. Mount
// it on an httptest.Server and pass that server's URL as BaseURL.
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/")

	s.mu.RLock()
	obj, exists := s.objects[key]
	s.mu.RUnlock()

	if !exists {
		http.NotFound(w, r)
		return
	}
	if obj.contentType != "" {
		w.Header().Set("Content-Type", obj.contentType)
	}
	w.Write(obj.body)
}
