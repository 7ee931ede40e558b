// Package memory is an in-memory jobstore.Store for tests and ephemeral
// deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"scanrelay/internal/domain"
	"scanrelay/internal/relay/jobstore"
)

type Store struct {
	mu      sync.RWMutex
	results map[string]domain.ImportResult
}

var _ jobstore.Store = (*Store)(nil)

func New() *Store {
	return &Store{results: make(map[string]domain.ImportResult)}
}

func (s *Store) Create(ctx context.Context, res domain.ImportResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[res.JobID]; exists {
		return fmt.Errorf("job %s already exists", res.JobID)
	}
	s.results[res.JobID] = res
	return nil
}

func (s *Store) Update(ctx context.Context, res domain.ImportResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[res.JobID]; !exists {
		return fmt.Errorf("update job %s: %w", res.JobID, jobstore.ErrNotFound)
	}
	s.results[res.JobID] = res
	return nil
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, jobID)
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.ImportResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, exists := s.results[jobID]
	if !exists {
		return domain.ImportResult{}, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	return res, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.ImportResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]domain.ImportResult, 0, len(s.results))
	for _, res := range s.results {
		all = append(all, res)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) Close() error { return nil }
