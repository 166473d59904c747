// Package memory is an in-memory run store, used in tests and when no
// database is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ductile-io/ductile/internal/storage"
)

// Store is an in-memory implementation of RunStore.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*storage.RunRecord
}

var _ storage.RunStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{runs: make(map[string]*storage.RunRecord)}
}

func (s *Store) CreateRun(ctx context.Context, rec *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[rec.ID]; exists {
		return fmt.Errorf("run %s already exists", rec.ID)
	}
	cp := *rec
	s.runs[rec.ID] = &cp
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, rec *storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.runs[rec.ID]
	if !exists {
		return storage.ErrNotFound
	}
	stored.State = rec.State
	stored.FailureKind = rec.FailureKind
	stored.Error = rec.Error
	stored.ProducerCode = rec.ProducerCode
	stored.ConsumerCode = rec.ConsumerCode
	stored.EndedAt = rec.EndedAt
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*storage.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.runs[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]*storage.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	recs := make([]*storage.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].ID > recs[j].ID
		}
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (s *Store) Close() error { return nil }
