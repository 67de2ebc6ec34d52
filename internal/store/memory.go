package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/cloudflyer/internal/model"
)

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with a mutex-guarded map. Tasks live until
// Purge removes them or the process exits.
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*model.Task)}
}

// Put inserts a new pending task.
func (s *MemoryStore) Put(_ context.Context, t *model.Task) error {
	if err := checkNew(t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return ErrDuplicateID
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// Get returns a snapshot of the task with the given ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

// Update applies tr under the write lock.
func (s *MemoryStore) Update(_ context.Context, id string, tr model.Transition) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := t.Clone()
	if !tr.Apply(next) {
		return nil, ErrInvalidTransition
	}
	s.tasks[id] = next
	return next.Clone(), nil
}

// ListByStatus returns tasks in the given status ordered by creation time.
func (s *MemoryStore) ListByStatus(_ context.Context, status model.Status) ([]*model.Task, error) {
	s.mu.RLock()
	var out []*model.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Stats aggregates over all retained tasks.
func (s *MemoryStore) Stats(_ context.Context) (*TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc := newStatsAccumulator()
	for _, t := range s.tasks {
		acc.add(t)
	}
	return acc.result(), nil
}

// Purge removes terminal tasks that finished before the cutoff.
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.FinishedAt != nil && t.FinishedAt.Before(before) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
