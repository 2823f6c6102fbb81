// Package store provides job.Store implementations. Memory keeps records in
// process and is used for tests and dry runs; the postgres subpackage is the
// durable store.
package store

import (
	"context"
	"pgsorchestrator/internal/apperrors"
	"pgsorchestrator/internal/job"
	"slices"
	"strings"
	"sync"
)

// Memory is a thread-safe in-process job.Store.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]*job.Job
	failUpdates error
}

var _ job.Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*job.Job)}
}

// FailUpdates makes every Update return err until called with nil.
func (s *Memory) FailUpdates(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = err
}

// Create inserts a new record.
func (s *Memory) Create(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, "job already exists")
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Update replaces an existing record.
func (s *Memory) Update(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failUpdates != nil {
		return s.failUpdates
	}
	if _, exists := s.jobs[j.ID]; !exists {
		return apperrors.NotFound("job", j.ID)
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

// Get returns a copy of a record.
func (s *Memory) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, exists := s.jobs[id]
	if !exists {
		return nil, apperrors.NotFound("job", id)
	}
	return j.Clone(), nil
}

// List returns copies of matching records, oldest first.
func (s *Memory) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if len(f.States) > 0 && !slices.Contains(f.States, j.State) {
			continue
		}
		if f.Unnotified && len(j.PendingNotices) == 0 {
			continue
		}
		out = append(out, j.Clone())
	}
	slices.SortFunc(out, func(a, b *job.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// Delete removes a record.
func (s *Memory) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Ping always succeeds.
func (s *Memory) Ping(context.Context) error {
	return nil
}
