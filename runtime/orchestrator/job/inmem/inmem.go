// Package inmem provides a process-local job store for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/openletter/writingdesk/runtime/orchestrator/job"
)

// Store is an in-memory job.Store holding one active job per user.
type Store struct {
	mu   sync.Mutex
	jobs map[string]job.Snapshot
}

// New returns an empty store.
func New() *Store {
	return &Store{jobs: make(map[string]job.Snapshot)}
}

// Seed installs a job document for a user. Test hook.
func (s *Store) Seed(userID string, snap job.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[userID] = snap
}

// Get implements job.Store.
func (s *Store) Get(_ context.Context, userID string) (job.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.jobs[userID]
	if !ok {
		return job.Snapshot{}, job.ErrNotFound
	}
	return snap, nil
}

// Upsert implements job.Store.
func (s *Store) Upsert(_ context.Context, userID string, p job.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.jobs[userID]
	snap.Apply(p)
	s.jobs[userID] = snap
	return nil
}
