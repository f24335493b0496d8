// Package inmem provides a process-local run state store for tests and
// single-instance deployments.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
)

// Store is an in-memory runstate.Store. Entries never expire; tests that need
// TTL behavior exercise the Redis store instead.
type Store struct {
	mu      sync.Mutex
	entries map[string]runstate.State
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{entries: make(map[string]runstate.State), now: time.Now}
}

// SetClock overrides the store clock. Test hook.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Register implements runstate.Store.
func (s *Store) Register(_ context.Context, st runstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := st.StoreKey()
	if cur, ok := s.entries[key]; ok {
		if cur.Status == runstate.StatusRunning && !cur.Stale(s.now(), orchestrator.OrphanThreshold) {
			return runstate.ErrAlreadyActive
		}
	}
	now := s.now().UnixMilli()
	if st.StartedAt == 0 {
		st.StartedAt = now
	}
	st.LastHeartbeatAt = now
	s.entries[key] = st
	return nil
}

// Update implements runstate.Store.
func (s *Store) Update(_ context.Context, kind orchestrator.Kind, runKey string, p runstate.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orchestrator.StoreKey(kind, runKey)
	st, ok := s.entries[key]
	if !ok {
		return runstate.ErrNotFound
	}
	st.Apply(p)
	st.LastHeartbeatAt = s.now().UnixMilli()
	s.entries[key] = st
	return nil
}

// Heartbeat implements runstate.Store.
func (s *Store) Heartbeat(_ context.Context, kind orchestrator.Kind, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := orchestrator.StoreKey(kind, runKey)
	st, ok := s.entries[key]
	if !ok {
		return runstate.ErrNotFound
	}
	st.LastHeartbeatAt = s.now().UnixMilli()
	s.entries[key] = st
	return nil
}

// Get implements runstate.Store.
func (s *Store) Get(_ context.Context, kind orchestrator.Kind, runKey string) (runstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.entries[orchestrator.StoreKey(kind, runKey)]
	if !ok {
		return runstate.State{}, runstate.ErrNotFound
	}
	return st, nil
}

// Remove implements runstate.Store.
func (s *Store) Remove(_ context.Context, kind orchestrator.Kind, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, orchestrator.StoreKey(kind, runKey))
	return nil
}

// ListAll implements runstate.Store.
func (s *Store) ListAll(context.Context) ([]runstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runstate.State, 0, len(s.entries))
	for _, st := range s.entries {
		out = append(out, st)
	}
	return out, nil
}

// ListStale implements runstate.Store.
func (s *Store) ListStale(_ context.Context, threshold time.Duration) ([]runstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []runstate.State
	for _, st := range s.entries {
		if st.Stale(now, threshold) {
			out = append(out, st)
		}
	}
	return out, nil
}
