// Package runstate defines the shared run-liveness record and the store
// contract behind it. Entries are small JSON documents keyed by
// "streaming:<kind>:<userId>::<jobId>", heartbeated by the owning executor and
// consulted by every process to answer "is a run already active?" and "did an
// instance die holding a run?".
package runstate

import (
	"context"
	"errors"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator"
)

// ErrNotFound is returned when no entry exists for the requested run.
var ErrNotFound = errors.New("run state not found")

// ErrAlreadyActive is returned by Register when a running entry with a fresh
// heartbeat already holds the key.
var ErrAlreadyActive = errors.New("run already active")

// Status enumerates the lifecycle states a run entry can carry.
type Status string

const (
	// StatusRunning marks a live run owned by some instance.
	StatusRunning Status = "running"
	// StatusCompleted marks a successfully finished run.
	StatusCompleted Status = "completed"
	// StatusError marks a failed run.
	StatusError Status = "error"
	// StatusCancelled marks an operator- or shutdown-cancelled run.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool { return s != StatusRunning }

type (
	// State is the persisted liveness record for a single run.
	State struct {
		Kind       orchestrator.Kind `json:"kind"`
		UserID     string            `json:"userId"`
		JobID      string            `json:"jobId"`
		InstanceID string            `json:"instanceId"`
		Status     Status            `json:"status"`
		// StartedAt and LastHeartbeatAt are Unix milliseconds.
		StartedAt       int64  `json:"startedAt"`
		LastHeartbeatAt int64  `json:"lastHeartbeatAt"`
		ResponseID      string `json:"responseId,omitempty"`
		Meta            Meta   `json:"meta"`
	}

	// Meta carries run facts that survive instance death and seed resumption.
	Meta struct {
		// Charged records whether the run's credit charge has been taken, so a
		// resuming or recovering instance neither double-charges nor
		// double-refunds.
		Charged          bool     `json:"charged"`
		RemainingCredits *float64 `json:"remainingCredits,omitempty"`
		// Tone preserves the requested letter tone across resumption.
		Tone string `json:"tone,omitempty"`
	}

	// Patch is a partial update; nil fields are left untouched.
	Patch struct {
		Status           *Status
		ResponseID       *string
		Charged          *bool
		RemainingCredits *float64
		Tone             *string
	}

	// Store persists run state entries. Implementations refresh the entry TTL
	// to orchestrator.StoreTTL(kind) on every write, including Heartbeat.
	Store interface {
		// Register claims the run key for a new run. It fails with
		// ErrAlreadyActive when a running entry with a heartbeat younger than
		// orchestrator.OrphanThreshold already holds the key; stale or terminal
		// entries are overwritten.
		Register(ctx context.Context, st State) error

		// Update applies a partial update to an existing entry and refreshes
		// its heartbeat. Fails with ErrNotFound when the entry is gone.
		Update(ctx context.Context, kind orchestrator.Kind, runKey string, p Patch) error

		// Heartbeat bumps LastHeartbeatAt and the TTL without other changes.
		Heartbeat(ctx context.Context, kind orchestrator.Kind, runKey string) error

		// Get fetches the entry for a run.
		Get(ctx context.Context, kind orchestrator.Kind, runKey string) (State, error)

		// Remove deletes the entry. Removing a missing entry is not an error.
		Remove(ctx context.Context, kind orchestrator.Kind, runKey string) error

		// ListAll returns every run state entry, any kind, any status.
		ListAll(ctx context.Context) ([]State, error)

		// ListStale returns running entries whose heartbeat is older than
		// threshold.
		ListStale(ctx context.Context, threshold time.Duration) ([]State, error)
	}
)

// RunKey derives the store key fragment for the entry.
func (s State) RunKey() string { return orchestrator.RunKey(s.UserID, s.JobID) }

// StoreKey derives the fully qualified store key for the entry.
func (s State) StoreKey() string { return orchestrator.StoreKey(s.Kind, s.RunKey()) }

// Stale reports whether a running entry's heartbeat is older than threshold as
// of now.
func (s State) Stale(now time.Time, threshold time.Duration) bool {
	if s.Status != StatusRunning {
		return false
	}
	return now.UnixMilli()-s.LastHeartbeatAt > threshold.Milliseconds()
}

// Apply merges a patch into the state in place.
func (s *State) Apply(p Patch) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ResponseID != nil {
		s.ResponseID = *p.ResponseID
	}
	if p.Charged != nil {
		s.Meta.Charged = *p.Charged
	}
	if p.RemainingCredits != nil {
		v := *p.RemainingCredits
		s.Meta.RemainingCredits = &v
	}
	if p.Tone != nil {
		s.Meta.Tone = *p.Tone
	}
}

// StatusPatch is a convenience for a status-only patch.
func StatusPatch(st Status) Patch { return Patch{Status: &st} }
