// Package orchestrator defines the shared identity model for streaming runs:
// run kinds, run keys, and the per-kind time budgets that every component of
// the run pipeline (adapter, resume policy, poller, executor, registry)
// consults. A run is uniquely identified by (kind, userId, jobId); the jobId
// is caller-owned and opaque to the orchestrator.
package orchestrator

import (
	"fmt"
	"time"
)

// Kind identifies the flavor of a streaming run.
type Kind string

const (
	// KindResearch streams a researched evidence dossier from the reasoning model.
	KindResearch Kind = "research"
	// KindLetter streams a structured JSON letter document built from a dossier.
	KindLetter Kind = "letter"
)

// Valid reports whether k is a known run kind.
func (k Kind) Valid() bool {
	return k == KindResearch || k == KindLetter
}

// String implements fmt.Stringer.
func (k Kind) String() string { return string(k) }

// ParseKind converts a wire string into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown run kind %q", s)
	}
	return k, nil
}

// InactivityBudget is the maximum quiet interval tolerated on a live provider
// stream before the stream adapter aborts the underlying controller.
func (k Kind) InactivityBudget() time.Duration {
	if k == KindResearch {
		return 10 * time.Minute
	}
	return 3 * time.Minute
}

// RunTTL is the baseline store TTL for run state entries of this kind.
func (k Kind) RunTTL() time.Duration {
	if k == KindResearch {
		return 45 * time.Minute
	}
	return 7 * time.Minute
}

// CleanupSlack is the extra age beyond the cleanup TTL after which the sweeper
// force-removes a terminal executor that missed its own cleanup timer.
func (k Kind) CleanupSlack() time.Duration {
	if k == KindResearch {
		return 5 * time.Minute
	}
	return 2 * time.Minute
}

// RunKey derives the registry/store key fragment for a user's job.
func RunKey(userID, jobID string) string {
	return userID + "::" + jobID
}

// StoreKey is the fully qualified run state store key for a run.
// Layout: "streaming:<kind>:<userId>::<jobId>".
func StoreKey(kind Kind, runKey string) string {
	return "streaming:" + string(kind) + ":" + runKey
}

const (
	// OrphanThreshold is how stale a running entry's heartbeat must be before
	// another process may treat the run as abandoned.
	OrphanThreshold = 2 * time.Minute

	// HeartbeatInterval bounds how often a live executor refreshes its store
	// entry. Heartbeats are coarse: at most once per second per run.
	HeartbeatInterval = time.Second

	// QuietPeriod is the subscriber-visible filler cadence: when no provider
	// event has arrived for this long, a rotating heartbeat event is emitted.
	QuietPeriod = 5 * time.Second

	// CleanupTTL is how long a terminal executor lingers in the registry so
	// late subscribers can still replay the terminal payload.
	CleanupTTL = 5 * time.Minute

	// SweepInterval is the cadence of the registry sweep that removes terminal
	// executors whose cleanup timer never fired.
	SweepInterval = 10 * time.Minute

	// StoreTTLSafety pads the store TTL beyond the stream inactivity budget so
	// entries survive a full quiet period plus recovery.
	StoreTTLSafety = 2 * time.Minute
)

// StoreTTL computes the TTL applied on every run state write:
// max(runTTL, inactivity budget + safety).
func StoreTTL(kind Kind) time.Duration {
	ttl := kind.RunTTL()
	if floor := kind.InactivityBudget() + StoreTTLSafety; floor > ttl {
		return floor
	}
	return ttl
}
