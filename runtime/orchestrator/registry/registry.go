// Package registry is the per-process table of live run executors. It is the
// single entry point for starting, resuming, subscribing to and cancelling
// runs, and it arbitrates between the in-process table and the shared run
// state store: the in-process executor is authoritative, store discrepancies
// are resolved by orphan handling.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/buffer"
	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
	"github.com/openletter/writingdesk/runtime/orchestrator/executor"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
	"github.com/openletter/writingdesk/telemetry"
)

type (
	// Registry maintains the process-wide map of run executors.
	Registry struct {
		deps       executor.Deps
		instanceID string

		mu   sync.Mutex
		runs map[string]*executor.Executor

		sweepStop chan struct{}
		sweepOnce sync.Once
	}

	// BeginOptions tune how Begin resolves an existing or new run.
	BeginOptions struct {
		// JobID pins the run to a specific job. Empty means the user's
		// current active job.
		JobID string
		// Tone is the requested letter tone.
		Tone string
		// Restart discards a terminal in-process run and starts over.
		// Restarting a live run fails with ErrAlreadyRunning.
		Restart bool
		// ResumeOnly fails with ErrNoRunToResume instead of creating a fresh
		// run when no resumable state exists.
		ResumeOnly bool
	}
)

// New constructs a Registry and starts its background sweeper.
func New(deps executor.Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	r := &Registry{
		deps:       deps,
		instanceID: uuid.NewString(),
		runs:       make(map[string]*executor.Executor),
		sweepStop:  make(chan struct{}),
	}
	go r.sweep()
	return r
}

// InstanceID identifies this process in run state entries.
func (r *Registry) InstanceID() string { return r.instanceID }

func tableKey(kind orchestrator.Kind, runKey string) string {
	return string(kind) + ":" + runKey
}

// resumable reports whether a store entry can seed a resume: a running claim
// (live or stale, the dead owner is not coming back) or a graceful-shutdown
// leftover, cancelled with its charge still outstanding. Resumption hinges on
// the captured response id, not on the entry's status.
func resumable(st runstate.State) bool {
	if st.ResponseID == "" {
		return false
	}
	return st.Status == runstate.StatusRunning ||
		(st.Status == runstate.StatusCancelled && st.Meta.Charged)
}

// Begin returns the executor for the user's run, starting or resuming one as
// needed. Subscribers attach to an already-live run; Restart replaces a
// terminal one; surviving store state seeds a resume after instance death.
func (r *Registry) Begin(ctx context.Context, userID string, kind orchestrator.Kind, opts BeginOptions) (*executor.Executor, error) {
	if userID == "" {
		return nil, orchestrator.ErrUnauthorized
	}
	if !kind.Valid() {
		return nil, orchestrator.ErrPreconditionNotMet
	}

	jobID, err := r.resolveJobID(ctx, userID, opts.JobID)
	if err != nil {
		return nil, err
	}
	runKey := orchestrator.RunKey(userID, jobID)
	key := tableKey(kind, runKey)

	r.mu.Lock()
	if ex, ok := r.runs[key]; ok {
		if !opts.Restart {
			r.mu.Unlock()
			return ex, nil
		}
		if ex.Status() == runstate.StatusRunning {
			r.mu.Unlock()
			return nil, orchestrator.ErrAlreadyRunning
		}
		ex.Abort()
		delete(r.runs, key)
	}
	r.mu.Unlock()

	var seed *executor.ResumeSeed
	st, err := r.deps.States.Get(ctx, kind, runKey)
	switch {
	case err == nil && resumable(st):
		seed = &executor.ResumeSeed{
			ResponseID:       st.ResponseID,
			Charged:          st.Meta.Charged,
			RemainingCredits: st.Meta.RemainingCredits,
			Tone:             st.Meta.Tone,
		}
	case err == nil && st.Status == runstate.StatusRunning:
		// Claimed but never reached a response id; the owner is gone.
		if cerr := r.cleanOrphan(ctx, st); cerr != nil {
			return nil, cerr
		}
		if opts.ResumeOnly {
			return nil, orchestrator.ErrNoRunToResume
		}
	case err == nil:
		// Settled terminal leftover; Register overwrites it.
		if opts.ResumeOnly {
			return nil, orchestrator.ErrNoRunToResume
		}
	case errors.Is(err, runstate.ErrNotFound):
		if opts.ResumeOnly {
			return nil, orchestrator.ErrNoRunToResume
		}
	default:
		return nil, err
	}

	return r.launch(ctx, executor.Options{
		Kind:       kind,
		UserID:     userID,
		JobID:      jobID,
		Tone:       opts.Tone,
		InstanceID: r.instanceID,
		Resume:     seed,
	})
}

// launch constructs, prepares and starts an executor, installing it in the
// table. A Prepare failure surfaces to the caller with no run created.
func (r *Registry) launch(ctx context.Context, opts executor.Options) (*executor.Executor, error) {
	ex, err := executor.New(r.deps, opts)
	if err != nil {
		return nil, err
	}
	if err := ex.Prepare(ctx); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyRunning) {
			// Lost the store claim to a concurrent Begin; attach to the
			// winner when it lives in this process.
			r.mu.Lock()
			prior, ok := r.runs[tableKey(opts.Kind, ex.RunKey())]
			r.mu.Unlock()
			if ok {
				ex.Abort()
				return prior, nil
			}
		}
		return nil, err
	}
	key := tableKey(opts.Kind, ex.RunKey())

	r.mu.Lock()
	if prior, ok := r.runs[key]; ok {
		// Lost the race to a concurrent Begin; use the winner.
		r.mu.Unlock()
		ex.Abort()
		return prior, nil
	}
	r.runs[key] = ex
	r.mu.Unlock()

	ex.OnCleanup(func() { r.remove(key, ex) })
	ex.Start()
	return ex, nil
}

// resolveJobID defaults to the user's current active job.
func (r *Registry) resolveJobID(ctx context.Context, userID, jobID string) (string, error) {
	if jobID != "" {
		return jobID, nil
	}
	snap, err := r.deps.Jobs.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return "", orchestrator.ErrPreconditionNotMet
		}
		return "", err
	}
	if snap.JobID == "" {
		return "", orchestrator.ErrPreconditionNotMet
	}
	return snap.JobID, nil
}

// cleanOrphan settles a run whose owner died before capturing a response id:
// refund the charge, record the error on the job, drop the entry.
func (r *Registry) cleanOrphan(ctx context.Context, st runstate.State) error {
	if st.Meta.Charged {
		if _, err := r.deps.Credits.Refund(ctx, st.UserID, credits.PriceFor(st.Kind)); err != nil {
			r.deps.Logger.Error(ctx, "orphan refund failed", "run_key", st.RunKey(), "err", err)
		} else {
			r.deps.Metrics.IncCounter("runs.refunded", credits.PriceFor(st.Kind), "kind", st.Kind.String())
		}
	}
	p := job.Patch{}
	if st.Kind == orchestrator.KindResearch {
		p.ResearchStatus = job.StatusPtr(job.StatusError)
	} else {
		p.LetterStatus = job.StatusPtr(job.StatusError)
	}
	if err := r.deps.Jobs.Upsert(ctx, st.UserID, p); err != nil {
		r.deps.Logger.Warn(ctx, "orphan job status write failed", "run_key", st.RunKey(), "err", err)
	}
	return r.deps.States.Remove(ctx, st.Kind, st.RunKey())
}

// Subscribe attaches to a live or recently terminal run.
func (r *Registry) Subscribe(kind orchestrator.Kind, runKey string) (*buffer.Subscription, error) {
	r.mu.Lock()
	ex, ok := r.runs[tableKey(kind, runKey)]
	r.mu.Unlock()
	if !ok {
		return nil, orchestrator.ErrNoRunToResume
	}
	return ex.Subscribe(), nil
}

// Lookup returns the in-process executor for a run, if any.
func (r *Registry) Lookup(kind orchestrator.Kind, runKey string) (*executor.Executor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.runs[tableKey(kind, runKey)]
	return ex, ok
}

// Cancel aborts a run on an operator's behalf. An in-process run is torn down
// through its executor; a store-only entry is refunded (when charged and still
// running) and marked cancelled.
func (r *Registry) Cancel(ctx context.Context, kind orchestrator.Kind, runKey string) error {
	r.mu.Lock()
	ex, ok := r.runs[tableKey(kind, runKey)]
	r.mu.Unlock()
	if ok {
		return ex.Cancel(ctx)
	}

	st, err := r.deps.States.Get(ctx, kind, runKey)
	if err != nil {
		return err
	}
	// Refund outstanding charges: live claims and shutdown leftovers. Error
	// and completed entries already settled theirs.
	if st.Meta.Charged && (st.Status == runstate.StatusRunning || st.Status == runstate.StatusCancelled) {
		if _, err := r.deps.Credits.Refund(ctx, st.UserID, credits.PriceFor(kind)); err != nil {
			r.deps.Logger.Error(ctx, "cancel refund failed", "run_key", runKey, "err", err)
		}
	}
	cancelled := runstate.StatusCancelled
	settled := false
	return r.deps.States.Update(ctx, kind, runKey, runstate.Patch{Status: &cancelled, Charged: &settled})
}

// Recover scans the store for runs orphaned by dead instances, stale running
// claims and graceful-shutdown leftovers alike, and restarts them in resume
// mode. Entries that never captured a response id are settled and dropped.
// Called once at process startup.
func (r *Registry) Recover(ctx context.Context) error {
	all, err := r.deps.States.ListAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, st := range all {
		stale := st.Stale(now, orchestrator.OrphanThreshold)
		leftover := st.Status == runstate.StatusCancelled && st.Meta.Charged && st.ResponseID != ""
		if !stale && !leftover {
			continue
		}
		if st.ResponseID == "" {
			if err := r.cleanOrphan(ctx, st); err != nil {
				r.deps.Logger.Warn(ctx, "orphan cleanup failed", "run_key", st.RunKey(), "err", err)
			}
			continue
		}
		_, err := r.launch(ctx, executor.Options{
			Kind:       st.Kind,
			UserID:     st.UserID,
			JobID:      st.JobID,
			Tone:       st.Meta.Tone,
			InstanceID: r.instanceID,
			Resume: &executor.ResumeSeed{
				ResponseID:       st.ResponseID,
				Charged:          st.Meta.Charged,
				RemainingCredits: st.Meta.RemainingCredits,
				Tone:             st.Meta.Tone,
			},
		})
		if err != nil {
			r.deps.Logger.Warn(ctx, "run recovery failed", "run_key", st.RunKey(), "err", err)
			continue
		}
		r.deps.Logger.Info(ctx, "recovered orphaned run", "run_key", st.RunKey(), "kind", st.Kind.String())
	}
	return nil
}

// Shutdown stops the sweeper and gracefully cancels every live run: store
// entries are marked cancelled (no refund; a peer may resume them) and
// buffers closed.
func (r *Registry) Shutdown(ctx context.Context) {
	r.sweepOnce.Do(func() { close(r.sweepStop) })

	r.mu.Lock()
	running := make([]*executor.Executor, 0, len(r.runs))
	for _, ex := range r.runs {
		running = append(running, ex)
	}
	r.runs = make(map[string]*executor.Executor)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, ex := range running {
		wg.Add(1)
		go func(ex *executor.Executor) {
			defer wg.Done()
			if ex.Status() == runstate.StatusRunning {
				ex.Shutdown(ctx)
			} else {
				ex.Abort()
			}
		}(ex)
	}
	wg.Wait()
}

func (r *Registry) remove(key string, ex *executor.Executor) {
	r.mu.Lock()
	if cur, ok := r.runs[key]; ok && cur == ex {
		delete(r.runs, key)
	}
	r.mu.Unlock()
}

// sweep periodically removes terminal executors whose cleanup timer never
// fired, after the cleanup TTL plus the kind's slack.
func (r *Registry) sweep() {
	ticker := time.NewTicker(orchestrator.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.sweepStop:
			return
		case <-ticker.C:
			r.sweepOnceNow()
		}
	}
}

func (r *Registry) sweepOnceNow() {
	now := time.Now()
	r.mu.Lock()
	var expired []string
	for key, ex := range r.runs {
		if at, terminal := ex.TerminalSince(); terminal {
			if now.Sub(at) > orchestrator.CleanupTTL+ex.Kind().CleanupSlack() {
				expired = append(expired, key)
			}
		}
	}
	victims := make([]*executor.Executor, 0, len(expired))
	for _, key := range expired {
		victims = append(victims, r.runs[key])
		delete(r.runs, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, ex := range victims {
		ex.Abort()
		if err := r.deps.States.Remove(ctx, ex.Kind(), ex.RunKey()); err != nil {
			r.deps.Logger.Warn(ctx, "sweep remove failed", "run_key", ex.RunKey(), "err", err)
		}
	}
}
