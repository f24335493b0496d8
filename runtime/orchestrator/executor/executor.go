// Package executor implements the per-run state machine: charge, stream,
// resume, poll, persist. One executor owns one run; it is the single producer
// of the run's payload buffer and the single writer of its run state entry.
package executor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/buffer"
	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
	"github.com/openletter/writingdesk/runtime/orchestrator/profile"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/runtime/orchestrator/resume"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
	"github.com/openletter/writingdesk/telemetry"
)

type (
	// Deps are the collaborators a run consumes. Mirror is optional and is
	// shared across runs; executors publish to it but never close it, that
	// is the owning process's job at shutdown. All other deps are required.
	Deps struct {
		States   runstate.Store
		Jobs     job.Store
		Credits  credits.Ledger
		Profiles profile.Lookup
		Model    provider.Client
		Mirror   payload.Sink
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// ResumeSeed carries the stored facts a recovering executor starts from.
	ResumeSeed struct {
		ResponseID       string
		Charged          bool
		RemainingCredits *float64
		Tone             string
	}

	// Options parameterize one run.
	Options struct {
		Kind       orchestrator.Kind
		UserID     string
		JobID      string
		Tone       string
		InstanceID string
		// Resume seeds the executor from a surviving run state entry instead
		// of starting a fresh provider response.
		Resume *ResumeSeed

		// Overrides for tests. Zero values use the standard budgets.
		InactivityBudget  time.Duration
		QuietPeriod       time.Duration
		PollInterval      time.Duration
		PollBudget        time.Duration
		CleanupTTL        time.Duration
		ResumeMaxAttempts int
	}

	// Executor drives a single run to a terminal state.
	Executor struct {
		deps   Deps
		opts   Options
		runKey string
		buf    *buffer.Buffer
		policy *resume.Policy
		hb     *rate.Limiter
		rng    *rand.Rand

		ctx    context.Context
		cancel context.CancelFunc
		done   chan struct{}

		mu         sync.Mutex
		status     runstate.Status
		responseID string
		charged    bool
		settled    bool
		remaining  *float64
		terminalAt time.Time
		cancelKind cancelKind
		onCleanup  func()

		// set during Prepare
		snap job.Snapshot
		prof profile.Profile
		tone string

		startedAt time.Time
	}

	cancelKind int
)

const (
	cancelNone cancelKind = iota
	cancelShutdown
	cancelOperator
)

// New validates deps and options and constructs an executor. The run does not
// start until Start is called.
func New(deps Deps, opts Options) (*Executor, error) {
	switch {
	case deps.States == nil:
		return nil, errors.New("run state store is required")
	case deps.Jobs == nil:
		return nil, errors.New("job store is required")
	case deps.Credits == nil:
		return nil, errors.New("credit ledger is required")
	case deps.Profiles == nil:
		return nil, errors.New("profile lookup is required")
	case deps.Model == nil:
		return nil, errors.New("model client is required")
	case !opts.Kind.Valid():
		return nil, errors.New("run kind is required")
	case opts.UserID == "":
		return nil, errors.New("user id is required")
	}
	if deps.Logger == nil {
		deps.Logger = telemetry.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NopMetrics()
	}
	if opts.InactivityBudget <= 0 {
		opts.InactivityBudget = opts.Kind.InactivityBudget()
	}
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = orchestrator.QuietPeriod
	}
	if opts.CleanupTTL <= 0 {
		opts.CleanupTTL = orchestrator.CleanupTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		deps:   deps,
		opts:   opts,
		buf:    buffer.New(0),
		policy: resume.New(),
		hb:     rate.NewLimiter(rate.Every(orchestrator.HeartbeatInterval), 1),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		status: runstate.StatusRunning,
	}
	if opts.ResumeMaxAttempts > 0 {
		e.policy.SetMaxAttempts(opts.ResumeMaxAttempts)
	}
	if opts.Resume != nil {
		e.responseID = opts.Resume.ResponseID
		e.charged = opts.Resume.Charged
		e.remaining = opts.Resume.RemainingCredits
	}
	return e, nil
}

// Prepare checks preconditions and claims the run state entry. It is called
// synchronously by the registry so callers get precondition failures as plain
// errors with no run created and nothing published.
func (e *Executor) Prepare(ctx context.Context) error {
	snap, err := e.deps.Jobs.Get(ctx, e.opts.UserID)
	if err != nil {
		if errors.Is(err, job.ErrNotFound) {
			return orchestrator.ErrPreconditionNotMet
		}
		return err
	}
	if e.opts.JobID != "" && e.opts.JobID != snap.JobID {
		return orchestrator.ErrPreconditionNotMet
	}
	e.opts.JobID = snap.JobID
	e.runKey = orchestrator.RunKey(e.opts.UserID, e.opts.JobID)

	tone := e.opts.Tone
	if tone == "" && e.opts.Resume != nil {
		tone = e.opts.Resume.Tone
	}
	if tone == "" {
		tone = snap.LetterTone
	}
	if e.opts.Kind == orchestrator.KindLetter && (snap.ResearchContent == "" || tone == "") {
		return orchestrator.ErrPreconditionNotMet
	}

	prof, err := e.deps.Profiles.Get(ctx, e.opts.UserID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.snap, e.prof, e.tone = snap, prof, tone
	e.startedAt = time.Now()
	e.mu.Unlock()

	return e.register(ctx)
}

// register claims the store entry. Resume mode takes over a surviving entry
// even when its heartbeat is still fresh; the dead owner is not coming back.
func (e *Executor) register(ctx context.Context) error {
	st := runstate.State{
		Kind:       e.opts.Kind,
		UserID:     e.opts.UserID,
		JobID:      e.opts.JobID,
		InstanceID: e.opts.InstanceID,
		Status:     runstate.StatusRunning,
		ResponseID: e.responseID,
		Meta: runstate.Meta{
			Charged:          e.charged,
			RemainingCredits: e.remaining,
			Tone:             e.tone,
		},
	}
	err := e.deps.States.Register(ctx, st)
	if errors.Is(err, runstate.ErrAlreadyActive) {
		if e.opts.Resume == nil {
			return orchestrator.ErrAlreadyRunning
		}
		if rerr := e.deps.States.Remove(ctx, e.opts.Kind, e.runKey); rerr != nil {
			return rerr
		}
		return e.deps.States.Register(ctx, st)
	}
	return err
}

// Start launches the run task. Call once, after a successful Prepare.
func (e *Executor) Start() {
	go e.run()
}

// Subscribe attaches a new payload iterator to the run.
func (e *Executor) Subscribe() *buffer.Subscription {
	return e.buf.Subscribe()
}

// Done is closed when the run reaches a terminal state.
func (e *Executor) Done() <-chan struct{} { return e.done }

// RunKey returns the run's "<userId>::<jobId>" key. Empty before Prepare.
func (e *Executor) RunKey() string { return e.runKey }

// Kind returns the run kind.
func (e *Executor) Kind() orchestrator.Kind { return e.opts.Kind }

// Status returns the run's current lifecycle status.
func (e *Executor) Status() runstate.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// TerminalSince reports when the run reached a terminal status.
func (e *Executor) TerminalSince() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == runstate.StatusRunning {
		return time.Time{}, false
	}
	return e.terminalAt, true
}

// OnCleanup registers the callback invoked when the executor retires itself
// (cleanup TTL expiry). The registry uses it to drop its table entry.
func (e *Executor) OnCleanup(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCleanup = fn
}

// Cancel aborts the run on an operator's behalf: the stream is torn down, the
// charge refunded if still outstanding, and the store entry marked cancelled.
func (e *Executor) Cancel(ctx context.Context) error {
	e.mu.Lock()
	if e.status != runstate.StatusRunning {
		e.mu.Unlock()
		return nil
	}
	e.cancelKind = cancelOperator
	e.mu.Unlock()
	e.cancel()
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown marks the run cancelled without refunding; a peer instance may
// still resume and finish it. The buffer closes without a terminal payload.
func (e *Executor) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if e.status != runstate.StatusRunning {
		e.mu.Unlock()
		return
	}
	e.cancelKind = cancelShutdown
	e.mu.Unlock()
	e.cancel()
	select {
	case <-e.done:
	case <-ctx.Done():
	}
}

// Abort tears the executor down without touching store or ledger. The
// registry uses it when discarding a terminal executor on restart.
func (e *Executor) Abort() {
	e.cancel()
	e.buf.Close()
}

// publish delivers p to subscribers and, best effort, to the mirror sink.
func (e *Executor) publish(p payload.Payload) {
	if err := e.buf.Publish(p); err != nil {
		return
	}
	if e.deps.Mirror != nil {
		if err := e.deps.Mirror.Send(e.ctx, p); err != nil {
			e.deps.Logger.Warn(e.ctx, "mirror publish failed", "run_key", e.runKey, "type", string(p.Type()), "err", err)
		}
	}
}

// heartbeat refreshes the store entry at most once per heartbeat interval.
func (e *Executor) heartbeat(ctx context.Context) {
	if !e.hb.Allow() {
		return
	}
	if err := e.deps.States.Heartbeat(ctx, e.opts.Kind, e.runKey); err != nil && !errors.Is(err, runstate.ErrNotFound) {
		e.deps.Logger.Warn(ctx, "heartbeat failed", "run_key", e.runKey, "err", err)
	}
}

// setTerminal records the terminal status locally. cleanup schedules the TTL
// retirement; shutdown skips it so the surviving store entry can seed a
// resume on a peer instance.
func (e *Executor) setTerminal(status runstate.Status, cleanup bool) {
	e.mu.Lock()
	e.status = status
	e.terminalAt = time.Now()
	e.mu.Unlock()
	if cleanup {
		e.scheduleCleanup()
	}
	close(e.done)
}

// scheduleCleanup retires the executor after the cleanup TTL: the registry
// entry and the store entry are both removed so late subscribers stop finding
// the run.
func (e *Executor) scheduleCleanup() {
	time.AfterFunc(e.opts.CleanupTTL, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.deps.States.Remove(ctx, e.opts.Kind, e.runKey); err != nil {
			e.deps.Logger.Warn(ctx, "cleanup remove failed", "run_key", e.runKey, "err", err)
		}
		e.mu.Lock()
		fn := e.onCleanup
		e.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
}
