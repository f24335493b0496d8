package executor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/openletter/writingdesk/letter"
	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/adapter"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
	"github.com/openletter/writingdesk/runtime/orchestrator/poll"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/runtime/orchestrator/resume"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
)

// errEarlyClose marks a stream that ended without a terminal response event.
// The message matches the recoverable transport phrase list.
var errEarlyClose = errors.New("connection closed before response completed")

// streamResult accumulates the run's output across streams, resumes and
// polling. For research, text is the monotonically growing snapshot; for
// letter, it is the raw JSON buffer.
type streamResult struct {
	text        string
	usage       *payload.Usage
	lastPreview letter.Preview
}

// adoptFinal merges a polled final response into the result.
func (r *streamResult) adoptFinal(resp provider.Response) {
	if len(resp.OutputText) > len(r.text) {
		r.text = resp.OutputText
	}
	if resp.Usage != nil {
		r.usage = usagePayload(resp.Usage)
	}
}

func usagePayload(u *provider.Usage) *payload.Usage {
	return &payload.Usage{
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		TotalTokens:  u.TotalTokens,
	}
}

// streamLoop owns LiveStreaming, Resuming and BackgroundPolling. It returns
// the accumulated result once the provider reports completion.
func (e *Executor) streamLoop(ctx context.Context) (*streamResult, error) {
	res := &streamResult{}
	quiet := e.startQuietLoop()
	defer quiet.stop()

	stream, err := e.openInitial(ctx)
	for {
		if err == nil {
			ad := adapter.Wrap(stream, e.opts.InactivityBudget)
			err = e.consume(ctx, ad, res, quiet)
			ad.Close()
			if err == nil {
				return res, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		d := e.policy.Plan(err, e.currentResponseID())
		switch d.Outcome {
		case resume.OutcomeFresh:
			e.deps.Logger.Info(ctx, "stored response missing, starting fresh", "run_key", e.runKey, "err", err)
			e.resetForFresh(res)
			e.publishResumeNotice(d)
			stream, err = e.deps.Model.CreateStream(ctx, buildRequest(e.opts.Kind, e.snap, e.prof, e.tone))

		case resume.OutcomeResume:
			e.deps.Logger.Info(ctx, "resuming stream", "run_key", e.runKey, "attempt", d.Attempt, "err", err)
			e.deps.Metrics.IncCounter("runs.resumed", 1, "kind", e.opts.Kind.String())
			if serr := resume.Sleep(ctx, d); serr != nil {
				return nil, serr
			}
			e.publishResumeNotice(d)
			stream, err = e.deps.Model.ResumeStream(ctx, e.currentResponseID(), e.policy.Cursor())

		case resume.OutcomePoll:
			quiet.suppress()
			return e.pollFallback(ctx, res, err)

		default:
			return nil, err
		}
	}
}

// openInitial opens the run's first stream: a resume against the seeded
// response when recovering, otherwise a fresh create.
func (e *Executor) openInitial(ctx context.Context) (provider.Stream, error) {
	if e.opts.Resume != nil && e.opts.Resume.ResponseID != "" {
		return e.deps.Model.ResumeStream(ctx, e.opts.Resume.ResponseID, provider.Cursor{})
	}
	return e.deps.Model.CreateStream(ctx, buildRequest(e.opts.Kind, e.snap, e.prof, e.tone))
}

// consume drains one stream until completion or error, translating provider
// events into subscriber payloads.
func (e *Executor) consume(ctx context.Context, ad *adapter.Adapter, res *streamResult, quiet *quietLoop) error {
	for {
		ev, err := ad.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errEarlyClose
			}
			return err
		}

		e.policy.Observe(ev)
		e.heartbeat(ctx)
		quiet.touch()
		e.captureResponseID(ctx, ev.ResponseID)

		switch ev.Type {
		case provider.EventResponseCreated, provider.EventResponseQueued:
			e.publish(payload.NewStatus(e.runKey, stateQueued, nil))

		case provider.EventResponseInProgress:
			e.publish(payload.NewStatus(e.runKey, stateInProgress, nil))

		case provider.EventOutputTextDelta:
			e.handleDelta(ev, res)

		case provider.EventOutputTextDone:
			e.handleDone(ev, res)

		case provider.EventResponseCompleted:
			if ev.Usage != nil {
				res.usage = usagePayload(ev.Usage)
			}
			return nil

		case provider.EventResponseFailed, provider.EventResponseIncomplete:
			return &providerFailure{msg: ev.Message}

		default:
			body := ev.Raw
			if body == nil {
				body = map[string]any{"type": ev.Type}
			}
			e.publish(payload.NewEvent(e.runKey, body))
		}
	}
}

// handleDelta folds an output_text.delta event into the result.
//
// Research uses monotonic snapshot semantics: a snapshot longer than the
// accumulated text replaces it and only the unseen suffix is published.
// Letter appends to the JSON buffer and refreshes the rendered preview.
func (e *Executor) handleDelta(ev provider.Event, res *streamResult) {
	if e.opts.Kind == orchestrator.KindResearch {
		switch {
		case ev.Snapshot != "" && len(ev.Snapshot) > len(res.text):
			grown := ev.Snapshot[len(res.text):]
			res.text = ev.Snapshot
			e.publish(payload.NewDelta(e.runKey, grown))
		case ev.Snapshot != "":
			// Stale snapshot; ignore.
		case ev.Delta != "":
			res.text += ev.Delta
			e.publish(payload.NewDelta(e.runKey, ev.Delta))
		}
		return
	}

	if ev.Delta == "" {
		return
	}
	res.text += ev.Delta
	e.publish(payload.NewDelta(e.runKey, ev.Delta))
	e.publishPreview(res)
}

// handleDone reconciles the final text event against the accumulated buffer
// and publishes whatever suffix subscribers have not seen.
func (e *Executor) handleDone(ev provider.Event, res *streamResult) {
	if ev.Text == "" || len(ev.Text) <= len(res.text) {
		return
	}
	grown := ev.Text[len(res.text):]
	res.text = ev.Text
	e.publish(payload.NewDelta(e.runKey, grown))
	if e.opts.Kind == orchestrator.KindLetter {
		e.publishPreview(res)
	}
}

// publishPreview extracts the streaming letter fields from the JSON buffer
// and emits a rendered preview when it grew.
func (e *Executor) publishPreview(res *streamResult) {
	p := letter.ExtractPreview(res.text)
	if p == res.lastPreview || (p.Content == "" && p.SubjectHTML == "") {
		return
	}
	res.lastPreview = p
	html, err := letter.RenderPreview(p, e.prof)
	if err != nil {
		e.deps.Logger.Warn(e.ctx, "preview render failed", "run_key", e.runKey, "err", err)
		return
	}
	e.publish(payload.NewLetterDelta(e.runKey, html))
}

// captureResponseID persists a newly observed response id to the job store
// and run state store before any further event is acknowledged. The id is
// immutable once set; later events carrying a different id are ignored.
func (e *Executor) captureResponseID(ctx context.Context, id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	if e.responseID != "" {
		e.mu.Unlock()
		return
	}
	e.responseID = id
	e.mu.Unlock()

	p := job.Patch{}
	if e.opts.Kind == orchestrator.KindResearch {
		p.ResearchResponseID = &id
	} else {
		p.LetterResponseID = &id
	}
	if err := e.deps.Jobs.Upsert(ctx, e.opts.UserID, p); err != nil {
		e.deps.Logger.Warn(ctx, "job response id write failed", "run_key", e.runKey, "err", err)
	}
	if err := e.deps.States.Update(ctx, e.opts.Kind, e.runKey, runstate.Patch{ResponseID: &id}); err != nil {
		e.deps.Logger.Warn(ctx, "run state response id write failed", "run_key", e.runKey, "err", err)
	}
}

// resetForFresh discards the evicted response and its partial output so the
// replacement stream starts clean.
func (e *Executor) resetForFresh(res *streamResult) {
	e.mu.Lock()
	e.responseID = ""
	e.mu.Unlock()
	res.text = ""
	res.lastPreview = letter.Preview{}
}

func (e *Executor) publishResumeNotice(d resume.Decision) {
	body := map[string]any{"type": "resume_attempt", "message": d.Message}
	if d.Attempt > 0 {
		body["attempt"] = d.Attempt
	}
	e.publish(payload.NewEvent(e.runKey, body))
}

// pollFallback abandons live streaming for background polling. Without a
// response id there is nothing to poll and the original failure stands.
func (e *Executor) pollFallback(ctx context.Context, res *streamResult, cause error) (*streamResult, error) {
	id := e.currentResponseID()
	if id == "" {
		return nil, cause
	}

	e.deps.Logger.Info(ctx, "switching to background polling", "run_key", e.runKey, "response_id", id, "err", cause)
	e.deps.Metrics.IncCounter("runs.polled", 1, "kind", e.opts.Kind.String())
	e.publish(payload.NewStatus(e.runKey, stateBackgroundPolling, nil))

	p := poll.New(e.deps.Model, e.opts.PollInterval, e.opts.PollBudget, e.deps.Logger)
	resp, err := p.Await(ctx, id)
	if err != nil {
		return nil, err
	}
	if resp.Status != provider.StatusCompleted {
		return nil, &providerFailure{msg: resp.Message}
	}
	res.adoptFinal(resp)
	return res, nil
}

// quietLoop publishes rotating filler events while the provider is silent and
// keeps the store heartbeat fresh for the whole streaming phase, including
// resume sleeps and background polling, so a blocked-but-healthy run is never
// mistaken for an orphan.
type quietLoop struct {
	e          *Executor
	rot        *quietRotation
	lastEvent  atomic.Int64 // unix nanos
	suppressed atomic.Bool
	stopCh     chan struct{}
}

func (e *Executor) startQuietLoop() *quietLoop {
	q := &quietLoop{
		e:      e,
		rot:    newQuietRotation(e.opts.Kind, e.rng),
		stopCh: make(chan struct{}),
	}
	q.lastEvent.Store(time.Now().UnixNano())
	go q.loop(e.opts.QuietPeriod)
	return q
}

func (q *quietLoop) loop(period time.Duration) {
	tick := period / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	hb := time.NewTicker(orchestrator.HeartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.e.ctx.Done():
			return
		case <-hb.C:
			// Runs heartbeat on events too; the ticker covers the stretches
			// where the provider is silent or the run is waiting to resume.
			q.e.heartbeat(q.e.ctx)
		case now := <-ticker.C:
			if q.suppressed.Load() {
				continue
			}
			if now.UnixNano()-q.lastEvent.Load() < period.Nanoseconds() {
				continue
			}
			q.lastEvent.Store(now.UnixNano())
			q.e.publish(payload.NewEvent(q.e.runKey, map[string]any{
				"type":    "quiet_period",
				"message": q.rot.next(),
			}))
		}
	}
}

// touch resets the quiet timer on provider activity.
func (q *quietLoop) touch() { q.lastEvent.Store(time.Now().UnixNano()) }

// suppress silences the filler for the rest of the run (background polling).
func (q *quietLoop) suppress() { q.suppressed.Store(true) }

func (q *quietLoop) stop() {
	select {
	case <-q.stopCh:
	default:
		close(q.stopCh)
	}
}
