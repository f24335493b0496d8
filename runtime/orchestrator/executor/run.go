package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openletter/writingdesk/letter"
	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/credits"
	"github.com/openletter/writingdesk/runtime/orchestrator/job"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
	"github.com/openletter/writingdesk/runtime/orchestrator/runstate"
)

// Subscriber-visible status states.
const (
	stateStarting          = "starting"
	stateCharged           = "charged"
	stateQueued            = "queued"
	stateInProgress        = "in_progress"
	stateBackgroundPolling = "background_polling"
)

// providerFailure carries the provider's terminal failure message while
// remaining classifiable as orchestrator.ErrProviderTerminalFailure.
type providerFailure struct{ msg string }

func (f *providerFailure) Error() string {
	if f.msg == "" {
		return orchestrator.ErrProviderTerminalFailure.Error()
	}
	return fmt.Sprintf("%s: %s", orchestrator.ErrProviderTerminalFailure, f.msg)
}

func (f *providerFailure) Unwrap() error { return orchestrator.ErrProviderTerminalFailure }

// run drives the state machine to a terminal state. It owns the buffer
// producer side; nothing else publishes.
func (e *Executor) run() {
	ctx := e.ctx
	e.publish(payload.NewStatus(e.runKey, stateStarting, nil))

	if err := e.charge(ctx); err != nil {
		e.fail(ctx, err)
		return
	}
	e.markJobRunning(ctx)

	res, err := e.streamLoop(ctx)
	if err != nil {
		e.fail(ctx, err)
		return
	}
	e.persist(ctx, res)
}

// charge takes the run's flat price unless a resume seed says it was already
// taken. Ledger refusal aborts the run before any provider call.
func (e *Executor) charge(ctx context.Context) error {
	e.mu.Lock()
	charged := e.charged
	e.mu.Unlock()
	if charged {
		return nil
	}

	price := credits.PriceFor(e.opts.Kind)
	remaining, err := e.deps.Credits.Deduct(ctx, e.opts.UserID, price)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.charged = true
	e.remaining = &remaining
	e.mu.Unlock()

	t := true
	if err := e.deps.States.Update(ctx, e.opts.Kind, e.runKey, runstate.Patch{Charged: &t, RemainingCredits: &remaining}); err != nil {
		e.deps.Logger.Warn(ctx, "run state charge update failed", "run_key", e.runKey, "err", err)
	}
	e.deps.Metrics.IncCounter("runs.charged", price, "kind", e.opts.Kind.String())
	e.publish(payload.NewStatus(e.runKey, stateCharged, &remaining))
	return nil
}

func (e *Executor) markJobRunning(ctx context.Context) {
	p := job.Patch{}
	if e.opts.Kind == orchestrator.KindResearch {
		p.ResearchStatus = job.StatusPtr(job.StatusRunning)
	} else {
		p.LetterStatus = job.StatusPtr(job.StatusRunning)
		p.LetterTone = job.StrPtr(e.tone)
	}
	if err := e.deps.Jobs.Upsert(ctx, e.opts.UserID, p); err != nil {
		e.deps.Logger.Warn(ctx, "job running status write failed", "run_key", e.runKey, "err", err)
	}
}

// persist writes the final output to the job store and publishes the terminal
// complete payload.
func (e *Executor) persist(ctx context.Context, res *streamResult) {
	e.mu.Lock()
	responseID := e.responseID
	remaining := e.remaining
	prof := e.prof
	e.mu.Unlock()

	body := payload.CompleteBody{
		ResponseID:       responseID,
		RemainingCredits: remaining,
		Usage:            res.usage,
	}

	switch e.opts.Kind {
	case orchestrator.KindResearch:
		p := job.Patch{
			ResearchStatus:     job.StatusPtr(job.StatusCompleted),
			ResearchContent:    job.StrPtr(res.text),
			ResearchResponseID: job.StrPtr(responseID),
		}
		if err := e.deps.Jobs.Upsert(ctx, e.opts.UserID, p); err != nil {
			e.fail(ctx, fmt.Errorf("persist research output: %w", err))
			return
		}
		body.Content = res.text

	default:
		doc, err := letter.Parse([]byte(res.text))
		if err != nil {
			e.fail(ctx, fmt.Errorf("%w: %v", orchestrator.ErrOutputParseFailed, err))
			return
		}
		merged := letter.Merge(doc, prof)
		html, err := letter.Render(merged)
		if err != nil {
			e.fail(ctx, fmt.Errorf("%w: render: %v", orchestrator.ErrOutputParseFailed, err))
			return
		}
		refs := merged.References
		p := job.Patch{
			LetterStatus:     job.StatusPtr(job.StatusCompleted),
			LetterContent:    job.StrPtr(html),
			LetterReferences: &refs,
			LetterJSON:       job.StrPtr(res.text),
			LetterResponseID: job.StrPtr(responseID),
		}
		if err := e.deps.Jobs.Upsert(ctx, e.opts.UserID, p); err != nil {
			e.fail(ctx, fmt.Errorf("persist letter output: %w", err))
			return
		}
		body.Letter = html
		body.References = refs
	}

	e.mu.Lock()
	e.settled = true
	e.mu.Unlock()

	e.publish(payload.NewComplete(e.runKey, body))
	if err := e.deps.States.Update(ctx, e.opts.Kind, e.runKey, runstate.StatusPatch(runstate.StatusCompleted)); err != nil {
		e.deps.Logger.Warn(ctx, "run state complete update failed", "run_key", e.runKey, "err", err)
	}
	e.setTerminal(runstate.StatusCompleted, true)
}

// fail ends the run on the error path: refund when the charge is outstanding,
// record the error on the job, publish the terminal error payload.
// Cancellation (operator or shutdown) takes its own branches.
func (e *Executor) fail(ctx context.Context, cause error) {
	e.mu.Lock()
	kind := e.cancelKind
	e.mu.Unlock()
	if kind == cancelNone && e.ctx.Err() != nil {
		// Raced with a cancellation signal delivered mid-failure.
		e.mu.Lock()
		kind = e.cancelKind
		e.mu.Unlock()
	}

	// Store and ledger calls below must outlive the run context.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch kind {
	case cancelShutdown:
		if err := e.deps.States.Update(bg, e.opts.Kind, e.runKey, runstate.StatusPatch(runstate.StatusCancelled)); err != nil {
			e.deps.Logger.Warn(bg, "run state cancel update failed", "run_key", e.runKey, "err", err)
		}
		e.buf.Close()
		e.setTerminal(runstate.StatusCancelled, false)
		return

	case cancelOperator:
		remaining := e.refundIfOutstanding(bg)
		// Clear the charge flag with the status so nothing mistakes this
		// settled entry for a resumable shutdown leftover.
		cancelled := runstate.StatusCancelled
		settled := false
		if err := e.deps.States.Update(bg, e.opts.Kind, e.runKey, runstate.Patch{Status: &cancelled, Charged: &settled}); err != nil {
			e.deps.Logger.Warn(bg, "run state cancel update failed", "run_key", e.runKey, "err", err)
		}
		e.publish(payload.NewError(e.runKey, msgCancelled, remaining))
		e.setTerminal(runstate.StatusCancelled, true)
		return
	}

	e.deps.Logger.Error(bg, "run failed", "run_key", e.runKey, "kind", e.opts.Kind.String(),
		"response_id", e.currentResponseID(), "err", cause)

	if errors.Is(cause, credits.ErrInsufficientCredits) {
		// Nothing was charged and no job phase started; clear the claim.
		if err := e.deps.States.Remove(bg, e.opts.Kind, e.runKey); err != nil {
			e.deps.Logger.Warn(bg, "run state remove failed", "run_key", e.runKey, "err", err)
		}
		e.publish(payload.NewError(e.runKey, msgInsufficientCredits, nil))
		e.setTerminal(runstate.StatusError, true)
		return
	}

	remaining := e.refundIfOutstanding(bg)

	p := job.Patch{}
	if e.opts.Kind == orchestrator.KindResearch {
		p.ResearchStatus = job.StatusPtr(job.StatusError)
	} else {
		p.LetterStatus = job.StatusPtr(job.StatusError)
	}
	if err := e.deps.Jobs.Upsert(bg, e.opts.UserID, p); err != nil {
		e.deps.Logger.Warn(bg, "job error status write failed", "run_key", e.runKey, "err", err)
	}

	e.publish(payload.NewError(e.runKey, e.userMessage(cause), remaining))
	if err := e.deps.States.Update(bg, e.opts.Kind, e.runKey, runstate.StatusPatch(runstate.StatusError)); err != nil {
		e.deps.Logger.Warn(bg, "run state error update failed", "run_key", e.runKey, "err", err)
	}
	e.setTerminal(runstate.StatusError, true)
}

// refundIfOutstanding returns the charge when it was taken and never settled.
// Best effort: a failed refund is logged, not retried.
func (e *Executor) refundIfOutstanding(ctx context.Context) *float64 {
	e.mu.Lock()
	outstanding := e.charged && !e.settled
	remaining := e.remaining
	e.mu.Unlock()
	if !outstanding {
		return remaining
	}

	price := credits.PriceFor(e.opts.Kind)
	balance, err := e.deps.Credits.Refund(ctx, e.opts.UserID, price)
	if err != nil {
		e.deps.Logger.Error(ctx, "refund failed", "run_key", e.runKey, "amount", price, "err", err)
		return remaining
	}
	e.deps.Metrics.IncCounter("runs.refunded", price, "kind", e.opts.Kind.String())
	e.mu.Lock()
	e.settled = true
	e.remaining = &balance
	e.mu.Unlock()
	return &balance
}

// userMessage maps an internal failure onto the stable catalog.
func (e *Executor) userMessage(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrCancelled):
		return msgCancelled
	case errors.Is(err, orchestrator.ErrTimeoutExceeded),
		errors.Is(err, context.DeadlineExceeded):
		return timeoutMessage(e.opts.Kind)
	case errors.Is(err, orchestrator.ErrProviderTerminalFailure):
		var pf *providerFailure
		if errors.As(err, &pf) && pf.msg != "" {
			return pf.msg
		}
		return failureMessage(e.opts.Kind)
	default:
		return failureMessage(e.opts.Kind)
	}
}

func (e *Executor) currentResponseID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.responseID
}
