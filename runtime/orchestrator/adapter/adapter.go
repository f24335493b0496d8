// Package adapter wraps a provider stream with an inactivity watchdog. The
// adapter does not interpret events; it merely gates their flow on liveness:
// when no event arrives within the kind's inactivity budget it aborts the
// underlying controller and surfaces a timeout error the resume policy treats
// as a recoverable transport failure.
package adapter

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
)

type (
	// Adapter gates a provider.Stream on liveness.
	Adapter struct {
		stream provider.Stream
		budget time.Duration
		events chan result
		done   chan struct{}
	}

	result struct {
		ev  provider.Event
		err error
	}
)

// Wrap starts pumping the stream and returns the gated adapter. The budget is
// the maximum quiet interval tolerated between events.
func Wrap(stream provider.Stream, budget time.Duration) *Adapter {
	a := &Adapter{
		stream: stream,
		budget: budget,
		events: make(chan result),
		done:   make(chan struct{}),
	}
	go a.pump()
	return a
}

// WrapKind wraps with the kind's standard inactivity budget.
func WrapKind(stream provider.Stream, kind orchestrator.Kind) *Adapter {
	return Wrap(stream, kind.InactivityBudget())
}

// pump moves events from the underlying stream to the adapter channel until
// the stream ends or the adapter closes.
func (a *Adapter) pump() {
	for {
		ev, err := a.stream.Recv()
		select {
		case a.events <- result{ev: ev, err: err}:
			if err != nil {
				return
			}
		case <-a.done:
			return
		}
	}
}

// Recv returns the next provider event. It fails with a wrapped
// orchestrator.ErrTimeoutExceeded when the inactivity budget expires, having
// aborted the underlying controller first. Context cancellation aborts the
// stream as well.
func (a *Adapter) Recv(ctx context.Context) (provider.Event, error) {
	timer := time.NewTimer(a.budget)
	defer timer.Stop()

	select {
	case r := <-a.events:
		if r.err != nil {
			if r.err != io.EOF {
				a.Close()
			}
			return provider.Event{}, r.err
		}
		return r.ev, nil
	case <-timer.C:
		a.Close()
		return provider.Event{}, fmt.Errorf("no provider event within %s: %w", a.budget, orchestrator.ErrTimeoutExceeded)
	case <-ctx.Done():
		a.Close()
		return provider.Event{}, ctx.Err()
	}
}

// Close aborts the underlying controller and stops the pump. Idempotent.
func (a *Adapter) Close() {
	select {
	case <-a.done:
		return
	default:
	}
	close(a.done)
	_ = a.stream.Close()
}
