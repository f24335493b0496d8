// Package poll falls back from live streaming to repeated fetch-by-id once a
// response id is known and the resume budget is spent. The poller retrieves
// the stored response every interval until the provider marks it terminal or
// the total budget expires.
package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/telemetry"
)

const (
	// DefaultInterval is the pause between retrieve calls.
	DefaultInterval = 2 * time.Second
	// DefaultBudget is the total polling budget from the moment background
	// polling starts, for both run kinds.
	DefaultBudget = 40 * time.Minute
)

// Poller repeatedly retrieves a stored response until terminal.
type Poller struct {
	client   provider.Client
	interval time.Duration
	budget   time.Duration
	logger   telemetry.Logger
}

// New constructs a Poller. Zero interval/budget use the defaults; a nil
// logger suppresses transient-error logging.
func New(client provider.Client, interval, budget time.Duration, logger telemetry.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Poller{client: client, interval: interval, budget: budget, logger: logger}
}

// Await polls until the stored response reaches a terminal provider state.
// Unknown or empty status terminates optimistically as completed, with
// whatever content is present. Transient fetch errors are logged and retried
// until the budget expires, at which point the run fails with
// orchestrator.ErrTimeoutExceeded.
func (p *Poller) Await(ctx context.Context, responseID string) (provider.Response, error) {
	deadline := time.Now().Add(p.budget)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		resp, err := p.client.Retrieve(ctx, responseID)
		switch {
		case err != nil:
			p.logger.Warn(ctx, "background poll retrieve failed", "response_id", responseID, "err", err)
		case isTerminal(resp.Status):
			if !knownTerminal(resp.Status) {
				// Unknown or missing status terminates optimistically as
				// completed, with whatever content is attached.
				resp.Status = provider.StatusCompleted
			}
			return resp, nil
		}

		if time.Now().After(deadline) {
			return provider.Response{}, fmt.Errorf("background polling budget (%s) spent for %s: %w",
				p.budget, responseID, orchestrator.ErrTimeoutExceeded)
		}
		select {
		case <-ctx.Done():
			return provider.Response{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func isTerminal(status string) bool {
	switch status {
	case provider.StatusInProgress, provider.StatusQueued:
		return false
	default:
		return true
	}
}

func knownTerminal(status string) bool {
	switch status {
	case provider.StatusCompleted, provider.StatusFailed, provider.StatusCancelled, provider.StatusIncomplete:
		return true
	}
	return false
}
