package orchestrator

import "errors"

// Error kinds the orchestrator distinguishes. Transport layers map the
// caller-facing ones to 4xx responses; the internal ones drive the resume and
// polling machinery and never surface verbatim to clients.
var (
	// ErrUnauthorized reports a request with no authenticated user.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPreconditionNotMet reports a start request whose job is missing the
	// inputs the run needs (no active job, job id mismatch, missing research
	// or tone for a letter run).
	ErrPreconditionNotMet = errors.New("precondition not met")

	// ErrAlreadyRunning reports a restart attempt against a live run.
	ErrAlreadyRunning = errors.New("run already in progress")

	// ErrNoRunToResume reports a resume request with no recoverable state.
	ErrNoRunToResume = errors.New("no run to resume")

	// ErrTimeoutExceeded reports an exhausted inactivity or polling budget.
	ErrTimeoutExceeded = errors.New("timeout exceeded")

	// ErrOutputParseFailed reports terminal letter output that is not the
	// required JSON document.
	ErrOutputParseFailed = errors.New("output parse failed")

	// ErrProviderTerminalFailure reports a response.failed or
	// response.incomplete provider event.
	ErrProviderTerminalFailure = errors.New("provider terminal failure")

	// ErrCancelled reports an operator or shutdown cancellation.
	ErrCancelled = errors.New("run cancelled")
)
