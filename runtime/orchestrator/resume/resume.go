// Package resume decides whether and how a streaming failure is recovered.
// It classifies transport errors, computes capped exponential backoff with
// jitter, and tracks the cursors (provider event id and sequence number) used
// to reattach a dropped stream. After the attempt budget is spent the policy
// hands the run over to background polling.
package resume

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
)

// MaxAttempts is the resume budget for both run kinds.
const MaxAttempts = 10

const (
	baseBackoff   = time.Second
	maxBackoff    = 5 * time.Second
	jitterCeiling = 300 * time.Millisecond
)

// Outcome is the policy's verdict on a streaming failure.
type Outcome int

const (
	// OutcomeFail rethrows: the error is not recoverable.
	OutcomeFail Outcome = iota
	// OutcomeFresh discards the stored response and starts a new stream from
	// the original prompt.
	OutcomeFresh
	// OutcomeResume reattaches to the stored response at the tracked cursor
	// after the decision's backoff delay.
	OutcomeResume
	// OutcomePoll abandons live streaming in favor of background polling.
	OutcomePoll
)

// Decision carries the verdict plus the parameters the executor needs to act
// on it.
type Decision struct {
	Outcome Outcome
	// Delay is the backoff to sleep before resuming. Zero for other outcomes.
	Delay time.Duration
	// Attempt is the 1-based resume attempt this decision represents.
	Attempt int
	// Message is a short human-readable resume notice for subscribers.
	Message string
}

// Policy tracks resume state for a single run. Not safe for concurrent use
// except where noted; the executor owns it.
type Policy struct {
	mu          sync.Mutex
	attempt     int
	maxAttempts int
	lastSeq     int64
	lastID      string
	rng         *rand.Rand
}

// New constructs a Policy seeded for jitter.
func New() *Policy {
	return &Policy{
		maxAttempts: MaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetMaxAttempts overrides the resume budget. Test hook.
func (p *Policy) SetMaxAttempts(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxAttempts = n
}

// Observe updates the resume cursors from an inbound provider event.
func (p *Policy) Observe(ev provider.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.SequenceNumber > p.lastSeq {
		p.lastSeq = ev.SequenceNumber
	}
	if ev.EventID != "" {
		p.lastID = ev.EventID
	}
}

// Cursor returns the current resume position. Resume prefers the string event
// id, then the sequence number, then "from start".
func (p *Policy) Cursor() provider.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return provider.Cursor{EventID: p.lastID, Sequence: p.lastSeq}
}

// Attempt returns the number of resume attempts made so far.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Reset clears the attempt counter and cursors. Invoked when the provider
// reports the stored response missing and a fresh stream replaces it.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempt = 0
	p.lastSeq = 0
	p.lastID = ""
}

// Plan classifies err and returns the recovery decision.
//
//  1. Missing response: reset, start fresh.
//  2. Recoverable transport with no responseID yet, or budget spent: poll.
//  3. Recoverable transport otherwise: backoff and resume.
//  4. Anything else: fail.
func (p *Policy) Plan(err error, responseID string) Decision {
	if MissingResponse(err, responseID) {
		p.Reset()
		return Decision{Outcome: OutcomeFresh, Message: freshMessage}
	}
	if !RecoverableTransport(err) {
		return Decision{Outcome: OutcomeFail}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if responseID == "" || p.attempt >= p.maxAttempts {
		return Decision{Outcome: OutcomePoll}
	}
	p.attempt++
	return Decision{
		Outcome: OutcomeResume,
		Delay:   p.backoff(p.attempt),
		Attempt: p.attempt,
		Message: resumeMessages[(p.attempt-1)%len(resumeMessages)],
	}
}

// backoff computes min(1s * 2^(attempt-1), 5s) plus [0, 300ms) jitter.
// Callers hold p.mu.
func (p *Policy) backoff(attempt int) time.Duration {
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return d + time.Duration(p.rng.Int63n(int64(jitterCeiling)))
}

// Sleep waits for the decision's delay or until ctx is done.
func Sleep(ctx context.Context, d Decision) error {
	if d.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(d.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// transportPhrases are error message fragments treated as recoverable
// transport interruptions regardless of the error's concrete type.
var transportPhrases = []string{
	"premature close",
	"socket hang up",
	"connection reset",
	"connection closed",
	"reset by peer",
	"broken pipe",
	"http/2 stream closed",
	"underlying socket was closed",
	"server hung up",
	"timed out",
	"timeout",
	"fetch failed",
	"unexpected eof",
	"aborted",
}

// RecoverableTransport reports whether err looks like a transient transport
// interruption worth resuming over: abort/timeout errors, the usual POSIX
// errnos, or one of the known message phrases.
func RecoverableTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, orchestrator.ErrTimeoutExceeded) {
		return true
	}
	for _, errno := range []syscall.Errno{
		syscall.ECONNRESET, syscall.ECONNABORTED, syscall.ETIMEDOUT, syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// Covers ENOTFOUND-style resolution failures.
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transportPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// MissingResponse reports whether err means the provider evicted the stored
// response: either the wrapped sentinel, or a 404-style "not found" message
// that names the response id we hold.
func MissingResponse(err error, responseID string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, provider.ErrMissingResponse) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "not found") {
		return false
	}
	if responseID != "" {
		return strings.Contains(err.Error(), responseID)
	}
	return strings.Contains(msg, "404")
}

// freshMessage is the resume notice emitted when the stored response is gone
// and a fresh stream replaces it.
const freshMessage = "The previous response expired; starting a fresh stream."

// resumeMessages is the fixed rotation of human-readable resume notices.
// They are UX, not protocol.
var resumeMessages = []string{
	"Connection interrupted; picking the stream back up.",
	"Reconnecting to the stream where we left off.",
	"Brief network hiccup; resuming.",
	"Re-establishing the stream.",
}
