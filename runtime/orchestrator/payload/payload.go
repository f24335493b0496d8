// Package payload defines the tagged payload variants delivered to run
// subscribers. All concrete payload types embed Base to provide the standard
// metadata (type, run key, body); sinks and transports marshal payloads
// generically via the Payload interface while consumers type-assert when they
// need structured field access.
//
// Subscribers see payloads in producer order; the first Complete or Error is
// terminal and closes the stream.
package payload

import "context"

type (
	// Payload is a single subscriber-visible update for a run.
	Payload interface {
		// Type returns the payload type constant (e.g. TypeDelta, TypeComplete).
		Type() Type

		// RunKey returns the "<userId>::<jobId>" key of the run that produced
		// this payload. All payloads from a single run share the same key.
		RunKey() string

		// Body returns the payload-specific data in a JSON-serializable form.
		Body() any

		// Terminal reports whether this payload ends the stream.
		Terminal() bool
	}

	// Sink delivers payloads to an out-of-process transport (SSE relay, Pulse
	// stream). Implementations must be safe for concurrent Send calls.
	Sink interface {
		Send(ctx context.Context, p Payload) error
		Close(ctx context.Context) error
	}

	// Status signals a coarse-grained run state transition the client should
	// surface ("starting", "charged", "queued", "in_progress",
	// "background_polling").
	Status struct {
		Base
		Data StatusBody
	}

	// StatusBody is the wire body for Status payloads.
	StatusBody struct {
		State string `json:"state"`
		// RemainingCredits is included on transitions that change the balance.
		RemainingCredits *float64 `json:"remainingCredits,omitempty"`
	}

	// Delta carries an incremental raw output chunk.
	Delta struct {
		Base
		Data DeltaBody
	}

	// DeltaBody is the wire body for Delta payloads.
	DeltaBody struct {
		Text string `json:"text"`
	}

	// Event passes a provider event (reasoning, search progress, quiet-period
	// heartbeats, resume notifications) through unchanged. The body is opaque
	// to the orchestrator and carries no semantic contract for clients.
	Event struct {
		Base
		Data map[string]any
	}

	// LetterDelta carries a rendered HTML preview of the letter under
	// composition.
	LetterDelta struct {
		Base
		Data LetterDeltaBody
	}

	// LetterDeltaBody is the wire body for LetterDelta payloads.
	LetterDeltaBody struct {
		HTML string `json:"html"`
	}

	// Complete is the terminal success payload.
	Complete struct {
		Base
		Data CompleteBody
	}

	// CompleteBody is the wire body for Complete payloads. Exactly one of
	// Content (research) or Letter (letter HTML) is set.
	CompleteBody struct {
		Content          string   `json:"content,omitempty"`
		Letter           string   `json:"letter,omitempty"`
		References       []string `json:"references,omitempty"`
		ResponseID       string   `json:"responseId,omitempty"`
		RemainingCredits *float64 `json:"remainingCredits,omitempty"`
		Usage            *Usage   `json:"usage,omitempty"`
	}

	// Usage reports provider token usage on completion when available.
	Usage struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
		TotalTokens  int64 `json:"totalTokens"`
	}

	// Error is the terminal failure payload. Message is drawn from the stable
	// user-facing catalog, never from internal error detail.
	Error struct {
		Base
		Data ErrorBody
	}

	// ErrorBody is the wire body for Error payloads.
	ErrorBody struct {
		Message          string   `json:"message"`
		RemainingCredits *float64 `json:"remainingCredits,omitempty"`
	}

	// Base provides a default implementation of Payload. Concrete payload
	// types embed it to inherit Type, RunKey, Body and Terminal.
	Base struct {
		t Type
		k string
		b any
	}

	// Type enumerates payload flavors.
	Type string
)

const (
	// TypeStatus tags coarse run state transitions.
	TypeStatus Type = "status"
	// TypeDelta tags incremental raw output chunks.
	TypeDelta Type = "delta"
	// TypeEvent tags pass-through provider events.
	TypeEvent Type = "event"
	// TypeLetterDelta tags rendered letter previews.
	TypeLetterDelta Type = "letter_delta"
	// TypeComplete tags terminal success.
	TypeComplete Type = "complete"
	// TypeError tags terminal failure.
	TypeError Type = "error"
)

// NewBase constructs a Base with the given type, run key and body.
func NewBase(t Type, runKey string, body any) Base {
	return Base{t: t, k: runKey, b: body}
}

// Type implements Payload.Type.
func (b Base) Type() Type { return b.t }

// RunKey implements Payload.RunKey.
func (b Base) RunKey() string { return b.k }

// Body implements Payload.Body.
func (b Base) Body() any { return b.b }

// Terminal implements Payload.Terminal.
func (b Base) Terminal() bool { return b.t == TypeComplete || b.t == TypeError }

// NewStatus builds a Status payload.
func NewStatus(runKey, state string, remaining *float64) *Status {
	body := StatusBody{State: state, RemainingCredits: remaining}
	return &Status{Base: NewBase(TypeStatus, runKey, body), Data: body}
}

// NewDelta builds a Delta payload.
func NewDelta(runKey, text string) *Delta {
	body := DeltaBody{Text: text}
	return &Delta{Base: NewBase(TypeDelta, runKey, body), Data: body}
}

// NewEvent builds a pass-through Event payload.
func NewEvent(runKey string, body map[string]any) *Event {
	return &Event{Base: NewBase(TypeEvent, runKey, body), Data: body}
}

// NewLetterDelta builds a LetterDelta payload.
func NewLetterDelta(runKey, html string) *LetterDelta {
	body := LetterDeltaBody{HTML: html}
	return &LetterDelta{Base: NewBase(TypeLetterDelta, runKey, body), Data: body}
}

// NewComplete builds the terminal success payload.
func NewComplete(runKey string, body CompleteBody) *Complete {
	return &Complete{Base: NewBase(TypeComplete, runKey, body), Data: body}
}

// NewError builds the terminal failure payload.
func NewError(runKey, message string, remaining *float64) *Error {
	body := ErrorBody{Message: message, RemainingCredits: remaining}
	return &Error{Base: NewBase(TypeError, runKey, body), Data: body}
}
