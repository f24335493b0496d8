// Package provider abstracts the remote reasoning provider behind a small
// client contract so the executor can open, resume and poll response streams
// without coupling to a specific SDK. Implementations translate provider wire
// events into the normalized Event structure; the orchestrator does not
// interpret event payloads beyond the fields declared here.
package provider

import (
	"context"
	"errors"

	"github.com/openletter/writingdesk/runtime/orchestrator"
)

type (
	// Client is the contract the executor uses to talk to the provider.
	// Implementations must be safe for concurrent use; connection pooling and
	// transparent client recreation are the implementation's business.
	Client interface {
		// CreateStream opens a fresh streaming response for the request.
		CreateStream(ctx context.Context, req Request) (Stream, error)

		// ResumeStream reattaches to a stored response, replaying events after
		// the given cursor. Implementations prefer the string event id, then
		// the numeric sequence, then replay from the start.
		ResumeStream(ctx context.Context, responseID string, cursor Cursor) (Stream, error)

		// Retrieve fetches the stored response by id. Used by background
		// polling once live streaming has been abandoned.
		Retrieve(ctx context.Context, responseID string) (Response, error)
	}

	// Stream delivers provider events. Successive Recv calls return events
	// until io.EOF. Recv is single-goroutine; Close releases the underlying
	// controller and is safe to call concurrently with Recv.
	Stream interface {
		Recv() (Event, error)
		Close() error
	}

	// Request captures the normalized parameters for opening a stream.
	Request struct {
		// Kind selects the run flavor; implementations derive model, tools and
		// background mode from it unless overridden below.
		Kind orchestrator.Kind
		// Model is the provider model identifier.
		Model string
		// Instructions is the system prompt.
		Instructions string
		// Input is the composed user prompt.
		Input string
		// Effort is the requested reasoning effort ("low", "medium", "high").
		// Implementations may clamp unsupported values.
		Effort string
		// Background requests a stored, resumable response.
		Background bool
	}

	// Cursor identifies the resume position within a response stream: either
	// the provider's string event id or its numeric sequence number.
	Cursor struct {
		EventID  string
		Sequence int64
	}

	// Event is a normalized provider stream event. Type always carries the
	// provider's event type string; the remaining fields are populated when
	// the event carries them and zero otherwise. Raw preserves the full wire
	// payload for pass-through delivery.
	Event struct {
		Type           string
		SequenceNumber int64
		EventID        string
		ResponseID     string
		Delta          string
		Snapshot       string
		Text           string
		Message        string
		Usage          *Usage
		Raw            map[string]any
	}

	// Response is the stored response returned by Retrieve.
	Response struct {
		ID         string
		Status     string
		OutputText string
		Message    string
		Usage      *Usage
	}

	// Usage reports token counts when the provider supplies them.
	Usage struct {
		InputTokens  int64
		OutputTokens int64
		TotalTokens  int64
	}
)

// Provider event types the executor translates. Anything else passes through
// to subscribers unchanged.
const (
	EventResponseCreated    = "response.created"
	EventResponseQueued     = "response.queued"
	EventResponseInProgress = "response.in_progress"
	EventOutputTextDelta    = "response.output_text.delta"
	EventOutputTextDone     = "response.output_text.done"
	EventResponseCompleted  = "response.completed"
	EventResponseFailed     = "response.failed"
	EventResponseIncomplete = "response.incomplete"
)

// Stored response terminal states observed by the background poller.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
	StatusIncomplete = "incomplete"
	StatusInProgress = "in_progress"
	StatusQueued     = "queued"
)

// ErrMissingResponse reports that the provider evicted the stored response;
// a fresh stream must be created from the original prompt. Implementations
// wrap their 404 "not found" errors with this sentinel.
var ErrMissingResponse = errors.New("provider response not found")

// HasCursor reports whether the cursor identifies a concrete resume position.
func (c Cursor) HasCursor() bool { return c.EventID != "" || c.Sequence > 0 }
