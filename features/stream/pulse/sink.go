// Package pulse exposes a payload.Sink that mirrors run payloads onto
// goa.design/pulse streams, one stream per run ("run/<runKey>"). Peer
// instances and relay processes consume the mirror to serve subscribers that
// are not connected to the instance executing the run.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openletter/writingdesk/features/stream/pulse/clients/pulse"
	"github.com/openletter/writingdesk/runtime/orchestrator/payload"
)

type (
	// Options configures the mirror sink.
	Options struct {
		// Client publishes to Pulse. Required.
		Client pulse.Client
		// StreamID derives the target stream from a payload. Defaults to
		// "run/<runKey>".
		StreamID func(payload.Payload) (string, error)
	}

	// Sink mirrors run payloads into Pulse streams. Safe for concurrent
	// Send calls.
	Sink struct {
		client   pulse.Client
		streamID func(payload.Payload) (string, error)
	}

	// envelope is the wire form of a mirrored payload.
	envelope struct {
		Type      string    `json:"type"`
		RunKey    string    `json:"runKey"`
		Timestamp time.Time `json:"timestamp"`
		Body      any       `json:"body,omitempty"`
	}
)

// NewSink constructs the mirror sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	streamID := opts.StreamID
	if streamID == nil {
		streamID = defaultStreamID
	}
	return &Sink{client: opts.Client, streamID: streamID}, nil
}

// Send implements payload.Sink.
func (s *Sink) Send(ctx context.Context, p payload.Payload) error {
	name, err := s.streamID(p)
	if err != nil {
		return err
	}
	handle, err := s.client.Stream(name)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(p.Type()),
		RunKey:    p.RunKey(),
		Timestamp: time.Now().UTC(),
		Body:      p.Body(),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = handle.Add(ctx, env.Type, raw)
	return err
}

// Close implements payload.Sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultStreamID(p payload.Payload) (string, error) {
	if p.RunKey() == "" {
		return "", errors.New("payload missing run key")
	}
	return fmt.Sprintf("run/%s", p.RunKey()), nil
}
