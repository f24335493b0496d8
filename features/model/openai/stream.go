package openai

import (
	"encoding/json"
	"io"

	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"

	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
)

// stream adapts the SDK's SSE stream to the provider.Stream contract.
type stream struct {
	raw        *ssestream.Stream[responses.ResponseStreamEventUnion]
	client     *Client
	responseID string
}

// Recv returns the next normalized event, io.EOF at end of stream, or the
// translated transport error.
func (s *stream) Recv() (provider.Event, error) {
	if !s.raw.Next() {
		if err := s.raw.Err(); err != nil {
			s.client.observe(err)
			return provider.Event{}, s.client.translateError(err, s.responseID)
		}
		return provider.Event{}, io.EOF
	}
	s.client.observe(nil)
	ev := s.raw.Current()
	out := translateEvent(ev)
	if out.ResponseID != "" && s.responseID == "" {
		s.responseID = out.ResponseID
	}
	return out, nil
}

// Close aborts the underlying SSE connection.
func (s *stream) Close() error {
	return s.raw.Close()
}

// translateEvent maps a Responses API stream event onto the normalized shape.
// The raw JSON rides along for pass-through events.
func translateEvent(ev responses.ResponseStreamEventUnion) provider.Event {
	out := provider.Event{
		Type:           ev.Type,
		SequenceNumber: ev.SequenceNumber,
	}
	switch v := ev.AsAny().(type) {
	case responses.ResponseTextDeltaEvent:
		out.EventID = v.ItemID
		out.Delta = v.Delta
	case responses.ResponseTextDoneEvent:
		out.EventID = v.ItemID
		out.Text = v.Text
	case responses.ResponseCreatedEvent:
		out.ResponseID = v.Response.ID
	case responses.ResponseQueuedEvent:
		out.ResponseID = v.Response.ID
	case responses.ResponseInProgressEvent:
		out.ResponseID = v.Response.ID
	case responses.ResponseCompletedEvent:
		out.ResponseID = v.Response.ID
		if u := v.Response.Usage; u.TotalTokens > 0 {
			out.Usage = &provider.Usage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				TotalTokens:  u.TotalTokens,
			}
		}
	case responses.ResponseFailedEvent:
		out.ResponseID = v.Response.ID
		out.Message = v.Response.Error.Message
	case responses.ResponseIncompleteEvent:
		out.ResponseID = v.Response.ID
		if reason := v.Response.IncompleteDetails.Reason; reason != "" {
			out.Message = "response incomplete: " + string(reason)
		}
	case responses.ResponseErrorEvent:
		out.Message = v.Message
	}
	if raw := ev.RawJSON(); raw != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			out.Raw = m
		}
	}
	return out
}
