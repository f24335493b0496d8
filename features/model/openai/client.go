// Package openai implements the provider client on the OpenAI Responses API
// using github.com/openai/openai-go. Runs are opened as background responses
// so they survive dropped connections; resumption replays the stored event
// stream starting after the last seen sequence number.
package openai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/openletter/writingdesk/runtime/orchestrator"
	"github.com/openletter/writingdesk/runtime/orchestrator/provider"
	"github.com/openletter/writingdesk/telemetry"
)

const (
	clampedModel = "o4-mini-deep-research"

	// Recreate the SDK client after this many consecutive transport errors
	// or once it reaches this age, whichever comes first.
	recreateErrorThreshold = 5
	recreateMaxAge         = 30 * time.Minute
)

type (
	// Options configures the adapter.
	Options struct {
		// APIKey authenticates against the OpenAI API. Required.
		APIKey string
		// BaseURL overrides the API endpoint. Optional.
		BaseURL string
		// Logger receives effort-clamp and recreation notices.
		Logger telemetry.Logger
	}

	// Client is a provider.Client on the Responses API. Safe for concurrent
	// use; the underlying SDK client is replaced transparently after repeated
	// transport errors or old age.
	Client struct {
		opts   Options
		logger telemetry.Logger

		mu         sync.Mutex
		sdk        openaisdk.Client
		createdAt  time.Time
		errorCount int
	}
)

// New constructs the adapter.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	c := &Client{opts: opts, logger: logger}
	c.sdk = c.build()
	c.createdAt = time.Now()
	return c, nil
}

func (c *Client) build() openaisdk.Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(c.opts.APIKey)}
	if c.opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(c.opts.BaseURL))
	}
	return openaisdk.NewClient(reqOpts...)
}

// current returns the SDK client, recreating it first when it is due.
func (c *Client) current(ctx context.Context) openaisdk.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errorCount >= recreateErrorThreshold || time.Since(c.createdAt) >= recreateMaxAge {
		c.logger.Info(ctx, "recreating provider client",
			"consecutive_errors", c.errorCount, "age", time.Since(c.createdAt).String())
		c.sdk = c.build()
		c.createdAt = time.Now()
		c.errorCount = 0
	}
	return c.sdk
}

// observe updates the consecutive-error counter from a call outcome.
func (c *Client) observe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.errorCount++
		return
	}
	c.errorCount = 0
}

// CreateStream implements provider.Client.
func (c *Client) CreateStream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params := responses.ResponseNewParams{
		Model:        shared.ResponsesModel(req.Model),
		Instructions: openaisdk.String(req.Instructions),
		Input:        responses.ResponseNewParamsInputUnion{OfString: openaisdk.String(req.Input)},
		Background:   openaisdk.Bool(req.Background),
	}
	if effort := c.clampEffort(ctx, req.Model, req.Effort); effort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(effort)}
	}
	if req.Kind == orchestrator.KindResearch {
		params.Tools = []responses.ToolUnionParam{{
			OfWebSearchPreview: &responses.WebSearchToolParam{
				Type: responses.WebSearchToolTypeWebSearchPreview,
			},
		}}
	}

	sdk := c.current(ctx)
	raw := sdk.Responses.NewStreaming(ctx, params)
	if err := raw.Err(); err != nil {
		c.observe(err)
		return nil, c.translateError(err, "")
	}
	c.observe(nil)
	return &stream{raw: raw, client: c}, nil
}

// ResumeStream implements provider.Client. The Responses API resumes by
// sequence number; the string event id is not a replay cursor here.
func (c *Client) ResumeStream(ctx context.Context, responseID string, cursor provider.Cursor) (provider.Stream, error) {
	params := responses.ResponseGetParams{}
	if cursor.Sequence > 0 {
		params.StartingAfter = openaisdk.Int(cursor.Sequence)
	}
	sdk := c.current(ctx)
	raw := sdk.Responses.GetStreaming(ctx, responseID, params)
	if err := raw.Err(); err != nil {
		c.observe(err)
		return nil, c.translateError(err, responseID)
	}
	c.observe(nil)
	return &stream{raw: raw, client: c, responseID: responseID}, nil
}

// Retrieve implements provider.Client.
func (c *Client) Retrieve(ctx context.Context, responseID string) (provider.Response, error) {
	sdk := c.current(ctx)
	resp, err := sdk.Responses.Get(ctx, responseID, responses.ResponseGetParams{})
	c.observe(err)
	if err != nil {
		return provider.Response{}, c.translateError(err, responseID)
	}
	return translateResponse(resp), nil
}

// clampEffort enforces the provider quirk that deep-research minis only
// accept medium reasoning effort.
func (c *Client) clampEffort(ctx context.Context, model, effort string) string {
	if model == clampedModel || strings.HasPrefix(model, clampedModel+"@") {
		if effort != "" && effort != "medium" {
			c.logger.Warn(ctx, "reasoning effort clamped to medium", "model", model, "requested", effort)
		}
		return "medium"
	}
	return effort
}

// translateError maps SDK failures onto the provider error contract: a 404
// naming a stored response becomes ErrMissingResponse.
func (c *Client) translateError(err error, responseID string) error {
	var apierr *openaisdk.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 404 {
		if responseID == "" || strings.Contains(err.Error(), responseID) ||
			strings.Contains(strings.ToLower(err.Error()), "not found") {
			return errors.Join(provider.ErrMissingResponse, err)
		}
	}
	return err
}

func translateResponse(resp *responses.Response) provider.Response {
	out := provider.Response{
		ID:         resp.ID,
		Status:     string(resp.Status),
		OutputText: resp.OutputText(),
		Message:    resp.Error.Message,
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &provider.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	if out.Message == "" && resp.IncompleteDetails.Reason != "" {
		out.Message = "response incomplete: " + string(resp.IncompleteDetails.Reason)
	}
	return out
}
