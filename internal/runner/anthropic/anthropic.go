// Package anthropic adapts the Anthropic Messages API to the runner
// boundary. The response is fetched in one call and replayed as stream
// events; content blocks map one-to-one onto textDelta and toolUse events.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// Options configures the Anthropic adapter. Request fields, when set,
// override these per call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

const (
	defaultModel     = string(anthropic.ModelClaudeSonnet4_0)
	defaultMaxTokens = 4096
)

// Runner wraps the Anthropic Messages API behind the runner.Runner interface.
type Runner struct {
	client *anthropic.Client
	opts   Options
}

// New creates an Anthropic runner using the official client. The API key is
// read from the environment when not set explicitly.
func New(optFns ...func(o *Options)) *Runner {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &Runner{client: &client, opts: opts}
}

// NewFromClient creates an Anthropic runner from an existing client.
func NewFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Runner {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:       defaultModel,
		Temperature: 0.7,
		MaxTokens:   defaultMaxTokens,
	}
}

// Name returns the provider identifier.
func (r *Runner) Name() string { return "anthropic" }

// Run implements runner.Runner.
func (r *Runner) Run(ctx context.Context, req runner.Request) (<-chan runner.Event, error) {
	out := make(chan runner.Event, 32)

	go func() {
		defer close(out)

		resp, err := r.client.Messages.New(ctx, r.buildParams(req))
		if err != nil {
			out <- runner.Event{Type: runner.EventError, Err: classify(err)}
			return
		}

		for _, block := range resp.Content {
			switch block.Type {
			case "text":
				text := block.AsText().Text
				if text != "" {
					out <- runner.Event{Type: runner.EventTextDelta, Text: text}
				}
			case "tool_use":
				tool := block.AsToolUse()
				input := map[string]any{}
				if raw, merr := json.Marshal(tool.Input); merr == nil {
					_ = json.Unmarshal(raw, &input)
				}
				out <- runner.Event{Type: runner.EventToolUse, ToolName: tool.Name, ToolInput: input}
			}
		}
		out <- runner.Event{Type: runner.EventDone}
	}()

	return out, nil
}

// buildParams assembles the Messages API request from the normalized input.
func (r *Runner) buildParams(req runner.Request) anthropic.MessageNewParams {
	model := r.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := r.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := r.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	return params
}

// classify maps SDK errors to transient or fatal flow errors.
func classify(err error) *schema.FlowError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return runner.ClassifyStatus(apiErr.StatusCode, "anthropic", err)
	}
	return runner.NetworkError("anthropic", err)
}

var _ runner.Runner = (*Runner)(nil)
