// Package openai adapts the OpenAI Chat Completions API (streaming) to the
// runner boundary. Text deltas are forwarded as they arrive; tool call
// fragments are aggregated per index and emitted once complete.
package openai

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// aggCall accumulates streamed tool call fragments (id, name, arguments).
type aggCall struct{ name, args string }

// Options configures the OpenAI adapter. Request fields, when set, override
// these per call.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
	APIKey              string
}

// Runner wraps the OpenAI Chat Completions API behind the runner.Runner
// interface.
type Runner struct {
	client *openai.Client
	opts   Options
}

// New creates an OpenAI runner using the official client. The API key is
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
	client := openai.NewClient(clientOpts...)

	return &Runner{client: &client, opts: opts}
}

// NewFromClient creates an OpenAI runner from an existing client.
func NewFromClient(client *openai.Client, optFns ...func(o *Options)) *Runner {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Runner{client: client, opts: opts}
}

func defaultOptions() Options {
	return Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
}

// Name returns the provider identifier.
func (r *Runner) Name() string { return "openai" }

// Run implements runner.Runner.
func (r *Runner) Run(ctx context.Context, req runner.Request) (<-chan runner.Event, error) {
	out := make(chan runner.Event, 32)

	go func() {
		defer close(out)

		stream := r.client.Chat.Completions.NewStreaming(ctx, r.buildParams(req))
		toolAgg := map[int64]*aggCall{}

		for stream.Next() {
			ck := stream.Current()
			for _, ch := range ck.Choices {
				if ch.Delta.Content != "" {
					out <- runner.Event{Type: runner.EventTextDelta, Text: ch.Delta.Content}
				}
				for _, tc := range ch.Delta.ToolCalls {
					ac, ok := toolAgg[tc.Index]
					if !ok {
						ac = &aggCall{}
						toolAgg[tc.Index] = ac
					}
					if tc.Function.Name != "" {
						ac.name = tc.Function.Name
					}
					if tc.Function.Arguments != "" {
						ac.args += tc.Function.Arguments
					}
				}
				if ch.FinishReason != "" {
					for _, ac := range toolAgg {
						input := map[string]any{}
						if ac.args != "" {
							_ = json.Unmarshal([]byte(ac.args), &input)
						}
						out <- runner.Event{Type: runner.EventToolUse, ToolName: ac.name, ToolInput: input}
					}
					toolAgg = map[int64]*aggCall{}
				}
			}
		}
		if err := stream.Err(); err != nil {
			out <- runner.Event{Type: runner.EventError, Err: classify(err)}
			return
		}
		out <- runner.Event{Type: runner.EventDone}
	}()

	return out, nil
}

// buildParams assembles the Chat Completions request from the normalized input.
func (r *Runner) buildParams(req runner.Request) openai.ChatCompletionNewParams {
	model := r.opts.Model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := r.opts.MaxCompletionTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	temperature := r.opts.Temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	return openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               model,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(maxTokens),
	}
}

// classify maps SDK errors to transient or fatal flow errors.
func classify(err error) *schema.FlowError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return runner.ClassifyStatus(apiErr.StatusCode, "openai", err)
	}
	return runner.NetworkError("openai", err)
}

var _ runner.Runner = (*Runner)(nil)
