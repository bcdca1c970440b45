// Package runner defines the provider boundary for agent execution. A Runner
// turns a prompt into a stream of events (text deltas, tool invocations, a
// terminal error or done marker); the engine consumes the stream and never
// talks to a provider SDK directly.
package runner

import (
	"context"
	"strings"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// EventType identifies a stream event kind.
type EventType string

const (
	EventTextDelta EventType = "textDelta"
	EventToolUse   EventType = "toolUse"
	EventError     EventType = "error"
	EventDone      EventType = "done"
)

// Event is a single element of an agent run stream. Exactly one of the
// payload fields is meaningful, selected by Type. Every stream ends with
// either an error event or a done event, never both.
type Event struct {
	Type      EventType
	Text      string
	ToolName  string
	ToolInput map[string]any
	Err       *schema.FlowError
}

// Request is the normalized provider input. Prompt is already interpolated;
// the runner treats it as opaque text.
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	AllowedTools []string
	Temperature  float64
	MaxTokens    int64
}

// ToolInvocation records a tool the provider asked to use during a run.
type ToolInvocation struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Result is the aggregate of a completed stream: concatenated text deltas
// plus the tool invocations in emission order.
type Result struct {
	Text      string           `json:"text"`
	ToolCalls []ToolInvocation `json:"tool_calls,omitempty"`
}

// Runner executes a single agent request and streams events back. The
// returned channel is closed after the terminal event. Implementations must
// honor ctx cancellation by emitting an error event and closing the stream.
type Runner interface {
	Name() string
	Run(ctx context.Context, req Request) (<-chan Event, error)
}

// Collect drains a stream into a Result. It returns the stream's terminal
// error if one was emitted, or a cancellation error if ctx expires before
// the stream finishes.
func Collect(ctx context.Context, events <-chan Event) (*Result, error) {
	var text strings.Builder
	var tools []ToolInvocation

	for {
		select {
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "agent run cancelled").
				WithCause(ctx.Err())
		case ev, ok := <-events:
			if !ok {
				// Stream closed without a terminal event; treat what we have
				// as the final result.
				return &Result{Text: text.String(), ToolCalls: tools}, nil
			}
			switch ev.Type {
			case EventTextDelta:
				text.WriteString(ev.Text)
			case EventToolUse:
				tools = append(tools, ToolInvocation{Name: ev.ToolName, Input: ev.ToolInput})
			case EventError:
				if ev.Err != nil {
					return nil, ev.Err
				}
				return nil, schema.NewError(schema.ErrCodeProviderFatal, "agent run failed")
			case EventDone:
				return &Result{Text: text.String(), ToolCalls: tools}, nil
			}
		}
	}
}

// ClassifyStatus maps a provider HTTP status to a transient or fatal error.
// Rate limits, timeouts and server-side failures are transient; everything
// else (auth, malformed request, unknown model) is fatal.
func ClassifyStatus(status int, provider string, cause error) *schema.FlowError {
	transient := status == 408 || status == 429 || status >= 500
	code := schema.ErrCodeProviderFatal
	if transient {
		code = schema.ErrCodeProviderTransient
	}
	return schema.NewErrorf(code, "%s request failed with status %d", provider, status).
		WithCause(cause).
		WithDetails(map[string]any{"provider": provider, "status": status})
}

// NetworkError wraps a transport-level failure (no HTTP status available)
// as transient.
func NetworkError(provider string, cause error) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeProviderTransient, "%s request failed: %s", provider, cause.Error()).
		WithCause(cause).
		WithDetails(map[string]any{"provider": provider})
}
