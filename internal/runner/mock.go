package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// MockBehavior scripts a single mock run: emitted text, optional tool
// invocations, an optional latency before streaming, and an optional error
// in place of a result.
type MockBehavior struct {
	Text      string
	ToolCalls []ToolInvocation
	Latency   time.Duration
	Err       *schema.FlowError
}

// MockRunner is an in-memory Runner for tests. Behaviors can be scripted
// per prompt or queued globally; unscripted prompts get an echo response.
// Thread-safe so parallel branches can share one instance.
type MockRunner struct {
	mu        sync.Mutex
	byPrompt  map[string]MockBehavior
	queue     []MockBehavior
	failFirst int
	calls     []Request
}

// NewMockRunner constructs an empty MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		byPrompt: make(map[string]MockBehavior),
	}
}

// Name returns the provider identifier.
func (m *MockRunner) Name() string { return "mock" }

// AddResponse registers a canned text completion for an exact prompt.
func (m *MockRunner) AddResponse(prompt, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPrompt[prompt] = MockBehavior{Text: text}
}

// AddBehavior registers a full scripted behavior for an exact prompt.
func (m *MockRunner) AddBehavior(prompt string, b MockBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPrompt[prompt] = b
}

// Enqueue appends a behavior consumed by the next call regardless of prompt.
// Queued behaviors take precedence over per-prompt ones.
func (m *MockRunner) Enqueue(b MockBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, b)
}

// FailTimes makes the next n calls emit a transient error before any
// scripted behavior applies. Used to exercise retry paths.
func (m *MockRunner) FailTimes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst = n
}

// Calls returns a copy of every request seen so far, in arrival order.
func (m *MockRunner) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// Run implements Runner. Text is streamed as word-sized deltas followed by
// any tool events and a done marker.
func (m *MockRunner) Run(ctx context.Context, req Request) (<-chan Event, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)

	var b MockBehavior
	switch {
	case m.failFirst > 0:
		m.failFirst--
		b = MockBehavior{Err: schema.NewError(schema.ErrCodeProviderTransient, "mock transient failure")}
	case len(m.queue) > 0:
		b = m.queue[0]
		m.queue = m.queue[1:]
	default:
		var ok bool
		if b, ok = m.byPrompt[req.Prompt]; !ok {
			b = MockBehavior{Text: fmt.Sprintf("mock response to: %s", req.Prompt)}
		}
	}
	m.mu.Unlock()

	out := make(chan Event, 16)
	go func() {
		defer close(out)

		if b.Latency > 0 {
			select {
			case <-ctx.Done():
				out <- Event{Type: EventError, Err: schema.NewError(schema.ErrCodeCancelled, "mock run cancelled").WithCause(ctx.Err())}
				return
			case <-time.After(b.Latency):
			}
		}

		if b.Err != nil {
			out <- Event{Type: EventError, Err: b.Err}
			return
		}

		for _, delta := range splitDeltas(b.Text) {
			select {
			case <-ctx.Done():
				out <- Event{Type: EventError, Err: schema.NewError(schema.ErrCodeCancelled, "mock run cancelled").WithCause(ctx.Err())}
				return
			case out <- Event{Type: EventTextDelta, Text: delta}:
			}
		}
		for _, tc := range b.ToolCalls {
			out <- Event{Type: EventToolUse, ToolName: tc.Name, ToolInput: tc.Input}
		}
		out <- Event{Type: EventDone}
	}()
	return out, nil
}

// splitDeltas cuts text into small chunks so consumers see a real stream
// instead of one delta.
func splitDeltas(text string) []string {
	const chunk = 8
	if text == "" {
		return nil
	}
	runes := []rune(text)
	var parts []string
	for i := 0; i < len(runes); i += chunk {
		end := i + chunk
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[i:end]))
	}
	return parts
}

var _ Runner = (*MockRunner)(nil)
