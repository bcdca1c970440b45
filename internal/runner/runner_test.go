package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

func TestCollect_AggregatesStream(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Type: EventTextDelta, Text: "hello "}
	events <- Event{Type: EventTextDelta, Text: "world"}
	events <- Event{Type: EventToolUse, ToolName: "search", ToolInput: map[string]any{"q": "go"}}
	events <- Event{Type: EventDone}
	close(events)

	result, err := Collect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Text)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "search", result.ToolCalls[0].Name)
}

func TestCollect_TerminalError(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Type: EventTextDelta, Text: "partial"}
	events <- Event{Type: EventError, Err: schema.NewError(schema.ErrCodeProviderTransient, "rate limited")}
	close(events)

	result, err := Collect(context.Background(), events)
	assert.Nil(t, result)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeProviderTransient, flowErr.Code)
	assert.True(t, flowErr.IsRetryable())
}

func TestCollect_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events := make(chan Event) // unbuffered, never written
	result, err := Collect(ctx, events)
	assert.Nil(t, result)

	var flowErr *schema.FlowError
	require.ErrorAs(t, err, &flowErr)
	assert.Equal(t, schema.ErrCodeCancelled, flowErr.Code)
}

func TestCollect_ClosedWithoutTerminal(t *testing.T) {
	events := make(chan Event, 1)
	events <- Event{Type: EventTextDelta, Text: "truncated"}
	close(events)

	result, err := Collect(context.Background(), events)
	require.NoError(t, err)
	assert.Equal(t, "truncated", result.Text)
}

func TestClassifyStatus(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		status   int
		wantCode string
	}{
		{429, schema.ErrCodeProviderTransient},
		{408, schema.ErrCodeProviderTransient},
		{500, schema.ErrCodeProviderTransient},
		{503, schema.ErrCodeProviderTransient},
		{400, schema.ErrCodeProviderFatal},
		{401, schema.ErrCodeProviderFatal},
		{403, schema.ErrCodeProviderFatal},
		{404, schema.ErrCodeProviderFatal},
	}
	for _, tt := range tests {
		flowErr := ClassifyStatus(tt.status, "test", cause)
		assert.Equal(t, tt.wantCode, flowErr.Code, "status %d", tt.status)
		assert.ErrorIs(t, flowErr, cause)
	}
}

func TestNetworkError_IsTransient(t *testing.T) {
	flowErr := NetworkError("test", errors.New("connection reset"))
	assert.Equal(t, schema.ErrCodeProviderTransient, flowErr.Code)
	assert.True(t, flowErr.IsRetryable())
}
