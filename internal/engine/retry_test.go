package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"transient provider", schema.NewError(schema.ErrCodeProviderTransient, "rate limited"), true},
		{"fatal provider", schema.NewError(schema.ErrCodeProviderFatal, "bad model"), false},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad input"), false},
		{"plain error", errors.New("boom"), false},
		{"wrapped transient", schema.NewError(schema.ErrCodeStepFailed, "outer").
			WithCause(schema.NewError(schema.ErrCodeProviderTransient, "inner")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestComputeBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *schema.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"exponential first", &schema.RetryPolicy{Max: 2, Backoff: "exponential", Delay: "500ms"}, 0, 500 * time.Millisecond},
		{"exponential second", &schema.RetryPolicy{Max: 2, Backoff: "exponential", Delay: "500ms"}, 1, time.Second},
		{"exponential third", &schema.RetryPolicy{Max: 3, Backoff: "exponential", Delay: "500ms"}, 2, 2 * time.Second},
		{"linear", &schema.RetryPolicy{Max: 3, Backoff: "linear", Delay: "100ms"}, 2, 300 * time.Millisecond},
		{"constant", &schema.RetryPolicy{Max: 3, Backoff: "constant", Delay: "250ms"}, 2, 250 * time.Millisecond},
		{"defaults fill in", &schema.RetryPolicy{Max: 2}, 0, 500 * time.Millisecond},
		{"bad delay falls back", &schema.RetryPolicy{Max: 2, Delay: "soon"}, 0, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeBackoff(tt.policy, tt.attempt))
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.Max)
	assert.Equal(t, "exponential", p.Backoff)
	assert.Equal(t, "500ms", p.Delay)
}

func TestWaitForBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := WaitForBackoff(ctx, 5*time.Second)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
