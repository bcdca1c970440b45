package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// Defaults applied when an agent step carries no retry policy.
const (
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = "exponential"
	DefaultRetryDelay   = "500ms"
)

// DefaultRetryPolicy returns the engine-wide retry defaults.
func DefaultRetryPolicy() *schema.RetryPolicy {
	return &schema.RetryPolicy{
		Max:     DefaultMaxRetries,
		Backoff: DefaultRetryBackoff,
		Delay:   DefaultRetryDelay,
	}
}

// IsRetryableError classifies whether an error should be retried.
// Typed FlowErrors answer for themselves: only transient provider failures
// retry. Context cancellation never retries (the execution is shutting down);
// a per-attempt deadline does.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr.IsRetryable()
	}

	// Untyped network errors are retryable.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return false
}

// ComputeBackoff calculates the delay before retry attempt n (0-based).
// Supports constant, linear, and exponential backoff.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil {
		policy = DefaultRetryPolicy()
	}

	delayStr := policy.Delay
	if delayStr == "" {
		delayStr = DefaultRetryDelay
	}
	base, err := time.ParseDuration(delayStr)
	if err != nil {
		base, _ = time.ParseDuration(DefaultRetryDelay)
	}

	switch policy.Backoff {
	case "constant":
		return base
	case "linear":
		return base * time.Duration(attempt+1)
	default: // exponential
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		return base * multiplier
	}
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if
// the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
