package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

func TestEventLogAppendSequencing(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ExecutionID: exec.ID,
			StepID:      "s1",
			Type:        schema.EventStepStarted,
		}))
	}

	events, err := el.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 5)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
}

func TestEventLogConcurrentAppends(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	exec := seedExecution(t, s)

	const writers = 8
	const perWriter = 5

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = el.AppendEvent(ctx, &Event{
					ExecutionID: exec.ID,
					Type:        schema.EventVariableSet,
				})
			}
		}()
	}
	wg.Wait()

	events, err := el.GetEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)

	seen := make(map[int64]bool)
	for _, e := range events {
		assert.False(t, seen[e.Sequence], "duplicate sequence %d", e.Sequence)
		seen[e.Sequence] = true
	}
}

func TestReplayEventsReconstructsStepStates(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()
	exec := seedExecution(t, s)

	emit := func(stepID, evType string, payload json.RawMessage) {
		require.NoError(t, el.AppendEvent(ctx, &Event{
			ExecutionID: exec.ID,
			StepID:      stepID,
			Type:        evType,
			Payload:     payload,
		}))
	}

	emit("s1", schema.EventStepStarted, nil)
	emit("s1", schema.EventStepCompleted, json.RawMessage(`{"text":"done"}`))
	emit("s2", schema.EventStepStarted, nil)
	emit("s2", schema.EventStepRetrying, nil)
	emit("s2", schema.EventStepFailed, json.RawMessage(`{"code":"STEP_FAILED"}`))
	emit("s3", schema.EventStepSkipped, nil)
	emit("s4", schema.EventHumanReviewRequested, nil)

	states, err := el.ReplayEvents(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, states, 4)

	assert.Equal(t, schema.StepStatusCompleted, states["s1"].Status)
	assert.JSONEq(t, `{"text":"done"}`, string(states["s1"].Output))
	assert.NotNil(t, states["s1"].StartedAt)
	assert.NotNil(t, states["s1"].CompletedAt)

	assert.Equal(t, schema.StepStatusFailed, states["s2"].Status)
	assert.Equal(t, 1, states["s2"].RetryCount)

	assert.Equal(t, schema.StepStatusSkipped, states["s3"].Status)
	assert.Equal(t, schema.StepStatusAwaitingReview, states["s4"].Status)
}

func TestReplayEventsEmpty(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	exec := seedExecution(t, s)

	states, err := el.ReplayEvents(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
