package store

import (
	"context"
	"fmt"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution
// sequence. A write-intent statement forces lock acquisition so concurrent
// writers cannot interleave sequence reads and inserts.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.StepID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed step states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StepState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)

	for _, e := range events {
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{
				ExecutionID: executionID,
				StepID:      e.StepID,
				Status:      schema.StepStatusPending,
			}
			states[e.StepID] = ss
		}

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = e.Payload

		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped

		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
			ss.RetryCount++

		case schema.EventHumanReviewRequested:
			ss.Status = schema.StepStatusAwaitingReview

		case schema.EventHumanReviewResolved:
			// The engine transitions the step after resolution; nothing to do here.
		}
	}

	return states, nil
}
