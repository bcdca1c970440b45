package engine

import (
	"context"
	"sync"

	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender receives the event emitted on each transition.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM manages execution lifecycle state transitions.
type ExecutionFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM that emits events via the given appender.
func NewExecutionFSM(appender EventAppender) *ExecutionFSM {
	return &ExecutionFSM{
		appender: appender,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before an execution transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after an execution transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes an execution state transition, emitting
// the corresponding lifecycle event. The caller is responsible for persisting
// the new status.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(from, to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a step state transition, emitting the
// corresponding lifecycle event.
func (f *StepFSM) Transition(ctx context.Context, executionID, stepID string, from, to schema.StepStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		event := &store.Event{
			ExecutionID: executionID,
			StepID:      stepID,
			Type:        eventType,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusAwaitingReview:
		// The review executor emits human_review_requested itself, with the
		// reviewer prompt and timeout in the payload.
		return ""
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusPaused:    {schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:        {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:        {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped, schema.StepStatusRetrying, schema.StepStatusAwaitingReview},
	schema.StepStatusRetrying:       {schema.StepStatusRunning, schema.StepStatusFailed},
	schema.StepStatusAwaitingReview: {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusSkipped},
	schema.StepStatusCompleted:      {},
	schema.StepStatusFailed:         {},
	schema.StepStatusSkipped:        {},
}
