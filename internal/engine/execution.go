package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/internal/contextstore"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// Execution is the in-memory runtime state of one workflow run. The engine's
// run goroutine is the only writer of Status; everything else observes it
// through snapshots.
type Execution struct {
	ID         string
	Definition schema.WorkflowDefinition
	Context    *contextstore.Store
	StartedAt  time.Time

	mu         sync.RWMutex
	status     schema.ExecutionStatus
	stepStates map[string]schema.StepStatus
	warnings   []string
	flowErr    *schema.FlowError

	cancelOnce      sync.Once
	cancelRequested atomic.Bool
	cancelFn        context.CancelFunc // guarded by mu

	reviewMu sync.Mutex
	reviews  map[string]chan schema.ReviewDecision

	done chan struct{}
}

// NewExecution creates a pending execution for a definition with the given
// initial variables.
func NewExecution(id string, def schema.WorkflowDefinition, initialVars map[string]string) *Execution {
	return &Execution{
		ID:         id,
		Definition: def,
		Context:    contextstore.New(initialVars),
		StartedAt:  time.Now().UTC(),
		status:     schema.ExecutionStatusPending,
		stepStates: make(map[string]schema.StepStatus),
		reviews:    make(map[string]chan schema.ReviewDecision),
		done:       make(chan struct{}),
	}
}

// Status returns the current lifecycle status.
func (ex *Execution) Status() schema.ExecutionStatus {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	return ex.status
}

// Snapshot is a point-in-time view of an execution for status reporting.
type Snapshot struct {
	ID         string                       `json:"id"`
	Status     schema.ExecutionStatus       `json:"status"`
	StepStates map[string]schema.StepStatus `json:"step_states"`
	Variables  map[string]string            `json:"variables"`
	Warnings   []string                     `json:"warnings,omitempty"`
	Error      *schema.FlowError            `json:"error,omitempty"`
	StartedAt  time.Time                    `json:"started_at"`
}

// Snapshot returns a copy of the execution's observable state.
func (ex *Execution) Snapshot() Snapshot {
	ex.mu.RLock()
	defer ex.mu.RUnlock()

	steps := make(map[string]schema.StepStatus, len(ex.stepStates))
	for k, v := range ex.stepStates {
		steps[k] = v
	}
	warnings := make([]string, len(ex.warnings))
	copy(warnings, ex.warnings)

	return Snapshot{
		ID:         ex.ID,
		Status:     ex.status,
		StepStates: steps,
		Variables:  ex.Context.Variables(),
		Warnings:   warnings,
		Error:      ex.flowErr,
		StartedAt:  ex.StartedAt,
	}
}

// Done is closed when the run goroutine finishes.
func (ex *Execution) Done() <-chan struct{} { return ex.done }

// Cancel requests cancellation. Safe to call multiple times; later calls are
// no-ops. Returns false if the execution already reached a terminal status.
func (ex *Execution) Cancel() bool {
	if ex.Status().Terminal() {
		return false
	}
	ex.cancelRequested.Store(true)
	ex.cancelOnce.Do(func() {
		ex.mu.RLock()
		fn := ex.cancelFn
		ex.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
	return true
}

func (ex *Execution) setCancelFn(fn context.CancelFunc) {
	ex.mu.Lock()
	ex.cancelFn = fn
	ex.mu.Unlock()
}

// Resolve delivers a reviewer decision to a waiting human-review step.
func (ex *Execution) Resolve(stepID string, decision schema.ReviewDecision) error {
	ex.reviewMu.Lock()
	ch, ok := ex.reviews[stepID]
	ex.reviewMu.Unlock()
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"no pending review for step %q", stepID).WithStep(stepID)
	}
	select {
	case ch <- decision:
		return nil
	default:
		return schema.NewErrorf(schema.ErrCodeConflict,
			"review for step %q already resolved", stepID).WithStep(stepID)
	}
}

// PendingReviewStep returns the step ID currently awaiting review, if any.
func (ex *Execution) PendingReviewStep() (string, bool) {
	ex.reviewMu.Lock()
	defer ex.reviewMu.Unlock()
	for stepID := range ex.reviews {
		return stepID, true
	}
	return "", false
}

func (ex *Execution) setStatus(status schema.ExecutionStatus) {
	ex.mu.Lock()
	ex.status = status
	ex.mu.Unlock()
}

func (ex *Execution) setError(err *schema.FlowError) {
	ex.mu.Lock()
	ex.flowErr = err
	ex.mu.Unlock()
}

func (ex *Execution) setStepStatus(stepID string, status schema.StepStatus) {
	ex.mu.Lock()
	ex.stepStates[stepID] = status
	ex.mu.Unlock()
}

func (ex *Execution) stepStatus(stepID string) schema.StepStatus {
	ex.mu.RLock()
	defer ex.mu.RUnlock()
	if s, ok := ex.stepStates[stepID]; ok {
		return s
	}
	return schema.StepStatusPending
}

func (ex *Execution) addWarning(w string) {
	ex.mu.Lock()
	ex.warnings = append(ex.warnings, w)
	ex.mu.Unlock()
}

func (ex *Execution) registerReview(stepID string) chan schema.ReviewDecision {
	ch := make(chan schema.ReviewDecision, 1)
	ex.reviewMu.Lock()
	ex.reviews[stepID] = ch
	ex.reviewMu.Unlock()
	return ch
}

func (ex *Execution) unregisterReview(stepID string) {
	ex.reviewMu.Lock()
	delete(ex.reviews, stepID)
	ex.reviewMu.Unlock()
}
