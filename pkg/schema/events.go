package schema

// Event type constants for the lifecycle event stream and the event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventHumanReviewRequested = "human_review_requested"
	EventHumanReviewResolved  = "human_review_resolved"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"
	EventLoopCompleted      = "loop_completed"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"

	EventVariableSet  = "variable_set"
	EventMemoryStored = "memory_stored"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the outcome state of a step.
type StepStatus string

const (
	StepStatusPending        StepStatus = "pending"
	StepStatusRunning        StepStatus = "running"
	StepStatusRetrying       StepStatus = "retrying"
	StepStatusAwaitingReview StepStatus = "awaiting_review"
	StepStatusCompleted      StepStatus = "completed"
	StepStatusFailed         StepStatus = "failed"
	StepStatusSkipped        StepStatus = "skipped"
)

// ReviewDecision is a reviewer's answer to a pending human-review step.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
}
