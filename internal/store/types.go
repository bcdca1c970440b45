package store

import (
	"encoding/json"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// Execution is the persisted representation of a workflow execution.
type Execution struct {
	ID           string                    `json:"id"`
	WorkflowName string                    `json:"workflow_name"`
	Definition   schema.WorkflowDefinition `json:"definition"`
	Status       schema.ExecutionStatus    `json:"status"`
	InitialVars  map[string]string         `json:"initial_variables,omitempty"`
	FinalVars    map[string]string         `json:"final_variables,omitempty"`
	Output       json.RawMessage           `json:"output,omitempty"`
	Error        json.RawMessage           `json:"error,omitempty"`
	CreatedAt    time.Time                 `json:"created_at"`
	StartedAt    *time.Time                `json:"started_at,omitempty"`
	CompletedAt  *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// StepState is the materialized view of a step's execution state,
// reconstructed from the event log.
type StepState struct {
	ExecutionID string            `json:"execution_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// PendingReview is a human-review step awaiting a reviewer decision.
type PendingReview struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      string          `json:"step_id"`
	Prompt      string          `json:"prompt"`
	TimeoutAt   *time.Time      `json:"timeout_at,omitempty"`
	OnTimeout   string          `json:"on_timeout,omitempty"`
	Resolution  json.RawMessage `json:"resolution,omitempty"`
	ResolvedBy  string          `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Review status values.
const (
	ReviewStatusPending   = "pending"
	ReviewStatusResolved  = "resolved"
	ReviewStatusTimedOut  = "timed_out"
	ReviewStatusCancelled = "cancelled"
)

// ReviewResolution is the recorded outcome of a review.
type ReviewResolution struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment,omitempty"`
	Reviewer string `json:"reviewer,omitempty"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

// ScheduledJob is a cron-triggered workflow start.
type ScheduledJob struct {
	ID             string                    `json:"id"`
	WorkflowName   string                    `json:"workflow_name"`
	Definition     schema.WorkflowDefinition `json:"definition"`
	CronExpression string                    `json:"cron_expression"`
	Variables      map[string]string         `json:"variables,omitempty"`
	Enabled        bool                      `json:"enabled"`
	LastRunAt      *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time                `json:"next_run_at,omitempty"`
	LastRunStatus  string                    `json:"last_run_status,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status *schema.ExecutionStatus `json:"status,omitempty"`
	Since  *time.Time              `json:"since,omitempty"`
	Limit  int                     `json:"limit,omitempty"`
	Offset int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	FinalVars   map[string]string       `json:"final_variables,omitempty"`
	Output      json.RawMessage         `json:"output,omitempty"`
	Error       json.RawMessage         `json:"error,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ReviewFilter specifies criteria for listing pending reviews.
type ReviewFilter struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
