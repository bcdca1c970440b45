package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"

	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// handleStart validates and starts a workflow from an inline definition.
func (s *AgentflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	def, errResult := parseDefinition(req, "definition")
	if errResult != nil {
		return errResult, nil
	}
	vars := parseVariables(mcp.ParseStringMap(req, "variables", nil))

	// Capture session mapping so review requests can be pushed back.
	if reviewer := req.GetString("reviewer", ""); reviewer != "" {
		s.captureSession(ctx, reviewer)
	}

	id, err := s.controller.Start(ctx, *def, vars)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start workflow: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"execution_id":  id,
		"workflow_name": def.Name,
	})
}

// handleStatus returns the current snapshot of an execution.
func (s *AgentflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snap, statusErr := s.controller.GetStatus(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	return marshalResult(snap)
}

// handleCancel requests cooperative cancellation of an execution.
func (s *AgentflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	if cancelErr := s.controller.Cancel(ctx, executionID); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleResumeReview resolves a pending human-review step. The engine resumes
// the execution on its own once the decision is delivered.
func (s *AgentflowServer) handleResumeReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}

	reviewer := req.GetString("reviewer", "")
	if reviewer != "" {
		s.captureSession(ctx, reviewer)
	}

	decision := schema.ReviewDecision{
		Approved: approved,
		Comment:  req.GetString("comment", ""),
		Reviewer: reviewer,
	}

	if resumeErr := s.controller.ResumeHumanReview(ctx, executionID, stepID, decision); resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"step_id":      stepID,
		"approved":     approved,
	})
}

// handleSchedule registers a cron-scheduled workflow job.
func (s *AgentflowServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	def, errResult := parseDefinition(req, "definition")
	if errResult != nil {
		return errResult, nil
	}

	schedule, cronErr := cron.ParseStandard(cronExpr)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	now := time.Now().UTC()
	nextRun := schedule.Next(now)
	job := &store.ScheduledJob{
		ID:             uuid.New().String(),
		WorkflowName:   name,
		Definition:     *def,
		CronExpression: cronExpr,
		Variables:      parseVariables(mcp.ParseStringMap(req, "variables", nil)),
		Enabled:        req.GetBool("enabled", true),
		NextRunAt:      &nextRun,
		CreatedAt:      now,
	}

	if createErr := s.store.CreateScheduledJob(ctx, job); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create scheduled job: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"job_id":      job.ID,
		"next_run_at": nextRun.Format(time.RFC3339),
	})
}

// handleQuery lists executions, events, reviews, or scheduled jobs based on filters.
func (s *AgentflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "reviews":
		return s.queryReviews(ctx, filter)
	case "jobs":
		return s.queryJobs(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *AgentflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *AgentflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		ef.ExecutionID = execID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	eventType, _ := filter["event_type"].(string)
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter — use the per-execution log.
	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *AgentflowServer) queryReviews(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.ReviewFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		rf.ExecutionID = execID
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = status
	}

	reviews, err := s.store.ListReviews(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"reviews": reviews})
}

func (s *AgentflowServer) queryJobs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	jf := store.ScheduledJobFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		jf.Enabled = &enabled
	}

	jobs, err := s.store.ListScheduledJobs(ctx, jf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"jobs": jobs})
}

// --- Internal helpers ---

// parseDefinition extracts a WorkflowDefinition from an object argument.
// Returns a tool error result (not a Go error) when the argument is invalid.
func parseDefinition(req mcp.CallToolRequest, key string) (*schema.WorkflowDefinition, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return nil, mcp.NewToolResultError(key + " is required")
	}

	// Marshal then unmarshal to get a proper WorkflowDefinition.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid %s: %v", key, err))
	}
	return &def, nil
}

// parseVariables converts an object argument into string context variables.
// Non-string values are carried as their JSON encoding.
func parseVariables(raw map[string]any) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	vars := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			vars[k] = s
			continue
		}
		if data, err := json.Marshal(v); err == nil {
			vars[k] = string(data)
		}
	}
	return vars
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	}
	return defaultVal
}

// captureSession maps the reviewer ID to its current MCP session for notifications.
func (s *AgentflowServer) captureSession(ctx context.Context, reviewer string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(reviewer, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
