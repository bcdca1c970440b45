package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/internal/controller"
	"github.com/TheGuidingPrincipels/agentflow/internal/engine"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/internal/streaming"
	"github.com/TheGuidingPrincipels/agentflow/internal/validation"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

type serverHarness struct {
	server     *AgentflowServer
	controller *controller.Controller
	mock       *runner.MockRunner
	store      store.Store
}

func newServerHarness(t *testing.T) *serverHarness {
	t.Helper()

	mock := runner.NewMockRunner()
	roster := runner.NewRoster()
	require.NoError(t, roster.RegisterRunner(mock))
	require.NoError(t, roster.RegisterAgent(runner.AgentDefinition{
		ID: "writer", Name: "Writer", Provider: "mock", Model: "mock-1",
	}))

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	hub := streaming.NewMemoryHub()

	eng, err := engine.New(engine.Config{
		Roster:  roster,
		Events:  store.NewEventLog(st),
		Reviews: st,
		Hub:     hub,
	})
	require.NoError(t, err)
	t.Cleanup(eng.Shutdown)

	wv, err := validation.NewWorkflowValidator(roster)
	require.NoError(t, err)

	ctrl, err := controller.New(controller.Config{
		Engine:    eng,
		Store:     st,
		Hub:       hub,
		Validator: wv,
	})
	require.NoError(t, err)

	s := NewAgentflowServer(AgentflowServerDeps{
		Controller: ctrl,
		Store:      st,
		Hub:        hub,
	})
	return &serverHarness{server: s, controller: ctrl, mock: mock, store: st}
}

// greetingDefinition is the raw-object form of a one-step agent workflow,
// as a client would pass it in the "definition" argument.
func greetingDefinition() map[string]any {
	return map[string]any{
		"name": "greeting",
		"steps": []any{
			map[string]any{
				"id":             "greet",
				"type":           "agent",
				"agentId":        "writer",
				"inputTemplate":  "greet {{who}}",
				"outputVariable": "greeting",
			},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

// startExecution runs workflow.start and returns the new execution ID.
func (h *serverHarness) startExecution(t *testing.T, args map[string]any) string {
	t.Helper()
	result, err := h.server.handleStart(context.Background(), buildRequest("workflow.start", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var started struct {
		ExecutionID string `json:"execution_id"`
	}
	unmarshalResult(t, result, &started)
	require.NotEmpty(t, started.ExecutionID)
	return started.ExecutionID
}

// --- Tests ---

func TestStartTool(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hello ada")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})

	require.NoError(t, h.controller.Wait(ctx, id))
	snap, err := h.controller.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, "hello ada", snap.Variables["greeting"])
}

func TestStartToolCoercesVariables(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	// Non-string variables arrive as JSON numbers/objects over MCP.
	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": float64(7)},
	})

	require.NoError(t, h.controller.Wait(ctx, id))
	snap, err := h.controller.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mock response to: greet 7", snap.Variables["greeting"])
}

func TestStartToolMissingDefinition(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.start", map[string]any{})
	result, err := h.server.handleStart(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartToolInvalidDefinition(t *testing.T) {
	h := newServerHarness(t)

	// Unknown agent fails validation before anything runs.
	def := greetingDefinition()
	def["steps"].([]any)[0].(map[string]any)["agentId"] = "nobody"

	req := buildRequest("workflow.start", map[string]any{"definition": def})
	result, err := h.server.handleStart(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "failed to start workflow")
}

func TestStatusTool(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hello ada")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	req := buildRequest("workflow.status", map[string]any{"execution_id": id})
	result, err := h.server.handleStatus(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var snap engine.Snapshot
	unmarshalResult(t, result, &snap)
	assert.Equal(t, id, snap.ID)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, schema.StepStatusCompleted, snap.StepStates["greet"])
}

func TestStatusToolMissingID(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.status", map[string]any{})
	result, err := h.server.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.status", map[string]any{"execution_id": "missing"})
	result, err := h.server.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddBehavior("greet ada", runner.MockBehavior{Text: "late", Latency: 5 * time.Second})
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})

	require.Eventually(t, func() bool {
		snap, err := h.controller.GetStatus(ctx, id)
		return err == nil && snap.Status == schema.ExecutionStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	req := buildRequest("workflow.cancel", map[string]any{"execution_id": id})
	result, err := h.server.handleCancel(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NoError(t, h.controller.Wait(ctx, id))
	snap, err := h.controller.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, snap.Status)
}

func TestCancelToolConflictOnCompleted(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hi")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	req := buildRequest("workflow.cancel", map[string]any{"execution_id": id})
	result, err := h.server.handleCancel(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResumeReviewTool(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": map[string]any{
			"name": "gated",
			"steps": []any{
				map[string]any{
					"id":                "gate",
					"type":              "humanReview",
					"promptForReviewer": "ship it?",
					"outputVariable":    "verdict",
				},
			},
		},
	})

	require.Eventually(t, func() bool {
		snap, err := h.controller.GetStatus(ctx, id)
		return err == nil && snap.Status == schema.ExecutionStatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	req := buildRequest("workflow.resume_review", map[string]any{
		"execution_id": id,
		"step_id":      "gate",
		"approved":     true,
		"comment":      "looks good",
		"reviewer":     "alice",
	})
	result, err := h.server.handleResumeReview(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	require.NoError(t, h.controller.Wait(ctx, id))
	snap, err := h.controller.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, snap.Status)
	assert.Equal(t, "looks good", snap.Variables["verdict"])
}

func TestResumeReviewToolRejection(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": map[string]any{
			"steps": []any{
				map[string]any{
					"id":                "gate",
					"type":              "humanReview",
					"promptForReviewer": "ship it?",
				},
			},
		},
	})

	require.Eventually(t, func() bool {
		snap, err := h.controller.GetStatus(ctx, id)
		return err == nil && snap.Status == schema.ExecutionStatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	req := buildRequest("workflow.resume_review", map[string]any{
		"execution_id": id,
		"step_id":      "gate",
		"approved":     false,
		"comment":      "not yet",
	})
	result, err := h.server.handleResumeReview(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NoError(t, h.controller.Wait(ctx, id))
	snap, err := h.controller.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, snap.Status)
}

func TestResumeReviewToolMissingParams(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	// Missing step_id.
	req := buildRequest("workflow.resume_review", map[string]any{
		"execution_id": "x", "approved": true,
	})
	result, err := h.server.handleResumeReview(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing approved.
	req = buildRequest("workflow.resume_review", map[string]any{
		"execution_id": "x", "step_id": "gate",
	})
	result, err = h.server.handleResumeReview(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestResumeReviewToolNotPaused(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hi")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	req := buildRequest("workflow.resume_review", map[string]any{
		"execution_id": id,
		"step_id":      "greet",
		"approved":     true,
	})
	result, err := h.server.handleResumeReview(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	req := buildRequest("workflow.schedule", map[string]any{
		"name":       "nightly",
		"cron":       "0 3 * * *",
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ops"},
	})
	result, err := h.server.handleSchedule(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var created struct {
		JobID     string `json:"job_id"`
		NextRunAt string `json:"next_run_at"`
	}
	unmarshalResult(t, result, &created)
	require.NotEmpty(t, created.JobID)
	assert.NotEmpty(t, created.NextRunAt)

	job, err := h.store.GetScheduledJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.Equal(t, "nightly", job.WorkflowName)
	assert.Equal(t, "0 3 * * *", job.CronExpression)
	assert.True(t, job.Enabled)
	assert.Equal(t, map[string]string{"who": "ops"}, job.Variables)
	require.NotNil(t, job.NextRunAt)
}

func TestScheduleToolInvalidCron(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.schedule", map[string]any{
		"name":       "nightly",
		"cron":       "not a cron",
		"definition": greetingDefinition(),
	})
	result, err := h.server.handleSchedule(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "invalid cron expression")
}

func TestScheduleToolDisabled(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	req := buildRequest("workflow.schedule", map[string]any{
		"name":       "paused-job",
		"cron":       "*/5 * * * *",
		"definition": greetingDefinition(),
		"enabled":    false,
	})
	result, err := h.server.handleSchedule(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var created struct {
		JobID string `json:"job_id"`
	}
	unmarshalResult(t, result, &created)

	job, err := h.store.GetScheduledJob(ctx, created.JobID)
	require.NoError(t, err)
	assert.False(t, job.Enabled)
}

func TestQueryExecutions(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hi")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	// The run goroutine persists the outcome after Wait returns.
	require.Eventually(t, func() bool {
		rec, err := h.store.GetExecution(ctx, id)
		return err == nil && rec.Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	req := buildRequest("workflow.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "completed"},
	})
	result, err := h.server.handleQuery(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Executions []*store.Execution `json:"executions"`
	}
	unmarshalResult(t, result, &listed)
	require.Len(t, listed.Executions, 1)
	assert.Equal(t, id, listed.Executions[0].ID)
}

func TestQueryEvents(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hi")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	req := buildRequest("workflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"execution_id": id},
	})
	result, err := h.server.handleQuery(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &listed)
	require.NotEmpty(t, listed.Events)
	assert.Equal(t, "execution_started", listed.Events[0].Type)
	assert.Equal(t, "execution_completed", listed.Events[len(listed.Events)-1].Type)
}

func TestQueryEventsByType(t *testing.T) {
	h := newServerHarness(t)
	h.mock.AddResponse("greet ada", "hi")
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": greetingDefinition(),
		"variables":  map[string]any{"who": "ada"},
	})
	require.NoError(t, h.controller.Wait(ctx, id))

	req := buildRequest("workflow.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": "step_completed"},
	})
	result, err := h.server.handleQuery(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &listed)
	require.Len(t, listed.Events, 1)
	assert.Equal(t, "greet", listed.Events[0].StepID)
}

func TestQueryEventsRequiresFilter(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.query", map[string]any{
		"resource": "events",
	})
	result, err := h.server.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryReviews(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	id := h.startExecution(t, map[string]any{
		"definition": map[string]any{
			"steps": []any{
				map[string]any{
					"id":                "gate",
					"type":              "humanReview",
					"promptForReviewer": "ok?",
				},
			},
		},
	})

	require.Eventually(t, func() bool {
		snap, err := h.controller.GetStatus(ctx, id)
		return err == nil && snap.Status == schema.ExecutionStatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	req := buildRequest("workflow.query", map[string]any{
		"resource": "reviews",
		"filter":   map[string]any{"execution_id": id, "status": "pending"},
	})
	result, err := h.server.handleQuery(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Reviews []*store.PendingReview `json:"reviews"`
	}
	unmarshalResult(t, result, &listed)
	require.Len(t, listed.Reviews, 1)
	assert.Equal(t, "gate", listed.Reviews[0].StepID)
	assert.Equal(t, "ok?", listed.Reviews[0].Prompt)

	require.NoError(t, h.controller.ResumeHumanReview(ctx, id, "gate", schema.ReviewDecision{Approved: true}))
	require.NoError(t, h.controller.Wait(ctx, id))
}

func TestQueryJobs(t *testing.T) {
	h := newServerHarness(t)
	ctx := context.Background()

	for _, spec := range []struct {
		name    string
		enabled bool
	}{
		{"on-job", true},
		{"off-job", false},
	} {
		req := buildRequest("workflow.schedule", map[string]any{
			"name":       spec.name,
			"cron":       "0 * * * *",
			"definition": greetingDefinition(),
			"enabled":    spec.enabled,
		})
		result, err := h.server.handleSchedule(ctx, req)
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	req := buildRequest("workflow.query", map[string]any{
		"resource": "jobs",
		"filter":   map[string]any{"enabled": true},
	})
	result, err := h.server.handleQuery(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	var listed struct {
		Jobs []*store.ScheduledJob `json:"jobs"`
	}
	unmarshalResult(t, result, &listed)
	require.Len(t, listed.Jobs, 1)
	assert.Equal(t, "on-job", listed.Jobs[0].WorkflowName)
}

func TestQueryUnknownResource(t *testing.T) {
	h := newServerHarness(t)

	req := buildRequest("workflow.query", map[string]any{
		"resource": "invalid",
	})
	result, err := h.server.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestParseVariables(t *testing.T) {
	vars := parseVariables(map[string]any{
		"s": "plain",
		"n": float64(3),
		"b": true,
		"o": map[string]any{"k": "v"},
	})
	assert.Equal(t, "plain", vars["s"])
	assert.Equal(t, "3", vars["n"])
	assert.Equal(t, "true", vars["b"])
	assert.JSONEq(t, `{"k":"v"}`, vars["o"])

	assert.Nil(t, parseVariables(nil))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
