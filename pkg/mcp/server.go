package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/TheGuidingPrincipels/agentflow/internal/controller"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/internal/streaming"
)

// AgentflowServerDeps holds the dependencies for creating an AgentflowServer.
type AgentflowServerDeps struct {
	Controller *controller.Controller
	Store      store.Store
	Hub        streaming.EventHub
	Logger     *slog.Logger
}

// AgentflowServer wraps an MCP server with agentflow-specific tool handlers.
type AgentflowServer struct {
	controller *controller.Controller
	store      store.Store
	hub        streaming.EventHub
	logger     *slog.Logger
	sessions   *SessionRegistry
	notifier   *ReviewNotifier
	mcpServer  *server.MCPServer
}

// NewAgentflowServer creates a new AgentflowServer with all 6 tools registered.
func NewAgentflowServer(deps AgentflowServerDeps) *AgentflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &AgentflowServer{
		controller: deps.Controller,
		store:      deps.Store,
		hub:        deps.Hub,
		logger:     logger,
		sessions:   NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"agentflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Agentflow is a multi-agent workflow orchestration engine. Use workflow.start to run a workflow definition, workflow.status to check progress, workflow.resume_review to answer a paused human-review step, workflow.cancel to stop a run, workflow.schedule to register a cron job, and workflow.query to list executions/events/reviews/jobs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewReviewNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *AgentflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *AgentflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// WatchReviews forwards human-review requests from the event hub to connected
// reviewer sessions. Blocks until ctx is cancelled; run it in its own goroutine.
func (s *AgentflowServer) WatchReviews(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	events, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{
		EventTypes: []string{"human_review_requested"},
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload := map[string]any{
				"kind":         "human_review_requested",
				"execution_id": ev.ExecutionID,
				"step_id":      ev.StepID,
				"detail":       ev.Payload,
			}
			for _, reviewer := range s.sessions.Reviewers() {
				if notifyErr := s.notifier.Notify(ctx, reviewer, payload); notifyErr != nil {
					s.logger.Warn("review notification failed",
						"reviewer", reviewer, "execution_id", ev.ExecutionID, "error", notifyErr)
				}
			}
		}
	}
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *AgentflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeReviewTool(), Handler: s.handleResumeReview},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a workflow execution from an inline definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (name, steps)")),
		mcp.WithObject("variables", mcp.Description("Initial context variables for the execution")),
		mcp.WithString("reviewer", mcp.Description("Reviewer ID to notify when the workflow pauses for human review")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get the status snapshot of a workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running or paused workflow execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
	)
}

func resumeReviewTool() mcp.Tool {
	return mcp.NewTool("workflow.resume_review",
		mcp.WithDescription("Resolve a pending human-review step and resume the execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the paused execution")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the human-review step awaiting a decision")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Whether the reviewer approves the step")),
		mcp.WithString("comment", mcp.Description("Reviewer comment, stored in the step's output variable")),
		mcp.WithString("reviewer", mcp.Description("ID of the reviewer making the decision")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("workflow.schedule",
		mcp.WithDescription("Register a cron-scheduled workflow job"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Job name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition to run on each trigger")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Standard 5-field cron expression")),
		mcp.WithObject("variables", mcp.Description("Initial context variables for each scheduled run")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the job is enabled (default: true)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("Query executions, events, pending reviews, or scheduled jobs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "reviews", "jobs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, since, limit, event_type, execution_id, step_id, enabled)")),
	)
}
