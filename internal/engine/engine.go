// Package engine walks a workflow's step tree and drives each step to a
// terminal state. One goroutine per execution owns the lifecycle status;
// parallel steps fan out through a bounded worker pool over isolated
// context-store branches.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/internal/expressions"
	"github.com/TheGuidingPrincipels/agentflow/internal/logging"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/internal/streaming"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// ReviewStore persists pending human reviews so they survive restarts.
type ReviewStore interface {
	CreateReview(ctx context.Context, review *store.PendingReview) error
	ResolveReview(ctx context.Context, id string, resolution *store.ReviewResolution) error
}

// Config carries the engine's dependencies. Roster is required; the rest are
// optional and nil-checked.
type Config struct {
	Roster       *runner.Roster
	Events       EventAppender
	Reviews      ReviewStore
	Hub          streaming.EventHub
	Logger       *slog.Logger
	MaxParallel  int
	DefaultRetry *schema.RetryPolicy
}

// Engine executes workflow definitions.
type Engine struct {
	roster       *runner.Roster
	cel          *expressions.CELEngine
	expr         *expressions.ExprEngine
	jq           *expressions.GoJQEngine
	sink         *eventSink
	reviews      ReviewStore
	logger       *slog.Logger
	pool         *WorkerPool
	execFSM      *ExecutionFSM
	stepFSM      *StepFSM
	defaultRetry *schema.RetryPolicy
}

// New creates an Engine from the given config.
func New(cfg Config) (*Engine, error) {
	if cfg.Roster == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires an agent roster")
	}

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 8
	}

	retry := cfg.DefaultRetry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}

	sink := &eventSink{appender: cfg.Events, hub: cfg.Hub}

	return &Engine{
		roster:       cfg.Roster,
		cel:          cel,
		expr:         expressions.NewExprEngine(),
		jq:           expressions.NewGoJQEngine(),
		sink:         sink,
		reviews:      cfg.Reviews,
		logger:       logger,
		pool:         NewWorkerPool(maxParallel),
		execFSM:      NewExecutionFSM(sink),
		stepFSM:      NewStepFSM(sink),
		defaultRetry: retry,
	}, nil
}

// Shutdown stops the engine's worker pool after in-flight work drains.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// Execute runs an execution to a terminal status. It is the single writer of
// the execution's lifecycle status and blocks until the run finishes.
func (e *Engine) Execute(ctx context.Context, ex *Execution) {
	runCtx, cancel := context.WithCancel(ctx)
	ex.setCancelFn(cancel)
	if ex.cancelRequested.Load() {
		// Cancel arrived before the run goroutine started.
		cancel()
	}
	defer cancel()
	defer close(ex.done)

	runCtx = logging.WithExecutionID(runCtx, ex.ID)
	logger := logging.LogWith(runCtx, e.logger)

	if err := e.transition(runCtx, ex, schema.ExecutionStatusRunning); err != nil {
		ex.setError(asFlowError(err))
		ex.setStatus(schema.ExecutionStatusFailed)
		return
	}
	logger.InfoContext(runCtx, "execution started", slog.String("workflow", ex.Definition.Name))

	err := e.runSteps(runCtx, ex, ex.Definition.Steps, ex.Context, 0)

	// Terminal bookkeeping must survive cancellation.
	termCtx := context.WithoutCancel(runCtx)

	switch {
	case err == nil:
		if terr := e.transition(termCtx, ex, schema.ExecutionStatusCompleted); terr != nil {
			logger.ErrorContext(termCtx, "completion transition failed", slog.Any("error", terr))
		}
		logger.InfoContext(termCtx, "execution completed")

	case ex.cancelRequested.Load() || errors.Is(err, context.Canceled):
		ex.setError(schema.NewError(schema.ErrCodeCancelled, "execution cancelled"))
		if terr := e.transition(termCtx, ex, schema.ExecutionStatusCancelled); terr != nil {
			logger.ErrorContext(termCtx, "cancel transition failed", slog.Any("error", terr))
		}
		logger.InfoContext(termCtx, "execution cancelled")

	default:
		flowErr := asFlowError(err)
		ex.setError(flowErr)
		if terr := e.transition(termCtx, ex, schema.ExecutionStatusFailed); terr != nil {
			logger.ErrorContext(termCtx, "failure transition failed", slog.Any("error", terr))
		}
		logger.ErrorContext(termCtx, "execution failed",
			slog.String("code", flowErr.Code), slog.String("error", flowErr.Message))
	}
}

// transition moves the execution to a new status through the FSM, then
// records it. Status writes happen only on the run goroutine.
func (e *Engine) transition(ctx context.Context, ex *Execution, to schema.ExecutionStatus) error {
	from := ex.Status()
	if err := e.execFSM.Transition(ctx, ex.ID, from, to); err != nil {
		return err
	}
	ex.setStatus(to)
	return nil
}

// transitionStep moves a step to a new status through the step FSM.
func (e *Engine) transitionStep(ctx context.Context, ex *Execution, stepID string, to schema.StepStatus) error {
	from := ex.stepStatus(stepID)
	if err := e.stepFSM.Transition(ctx, ex.ID, stepID, from, to); err != nil {
		return err
	}
	ex.setStepStatus(stepID, to)
	return nil
}

// emit records a non-lifecycle event (condition results, loop progress,
// variable writes) in the event log and on the live stream.
func (e *Engine) emit(ctx context.Context, executionID, stepID, eventType string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			raw = b
		}
	}
	event := &store.Event{
		ExecutionID: executionID,
		StepID:      stepID,
		Type:        eventType,
		Payload:     raw,
	}
	if err := e.sink.AppendEvent(ctx, event); err != nil {
		logging.LogWith(ctx, e.logger).WarnContext(ctx, "event emit failed",
			slog.String("event_type", eventType), slog.Any("error", err))
	}
}

func asFlowError(err error) *schema.FlowError {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		return flowErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithCause(err)
}

// eventSink fans transition events out to the persistent log and the live
// stream hub. Either destination may be absent.
type eventSink struct {
	appender EventAppender
	hub      streaming.EventHub
}

func (s *eventSink) AppendEvent(ctx context.Context, event *store.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if s.hub != nil {
		var payload any
		if len(event.Payload) > 0 {
			_ = json.Unmarshal(event.Payload, &payload)
		}
		_ = s.hub.Publish(ctx, streaming.StreamEvent{
			ExecutionID: event.ExecutionID,
			StepID:      event.StepID,
			EventType:   event.Type,
			Payload:     payload,
			Timestamp:   event.Timestamp,
		})
	}
	if s.appender != nil {
		return s.appender.AppendEvent(ctx, event)
	}
	return nil
}
