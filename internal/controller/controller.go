// Package controller is the public surface of the orchestrator: it starts,
// cancels, resumes and observes workflow executions. Everything outside the
// process (CLI, MCP tools, scheduler) goes through the Controller rather
// than touching the engine directly.
package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TheGuidingPrincipels/agentflow/internal/engine"
	"github.com/TheGuidingPrincipels/agentflow/internal/logging"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/internal/streaming"
	"github.com/TheGuidingPrincipels/agentflow/internal/validation"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// Config carries the controller's dependencies. Engine is required; Store
// and Hub are optional (no persistence, no live event streams).
type Config struct {
	Engine    *engine.Engine
	Store     store.Store
	Hub       streaming.EventHub
	Validator validation.Validator
	Logger    *slog.Logger
}

// Controller exposes the execution lifecycle API.
type Controller struct {
	engine    *engine.Engine
	store     store.Store
	hub       streaming.EventHub
	validator validation.Validator
	logger    *slog.Logger

	mu         sync.RWMutex
	executions map[string]*engine.Execution
}

// New creates a Controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Engine == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "controller requires an engine")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		engine:     cfg.Engine,
		store:      cfg.Store,
		hub:        cfg.Hub,
		validator:  cfg.Validator,
		logger:     logger,
		executions: make(map[string]*engine.Execution),
	}, nil
}

// Start validates the definition, registers a new execution and launches its
// run goroutine. It returns the execution ID immediately; progress is
// observed through Events and GetStatus.
func (c *Controller) Start(ctx context.Context, def schema.WorkflowDefinition, initialVars map[string]string) (string, error) {
	if c.validator != nil {
		if err := c.validator.ValidateDefinition(&def, initialVars); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	ex := engine.NewExecution(id, def, initialVars)

	if c.store != nil {
		record := &store.Execution{
			ID:           id,
			WorkflowName: def.Name,
			Definition:   def,
			Status:       schema.ExecutionStatusPending,
			InitialVars:  initialVars,
		}
		if err := c.store.CreateExecution(ctx, record); err != nil {
			return "", schema.NewError(schema.ErrCodeStore, "persist execution").WithCause(err)
		}
	}

	c.mu.Lock()
	c.executions[id] = ex
	c.mu.Unlock()

	// The run outlives the Start request.
	runCtx := logging.WithExecutionID(context.Background(), id)
	go func() {
		c.engine.Execute(runCtx, ex)
		c.persistOutcome(runCtx, ex)
	}()

	return id, nil
}

// persistOutcome writes the terminal snapshot back to the store.
func (c *Controller) persistOutcome(ctx context.Context, ex *engine.Execution) {
	if c.store == nil {
		return
	}
	snap := ex.Snapshot()

	status := snap.Status
	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:      &status,
		FinalVars:   snap.Variables,
		CompletedAt: &now,
	}
	if snap.Error != nil {
		if raw, err := json.Marshal(snap.Error); err == nil {
			update.Error = raw
		}
	}
	if err := c.store.UpdateExecution(ctx, snap.ID, update); err != nil {
		logging.LogWith(ctx, c.logger).ErrorContext(ctx, "persist execution outcome failed",
			slog.Any("error", err))
	}
}

// Cancel requests cancellation of a running or paused execution. Cancelling
// an already-cancelled execution is a no-op; cancelling one that completed
// or failed is a conflict.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	ex, err := c.lookup(id)
	if err != nil {
		return err
	}

	if ex.Cancel() {
		return nil
	}
	if ex.Status() == schema.ExecutionStatusCancelled {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConflict,
		"execution %s already %s", id, ex.Status())
}

// ResumeHumanReview delivers a reviewer decision to the execution's pending
// review step.
func (c *Controller) ResumeHumanReview(ctx context.Context, id, stepID string, decision schema.ReviewDecision) error {
	ex, err := c.lookup(id)
	if err != nil {
		return err
	}
	if ex.Status() != schema.ExecutionStatusPaused {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s is %s, not paused", id, ex.Status())
	}
	return ex.Resolve(stepID, decision)
}

// GetStatus returns the execution's current snapshot. Live executions answer
// from memory; finished ones fall back to the store.
func (c *Controller) GetStatus(ctx context.Context, id string) (*engine.Snapshot, error) {
	c.mu.RLock()
	ex, ok := c.executions[id]
	c.mu.RUnlock()
	if ok {
		snap := ex.Snapshot()
		return &snap, nil
	}

	if c.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	record, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	snap := &engine.Snapshot{
		ID:        record.ID,
		Status:    record.Status,
		Variables: record.FinalVars,
	}
	if record.StartedAt != nil {
		snap.StartedAt = *record.StartedAt
	}
	if len(record.Error) > 0 {
		var flowErr schema.FlowError
		if err := json.Unmarshal(record.Error, &flowErr); err == nil {
			snap.Error = &flowErr
		}
	}
	return snap, nil
}

// PendingReview reports the step currently awaiting review, if any.
func (c *Controller) PendingReview(ctx context.Context, id string) (string, bool, error) {
	ex, err := c.lookup(id)
	if err != nil {
		return "", false, err
	}
	stepID, ok := ex.PendingReviewStep()
	return stepID, ok, nil
}

// Events subscribes to the live event stream for one execution. The returned
// cancel func must be called when the caller is done.
func (c *Controller) Events(ctx context.Context, id string) (<-chan streaming.StreamEvent, func(), error) {
	if c.hub == nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "event streaming is not configured")
	}
	return c.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
}

// History returns the persisted event log for an execution, in sequence
// order, starting after the given sequence number.
func (c *Controller) History(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if c.store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "persistence is not configured")
	}
	return c.store.GetEvents(ctx, id, since)
}

// ListExecutions returns persisted executions matching the filter.
func (c *Controller) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	if c.store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "persistence is not configured")
	}
	return c.store.ListExecutions(ctx, filter)
}

// Wait blocks until the execution's run goroutine finishes or ctx expires.
func (c *Controller) Wait(ctx context.Context, id string) error {
	ex, err := c.lookup(id)
	if err != nil {
		return err
	}
	select {
	case <-ex.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) lookup(id string) (*engine.Execution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ex, ok := c.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return ex, nil
}
