package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/internal/contextstore"
	"github.com/TheGuidingPrincipels/agentflow/internal/expressions"
	"github.com/TheGuidingPrincipels/agentflow/internal/logging"
	"github.com/TheGuidingPrincipels/agentflow/internal/runner"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// runSteps executes a step list in order, stopping at the first failure.
func (e *Engine) runSteps(ctx context.Context, ex *Execution, steps []schema.WorkflowStep, cs *contextstore.Store, iteration int) error {
	for i := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.runStep(ctx, ex, &steps[i], cs, iteration); err != nil {
			return err
		}
	}
	return nil
}

// runStep drives one step through its lifecycle and dispatches on its type.
func (e *Engine) runStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store, iteration int) error {
	// Steps inside a loop body run once per iteration; reset terminal state
	// from the previous pass so the FSM accepts a fresh start.
	if s := ex.stepStatus(step.ID); s == schema.StepStatusCompleted ||
		s == schema.StepStatusFailed || s == schema.StepStatusSkipped {
		ex.setStepStatus(step.ID, schema.StepStatusPending)
	}

	stepCtx := logging.WithStepID(ctx, step.ID)
	if err := e.transitionStep(stepCtx, ex, step.ID, schema.StepStatusRunning); err != nil {
		return err
	}

	var err error
	switch step.Type {
	case schema.StepTypeAgent:
		err = e.runAgentStep(stepCtx, ex, step, cs)
	case schema.StepTypeTransform:
		err = e.runTransformStep(stepCtx, ex, step, cs, iteration)
	case schema.StepTypeConditional:
		err = e.runConditionalStep(stepCtx, ex, step, cs, iteration)
	case schema.StepTypeSequential:
		err = e.runSteps(stepCtx, ex, step.Children, cs, iteration)
	case schema.StepTypeParallel:
		err = e.runParallelStep(stepCtx, ex, step, cs, iteration)
	case schema.StepTypeLoop:
		err = e.runLoopStep(stepCtx, ex, step, cs)
	case schema.StepTypeHumanReview:
		err = e.runHumanReviewStep(stepCtx, ex, step, cs)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown step type %q", step.Type).WithStep(step.ID)
	}

	termCtx := context.WithoutCancel(stepCtx)
	if err != nil {
		if terr := e.transitionStep(termCtx, ex, step.ID, schema.StepStatusFailed); terr != nil {
			logging.LogWith(termCtx, e.logger).WarnContext(termCtx, "step failure transition rejected",
				slog.Any("error", terr))
		}
		return e.stepFailure(step.ID, err)
	}
	// Human review leaves the step in awaiting_review; everything else is
	// still running here on success.
	if s := ex.stepStatus(step.ID); s == schema.StepStatusRunning || s == schema.StepStatusAwaitingReview {
		if terr := e.transitionStep(termCtx, ex, step.ID, schema.StepStatusCompleted); terr != nil {
			return terr
		}
	}
	return nil
}

// stepFailure wraps a step error so the execution's terminal error names the
// step that sank it. Cancellation passes through untouched.
func (e *Engine) stepFailure(stepID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	flowErr := asFlowError(err)
	if flowErr.Code == schema.ErrCodeCancelled {
		return flowErr
	}
	if flowErr.StepID == "" {
		flowErr = flowErr.WithStep(stepID)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %q failed: %s", stepID, flowErr.Message).
		WithStep(stepID).
		WithCause(flowErr)
}

// runAgentStep interpolates the step's input, resolves the agent and drives
// the provider stream to completion, retrying transient failures per the
// step's retry policy.
func (e *Engine) runAgentStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store) error {
	prompt := e.interpolate(ex, step, step.InputTemplate, cs)

	def, rn, err := e.roster.Resolve(step.AgentID)
	if err != nil {
		return err
	}

	ctx = logging.WithAgentID(ctx, step.AgentID)
	logger := logging.LogWith(ctx, e.logger)

	req := runner.Request{
		Prompt:       prompt,
		SystemPrompt: def.SystemPrompt,
		Model:        def.Model,
		AllowedTools: def.AllowedTools,
		Temperature:  def.Temperature,
		MaxTokens:    def.MaxTokens,
	}

	policy := step.Retry
	if policy == nil {
		policy = e.defaultRetry
	}

	var result *runner.Result
	var lastErr error
	for attempt := 0; attempt <= policy.Max; attempt++ {
		if attempt > 0 {
			if terr := e.transitionStep(ctx, ex, step.ID, schema.StepStatusRetrying); terr != nil {
				return terr
			}
			delay := ComputeBackoff(policy, attempt-1)
			logger.WarnContext(ctx, "agent step retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				return werr
			}
			if terr := e.transitionStep(ctx, ex, step.ID, schema.StepStatusRunning); terr != nil {
				return terr
			}
		}

		events, runErr := rn.Run(ctx, req)
		if runErr == nil {
			result, runErr = runner.Collect(ctx, events)
		}
		if runErr == nil {
			break
		}
		lastErr = runErr
		result = nil
		if !IsRetryableError(runErr) {
			return runErr
		}
	}
	if result == nil {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"agent %q failed after %d attempts: %s", step.AgentID, policy.Max+1, lastErr.Error()).
			WithStep(step.ID).
			WithCause(lastErr)
	}

	if step.OutputVariable != "" {
		cs.SetVariable(step.OutputVariable, result.Text)
		e.emit(ctx, ex.ID, step.ID, schema.EventVariableSet,
			map[string]any{"variable": step.OutputVariable})
	}
	cs.StoreMemory(contextstore.MemoryEntry{
		Key:      step.ID,
		Value:    result.Text,
		Category: "agent_output",
	})
	e.emit(ctx, ex.ID, step.ID, schema.EventMemoryStored,
		map[string]any{"key": step.ID, "category": "agent_output"})
	return nil
}

// runTransformStep applies one of the pure transforms to the step's
// interpolated input and writes the result to the output variable.
func (e *Engine) runTransformStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store, iteration int) error {
	input := e.interpolate(ex, step, step.InputTemplate, cs)

	var out string
	switch step.TransformKind {
	case schema.TransformTrim:
		out = strings.TrimSpace(input)
	case schema.TransformConcat:
		out = input
	case schema.TransformUppercase:
		out = strings.ToUpper(input)
	case schema.TransformLowercase:
		out = strings.ToLower(input)
	case schema.TransformExtractJSON:
		var doc any
		if err := json.Unmarshal([]byte(input), &doc); err != nil {
			return schema.NewErrorf(schema.ErrCodeTransform, "input is not valid JSON: %s", err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		value, err := e.jq.Run(ctx, step.Program, doc)
		if err != nil {
			return schema.NewError(schema.ErrCodeTransform, err.Error()).WithStep(step.ID).WithCause(err)
		}
		out = stringifyValue(value)
	case schema.TransformExpression:
		value, err := e.expr.Evaluate(ctx, step.Program, expressions.VarsScope(cs.Variables(), iteration))
		if err != nil {
			return schema.NewError(schema.ErrCodeTransform, err.Error()).WithStep(step.ID).WithCause(err)
		}
		out = stringifyValue(value)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown transform kind %q", step.TransformKind).
			WithStep(step.ID)
	}

	if step.OutputVariable != "" {
		cs.SetVariable(step.OutputVariable, out)
		e.emit(ctx, ex.ID, step.ID, schema.EventVariableSet,
			map[string]any{"variable": step.OutputVariable})
	}
	return nil
}

// interpolate resolves a template against the context store and records a
// warning per unresolved variable. Unresolved tokens stay in the output.
func (e *Engine) interpolate(ex *Execution, step *schema.WorkflowStep, template string, cs *contextstore.Store) string {
	resolved, missing := expressions.Interpolate(template, cs)
	for _, name := range missing {
		ex.addWarning(fmt.Sprintf("step %q: variable %q is not set", step.ID, name))
	}
	return resolved
}

// stringifyValue renders an expression or jq result as a context variable.
// Strings pass through unquoted; everything else marshals to JSON.
func stringifyValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
