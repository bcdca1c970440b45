package engine

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/internal/contextstore"
	"github.com/TheGuidingPrincipels/agentflow/internal/expressions"
	"github.com/TheGuidingPrincipels/agentflow/internal/logging"
	"github.com/TheGuidingPrincipels/agentflow/internal/store"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// poolTaskKey marks a context as running inside a worker-pool task.
type poolTaskKey struct{}

// isCancellation reports whether err represents cancellation rather than a
// real step failure.
func isCancellation(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var flowErr *schema.FlowError
	return errors.As(err, &flowErr) && flowErr.Code == schema.ErrCodeCancelled
}

// runConditionalStep evaluates the step's condition, marks the untaken branch
// skipped and runs the taken one. An empty chosen branch skips the step.
func (e *Engine) runConditionalStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store, iteration int) error {
	result, err := e.evaluateCondition(ctx, step.Condition, cs, iteration)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step.ID).WithCause(err)
	}
	e.emit(ctx, ex.ID, step.ID, schema.EventConditionEvaluated, map[string]any{"result": result})

	taken, skipped := step.TrueBranch, step.FalseBranch
	if !result {
		taken, skipped = step.FalseBranch, step.TrueBranch
	}
	for i := range skipped {
		if terr := e.transitionStep(ctx, ex, skipped[i].ID, schema.StepStatusSkipped); terr != nil {
			logging.LogWith(ctx, e.logger).WarnContext(ctx, "skip transition rejected",
				slog.String("step_id", skipped[i].ID), slog.Any("error", terr))
		}
	}
	if len(taken) == 0 {
		// The chosen branch has nothing to run; the conditional itself is
		// skipped, not completed.
		return e.transitionStep(ctx, ex, step.ID, schema.StepStatusSkipped)
	}
	return e.runSteps(ctx, ex, taken, cs, iteration)
}

// runParallelStep fans the children out over the worker pool, each with an
// isolated branch of the context store. Successful branches merge back in
// declaration order once every child is terminal; the winner for a contested
// variable is the latest declared sibling that wrote it.
func (e *Engine) runParallelStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store, iteration int) error {
	children := step.Children
	e.emit(ctx, ex.ID, step.ID, schema.EventParallelStarted, map[string]any{"children": len(children)})

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	branches := make([]*contextstore.Store, len(children))
	childErrs := make([]error, len(children))

	var wg sync.WaitGroup
	runChild := func(taskCtx context.Context, i int) {
		defer wg.Done()
		cerr := e.runStep(taskCtx, ex, &children[i], branches[i], iteration)
		childErrs[i] = cerr
		if cerr != nil && !step.ContinueOnChildFailure {
			cancelChildren()
		}
	}

	// A pool task must never block on Submit: a nested parallel group would
	// hold its slot while waiting for another, starving the pool. Nested
	// groups therefore fan out on plain goroutines; only the outermost
	// parallel step is bounded.
	nested := ctx.Value(poolTaskKey{}) != nil
	for i := range children {
		branches[i] = cs.Branch()
		i := i
		wg.Add(1)
		if nested {
			go runChild(childCtx, i)
			continue
		}
		err := e.pool.Submit(childCtx, func(taskCtx context.Context) error {
			runChild(context.WithValue(taskCtx, poolTaskKey{}, true), i)
			return childErrs[i]
		})
		if err != nil {
			// Pool rejected the task (shutdown or ctx done); record and stop
			// scheduling the rest.
			wg.Done()
			childErrs[i] = err
			if !step.ContinueOnChildFailure {
				cancelChildren()
			}
		}
	}
	wg.Wait()

	// Merge after all children are terminal, in declaration order. Fail-fast
	// cancellation interrupts later-declared siblings with context.Canceled;
	// those must not mask the error that triggered it, so cancellations only
	// count as the first error when every failure is one.
	failures := 0
	var firstErr, firstCancel error
	for i := range children {
		if cerr := childErrs[i]; cerr != nil {
			failures++
			if isCancellation(cerr) {
				if firstCancel == nil {
					firstCancel = cerr
				}
			} else if firstErr == nil {
				firstErr = cerr
			}
			continue
		}
		cs.Merge(branches[i])
	}
	if firstErr == nil {
		firstErr = firstCancel
	}

	e.emit(ctx, ex.ID, step.ID, schema.EventParallelCompleted,
		map[string]any{"children": len(children), "failures": failures})

	if step.ContinueOnChildFailure {
		if len(children) > 0 && failures == len(children) {
			return schema.NewError(schema.ErrCodeStepFailed, "all parallel children failed").
				WithStep(step.ID).WithCause(firstErr)
		}
		return nil
	}
	if firstErr != nil {
		if ex.cancelRequested.Load() {
			return context.Canceled
		}
		return firstErr
	}
	return nil
}

// runLoopStep repeats the child sequence up to maxIterations times, checking
// the break condition after each iteration. Running out of iterations is
// normal completion, not a failure.
func (e *Engine) runLoopStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store) error {
	if step.MaxIterations <= 0 {
		return schema.NewError(schema.ErrCodeValidation, "loop requires maxIterations >= 1").WithStep(step.ID)
	}

	exhausted := true
	iterations := 0
	for i := 0; i < step.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.emit(ctx, ex.ID, step.ID, schema.EventLoopIterStarted, map[string]any{"iteration": i})

		if err := e.runSteps(ctx, ex, step.Children, cs, i); err != nil {
			return err
		}
		iterations = i + 1
		e.emit(ctx, ex.ID, step.ID, schema.EventLoopIterCompleted, map[string]any{"iteration": i})

		if step.BreakCondition != nil {
			brk, err := e.evaluateCondition(ctx, step.BreakCondition, cs, i)
			if err != nil {
				return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(step.ID).WithCause(err)
			}
			if brk {
				exhausted = false
				break
			}
		}
	}

	e.emit(ctx, ex.ID, step.ID, schema.EventLoopCompleted,
		map[string]any{"iterations": iterations, "exhausted": exhausted})
	return nil
}

// runHumanReviewStep pauses the execution and waits for a reviewer decision,
// a timeout or cancellation. A timeout resolves per the step's onTimeout
// policy, rejecting by default. Rejection fails the step.
func (e *Engine) runHumanReviewStep(ctx context.Context, ex *Execution, step *schema.WorkflowStep, cs *contextstore.Store) error {
	prompt := e.interpolate(ex, step, step.PromptForReviewer, cs)
	logger := logging.LogWith(ctx, e.logger)

	if err := e.transitionStep(ctx, ex, step.ID, schema.StepStatusAwaitingReview); err != nil {
		return err
	}
	if err := e.transition(ctx, ex, schema.ExecutionStatusPaused); err != nil {
		return err
	}

	decisionCh := ex.registerReview(step.ID)
	defer ex.unregisterReview(step.ID)

	// timeoutAt stays nil when the step has no timeout, so no zero-time
	// deadline lands in the store.
	var timeoutAt *time.Time
	var timeout <-chan time.Time
	if step.TimeoutSeconds > 0 {
		d := time.Duration(step.TimeoutSeconds) * time.Second
		at := time.Now().UTC().Add(d)
		timeoutAt = &at
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	if e.reviews != nil {
		review := &store.PendingReview{
			ID:          reviewID(ex.ID, step.ID),
			ExecutionID: ex.ID,
			StepID:      step.ID,
			Prompt:      prompt,
			TimeoutAt:   timeoutAt,
			OnTimeout:   string(timeoutOutcome(step)),
		}
		if err := e.reviews.CreateReview(ctx, review); err != nil {
			logger.WarnContext(ctx, "pending review not persisted", slog.Any("error", err))
		}
	}
	e.emit(ctx, ex.ID, step.ID, schema.EventHumanReviewRequested, map[string]any{
		"prompt":         prompt,
		"timeoutSeconds": step.TimeoutSeconds,
		"onTimeout":      string(timeoutOutcome(step)),
	})

	var decision schema.ReviewDecision
	var timedOut bool
	select {
	case decision = <-decisionCh:
	case <-timeout:
		timedOut = true
		decision = schema.ReviewDecision{
			Approved: timeoutOutcome(step) == schema.TimeoutApprove,
			Comment:  "resolved by timeout",
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if e.reviews != nil {
		resolution := &store.ReviewResolution{
			Approved: decision.Approved,
			Comment:  decision.Comment,
			Reviewer: decision.Reviewer,
			TimedOut: timedOut,
		}
		if err := e.reviews.ResolveReview(context.WithoutCancel(ctx), reviewID(ex.ID, step.ID), resolution); err != nil {
			logger.WarnContext(ctx, "pending review not resolved in store", slog.Any("error", err))
		}
	}
	e.emit(ctx, ex.ID, step.ID, schema.EventHumanReviewResolved, map[string]any{
		"approved": decision.Approved,
		"timedOut": timedOut,
		"reviewer": decision.Reviewer,
	})

	if err := e.transition(ctx, ex, schema.ExecutionStatusRunning); err != nil {
		return err
	}

	if !decision.Approved {
		msg := "review rejected"
		if timedOut {
			msg = "review timed out"
		}
		return schema.NewError(schema.ErrCodeStepFailed, msg).WithStep(step.ID)
	}
	if step.OutputVariable != "" {
		cs.SetVariable(step.OutputVariable, decision.Comment)
	}
	return nil
}

func timeoutOutcome(step *schema.WorkflowStep) schema.TimeoutOutcome {
	if step.OnTimeout == schema.TimeoutApprove {
		return schema.TimeoutApprove
	}
	return schema.TimeoutReject
}

// reviewID is the deterministic identifier for an execution's pending review
// on a given step.
func reviewID(executionID, stepID string) string {
	return executionID + ":" + stepID
}

// evaluateCondition resolves either the structured form (field/operator/value
// over current variables) or a CEL expression over the variable scope.
func (e *Engine) evaluateCondition(ctx context.Context, cond *schema.Condition, cs *contextstore.Store, iteration int) (bool, error) {
	if cond == nil {
		return false, schema.NewError(schema.ErrCodeValidation, "condition is required")
	}
	if cond.Expression != "" {
		return e.cel.EvaluateBool(ctx, cond.Expression, expressions.VarsScope(cs.Variables(), iteration))
	}

	value, ok := cs.GetVariable(cond.Field)
	switch cond.Operator {
	case schema.OpExists:
		return ok, nil
	case schema.OpEquals:
		return ok && value == cond.Value, nil
	case schema.OpContains:
		return ok && strings.Contains(value, cond.Value), nil
	case schema.OpMatchesRegex:
		re, err := regexp.Compile(cond.Value)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeValidation, "invalid pattern %q: %s", cond.Value, err.Error())
		}
		return ok && re.MatchString(value), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition operator %q", cond.Operator)
	}
}
