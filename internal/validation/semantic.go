package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// validateSemantic walks the step tree and checks everything JSON Schema
// cannot express: unique IDs across the whole tree, per-type field
// requirements, agent registration, condition well-formedness and nesting
// constraints.
func validateSemantic(def *schema.WorkflowDefinition, agents AgentLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]string, len(def.Steps))
	walkSteps(def.Steps, "steps", false, seen, agents, result)
	return result
}

func walkSteps(steps []schema.WorkflowStep, path string, underParallel bool, seen map[string]string, agents AgentLookup, result *schema.ValidationResult) {
	for i := range steps {
		step := &steps[i]
		stepPath := fmt.Sprintf("%s[%d]", path, i)

		if prev, dup := seen[step.ID]; dup {
			result.AddError(stepPath+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (also at %s)", step.ID, prev))
		} else {
			seen[step.ID] = stepPath
		}

		switch step.Type {
		case schema.StepTypeAgent:
			validateAgentStep(step, stepPath, agents, result)
		case schema.StepTypeTransform:
			validateTransformStep(step, stepPath, result)
		case schema.StepTypeConditional:
			validateCondition(step.Condition, stepPath+".condition", true, result)
			if len(step.TrueBranch) == 0 && len(step.FalseBranch) == 0 {
				result.AddWarning(stepPath, schema.ErrCodeValidation,
					"conditional has no branches; it will always be a no-op")
			}
			walkSteps(step.TrueBranch, stepPath+".trueBranch", underParallel, seen, agents, result)
			walkSteps(step.FalseBranch, stepPath+".falseBranch", underParallel, seen, agents, result)
		case schema.StepTypeSequential:
			walkSteps(step.Children, stepPath+".children", underParallel, seen, agents, result)
		case schema.StepTypeParallel:
			if len(step.Children) == 0 {
				result.AddWarning(stepPath+".children", schema.ErrCodeValidation,
					"parallel step has no children")
			}
			walkSteps(step.Children, stepPath+".children", true, seen, agents, result)
		case schema.StepTypeLoop:
			if step.MaxIterations < 1 {
				result.AddError(stepPath+".maxIterations", schema.ErrCodeValidation,
					"loop requires maxIterations >= 1")
			}
			if len(step.Children) == 0 {
				result.AddError(stepPath+".children", schema.ErrCodeValidation,
					"loop step requires children")
			}
			validateCondition(step.BreakCondition, stepPath+".breakCondition", false, result)
			walkSteps(step.Children, stepPath+".children", underParallel, seen, agents, result)
		case schema.StepTypeHumanReview:
			if underParallel {
				// A review pauses the whole execution; inside a parallel group
				// it would pause while siblings keep running.
				result.AddError(stepPath, schema.ErrCodeValidation,
					"humanReview steps cannot be nested under a parallel step")
			}
			if step.PromptForReviewer == "" {
				result.AddError(stepPath+".promptForReviewer", schema.ErrCodeValidation,
					"humanReview requires promptForReviewer")
			}
		}

		if step.Retry != nil && step.Retry.Delay != "" {
			if _, err := time.ParseDuration(step.Retry.Delay); err != nil {
				result.AddError(stepPath+".retry.delay", schema.ErrCodeValidation,
					fmt.Sprintf("invalid duration %q", step.Retry.Delay))
			}
		}
	}
}

func validateAgentStep(step *schema.WorkflowStep, path string, agents AgentLookup, result *schema.ValidationResult) {
	if step.AgentID == "" {
		result.AddError(path+".agentId", schema.ErrCodeValidation, "agent step requires agentId")
		return
	}
	if agents != nil && !agents.HasAgent(step.AgentID) {
		result.AddError(path+".agentId", schema.ErrCodeNotFound,
			fmt.Sprintf("agent %q not registered", step.AgentID))
	}
}

func validateTransformStep(step *schema.WorkflowStep, path string, result *schema.ValidationResult) {
	switch step.TransformKind {
	case schema.TransformTrim, schema.TransformConcat,
		schema.TransformUppercase, schema.TransformLowercase:
		// Input template only.
	case schema.TransformExtractJSON, schema.TransformExpression:
		if step.Program == "" {
			result.AddError(path+".program", schema.ErrCodeValidation,
				fmt.Sprintf("transform kind %q requires a program", step.TransformKind))
		}
	case "":
		result.AddError(path+".transformKind", schema.ErrCodeValidation,
			"transform step requires transformKind")
	default:
		result.AddError(path+".transformKind", schema.ErrCodeValidation,
			fmt.Sprintf("unknown transform kind %q", step.TransformKind))
	}
	if step.OutputVariable == "" {
		result.AddWarning(path+".outputVariable", schema.ErrCodeValidation,
			"transform result is discarded without outputVariable")
	}
}

// validateCondition checks that exactly one of the structured form and the
// expression form is present, and that structured conditions are coherent.
func validateCondition(cond *schema.Condition, path string, required bool, result *schema.ValidationResult) {
	if cond == nil {
		if required {
			result.AddError(path, schema.ErrCodeValidation, "condition is required")
		}
		return
	}

	structured := cond.Field != "" || cond.Operator != ""
	if structured && cond.Expression != "" {
		result.AddError(path, schema.ErrCodeValidation,
			"condition must use either field/operator or expression, not both")
		return
	}
	if !structured && cond.Expression == "" {
		result.AddError(path, schema.ErrCodeValidation,
			"condition must set field/operator or expression")
		return
	}
	if cond.Expression != "" {
		return
	}

	if cond.Field == "" {
		result.AddError(path+".field", schema.ErrCodeValidation, "condition requires field")
	}
	switch cond.Operator {
	case schema.OpExists:
		// No value needed.
	case schema.OpEquals, schema.OpContains:
		// Empty value is legal (compare against empty string).
	case schema.OpMatchesRegex:
		if _, err := regexp.Compile(cond.Value); err != nil {
			result.AddError(path+".value", schema.ErrCodeValidation,
				fmt.Sprintf("invalid pattern %q: %s", cond.Value, err))
		}
	case "":
		result.AddError(path+".operator", schema.ErrCodeValidation, "condition requires operator")
	default:
		result.AddError(path+".operator", schema.ErrCodeValidation,
			fmt.Sprintf("unknown operator %q", cond.Operator))
	}
}
