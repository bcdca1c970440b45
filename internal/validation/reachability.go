package validation

import (
	"fmt"

	"github.com/TheGuidingPrincipels/agentflow/internal/expressions"
	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

// validateReachability walks the step tree in execution order and warns when
// a template or structured condition references a variable no causally-prior
// step can have written. Writes in only one conditional branch count as
// maybe-written and also warn; warnings never invalidate, since the runtime
// leaves unresolved tokens verbatim and records the same miss.
func validateReachability(def *schema.WorkflowDefinition, initialVars map[string]string) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	// true = definitely written by every path reaching this point.
	vars := make(map[string]bool, len(initialVars))
	for name := range initialVars {
		vars[name] = true
	}
	reachSteps(def.Steps, "steps", vars, result)
	return result
}

func reachSteps(steps []schema.WorkflowStep, path string, vars map[string]bool, result *schema.ValidationResult) {
	for i := range steps {
		reachStep(&steps[i], fmt.Sprintf("%s[%d]", path, i), vars, result)
	}
}

func reachStep(step *schema.WorkflowStep, path string, vars map[string]bool, result *schema.ValidationResult) {
	switch step.Type {
	case schema.StepTypeAgent, schema.StepTypeTransform:
		checkTemplateRefs(step.InputTemplate, path+".inputTemplate", vars, result)
		markWritten(vars, step.OutputVariable)

	case schema.StepTypeConditional:
		checkConditionRef(step.Condition, path+".condition", vars, result)
		trueVars := copyVars(vars)
		falseVars := copyVars(vars)
		reachSteps(step.TrueBranch, path+".trueBranch", trueVars, result)
		reachSteps(step.FalseBranch, path+".falseBranch", falseVars, result)
		mergeBranchVars(vars, trueVars, falseVars)

	case schema.StepTypeSequential:
		reachSteps(step.Children, path+".children", vars, result)

	case schema.StepTypeParallel:
		// Siblings see only the pre-parallel state; their writes land
		// together after the merge.
		before := copyVars(vars)
		for i := range step.Children {
			childVars := copyVars(before)
			reachStep(&step.Children[i], fmt.Sprintf("%s.children[%d]", path, i), childVars, result)
			for name, definite := range childVars {
				if prev, had := before[name]; had && definite == prev {
					continue // inherited, not written by this child
				}
				vars[name] = vars[name] || definite
			}
		}

	case schema.StepTypeLoop:
		// The body runs at least once, so its writes are definite afterwards.
		reachSteps(step.Children, path+".children", vars, result)
		checkConditionRef(step.BreakCondition, path+".breakCondition", vars, result)

	case schema.StepTypeHumanReview:
		checkTemplateRefs(step.PromptForReviewer, path+".promptForReviewer", vars, result)
		markWritten(vars, step.OutputVariable)
	}
}

func checkTemplateRefs(template, path string, vars map[string]bool, result *schema.ValidationResult) {
	for _, name := range expressions.References(template) {
		warnUnreachable(name, path, vars, result)
	}
}

// checkConditionRef covers only the structured form; CEL expressions resolve
// their variables dynamically. An exists check is how workflows test for
// maybe-set variables, so it never warns.
func checkConditionRef(cond *schema.Condition, path string, vars map[string]bool, result *schema.ValidationResult) {
	if cond == nil || cond.Expression != "" || cond.Field == "" || cond.Operator == schema.OpExists {
		return
	}
	warnUnreachable(cond.Field, path+".field", vars, result)
}

func warnUnreachable(name, path string, vars map[string]bool, result *schema.ValidationResult) {
	definite, known := vars[name]
	switch {
	case !known:
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("variable %q is never written before this step", name))
	case !definite:
		result.AddWarning(path, schema.ErrCodeValidation,
			fmt.Sprintf("variable %q may be unset: it is written in only one conditional branch", name))
	}
}

func markWritten(vars map[string]bool, name string) {
	if name != "" {
		vars[name] = true
	}
}

func copyVars(vars map[string]bool) map[string]bool {
	out := make(map[string]bool, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// mergeBranchVars folds the two branch outcomes back into vars: a variable is
// definite only when both branches leave it definite.
func mergeBranchVars(vars, trueVars, falseVars map[string]bool) {
	for name, tDef := range trueVars {
		if fDef, inFalse := falseVars[name]; inFalse {
			vars[name] = tDef && fDef
		} else {
			vars[name] = false
		}
	}
	for name := range falseVars {
		if _, inTrue := trueVars[name]; !inTrue {
			vars[name] = false
		}
	}
}
