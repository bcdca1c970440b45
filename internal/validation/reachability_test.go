package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheGuidingPrincipels/agentflow/pkg/schema"
)

func templateStep(id, template, outVar string) schema.WorkflowStep {
	return schema.WorkflowStep{
		ID: id, Type: schema.StepTypeAgent, AgentID: "writer",
		InputTemplate: template, OutputVariable: outVar,
	}
}

func TestReachabilityWarnsOnNeverWrittenVariable(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{templateStep("s1", "summarize {{report}}", "out")},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"report"`)
	assert.Contains(t, result.Warnings[0].Message, "never written")
}

func TestReachabilityInitialVariablesSatisfyReferences(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{templateStep("s1", "summarize {{report}}", "out")},
	}

	result := wv.Validate(def, map[string]string{"report": "q3 numbers"})
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityPriorOutputVariableSatisfiesReference(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			templateStep("draft", "write it", "draft"),
			templateStep("review", "critique {{draft}}", "feedback"),
		},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityBranchOnlyWriteIsMaybe(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{
				ID: "cond", Type: schema.StepTypeConditional,
				Condition:  &schema.Condition{Field: "mode", Operator: schema.OpExists},
				TrueBranch: []schema.WorkflowStep{templateStep("t", "go deep", "detail")},
			},
			templateStep("use", "expand {{detail}}", "out"),
		},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"detail"`)
	assert.Contains(t, result.Warnings[0].Message, "may be unset")
}

func TestReachabilityBothBranchesWriteIsDefinite(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{
				ID: "cond", Type: schema.StepTypeConditional,
				Condition:   &schema.Condition{Field: "mode", Operator: schema.OpExists},
				TrueBranch:  []schema.WorkflowStep{templateStep("t", "go deep", "detail")},
				FalseBranch: []schema.WorkflowStep{templateStep("f", "stay shallow", "detail")},
			},
			templateStep("use", "expand {{detail}}", "out"),
		},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityParallelSiblingsDoNotSeeEachOther(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{
			ID: "fan", Type: schema.StepTypeParallel,
			Children: []schema.WorkflowStep{
				templateStep("a", "first", "left"),
				// Siblings run on isolated snapshots; "left" lands only
				// after the merge.
				templateStep("b", "use {{left}}", "right"),
			},
		}},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"left"`)
}

func TestReachabilityParallelWritesVisibleAfterMerge(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{
				ID: "fan", Type: schema.StepTypeParallel,
				Children: []schema.WorkflowStep{
					templateStep("a", "first", "left"),
					templateStep("b", "second", "right"),
				},
			},
			templateStep("join", "{{left}} + {{right}}", "out"),
		},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityLoopBodyWritesCarryForward(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{
				ID: "refine", Type: schema.StepTypeLoop, MaxIterations: 3,
				Children:       []schema.WorkflowStep{templateStep("body", "improve it", "draft")},
				BreakCondition: &schema.Condition{Field: "draft", Operator: schema.OpContains, Value: "done"},
			},
			templateStep("publish", "ship {{draft}}", "out"),
		},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityExistsCheckNeverWarns(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{
			ID: "cond", Type: schema.StepTypeConditional,
			Condition:  &schema.Condition{Field: "optional", Operator: schema.OpExists},
			TrueBranch: []schema.WorkflowStep{templateStep("t", "hello", "out")},
		}},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestReachabilityStructuredConditionFieldWarns(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{{
			ID: "cond", Type: schema.StepTypeConditional,
			Condition:  &schema.Condition{Field: "taskType", Operator: schema.OpContains, Value: "bug"},
			TrueBranch: []schema.WorkflowStep{templateStep("t", "triage", "out")},
		}},
	}

	result := wv.Validate(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, `"taskType"`)
}

func TestReachabilityHumanReviewPromptAndOutput(t *testing.T) {
	wv := newValidator(t, stubAgents{"writer": true})

	def := &schema.WorkflowDefinition{
		Steps: []schema.WorkflowStep{
			{
				ID: "gate", Type: schema.StepTypeHumanReview,
				PromptForReviewer: "ship {{artifact}}?",
				OutputVariable:    "verdict",
			},
			templateStep("log", "verdict was {{verdict}}", "out"),
		},
	}

	result := wv.Validate(def, map[string]string{"artifact": "v1"})
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
