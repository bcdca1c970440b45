package validation

import "github.com/TheGuidingPrincipels/agentflow/pkg/schema"

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step tree walk: IDs, per-type fields, agent refs, nesting)
// 3. Reachability (variables referenced before any step can write them)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// agents may be nil to skip agent existence checks.
func NewWorkflowValidator(agents AgentLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		agents:     agents,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the later stages are skipped.
// initialVars seeds the reachability walk with the variables the caller
// supplies at start time; it may be nil.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition, initialVars map[string]string) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.agents))
	if !result.Valid() {
		return result
	}

	result.Merge(validateReachability(def, initialVars))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition, initialVars map[string]string) error {
	return wv.Validate(def, initialVars).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
