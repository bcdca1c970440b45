package validation

import "github.com/TheGuidingPrincipels/agentflow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation. initialVars are
// the variables supplied at start time, seeding the reachability check.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition, initialVars map[string]string) error
}

// AgentLookup answers whether an agent ID is registered. Satisfied by the
// runner roster. May be nil to skip agent existence checks.
type AgentLookup interface {
	HasAgent(agentID string) bool
}
