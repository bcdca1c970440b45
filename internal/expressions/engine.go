package expressions

import "context"

// Engine evaluates expressions against the execution's variable scope.
// Three implementations: CEL (conditions), GoJQ (JSON transforms), Expr
// (derived-value transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// VarsScope builds the evaluation data map exposed to expression engines.
// Variables appear under the "vars" key; the iteration index (when inside a
// loop) under "iteration".
func VarsScope(vars map[string]string, iteration int) map[string]any {
	converted := make(map[string]any, len(vars))
	for k, v := range vars {
		converted[k] = v
	}
	return map[string]any{
		"vars":      converted,
		"iteration": iteration,
	}
}
