package expressions

import "context"

// Engine evaluates expressions attached to form actions.
// Three implementations: CEL (action conditions), Expr (mapping transforms),
// GoJQ (queries over earlier action outputs).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Data is the evaluation environment shared by all engines.
//   - fields:  submitted values keyed by field name
//   - actions: outputs of actions that already ran, keyed by action name
//   - form:    form metadata (name, title, submission id)
//   - value:   the value being transformed (mapping transforms only)
func Data(fields, actions, form map[string]any) map[string]any {
	return map[string]any{
		"fields":  orEmpty(fields),
		"actions": orEmpty(actions),
		"form":    orEmpty(form),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
