package expressions

import (
	"context"

	"github.com/forkline/automation/pkg/schema"
)

// Engine evaluates a sandboxed expression against a data map. Condition
// steps use CEL by default; expr is available as an alternate language and
// jq powers variable-bag transforms. Stored configuration is never executed
// as host code.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Registry holds the configured expression engines keyed by language name.
type Registry struct {
	engines map[string]Engine
}

// NewRegistry builds a Registry with the default engines (cel, expr, jq).
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := &Registry{engines: map[string]Engine{}}
	for _, e := range []Engine{celEngine, NewExprEngine(), NewJQEngine()} {
		r.engines[e.Name()] = e
	}
	return r, nil
}

// Select returns the engine for the given language, defaulting to CEL when
// language is empty.
func (r *Registry) Select(language string) (Engine, error) {
	if language == "" {
		language = "cel"
	}
	e, ok := r.engines[language]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", language)
	}
	return e, nil
}

// EvaluateBool evaluates a condition expression and coerces the result to a
// boolean. Non-boolean results are a validation error, not a silent false.
func (r *Registry) EvaluateBool(ctx context.Context, language, expression string, data map[string]any) (bool, error) {
	e, err := r.Select(language)
	if err != nil {
		return false, err
	}
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition expression %q produced %T, expected boolean", expression, out)
	}
	return b, nil
}
