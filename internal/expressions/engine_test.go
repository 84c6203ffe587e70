package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scopeData() map[string]any {
	return map[string]any{
		"variables": map[string]any{
			"score":    float64(40),
			"status":   "qualified",
			"contacts": []any{"ana", "luis"},
		},
		"execution": map[string]any{
			"id":          "exec-1",
			"workflow_id": "wf-1",
		},
	}
}

func TestRegistry_SelectDefaultsToCEL(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	e, err := r.Select("")
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	_, err = r.Select("lua")
	assert.Error(t, err)
}

func TestRegistry_EvaluateBool(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	ok, err := r.EvaluateBool(context.Background(), "cel", `variables.score > 25.0`, scopeData())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvaluateBool(context.Background(), "expr", `variables.status == "qualified"`, scopeData())
	require.NoError(t, err)
	assert.True(t, ok)

	// Non-boolean result is an error, never a silent false.
	_, err = r.EvaluateBool(context.Background(), "cel", `variables.status`, scopeData())
	assert.Error(t, err)
}

func TestCELEngine_MissingScopeKeys(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	// Absent top-level keys default to empty maps.
	out, err := e.Evaluate(context.Background(), `"score" in variables`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_CompileErrorIsValidation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `variables..score`, scopeData())
	assert.Error(t, err)
}

func TestExprEngine_NilCoalescing(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), `variables.missing ?? "fallback"`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestJQEngine_Transform(t *testing.T) {
	e := NewJQEngine()

	out, err := e.Evaluate(context.Background(), `.variables.contacts | length`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	// Multiple outputs collect into a slice.
	out, err = e.Evaluate(context.Background(), `.variables.contacts[]`, scopeData())
	require.NoError(t, err)
	assert.Equal(t, []any{"ana", "luis"}, out)
}

func TestJQEngine_ParseError(t *testing.T) {
	e := NewJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, scopeData())
	assert.Error(t, err)
}

func TestInterpolate(t *testing.T) {
	scope := scopeData()

	params := map[string]any{
		"subject": "Lead ${{variables.status}}",
		"score":   "${{variables.score}}",
		"nested": map[string]any{
			"ref": "${{execution.id}}",
		},
		"list":  []any{"${{variables.status}}", 7.0},
		"plain": true,
	}

	out, err := Interpolate(params, scope)
	require.NoError(t, err)

	m := out.(map[string]any)
	assert.Equal(t, "Lead qualified", m["subject"])
	assert.Equal(t, float64(40), m["score"], "whole-string reference keeps the value type")
	assert.Equal(t, "exec-1", m["nested"].(map[string]any)["ref"])
	assert.Equal(t, "qualified", m["list"].([]any)[0])
	assert.Equal(t, true, m["plain"])
}

func TestInterpolate_UnresolvableReferenceFails(t *testing.T) {
	_, err := Interpolate("${{variables.nope}}", scopeData())
	assert.Error(t, err)
}
