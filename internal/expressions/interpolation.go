package expressions

import (
	"fmt"
	"strings"

	"github.com/forkline/automation/pkg/schema"
)

// Interpolation resolves ${{...}} references in action parameters against
// the execution scope before dispatch. References are dotted paths rooted at
// "variables" or "execution", e.g. ${{variables.lead_id}}.
//
// A string value that is exactly one reference resolves to the referenced
// value with its type preserved; references embedded in a longer string
// splice in the value's string form.

const (
	tokenOpen  = "${{"
	tokenClose = "}}"
)

// Interpolate walks a decoded params value (maps, slices, strings) and
// resolves every reference. Unresolvable references are an error so typos in
// stored configuration fail loudly rather than dispatching empty values.
func Interpolate(value any, scope map[string]any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := Interpolate(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	case string:
		return interpolateString(v, scope)
	default:
		return value, nil
	}
}

func interpolateString(s string, scope map[string]any) (any, error) {
	// Whole-string reference keeps the resolved value's type.
	if strings.HasPrefix(s, tokenOpen) && strings.HasSuffix(s, tokenClose) {
		inner := strings.TrimSpace(s[len(tokenOpen) : len(s)-len(tokenClose)])
		if !strings.Contains(inner, tokenOpen) {
			return resolveRef(inner, scope)
		}
	}

	var b strings.Builder
	b.Grow(len(s))
	rest := s
	for {
		start := strings.Index(rest, tokenOpen)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], tokenClose)
		if end < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}

		b.WriteString(rest[:start])
		ref := strings.TrimSpace(rest[start+len(tokenOpen) : start+end])
		v, err := resolveRef(ref, scope)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprint(v))
		rest = rest[start+end+len(tokenClose):]
	}
}

func resolveRef(ref string, scope map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	var current any = scope
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot resolve %q: %q is not an object", ref, part)
		}
		current, ok = m[part]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot resolve %q: %q not found", ref, part)
		}
	}
	return current, nil
}
