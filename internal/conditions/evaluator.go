package conditions

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/forkline/automation/pkg/schema"
)

// Lookup walks a dotted path through a context data map. The second return
// reports presence: a missing intermediate key or a non-map intermediate
// value yields (nil, false).
func Lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Evaluate applies a single condition against the context data map.
// Absent field values compare as not-equal to anything except another absent
// value under equals, and are false under every operator except not_equals.
func Evaluate(cond schema.Condition, data map[string]any) (bool, error) {
	if !schema.KnownOperator(cond.Operator) {
		return false, schema.NewErrorf(schema.ErrCodeUnknownOperator,
			"unknown operator %q on field %q", cond.Operator, cond.Field)
	}

	// in/not_in require a list-like reference value even when the field is
	// absent; a scalar reference is a configuration error, never a silent false.
	var members []any
	if cond.Operator == schema.OperatorIn || cond.Operator == schema.OperatorNotIn {
		var ok bool
		members, ok = toList(cond.Value)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeEvaluation,
				"operator %s on field %q requires a list value, got %T", cond.Operator, cond.Field, cond.Value)
		}
	}

	actual, present := Lookup(data, cond.Field)
	if !present {
		switch cond.Operator {
		case schema.OperatorEquals:
			return cond.Value == nil, nil
		case schema.OperatorNotEquals:
			return cond.Value != nil, nil
		default:
			return false, nil
		}
	}

	switch cond.Operator {
	case schema.OperatorEquals:
		return looseEqual(actual, cond.Value), nil
	case schema.OperatorNotEquals:
		return !looseEqual(actual, cond.Value), nil
	case schema.OperatorGreaterThan:
		return compareOrdered(actual, cond.Value) > 0, nil
	case schema.OperatorLessThan:
		return compareOrdered(actual, cond.Value) < 0, nil
	case schema.OperatorContains:
		haystack := strings.ToLower(fmt.Sprint(actual))
		needle := strings.ToLower(fmt.Sprint(cond.Value))
		return strings.Contains(haystack, needle), nil
	case schema.OperatorIn:
		return contains(members, actual), nil
	case schema.OperatorNotIn:
		return !contains(members, actual), nil
	}

	return false, schema.NewErrorf(schema.ErrCodeUnknownOperator,
		"unknown operator %q on field %q", cond.Operator, cond.Field)
}

// EvaluateAll folds a condition list left-to-right. The join defaults to AND;
// a condition carrying logical_operator OR switches the join between itself
// and the condition that follows it. Every condition is evaluated: the fold
// is a running boolean, and evaluation errors always surface even when an
// earlier AND already failed.
func EvaluateAll(conds []schema.Condition, data map[string]any) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}

	result, err := Evaluate(conds[0], data)
	if err != nil {
		return false, err
	}

	for i := 1; i < len(conds); i++ {
		v, err := Evaluate(conds[i], data)
		if err != nil {
			return false, err
		}
		if conds[i-1].LogicalOperator == schema.LogicalOr {
			result = result || v
		} else {
			result = result && v
		}
	}
	return result, nil
}

// looseEqual compares values the way JSON-sourced data expects: numeric
// values compare by magnitude regardless of concrete type, everything else
// by deep equality.
func looseEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if aok != bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compareOrdered returns -1, 0, or +1 for ordered comparisons. Numbers
// compare numerically, strings lexically; mixed or unordered types compare
// as equal so both greater_than and less_than come out false.
func compareOrdered(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	return 0
}

func contains(members []any, v any) bool {
	for _, m := range members {
		if looseEqual(m, v) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// toList accepts any slice kind and flattens it to []any.
func toList(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}
