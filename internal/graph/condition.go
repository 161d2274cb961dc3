package graph

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/petrijr/flowgate/pkg/api"
)

// AlwaysTrue accepts every condition. It reproduces the legacy behaviour in
// which association guards were never evaluated.
func AlwaysTrue(api.Condition, map[string]any) (bool, error) { return true, nil }

// EvaluateRules is the default condition evaluator. An empty condition holds.
// Rules are combined with AND unless Match is "any".
func EvaluateRules(cond api.Condition, params map[string]any) (bool, error) {
	if cond.IsZero() {
		return true, nil
	}

	var anyOf bool
	switch strings.ToLower(cond.Match) {
	case "", "all":
	case "any":
		anyOf = true
	default:
		return false, fmt.Errorf("%w: unknown match %q", api.ErrInvalidCondition, cond.Match)
	}

	for _, r := range cond.Rules {
		ok, err := evalRule(r, params)
		if err != nil {
			return false, err
		}
		if anyOf && ok {
			return true, nil
		}
		if !anyOf && !ok {
			return false, nil
		}
	}
	return !anyOf, nil
}

func evalRule(r api.Rule, params map[string]any) (bool, error) {
	if r.Field == "" {
		return false, fmt.Errorf("%w: rule without field", api.ErrInvalidCondition)
	}
	actual, found := lookup(params, r.Field)

	switch strings.ToLower(r.Op) {
	case "exists":
		return found && actual != nil, nil
	case "not_exists":
		return !found || actual == nil, nil
	case "eq", "==", "":
		return found && equal(actual, r.Value), nil
	case "ne", "!=":
		return !found || !equal(actual, r.Value), nil
	case "gt", ">":
		return ordered(actual, r.Value, found, func(c int) bool { return c > 0 })
	case "gte", ">=":
		return ordered(actual, r.Value, found, func(c int) bool { return c >= 0 })
	case "lt", "<":
		return ordered(actual, r.Value, found, func(c int) bool { return c < 0 })
	case "lte", "<=":
		return ordered(actual, r.Value, found, func(c int) bool { return c <= 0 })
	case "in":
		list, err := asList(r.Value)
		if err != nil {
			return false, err
		}
		return found && containsValue(list, actual), nil
	case "not_in":
		list, err := asList(r.Value)
		if err != nil {
			return false, err
		}
		return !found || !containsValue(list, actual), nil
	case "contains":
		if !found {
			return false, nil
		}
		if s, ok := actual.(string); ok {
			sub, ok := r.Value.(string)
			return ok && strings.Contains(s, sub), nil
		}
		list, err := asList(actual)
		if err != nil {
			return false, nil
		}
		return containsValue(list, r.Value), nil
	}
	return false, fmt.Errorf("%w: unknown operator %q", api.ErrInvalidCondition, r.Op)
}

// lookup resolves a dotted path through nested maps.
func lookup(params map[string]any, path string) (any, bool) {
	var cur any = params
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func ordered(actual, expected any, found bool, pred func(int) bool) (bool, error) {
	if !found || actual == nil {
		return false, nil
	}
	if a, ok := toFloat(actual); ok {
		e, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare number with %T", api.ErrInvalidCondition, expected)
		}
		switch {
		case a < e:
			return pred(-1), nil
		case a > e:
			return pred(1), nil
		}
		return pred(0), nil
	}
	if a, ok := actual.(string); ok {
		e, ok := expected.(string)
		if !ok {
			return false, fmt.Errorf("%w: cannot compare string with %T", api.ErrInvalidCondition, expected)
		}
		return pred(strings.Compare(a, e)), nil
	}
	return false, nil
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(list []any, v any) bool {
	for _, item := range list {
		if equal(item, v) {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, error) {
	switch l := v.(type) {
	case []any:
		return l, nil
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("%w: expected a list, got %T", api.ErrInvalidCondition, v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
