package eligibility

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Operator names understood by Evaluate.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpIn                 = "in"
	OpNotIn              = "not_in"
	OpIsEmpty            = "is_empty"
	OpIsNotEmpty         = "is_not_empty"
	OpIsNull             = "is_null"
	OpIsNotNull          = "is_not_null"
	OpIsTrue             = "is_true"
	OpIsFalse            = "is_false"
)

var operators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpGreaterThan: true, OpLessThan: true,
	OpGreaterThanOrEqual: true, OpLessThanOrEqual: true, OpIn: true, OpNotIn: true,
	OpIsEmpty: true, OpIsNotEmpty: true, OpIsNull: true, OpIsNotNull: true,
	OpIsTrue: true, OpIsFalse: true,
}

// IsOperator reports whether op is a supported operator.
func IsOperator(op string) bool {
	return operators[strings.ToLower(op)]
}

// compare applies op to the resolved value. A missing value only satisfies
// is_empty and is_null.
func compare(op string, actual any, present bool, expected any) bool {
	op = strings.ToLower(op)
	switch op {
	case OpIsNull:
		return !present
	case OpIsNotNull:
		return present
	case OpIsEmpty:
		return !present || isEmpty(actual)
	case OpIsNotEmpty:
		return present && !isEmpty(actual)
	}
	if !present {
		return false
	}

	switch op {
	case OpEquals:
		return equal(actual, expected)
	case OpNotEquals:
		return !equal(actual, expected)
	case OpContains:
		return contains(actual, expected)
	case OpNotContains:
		return !contains(actual, expected)
	case OpStartsWith:
		return strings.HasPrefix(lower(actual), lower(expected))
	case OpGreaterThan, OpLessThan, OpGreaterThanOrEqual, OpLessThanOrEqual:
		a, okA := toFloat(actual)
		b, okB := toFloat(expected)
		if !okA || !okB {
			return false
		}
		switch op {
		case OpGreaterThan:
			return a > b
		case OpLessThan:
			return a < b
		case OpGreaterThanOrEqual:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		return in(actual, expected)
	case OpNotIn:
		return !in(actual, expected)
	case OpIsTrue:
		v, ok := truthy(actual)
		return ok && v
	case OpIsFalse:
		v, ok := truthy(actual)
		return ok && !v
	}
	return false
}

func equal(a, b any) bool {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			return x == y
		}
	}
	return lower(a) == lower(b)
}

func contains(actual, expected any) bool {
	if items, ok := asList(actual); ok {
		for _, item := range items {
			if equal(item, expected) {
				return true
			}
		}
		return false
	}
	return strings.Contains(lower(actual), lower(expected))
}

func in(actual, expected any) bool {
	items, ok := asList(expected)
	if !ok {
		items = splitList(lower(expected))
	}
	for _, item := range items {
		if equal(actual, item) {
			return true
		}
	}
	return false
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func splitList(s string) []any {
	parts := strings.Split(s, ",")
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func truthy(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true, true
		case "false", "0", "no":
			return false, true
		}
		return false, false
	}
	if f, ok := toFloat(v); ok {
		return f != 0, true
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func lower(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(t)
	}
	return strings.ToLower(fmt.Sprint(v))
}
