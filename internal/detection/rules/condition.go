package rules

import (
	"fmt"
	"strings"

	"secmon/internal/detection/pattern"
	"secmon/internal/schema"
)

// Matches evaluates one condition. An undefined field fails every operator
// except not_equals.
func (c *Condition) Matches(event *schema.SecurityEvent, patterns *pattern.Cache) bool {
	actual, defined := Resolve(event, c.Field)
	if !defined {
		return c.Operator == OpNotEquals
	}

	switch c.Operator {
	case OpEquals:
		return equal(actual, c.Value)
	case OpNotEquals:
		return !equal(actual, c.Value)
	case OpGreaterThan:
		a, ok1 := toFloat64(actual)
		b, ok2 := toFloat64(c.Value)
		return ok1 && ok2 && a > b
	case OpLessThan:
		a, ok1 := toFloat64(actual)
		b, ok2 := toFloat64(c.Value)
		return ok1 && ok2 && a < b
	case OpContains:
		s, ok1 := actual.(string)
		sub, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(s, sub)
	case OpRegex:
		expr, ok := c.Value.(string)
		if !ok {
			return false
		}
		return patterns.MatchString(expr, stringify(actual))
	}
	return false
}

func equal(actual, expected any) bool {
	if a, ok := toFloat64(actual); ok {
		b, ok := toFloat64(expected)
		return ok && a == b
	}
	switch a := actual.(type) {
	case string:
		b, ok := expected.(string)
		return ok && a == b
	case bool:
		b, ok := expected.(bool)
		return ok && a == b
	}
	return false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// toFloat64 accepts Go numeric types only; numeric strings are not coerced.
func toFloat64(v any) (float64, bool) {
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
