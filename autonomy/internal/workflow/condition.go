package workflow

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/zettelhub/platform/autonomy/internal/models"
	"github.com/zettelhub/platform/autonomy/internal/template"
)

// Operator compares a resolved context value with a configured literal.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

func (o Operator) Valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// resolveOperand returns the value a condition's left-hand side refers to. A
// string without a placeholder is its own value.
func resolveOperand(expr string, root map[string]any) (any, bool) {
	path, ok := template.Expression(expr)
	if !ok {
		return expr, true
	}
	return template.Resolve(root, path)
}

// evaluateCondition runs a condition node's comparison against ec.
func evaluateCondition(cfg map[string]any, ec *models.ExecutionContext) (bool, error) {
	expr, _ := cfg["condition"].(string)
	op, _ := cfg["operator"].(string)
	want := cfg["value"]

	got, found := resolveOperand(expr, ec.Tree())

	switch Operator(op) {
	case OpEquals:
		return found && strictEqual(got, want), nil
	case OpNotEquals:
		return !found || !strictEqual(got, want), nil
	case OpContains:
		if !found {
			return false, nil
		}
		return strings.Contains(template.Stringify(got), template.Stringify(want)), nil
	case OpGreaterThan:
		a, b := toNumber(got, found), toNumber(want, true)
		return a > b, nil
	case OpLessThan:
		a, b := toNumber(got, found), toNumber(want, true)
		return a < b, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}

// strictEqual compares scalars by type and value. Numbers compare by value
// across Go numeric types; composite values are never equal.
func strictEqual(a, b any) bool {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		return ok && af == bf
	}
	switch av := a.(type) {
	case nil:
		return b == nil
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func numeric(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// toNumber converts v for ordering comparisons. Values with no numeric reading
// become NaN, which compares false against everything.
func toNumber(v any, found bool) float64 {
	if !found {
		return math.NaN()
	}
	if f, ok := numeric(v); ok {
		return f
	}
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return math.NaN()
}

// delayDuration reads a delay node's duration in seconds.
func delayDuration(cfg map[string]any) (float64, error) {
	raw, ok := cfg["duration"]
	if !ok || raw == nil {
		return 0, nil
	}
	secs := toNumber(raw, true)
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("delay duration %v is not a number", raw)
	}
	if secs < 0 {
		return 0, fmt.Errorf("delay duration %v is negative", raw)
	}
	return secs, nil
}
