package rules

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"
)

// Coercion never fails: values that cannot be represented in the target type
// become a sentinel (NaN, false, invalid date) that matches nothing.

func toNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case bool:
		if n {
			return 1
		}
		return 0
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case float32:
		return float64(n)
	case float64:
		return n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case time.Time:
		return float64(n.UnixMilli())
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	}
	return math.NaN()
}

func toBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s == "true" || s == "1"
	case nil:
		return false
	}
	if f := toNumber(v); !math.IsNaN(f) {
		return f != 0
	}
	return false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"01/02/2006",
}

// toDate reports false for anything that does not denote an instant. Numbers
// are unix milliseconds.
func toDate(v any) (time.Time, bool) {
	switch d := v.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return d, !d.IsZero()
	case *time.Time:
		if d == nil {
			return time.Time{}, false
		}
		return *d, true
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.UnixMilli(int64(f)).UTC(), true
		}
		return time.Time{}, false
	case bool:
		return time.Time{}, false
	}
	f := toNumber(v)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)).UTC(), true
}

func toString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	case time.Time:
		return s.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		return oj.JSON(s, &oj.Options{Sort: true})
	}
	return oj.JSON(v)
}

// toSlice treats a scalar as a one-element array.
func toSlice(v any) []any {
	switch a := v.(type) {
	case nil:
		return nil
	case []any:
		return a
	case []string:
		out := make([]any, len(a))
		for i, s := range a {
			out[i] = s
		}
		return out
	case []float64:
		out := make([]any, len(a))
		for i, f := range a {
			out[i] = f
		}
		return out
	case []int:
		out := make([]any, len(a))
		for i, n := range a {
			out[i] = n
		}
		return out
	}
	return []any{v}
}

// looseEqual compares two scalars the way array membership does: numerically
// when both sides are numbers, otherwise by their string form.
func looseEqual(a, b any) bool {
	if isNumeric(a) && isNumeric(b) {
		return toNumber(a) == toNumber(b)
	}
	return toString(a) == toString(b)
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		return true
	}
	return false
}

// compareFloat applies an ordering operator. NaN never matches.
func compareFloat(a float64, op Operator, b float64) (bool, bool) {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false, isOrdering(op)
	}
	switch op {
	case OpEquals:
		return a == b, true
	case OpNotEquals:
		return a != b, true
	case OpLessThan:
		return a < b, true
	case OpLessThanEq:
		return a <= b, true
	case OpGreaterThan:
		return a > b, true
	case OpGreaterThanEq:
		return a >= b, true
	}
	return false, false
}

func isOrdering(op Operator) bool {
	switch op {
	case OpEquals, OpNotEquals, OpLessThan, OpLessThanEq, OpGreaterThan, OpGreaterThanEq:
		return true
	}
	return false
}

// sqlOperator maps an ordering operator onto its SQL spelling.
func sqlOperator(op Operator) string {
	return string(op)
}
