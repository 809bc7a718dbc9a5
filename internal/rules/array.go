package rules

import (
	"fmt"
	"strconv"
	"strings"
)

var arrayOperators = []Operator{
	OpIsSet, OpIsNotSet, OpEmpty, OpNotEmpty, OpContains, OpNotContain, OpAny, OpNone,
}

type arrayEvaluator struct{}

func (arrayEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !supports(r.Operator, arrayOperators...) {
		return false, unsupported(r)
	}
	value, err := e.value(r)
	if err != nil {
		return false, err
	}
	wanted := toSlice(value)

	return checkCandidates(in, r, nil, func(v any) bool {
		items := toSlice(v)
		switch r.Operator {
		case OpEmpty:
			return len(items) == 0
		case OpNotEmpty:
			return len(items) > 0
		case OpContains:
			return hasItem(items, value)
		case OpNotContain:
			return !hasItem(items, value)
		case OpAny:
			return hasAny(items, wanted)
		case OpNone:
			return !hasAny(items, wanted)
		}
		return false
	})
}

func (arrayEvaluator) query(c *compiler, r Rule) (string, error) {
	if !supports(r.Operator, arrayOperators...) {
		return "", unsupported(r)
	}
	col, err := column(r)
	if err != nil {
		return "", err
	}
	if q, ok := presenceQuery(col.expr, r.Operator); ok {
		return q, nil
	}

	switch r.Operator {
	case OpEmpty:
		return col.expr + " = []", nil
	case OpNotEmpty:
		return col.expr + " != []", nil
	}

	value, err := c.engine.value(r)
	if err != nil {
		return "", err
	}
	switch r.Operator {
	case OpContains:
		return fmt.Sprintf("has(%s, %s)", col.expr, arrayLiteral(value)), nil
	case OpNotContain:
		return fmt.Sprintf("NOT has(%s, %s)", col.expr, arrayLiteral(value)), nil
	case OpAny:
		return fmt.Sprintf("hasAny(%s, [%s])", col.expr, arrayLiterals(value)), nil
	default: // OpNone
		return fmt.Sprintf("NOT hasAny(%s, [%s])", col.expr, arrayLiterals(value)), nil
	}
}

func hasItem(items []any, want any) bool {
	for _, item := range items {
		if looseEqual(item, want) {
			return true
		}
	}
	return false
}

func hasAny(items, wanted []any) bool {
	for _, w := range wanted {
		if hasItem(items, w) {
			return true
		}
	}
	return false
}

func arrayLiteral(v any) string {
	switch x := v.(type) {
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "NULL"
	}
	if isNumeric(v) {
		return strconv.FormatFloat(toNumber(v), 'f', -1, 64)
	}
	return quoteString(toString(v))
}

func arrayLiterals(v any) string {
	items := toSlice(v)
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = arrayLiteral(item)
	}
	return strings.Join(out, ", ")
}
