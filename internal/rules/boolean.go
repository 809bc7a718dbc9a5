package rules

import (
	"fmt"
	"strings"
)

var booleanOperators = []Operator{OpEquals, OpNotEquals, OpIsSet, OpIsNotSet}

type booleanEvaluator struct{}

func (booleanEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !supports(r.Operator, booleanOperators...) {
		return false, unsupported(r)
	}
	var want bool
	if r.Operator.RequiresValue() {
		var err error
		if want, err = boolValue(e, r); err != nil {
			return false, err
		}
	}

	return checkCandidates(in, r, nil, func(v any) bool {
		if r.Operator == OpNotEquals {
			return toBool(v) != want
		}
		return toBool(v) == want
	})
}

func (booleanEvaluator) query(c *compiler, r Rule) (string, error) {
	if !supports(r.Operator, booleanOperators...) {
		return "", unsupported(r)
	}
	col, err := column(r)
	if err != nil {
		return "", err
	}
	if q, ok := presenceQuery(col.expr, r.Operator); ok {
		return q, nil
	}
	want, err := boolValue(c.engine, r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %t", col.expr, sqlOperator(r.Operator), want), nil
}

// boolValue accepts booleans, numbers and their string spellings.
func boolValue(e *Engine, r Rule) (bool, error) {
	value, err := e.value(r)
	if err != nil {
		return false, err
	}
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1":
			return true, nil
		case "false", "0":
			return false, nil
		}
	default:
		if isNumeric(v) {
			return toBool(v), nil
		}
	}
	return false, evalError(r, ErrInvalidValue, fmt.Sprintf("%v is not a boolean", value))
}
