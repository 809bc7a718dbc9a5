package rules

import (
	"fmt"
	"time"
)

var dateOperators = []Operator{
	OpEquals, OpNotEquals, OpLessThan, OpLessThanEq, OpGreaterThan, OpGreaterThanEq,
	OpIsSet, OpIsNotSet, OpIsSameDay,
}

type dateEvaluator struct{}

func (dateEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !supports(r.Operator, dateOperators...) {
		return false, unsupported(r)
	}

	var want time.Time
	if r.Operator.RequiresValue() {
		value, err := e.value(r)
		if err != nil {
			return false, err
		}
		var ok bool
		if want, ok = toDate(value); !ok {
			return false, evalError(r, ErrInvalidValue, fmt.Sprintf("%v is not a date", value))
		}
	}

	// Unparseable candidates count as absent, matching the NULL the store
	// yields for them.
	valid := func(v any) bool {
		_, ok := toDate(v)
		return ok
	}
	return checkCandidates(in, r, valid, func(v any) bool {
		t, _ := toDate(v)
		if r.Operator == OpIsSameDay {
			return sameDay(t, want)
		}
		ok, _ := compareFloat(float64(t.UnixMilli()), r.Operator, float64(want.UnixMilli()))
		return ok
	})
}

func (dateEvaluator) query(c *compiler, r Rule) (string, error) {
	if !supports(r.Operator, dateOperators...) {
		return "", unsupported(r)
	}
	col, err := column(r)
	if err != nil {
		return "", err
	}
	expr := col.expr
	if !col.reserved {
		expr = fmt.Sprintf("parseDateTime64BestEffortOrNull(toString(%s))", col.expr)
	}
	if q, ok := presenceQuery(expr, r.Operator); ok {
		return q, nil
	}

	value, err := c.engine.value(r)
	if err != nil {
		return "", err
	}
	want, ok := toDate(value)
	if !ok {
		return "", evalError(r, ErrInvalidValue, fmt.Sprintf("%v is not a date", value))
	}
	lit := dateTimeLiteral(want)

	if r.Operator == OpIsSameDay {
		return fmt.Sprintf("toDate(%s) = toDate(%s)", expr, lit), nil
	}
	return fmt.Sprintf("%s %s %s", expr, sqlOperator(r.Operator), lit), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
