package rules

import (
	"fmt"
	"math"
	"strconv"
)

var numberOperators = []Operator{
	OpEquals, OpNotEquals, OpLessThan, OpLessThanEq, OpGreaterThan, OpGreaterThanEq,
	OpIsSet, OpIsNotSet,
}

type numberEvaluator struct{}

func (numberEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !supports(r.Operator, numberOperators...) {
		return false, unsupported(r)
	}
	var want float64
	if r.Operator.RequiresValue() {
		var err error
		if want, err = numberValue(e, r); err != nil {
			return false, err
		}
	}

	return checkCandidates(in, r, nil, func(v any) bool {
		ok, _ := compareFloat(toNumber(v), r.Operator, want)
		return ok
	})
}

func (numberEvaluator) query(c *compiler, r Rule) (string, error) {
	if !supports(r.Operator, numberOperators...) {
		return "", unsupported(r)
	}
	col, err := column(r)
	if err != nil {
		return "", err
	}
	if q, ok := presenceQuery(col.expr, r.Operator); ok {
		return q, nil
	}
	n, err := numberValue(c.engine, r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CAST(%s, 'Float64') %s %s", col.expr, sqlOperator(r.Operator), numberLiteral(n)), nil
}

// numberValue renders and coerces the rule value. Both modes share it so a
// value one of them rejects is never quietly compared by the other.
func numberValue(e *Engine, r Rule) (float64, error) {
	value, err := e.value(r)
	if err != nil {
		return 0, err
	}
	n := toNumber(value)
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, evalError(r, ErrInvalidValue, fmt.Sprintf("%v is not a number", value))
	}
	return n, nil
}

// numberLiteral casts n to the smallest ClickHouse type that holds it so the
// comparison can use the column's index.
func numberLiteral(n float64) string {
	if n != math.Trunc(n) || math.Abs(n) > 1<<63 {
		return fmt.Sprintf("CAST(%s, 'Float64')", strconv.FormatFloat(n, 'f', -1, 64))
	}
	lit := strconv.FormatFloat(n, 'f', 0, 64)
	return fmt.Sprintf("CAST(%s, '%s')", lit, integerType(n))
}

func integerType(n float64) string {
	if n >= 0 {
		switch {
		case n <= math.MaxUint8:
			return "UInt8"
		case n <= math.MaxUint16:
			return "UInt16"
		case n <= math.MaxUint32:
			return "UInt32"
		default:
			return "UInt64"
		}
	}
	switch {
	case n >= math.MinInt8:
		return "Int8"
	case n >= math.MinInt16:
		return "Int16"
	case n >= math.MinInt32:
		return "Int32"
	default:
		return "Int64"
	}
}
