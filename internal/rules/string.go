package rules

import (
	"fmt"
	"strings"
)

var stringOperators = []Operator{
	OpEquals, OpNotEquals, OpIsSet, OpIsNotSet, OpEmpty, OpNotEmpty,
	OpContains, OpNotContain, OpStartsWith, OpNotStartWith, OpEndsWith,
	OpAny, OpNone,
}

type stringEvaluator struct{}

func (stringEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !supports(r.Operator, stringOperators...) {
		return false, unsupported(r)
	}
	value, err := e.value(r)
	if err != nil {
		return false, err
	}
	needle := toString(value)
	set := stringSet(value)

	return checkCandidates(in, r, nil, func(v any) bool {
		s := toString(v)
		switch r.Operator {
		case OpEquals, OpAny:
			return set[s]
		case OpNotEquals, OpNone:
			return !set[s]
		case OpEmpty:
			return s == ""
		case OpNotEmpty:
			return s != ""
		case OpContains:
			return strings.Contains(s, needle)
		case OpNotContain:
			return !strings.Contains(s, needle)
		case OpStartsWith:
			return strings.HasPrefix(s, needle)
		case OpNotStartWith:
			return !strings.HasPrefix(s, needle)
		case OpEndsWith:
			return strings.HasSuffix(s, needle)
		}
		return false
	})
}

func (stringEvaluator) query(c *compiler, r Rule) (string, error) {
	if !supports(r.Operator, stringOperators...) {
		return "", unsupported(r)
	}
	col, err := column(r)
	if err != nil {
		return "", err
	}
	if q, ok := presenceQuery(col.expr, r.Operator); ok {
		return q, nil
	}
	value, err := c.engine.value(r)
	if err != nil {
		return "", err
	}

	switch r.Operator {
	case OpEmpty:
		return col.expr + " = ''", nil
	case OpNotEmpty:
		return col.expr + " != ''", nil
	case OpContains:
		return fmt.Sprintf("%s LIKE %s", col.expr, likePattern("%", toString(value), "%")), nil
	case OpNotContain:
		return fmt.Sprintf("%s NOT LIKE %s", col.expr, likePattern("%", toString(value), "%")), nil
	case OpStartsWith:
		return fmt.Sprintf("%s LIKE %s", col.expr, likePattern("", toString(value), "%")), nil
	case OpNotStartWith:
		return fmt.Sprintf("%s NOT LIKE %s", col.expr, likePattern("", toString(value), "%")), nil
	case OpEndsWith:
		return fmt.Sprintf("%s LIKE %s", col.expr, likePattern("%", toString(value), "")), nil
	}

	// =, !=, any, none
	negate := r.Operator == OpNotEquals || r.Operator == OpNone
	if items, ok := value.([]any); ok {
		quoted := make([]string, len(items))
		for i, item := range items {
			quoted[i] = quoteString(toString(item))
		}
		in := "IN"
		if negate {
			in = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", col.expr, in, strings.Join(quoted, ", ")), nil
	}
	op := "="
	if negate {
		op = "!="
	}
	return fmt.Sprintf("%s %s %s", col.expr, op, quoteString(toString(value))), nil
}

// stringSet returns the string forms of a scalar or array value.
func stringSet(value any) map[string]bool {
	items := toSlice(value)
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[toString(item)] = true
	}
	return set
}

// likePattern escapes LIKE metacharacters in v and wraps it as a literal.
func likePattern(prefix, v, suffix string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `%`, `\%`)
	v = strings.ReplaceAll(v, `_`, `\_`)
	return quoteString(prefix + v + suffix)
}
