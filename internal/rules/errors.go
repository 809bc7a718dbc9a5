package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors wrapped by EvaluationError.
var (
	ErrUnsupportedOperator = errors.New("unsupported operator")
	ErrUnknownType         = errors.New("unknown rule type")
	ErrInvalidValue        = errors.New("invalid rule value")
	ErrUnsupportedPath     = errors.New("unsupported rule path")
	ErrInvalidTree         = errors.New("invalid rule tree")
)

// EvaluationError is returned when a rule cannot be checked or compiled. It is
// always fatal to the evaluation and identifies the offending node.
type EvaluationError struct {
	RuleID   string
	Type     Type
	Operator Operator
	Err      error
	Detail   string
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("rule %s (%s %q): %v", e.RuleID, e.Type, e.Operator, e.Err)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

func evalError(r Rule, err error, detail string) *EvaluationError {
	return &EvaluationError{RuleID: r.ID, Type: r.Type, Operator: r.Operator, Err: err, Detail: detail}
}

func unsupported(r Rule) *EvaluationError {
	return evalError(r, ErrUnsupportedOperator, "")
}
