// Package rules implements the audience rule language: a tree of typed
// conditions and AND/OR wrappers that can be evaluated against a single user
// in memory (Check) or compiled into a set query for the analytical store
// (GetRuleQuery).
package rules

import (
	"time"
)

// ==========================================
// NODE TYPES
// ==========================================

// Type is the declared value type of a rule node.
type Type string

const (
	TypeWrapper Type = "wrapper"
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeDate    Type = "date"
	TypeArray   Type = "array"
)

// Types returns every node type the engine knows how to evaluate.
func Types() []Type {
	return []Type{TypeWrapper, TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray}
}

// Group is the logical entity a rule path resolves against.
type Group string

const (
	GroupUser   Group = "user"
	GroupEvent  Group = "event"
	GroupParent Group = "parent"
)

// ==========================================
// OPERATORS
// ==========================================

// Operator is a comparison or combination operator.
type Operator string

const (
	OpEquals        Operator = "="
	OpNotEquals     Operator = "!="
	OpLessThan      Operator = "<"
	OpLessThanEq    Operator = "<="
	OpGreaterThan   Operator = ">"
	OpGreaterThanEq Operator = ">="
	OpIsSet         Operator = "is set"
	OpIsNotSet      Operator = "is not set"
	OpEmpty         Operator = "empty"
	OpNotEmpty      Operator = "not empty"
	OpContains      Operator = "contains"
	OpNotContain    Operator = "not contain"
	OpStartsWith    Operator = "starts with"
	OpNotStartWith  Operator = "not start with"
	OpEndsWith      Operator = "ends with"
	OpAny           Operator = "any"
	OpNone          Operator = "none"
	OpIsSameDay     Operator = "is same day"
	OpAnd           Operator = "and"
	OpOr            Operator = "or"
)

// RequiresValue reports whether the operator compares against Rule.Value.
func (o Operator) RequiresValue() bool {
	switch o {
	case OpIsSet, OpIsNotSet, OpEmpty, OpNotEmpty, OpAnd, OpOr:
		return false
	}
	return true
}

// ==========================================
// RULE
// ==========================================

// Rule is a single node of a rule tree. Rules are immutable by convention:
// helpers in this package return modified copies.
type Rule struct {
	ID        string     `json:"id"`
	RootID    string     `json:"root_id,omitempty"`
	ParentID  string     `json:"parent_id,omitempty"`
	Type      Type       `json:"type"`
	Group     Group      `json:"group"`
	Path      string     `json:"path"`
	Operator  Operator   `json:"operator"`
	Value     any        `json:"value,omitempty"`
	Children  []Rule     `json:"children,omitempty"`
	Frequency *Frequency `json:"frequency,omitempty"`
}

// IsRoot reports whether the node has no parent.
func (r Rule) IsRoot() bool {
	return r.ParentID == ""
}

// ==========================================
// EVENT FREQUENCY
// ==========================================

// PeriodType distinguishes rolling windows from fixed date ranges.
type PeriodType string

const (
	PeriodRolling PeriodType = "rolling"
	PeriodFixed   PeriodType = "fixed"
)

// Period is the time window a frequency constraint is evaluated over.
type Period struct {
	Type  PeriodType `json:"type"`
	Unit  string     `json:"unit,omitempty"`  // rolling: minute, hour, day, week, month, year
	Value int        `json:"value,omitempty"` // rolling: number of units
	Start *time.Time `json:"start,omitempty"` // fixed
	End   *time.Time `json:"end,omitempty"`   // fixed, optional
}

// Frequency constrains how many events must satisfy an event wrapper.
type Frequency struct {
	Period   Period   `json:"period"`
	Operator Operator `json:"operator"`
	Count    int      `json:"count"`
}

// ==========================================
// CHECK INPUT
// ==========================================

// Input is the in-memory value a rule is checked against. User and Event are
// records holding reserved fields at the top level and free-form attributes
// under "data".
type Input struct {
	User   map[string]any   `json:"user"`
	Event  map[string]any   `json:"event,omitempty"`
	Events []map[string]any `json:"events,omitempty"`
}

// withEvent returns a copy of the input scoped to a single event.
func (in Input) withEvent(event map[string]any) Input {
	in.Event = event
	return in
}
