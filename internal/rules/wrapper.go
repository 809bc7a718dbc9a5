package rules

import (
	"fmt"
	"strings"
)

type wrapperEvaluator struct{}

// isEventWrapper reports whether r counts a user's events by name rather than
// combining conditions on the user.
func isEventWrapper(r Rule) bool {
	return r.Type == TypeWrapper && r.Group == GroupEvent && normalizePath(r.Path) == eventNamePath
}

// hasEvents reports whether any node in the subtree reads event rows.
func hasEvents(r Rule) bool {
	if r.Type != TypeWrapper {
		return entityGroup(r.Group) == GroupEvent
	}
	if isEventWrapper(r) {
		return true
	}
	for _, child := range r.Children {
		if hasEvents(child) {
			return true
		}
	}
	return false
}

func validWrapperOperator(op Operator) bool {
	return op == OpAnd || op == OpOr
}

// ==========================================
// CHECK
// ==========================================

func (wrapperEvaluator) check(e *Engine, in Input, r Rule) (bool, error) {
	if !validWrapperOperator(r.Operator) {
		return false, unsupported(r)
	}
	if isEventWrapper(r) {
		return e.checkEvents(in, r)
	}
	return e.fold(in, r)
}

// fold combines the children of r. A wrapper without children matches.
func (e *Engine) fold(in Input, r Rule) (bool, error) {
	if len(r.Children) == 0 {
		return true, nil
	}
	for _, child := range r.Children {
		ok, err := e.check(in, child)
		if err != nil {
			return false, err
		}
		if r.Operator == OpOr && ok {
			return true, nil
		}
		if r.Operator == OpAnd && !ok {
			return false, nil
		}
	}
	return r.Operator == OpAnd, nil
}

// checkEvents counts the user's events with the wrapper's name, inside the
// frequency window, that satisfy the children, and compares the count with
// the frequency. Counting stops early only for lower bounds: with "<=" or
// "=" a later match can still flip the result.
func (e *Engine) checkEvents(in Input, r Rule) (bool, error) {
	freq, err := frequencyOf(r)
	if err != nil {
		return false, err
	}
	name, err := e.eventName(r)
	if err != nil {
		return false, err
	}

	now := e.now()
	count := 0
	for _, event := range in.Events {
		if toString(event["name"]) != name || !freq.Period.contains(now, event) {
			continue
		}
		ok, err := e.fold(in.withEvent(event), r)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		count++
		if freq.lowerBound() && freq.satisfied(count) {
			return true, nil
		}
	}
	return freq.satisfied(count), nil
}

func (e *Engine) eventName(r Rule) (string, error) {
	value, err := e.value(r)
	if err != nil {
		return "", err
	}
	name := toString(value)
	if name == "" {
		return "", evalError(r, ErrInvalidValue, "event wrapper without event name")
	}
	return name, nil
}

// ==========================================
// QUERY
// ==========================================

// compiler carries the state of one GetRuleQuery call. row is the table the
// fragment being built filters: users or user_events.
type compiler struct {
	engine  *Engine
	scopeID int64
	row     Group
}

func (c *compiler) inRow(g Group) *compiler {
	next := *c
	next.row = g
	return &next
}

func (c *compiler) idColumn() string {
	if c.row == GroupEvent {
		return "user_id"
	}
	return "id"
}

func (wrapperEvaluator) query(c *compiler, r Rule) (string, error) {
	if !validWrapperOperator(r.Operator) {
		return "", unsupported(r)
	}
	if isEventWrapper(r) || (c.row == GroupUser && hasEvents(r)) {
		sub, err := c.setQuery(r)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s IN (%s)", c.idColumn(), sub), nil
	}
	return c.fold(r.Children, r.Operator)
}

// filter compiles r into a boolean fragment over the current row. Rules on
// the other entity are bridged through an id sub-query.
func (c *compiler) filter(r Rule) (string, error) {
	ev, ok := evaluatorFor(r.Type)
	if !ok {
		return "", evalError(r, ErrUnknownType, "")
	}
	if r.Type == TypeWrapper || entityGroup(r.Group) == c.row {
		return ev.query(c, r)
	}
	if c.row == GroupEvent {
		frag, err := ev.query(c.inRow(GroupUser), r)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("user_id IN (SELECT id FROM users PREWHERE project_id = %d AND %s)", c.scopeID, frag), nil
	}
	sub, err := c.setQuery(r)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("id IN (%s)", sub), nil
}

func (c *compiler) fold(children []Rule, op Operator) (string, error) {
	if len(children) == 0 {
		return "1", nil
	}
	if len(children) == 1 {
		return c.filter(children[0])
	}
	frags := make([]string, 0, len(children))
	for _, child := range children {
		frag, err := c.filter(child)
		if err != nil {
			return "", err
		}
		frags = append(frags, "("+frag+")")
	}
	return strings.Join(frags, " "+strings.ToUpper(string(op))+" "), nil
}

// setQuery compiles r into a query returning the matching user ids in a
// single "id" column.
func (c *compiler) setQuery(r Rule) (string, error) {
	if r.Type != TypeWrapper {
		if _, ok := evaluatorFor(r.Type); !ok {
			return "", evalError(r, ErrUnknownType, "")
		}
		if entityGroup(r.Group) == GroupEvent {
			frag, err := c.inRow(GroupEvent).filter(r)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("SELECT DISTINCT user_id AS id FROM user_events WHERE project_id = %d AND %s", c.scopeID, frag), nil
		}
		frag, err := c.inRow(GroupUser).filter(r)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("SELECT id FROM users PREWHERE project_id = %d AND %s", c.scopeID, frag), nil
	}

	if !validWrapperOperator(r.Operator) {
		return "", unsupported(r)
	}
	if isEventWrapper(r) {
		return c.eventQuery(r)
	}
	if len(r.Children) == 0 {
		return fmt.Sprintf("SELECT id FROM users WHERE project_id = %d", c.scopeID), nil
	}

	// User-only children share one PREWHERE scan; the rest become id sets.
	var userChildren, setChildren []Rule
	for _, child := range r.Children {
		if hasEvents(child) {
			setChildren = append(setChildren, child)
		} else {
			userChildren = append(userChildren, child)
		}
	}

	var parts []string
	if len(userChildren) > 0 {
		frag, err := c.inRow(GroupUser).fold(userChildren, r.Operator)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("SELECT id FROM users PREWHERE project_id = %d AND (%s)", c.scopeID, frag))
	}
	for _, child := range setChildren {
		sub, err := c.setQuery(child)
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("SELECT id FROM (%s)", sub))
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	combine := " INTERSECT "
	if r.Operator == OpOr {
		combine = " UNION DISTINCT "
	}
	return strings.Join(parts, combine), nil
}

// eventQuery compiles an event wrapper into the ids of users whose matching
// event count satisfies the frequency. When zero events already satisfy it
// the query is inverted so users without any events are kept.
func (c *compiler) eventQuery(r Rule) (string, error) {
	freq, err := frequencyOf(r)
	if err != nil {
		return "", err
	}
	name, err := c.engine.eventName(r)
	if err != nil {
		return "", err
	}

	conds := []string{
		fmt.Sprintf("project_id = %d", c.scopeID),
		"name = " + quoteString(name),
	}
	if window := freq.Period.sql(); window != "" {
		conds = append(conds, window)
	}
	if len(r.Children) > 0 {
		frag, err := c.inRow(GroupEvent).fold(r.Children, r.Operator)
		if err != nil {
			return "", err
		}
		conds = append(conds, "("+frag+")")
	}
	where := strings.Join(conds, " AND ")
	having := fmt.Sprintf("count(*) %s %d", sqlOperator(freq.Operator), freq.Count)

	if freq.satisfied(0) {
		return fmt.Sprintf(
			"SELECT id FROM users WHERE project_id = %d AND id NOT IN (SELECT user_id FROM user_events WHERE %s GROUP BY user_id HAVING NOT (%s))",
			c.scopeID, where, having,
		), nil
	}
	return fmt.Sprintf("SELECT user_id AS id FROM user_events WHERE %s GROUP BY user_id HAVING %s", where, having), nil
}
