package rules

import (
	"fmt"
	"strings"
	"time"
)

// defaultFrequency applies to event wrappers without an explicit frequency:
// the event happened at least once, at any time.
var defaultFrequency = Frequency{Operator: OpGreaterThanEq, Count: 1}

func frequencyOf(r Rule) (Frequency, error) {
	if r.Frequency == nil {
		return defaultFrequency, nil
	}
	f := *r.Frequency
	if !isOrdering(f.Operator) {
		return Frequency{}, evalError(r, ErrUnsupportedOperator, fmt.Sprintf("frequency operator %q", f.Operator))
	}
	if f.Count < 0 {
		return Frequency{}, evalError(r, ErrInvalidValue, "frequency count is negative")
	}
	switch f.Period.Type {
	case "":
	case PeriodRolling:
		if f.Period.Value <= 0 || !validUnit(f.Period.Unit) {
			return Frequency{}, evalError(r, ErrInvalidValue, fmt.Sprintf("rolling period %d %q", f.Period.Value, f.Period.Unit))
		}
	case PeriodFixed:
		if f.Period.Start == nil {
			return Frequency{}, evalError(r, ErrInvalidValue, "fixed period without start")
		}
	default:
		return Frequency{}, evalError(r, ErrInvalidValue, fmt.Sprintf("period type %q", f.Period.Type))
	}
	return f, nil
}

// lowerBound reports whether, once met, the frequency can no longer be
// unmet by further matches. Only these operators may stop counting early.
func (f Frequency) lowerBound() bool {
	return f.Operator == OpGreaterThan || f.Operator == OpGreaterThanEq
}

func (f Frequency) satisfied(count int) bool {
	ok, _ := compareFloat(float64(count), f.Operator, float64(f.Count))
	return ok
}

// window returns the bounds events must fall within. A zero bound is open.
func (p Period) window(now time.Time) (start, end time.Time) {
	switch p.Type {
	case PeriodRolling:
		return addUnits(now, -p.Value, p.Unit), time.Time{}
	case PeriodFixed:
		if p.Start != nil {
			start = *p.Start
		}
		if p.End != nil {
			end = *p.End
		}
	}
	return start, end
}

// contains reports whether the event timestamp lies inside the window.
// Events without a readable timestamp are outside any bounded window.
func (p Period) contains(now time.Time, event map[string]any) bool {
	start, end := p.window(now)
	if start.IsZero() && end.IsZero() {
		return true
	}
	at, ok := toDate(event["created_at"])
	if !ok {
		return false
	}
	if !start.IsZero() && at.Before(start) {
		return false
	}
	if !end.IsZero() && at.After(end) {
		return false
	}
	return true
}

// sql renders the window as a predicate over user_events.created_at.
func (p Period) sql() string {
	switch p.Type {
	case PeriodRolling:
		return fmt.Sprintf("created_at >= now() - INTERVAL %d %s", p.Value, strings.ToUpper(strings.TrimSuffix(strings.ToLower(p.Unit), "s")))
	case PeriodFixed:
		var parts []string
		if p.Start != nil {
			parts = append(parts, "created_at >= "+dateTimeLiteral(*p.Start))
		}
		if p.End != nil {
			parts = append(parts, "created_at <= "+dateTimeLiteral(*p.End))
		}
		return strings.Join(parts, " AND ")
	}
	return ""
}

func dateTimeLiteral(t time.Time) string {
	return fmt.Sprintf("parseDateTime64BestEffort(%s)", quoteString(t.UTC().Format("2006-01-02 15:04:05.000")))
}

func validUnit(unit string) bool {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "minute", "hour", "day", "week", "month", "year":
		return true
	}
	return false
}
