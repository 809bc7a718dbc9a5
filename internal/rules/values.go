package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/osteele/liquid"
)

// valueRenderer resolves templated rule values such as
// `{{ now | date_sub: 30, "day" }}` at evaluation time.
type valueRenderer struct {
	engine *liquid.Engine
}

func newValueRenderer() *valueRenderer {
	engine := liquid.NewEngine()
	engine.RegisterFilter("date_add", func(value string, amount int, unit string) string {
		return shiftDate(value, amount, unit)
	})
	engine.RegisterFilter("date_sub", func(value string, amount int, unit string) string {
		return shiftDate(value, -amount, unit)
	})
	return &valueRenderer{engine: engine}
}

func shiftDate(value string, amount int, unit string) string {
	t, ok := toDate(value)
	if !ok {
		return value
	}
	return addUnits(t, amount, unit).UTC().Format(time.RFC3339)
}

// addUnits moves t by amount calendar units. Unknown units leave t unchanged.
func addUnits(t time.Time, amount int, unit string) time.Time {
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "minute":
		return t.Add(time.Duration(amount) * time.Minute)
	case "hour":
		return t.Add(time.Duration(amount) * time.Hour)
	case "day":
		return t.AddDate(0, 0, amount)
	case "week":
		return t.AddDate(0, 0, 7*amount)
	case "month":
		return t.AddDate(0, amount, 0)
	case "year":
		return t.AddDate(amount, 0, 0)
	}
	return t
}

// value returns the rule value with templates rendered. Arrays are rendered
// element-wise.
func (e *Engine) value(r Rule) (any, error) {
	if r.Value == nil && r.Operator.RequiresValue() {
		return nil, evalError(r, ErrInvalidValue, "value is required")
	}
	switch v := r.Value.(type) {
	case string:
		return e.render(r, v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				out[i] = item
				continue
			}
			rendered, err := e.render(r, s)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	}
	return r.Value, nil
}

func (e *Engine) render(r Rule, s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	bindings := map[string]any{
		"now": e.now().UTC().Format(time.RFC3339),
	}
	out, err := e.values.engine.ParseAndRenderString(s, bindings)
	if err != nil {
		return "", evalError(r, ErrInvalidValue, fmt.Sprintf("template: %v", err))
	}
	return strings.TrimSpace(out), nil
}
