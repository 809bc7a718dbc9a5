package rules

import (
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatorFor_EveryTypeDispatches(t *testing.T) {
	seen := map[evaluator]Type{}
	for _, typ := range Types() {
		ev, ok := evaluatorFor(typ)
		require.True(t, ok, "type %s has no evaluator", typ)
		if other, dup := seen[ev]; dup {
			t.Fatalf("types %s and %s share an evaluator", other, typ)
		}
		seen[ev] = typ
	}

	_, ok := evaluatorFor("money")
	assert.False(t, ok)
}

func TestCheck_UnknownType(t *testing.T) {
	r := Make(Rule{Type: "money", Value: 1})
	_, err := Check(Input{}, r)
	assert.ErrorIs(t, err, ErrUnknownType)
	_, err = GetRuleQuery(1, r)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestScoreScenario(t *testing.T) {
	rule := Make(Rule{Type: TypeNumber, Path: "$.score.total", Operator: OpLessThan, Value: 5})
	in := userWith(map[string]any{"score": map[string]any{"total": 3}})

	ok, err := Check(in, rule)
	require.NoError(t, err)
	assert.True(t, ok)

	q, err := GetRuleQuery(1, rule)
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users PREWHERE project_id = 1 AND CAST(`data`.`score`.`total`, 'Float64') < CAST(5, 'UInt8')", q)
}

func TestCheck_ImplicitAnd(t *testing.T) {
	in := userWith(map[string]any{"age": 30, "country": "NL"})
	adult := Make(Rule{Type: TypeNumber, Path: "$.age", Operator: OpGreaterThanEq, Value: 18})
	dutch := Make(Rule{Type: TypeString, Path: "$.country", Operator: OpEquals, Value: "NL"})
	german := Make(Rule{Type: TypeString, Path: "$.country", Operator: OpEquals, Value: "DE"})

	ok, err := Check(in, adult, dutch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Check(in, adult, german)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Check(in)
	require.NoError(t, err)
	assert.True(t, ok, "no rules match everyone")

	q, err := GetRuleQuery(2, adult, dutch)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(q, "SELECT id FROM users PREWHERE project_id = 2 AND ("), q)
	assert.Contains(t, q, ") AND (")
}

func TestCheck_EventScalarUsesCurrentEvent(t *testing.T) {
	rule := Make(Rule{Type: TypeString, Group: GroupEvent, Path: "$.name", Operator: OpEquals, Value: "purchase"})

	ok, err := Check(Input{Event: map[string]any{"name": "purchase"}}, rule)
	require.NoError(t, err)
	assert.True(t, ok)

	q, err := GetRuleQuery(4, rule)
	require.NoError(t, err)
	assert.Equal(t, "SELECT DISTINCT user_id AS id FROM user_events WHERE project_id = 4 AND `name` = 'purchase'", q)
}

// ==========================================
// PROPERTIES
// ==========================================

// fullScan is the reference count an event wrapper must agree with: every
// event is examined and nothing stops early.
func fullScan(events []map[string]any, f Frequency) bool {
	count := 0
	for _, ev := range events {
		data, _ := ev["data"].(map[string]any)
		score, _ := data["score"].(map[string]any)
		total, _ := score["total"].(float64)
		record, _ := score["isRecord"].(bool)
		if ev["name"] == "beat-game" && (total < 5 || record) {
			count++
		}
	}
	return f.satisfied(count)
}

func genEvents(totals []int, records []bool) []map[string]any {
	events := make([]map[string]any, 0, len(totals))
	for i, total := range totals {
		name := "beat-game"
		if total%7 == 0 {
			name = "other"
		}
		record := i < len(records) && records[i]
		events = append(events, event(name, fixedNow.Add(-time.Duration(i)*time.Minute), map[string]any{
			"score": map[string]any{"total": float64(total), "isRecord": record},
		}))
	}
	return events
}

func TestEventWrapper_PropertyMatchesFullScan(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	eng := testEngine()

	operators := []Operator{OpGreaterThanEq, OpGreaterThan, OpLessThanEq, OpLessThan, OpEquals, OpNotEquals}

	properties.Property("early exit agrees with a full scan", prop.ForAll(
		func(totals []int, records []bool, opIdx int, count int) bool {
			f := Frequency{Operator: operators[opIdx], Count: count}
			events := genEvents(totals, records)
			got, err := eng.Check(Input{Events: events}, beatGame(&f))
			if err != nil {
				return false
			}
			return got == fullScan(events, f)
		},
		gen.SliceOfN(12, gen.IntRange(0, 10)),
		gen.SliceOfN(12, gen.Bool()),
		gen.IntRange(0, len(operators)-1),
		gen.IntRange(0, 6),
	))

	properties.TestingRun(t)
}

// presenceHolds interprets a compiled presence fragment against whether the
// store column is NULL for the row.
func presenceHolds(fragment string, isNull bool) bool {
	if strings.HasSuffix(fragment, " IS NOT NULL") {
		return !isNull
	}
	if strings.HasSuffix(fragment, " IS NULL") {
		return isNull
	}
	panic("not a presence fragment: " + fragment)
}

func TestPresence_PropertyCheckAgreesWithQuery(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	eng := testEngine()

	types := []Type{TypeString, TypeNumber, TypeBoolean, TypeDate, TypeArray}
	values := map[Type]any{
		TypeString:  "x",
		TypeNumber:  4.0,
		TypeBoolean: true,
		TypeDate:    "2024-01-02",
		TypeArray:   []any{"a"},
	}

	properties.Property("is set and is not set agree between check and query", prop.ForAll(
		func(typIdx int, present bool, negate bool, nested bool) bool {
			typ := types[typIdx]
			op := OpIsSet
			if negate {
				op = OpIsNotSet
			}
			path := "$.field"
			data := map[string]any{}
			target := data
			if nested {
				path = "$.outer.field"
				target = map[string]any{}
				data["outer"] = target
			}
			if present {
				target["field"] = values[typ]
			}

			r := Make(Rule{Type: typ, Path: path, Operator: op})
			got, err := eng.Check(userWith(data), r)
			if err != nil {
				return false
			}

			ev, _ := evaluatorFor(typ)
			frag, err := ev.query(&compiler{engine: eng, scopeID: 1, row: GroupUser}, r)
			if err != nil {
				return false
			}
			return got == presenceHolds(frag, !present)
		},
		gen.IntRange(0, len(types)-1),
		gen.Bool(),
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
