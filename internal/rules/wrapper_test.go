package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(name string, at time.Time, data map[string]any) map[string]any {
	return map[string]any{"name": name, "created_at": at.Format(time.RFC3339), "data": data}
}

func gameEvent(at time.Time, total float64, record bool) map[string]any {
	return event("beat-game", at, map[string]any{"score": map[string]any{"total": total, "isRecord": record}})
}

func eventWrapper(name string, op Operator, freq *Frequency, children ...Rule) Rule {
	for i := range children {
		if children[i].Group == "" {
			children[i].Group = GroupEvent
		}
	}
	return Stitch(Rule{
		Type: TypeWrapper, Group: GroupEvent, Path: "$.name", Operator: op, Value: name,
		Frequency: freq, Children: children,
	})
}

func beatGame(freq *Frequency) Rule {
	return eventWrapper("beat-game", OpOr, freq,
		Rule{Type: TypeNumber, Group: GroupEvent, Path: "$.score.total", Operator: OpLessThan, Value: 5},
		Rule{Type: TypeBoolean, Group: GroupEvent, Path: "$.score.isRecord", Operator: OpEquals, Value: true},
	)
}

func atLeastTwiceThisWeek() *Frequency {
	return &Frequency{Count: 2, Operator: OpGreaterThanEq, Period: Period{Type: PeriodRolling, Unit: "day", Value: 7}}
}

// ==========================================
// CHECK
// ==========================================

func TestEventWrapper_Frequency(t *testing.T) {
	day := 24 * time.Hour
	rule := beatGame(atLeastTwiceThisWeek())

	tests := []struct {
		name   string
		events []map[string]any
		want   bool
	}{
		{"two qualifying", []map[string]any{
			gameEvent(fixedNow.Add(-1*day), 3, false),
			gameEvent(fixedNow.Add(-2*day), 9, true),
		}, true},
		{"one qualifying", []map[string]any{
			gameEvent(fixedNow.Add(-1*day), 3, false),
			gameEvent(fixedNow.Add(-2*day), 9, false),
		}, false},
		{"outside window", []map[string]any{
			gameEvent(fixedNow.Add(-1*day), 3, false),
			gameEvent(fixedNow.Add(-8*day), 3, false),
		}, false},
		{"other event name", []map[string]any{
			gameEvent(fixedNow.Add(-1*day), 3, false),
			event("lose-game", fixedNow.Add(-1*day), map[string]any{"score": map[string]any{"total": 1.0}}),
		}, false},
		{"no events", nil, false},
	}

	eng := testEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Check(Input{User: map[string]any{}, Events: tt.events}, rule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventWrapper_UpperBoundScansEveryEvent(t *testing.T) {
	rule := beatGame(&Frequency{Count: 1, Operator: OpLessThanEq})
	eng := testEngine()

	two := []map[string]any{gameEvent(fixedNow, 1, false), gameEvent(fixedNow, 2, false)}
	got, err := eng.Check(Input{Events: two}, rule)
	require.NoError(t, err)
	assert.False(t, got, "a second match must flip <= 1 to false")

	got, err = eng.Check(Input{Events: two[:1]}, rule)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eng.Check(Input{}, rule)
	require.NoError(t, err)
	assert.True(t, got, "zero events satisfy <= 1")
}

func TestEventWrapper_EqualsScansEveryEvent(t *testing.T) {
	rule := beatGame(&Frequency{Count: 1, Operator: OpEquals})
	events := []map[string]any{gameEvent(fixedNow, 1, false), gameEvent(fixedNow, 2, false)}

	got, err := testEngine().Check(Input{Events: events}, rule)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEventWrapper_DefaultFrequency(t *testing.T) {
	rule := eventWrapper("signup", OpAnd, nil)
	eng := testEngine()

	got, err := eng.Check(Input{Events: []map[string]any{event("signup", fixedNow.AddDate(-3, 0, 0), nil)}}, rule)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eng.Check(Input{Events: []map[string]any{event("login", fixedNow, nil)}}, rule)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEventWrapper_FixedWindow(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	rule := eventWrapper("purchase", OpAnd, &Frequency{
		Count: 1, Operator: OpGreaterThanEq,
		Period: Period{Type: PeriodFixed, Start: &start, End: &end},
	})
	eng := testEngine()

	got, err := eng.Check(Input{Events: []map[string]any{event("purchase", end.Add(time.Hour), nil)}}, rule)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = eng.Check(Input{Events: []map[string]any{event("purchase", start.Add(time.Hour), nil)}}, rule)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEventWrapper_UserConditionInside(t *testing.T) {
	rule := eventWrapper("purchase", OpAnd, nil,
		Rule{Type: TypeString, Group: GroupUser, Path: "$.plan", Operator: OpEquals, Value: "pro"},
	)
	events := []map[string]any{event("purchase", fixedNow, nil)}
	eng := testEngine()

	got, err := eng.Check(Input{User: map[string]any{"data": map[string]any{"plan": "pro"}}, Events: events}, rule)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eng.Check(Input{User: map[string]any{"data": map[string]any{"plan": "free"}}, Events: events}, rule)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestWrapper_Fold(t *testing.T) {
	in := userWith(map[string]any{"age": 30.0, "vip": false})
	adult := Rule{Type: TypeNumber, Path: "$.age", Operator: OpGreaterThanEq, Value: 18}
	vip := Rule{Type: TypeBoolean, Path: "$.vip", Operator: OpEquals, Value: true}
	eng := testEngine()

	and := Stitch(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{adult, vip}})
	got, err := eng.Check(in, and)
	require.NoError(t, err)
	assert.False(t, got)

	or := Stitch(Rule{Type: TypeWrapper, Operator: OpOr, Children: []Rule{adult, vip}})
	got, err = eng.Check(in, or)
	require.NoError(t, err)
	assert.True(t, got)

	empty := Stitch(Rule{Type: TypeWrapper, Operator: OpOr})
	got, err = eng.Check(in, empty)
	require.NoError(t, err)
	assert.True(t, got, "a wrapper without children matches")
}

func TestWrapper_UnknownOperator(t *testing.T) {
	r := Stitch(Rule{Type: TypeWrapper, Operator: "xor"})
	_, err := Check(Input{}, r)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
	_, err = GetRuleQuery(1, r)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)

	bad := beatGame(&Frequency{Count: 1, Operator: OpContains})
	_, err = Check(Input{}, bad)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
	_, err = GetRuleQuery(1, bad)
	assert.ErrorIs(t, err, ErrUnsupportedOperator)
}

// ==========================================
// QUERY
// ==========================================

func TestEventWrapper_Query(t *testing.T) {
	q, err := testEngine().GetRuleQuery(1, beatGame(atLeastTwiceThisWeek()))
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT user_id AS id FROM user_events WHERE project_id = 1 AND name = 'beat-game'"+
			" AND created_at >= now() - INTERVAL 7 DAY"+
			" AND ((CAST(`data`.`score`.`total`, 'Float64') < CAST(5, 'UInt8')) OR (`data`.`score`.`isRecord` = true))"+
			" GROUP BY user_id HAVING count(*) >= 2",
		q)
}

func TestEventWrapper_QueryComplementWhenZeroMatches(t *testing.T) {
	q, err := testEngine().GetRuleQuery(7, beatGame(&Frequency{Count: 1, Operator: OpLessThanEq}))
	require.NoError(t, err)

	assert.Contains(t, q, "SELECT id FROM users WHERE project_id = 7 AND id NOT IN (SELECT user_id FROM user_events WHERE project_id = 7 AND name = 'beat-game'")
	assert.Contains(t, q, "GROUP BY user_id HAVING NOT (count(*) <= 1))")
}

func TestEventWrapper_QueryFixedWindow(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	q, err := testEngine().GetRuleQuery(1, eventWrapper("purchase", OpAnd, &Frequency{
		Count: 3, Operator: OpGreaterThan, Period: Period{Type: PeriodFixed, Start: &start},
	}))
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT user_id AS id FROM user_events WHERE project_id = 1 AND name = 'purchase'"+
			" AND created_at >= parseDateTime64BestEffort('2024-03-01 00:00:00.000')"+
			" GROUP BY user_id HAVING count(*) > 3",
		q)
}

func TestEventWrapper_QueryUserConditionInside(t *testing.T) {
	q, err := testEngine().GetRuleQuery(1, eventWrapper("purchase", OpAnd, nil,
		Rule{Type: TypeString, Group: GroupUser, Path: "$.plan", Operator: OpEquals, Value: "pro"},
	))
	require.NoError(t, err)
	assert.Contains(t, q, "(user_id IN (SELECT id FROM users PREWHERE project_id = 1 AND `data`.`plan` = 'pro'))")
}

func TestWrapper_QuerySplitsUserAndEventChildren(t *testing.T) {
	email := Rule{Type: TypeString, Path: "$.email", Operator: OpIsSet}
	vip := Rule{Type: TypeBoolean, Path: "$.vip", Operator: OpEquals, Value: true}
	played := Rule{
		Type: TypeWrapper, Group: GroupEvent, Path: "$.name", Operator: OpAnd, Value: "beat-game",
	}

	and := Stitch(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{email, vip, played}})
	q, err := testEngine().GetRuleQuery(1, and)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM users PREWHERE project_id = 1 AND ((`email` IS NOT NULL) AND (`data`.`vip` = true))"+
			" INTERSECT "+
			"SELECT id FROM (SELECT user_id AS id FROM user_events WHERE project_id = 1 AND name = 'beat-game' GROUP BY user_id HAVING count(*) >= 1)",
		q)

	or := Stitch(Rule{Type: TypeWrapper, Operator: OpOr, Children: []Rule{email, played}})
	q, err = testEngine().GetRuleQuery(1, or)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM users PREWHERE project_id = 1 AND (`email` IS NOT NULL)"+
			" UNION DISTINCT "+
			"SELECT id FROM (SELECT user_id AS id FROM user_events WHERE project_id = 1 AND name = 'beat-game' GROUP BY user_id HAVING count(*) >= 1)",
		q)
}

func TestWrapper_QueryNestedUserWrapper(t *testing.T) {
	root := Stitch(Rule{Type: TypeWrapper, Operator: OpAnd, Children: []Rule{
		{Type: TypeString, Path: "$.country", Operator: OpEquals, Value: "NL"},
		{Type: TypeWrapper, Operator: OpOr, Children: []Rule{
			{Type: TypeNumber, Path: "$.age", Operator: OpGreaterThan, Value: 65},
			{Type: TypeNumber, Path: "$.age", Operator: OpLessThan, Value: 18},
		}},
	}})
	q, err := testEngine().GetRuleQuery(1, root)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id FROM users PREWHERE project_id = 1 AND ((`data`.`country` = 'NL') AND "+
			"((CAST(`data`.`age`, 'Float64') > CAST(65, 'UInt8')) OR (CAST(`data`.`age`, 'Float64') < CAST(18, 'UInt8'))))",
		q)
}

func TestWrapper_QueryEmpty(t *testing.T) {
	q, err := testEngine().GetRuleQuery(3, Stitch(Rule{Type: TypeWrapper, Operator: OpAnd}))
	require.NoError(t, err)
	assert.Equal(t, "SELECT id FROM users WHERE project_id = 3", q)
}
