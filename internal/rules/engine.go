package rules

import (
	"time"

	"github.com/ignite/audience/internal/pkg/logger"
)

// evaluator is implemented once per node type. check interprets a rule
// against a single in-memory input; query compiles it to a ClickHouse boolean
// fragment over the row being filtered.
type evaluator interface {
	check(e *Engine, in Input, r Rule) (bool, error)
	query(c *compiler, r Rule) (string, error)
}

// evaluatorFor is the only place node types are dispatched. Adding a type
// means adding a constant, a case here and an entry in Types().
func evaluatorFor(t Type) (evaluator, bool) {
	switch t {
	case TypeWrapper:
		return wrapperEvaluator{}, true
	case TypeString:
		return stringEvaluator{}, true
	case TypeNumber:
		return numberEvaluator{}, true
	case TypeBoolean:
		return booleanEvaluator{}, true
	case TypeDate:
		return dateEvaluator{}, true
	case TypeArray:
		return arrayEvaluator{}, true
	}
	return nil, false
}

// Engine evaluates and compiles rule trees.
type Engine struct {
	now    func() time.Time
	values *valueRenderer
	log    *logger.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for event windows and value
// templates.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		now:    time.Now,
		values: newValueRenderer(),
		log:    logger.With("component", "rules"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check reports whether the input satisfies the rules. Several rules are
// combined with an implicit "and".
func (e *Engine) Check(in Input, rules ...Rule) (bool, error) {
	return e.check(in, implicitRoot(rules))
}

// GetRuleQuery compiles the rules into a query selecting matching user ids
// within the given project scope. Several rules are combined with an
// implicit "and".
func (e *Engine) GetRuleQuery(scopeID int64, rules ...Rule) (string, error) {
	c := &compiler{engine: e, scopeID: scopeID, row: GroupUser}
	q, err := c.setQuery(implicitRoot(rules))
	if err != nil {
		return "", err
	}
	e.log.Debug("compiled rule query", "scope_id", scopeID, "length", len(q))
	return q, nil
}

func (e *Engine) check(in Input, r Rule) (bool, error) {
	ev, ok := evaluatorFor(r.Type)
	if !ok {
		return false, evalError(r, ErrUnknownType, "")
	}
	return ev.check(e, in, r)
}

func implicitRoot(rules []Rule) Rule {
	if len(rules) == 1 {
		return rules[0]
	}
	return Stitch(Make(Rule{Type: TypeWrapper, Operator: OpAnd, Children: rules}))
}

var defaultEngine = NewEngine()

// Check evaluates rules with the default engine.
func Check(in Input, rules ...Rule) (bool, error) {
	return defaultEngine.Check(in, rules...)
}

// GetRuleQuery compiles rules with the default engine.
func GetRuleQuery(scopeID int64, rules ...Rule) (string, error) {
	return defaultEngine.GetRuleQuery(scopeID, rules...)
}
