package rules

import (
	"context"
	"fmt"
	"strings"
	"sync"

	sq "github.com/Masterminds/squirrel"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/events"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/registry"
)

// TableResolver maps a DSL table name to its endpoint descriptor. Tables
// without a descriptor resolve against process defaults.
type TableResolver func(table string) *config.Endpoint

// Engine evaluates compiled rulesets against requests. The active ruleset
// is swapped atomically on reload; a failed parse keeps the previous set.
type Engine struct {
	mu      sync.RWMutex
	ruleset *Ruleset

	facade  db.Facade
	events  *events.Logger
	actions *registry.Actions
	resolve TableResolver

	evaluated prometheus.Counter
	matched   prometheus.Counter
	errors    prometheus.Counter
}

// NewEngine creates a rule engine with an empty ruleset.
func NewEngine(facade db.Facade, eventLog *events.Logger, actions *registry.Actions, resolve TableResolver) *Engine {
	return &Engine{
		ruleset:   &Ruleset{buckets: map[string][]*Rule{}},
		facade:    facade,
		events:    eventLog,
		actions:   actions,
		resolve:   resolve,
		evaluated: newCounter("restgate_rules_evaluated_total", "Rules evaluated."),
		matched:   newCounter("restgate_rules_matched_total", "Rule conditions that matched."),
		errors:    newCounter("restgate_rules_errors_total", "Rule evaluation errors."),
	}
}

func newCounter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	if err := prometheus.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(prometheus.Counter)
		}
	}
	return c
}

// Swap replaces the active ruleset.
func (e *Engine) Swap(rs *Ruleset) {
	e.mu.Lock()
	e.ruleset = rs
	e.mu.Unlock()
}

// Ruleset returns the active set (for the admin plane).
func (e *Engine) Ruleset() *Ruleset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ruleset
}

// EvaluateIn runs the inbound bucket for the request. Assignments mutate
// the request payload; a rule may short-circuit by writing the response.
func (e *Engine) EvaluateIn(ctx context.Context, rc *registry.RequestContext, resource string, method string) {
	rules := e.Ruleset().Bucket(method, resource, In)
	if len(rules) == 0 {
		return
	}
	scope := e.baseScope(rc)
	for _, rule := range rules {
		e.runRule(ctx, rule, rc, scope, nil)
		if rc.Response.ShortCircuit() {
			return
		}
	}
}

// EvaluateOut runs the outbound bucket over each row of the response data.
// Interrupted clients abort remaining rows via ctx.
func (e *Engine) EvaluateOut(ctx context.Context, rc *registry.RequestContext, resource string, method string) {
	rules := e.Ruleset().Bucket(method, resource, Out)
	if len(rules) == 0 {
		return
	}
	for _, row := range rc.Response.Data {
		if ctx.Err() != nil {
			return
		}
		scope := e.baseScope(rc)
		scope["data"] = row
		for _, rule := range rules {
			e.runRule(ctx, rule, rc, scope, row)
		}
	}
}

// RunGroup evaluates a schedule's rules against an empty request scope.
func (e *Engine) RunGroup(ctx context.Context, s *Schedule) {
	rc := registry.NewRequestContext("schedule:"+s.ID, nil)
	scope := e.baseScope(rc)
	for _, rule := range s.Rules {
		e.runRule(ctx, rule, rc, scope, nil)
	}
}

func (e *Engine) runRule(ctx context.Context, rule *Rule, rc *registry.RequestContext, scope map[string]any, row map[string]any) {
	e.evaluated.Inc()

	actions := rule.Actions
	if rule.Condition != nil {
		out, err := expr.Run(rule.Condition, scope)
		if err != nil {
			e.errors.Inc()
			logging.Error("rule condition error",
				zap.String("rule_id", rule.ID), zap.Error(err))
			return
		}
		if !truthy(out) {
			if len(rule.Else) == 0 {
				return
			}
			actions = rule.Else
		} else {
			e.matched.Inc()
		}
	}

	for _, action := range actions {
		if err := e.runAction(ctx, action, rc, scope, row); err != nil {
			e.errors.Inc()
			logging.Error("rule action error",
				zap.String("rule_id", rule.ID), zap.Error(err))
			// Rule failures do not mask a successful response unless the
			// rule itself wrote an error.
		}
	}
}

func (e *Engine) runAction(ctx context.Context, action Action, rc *registry.RequestContext, scope map[string]any, row map[string]any) error {
	switch action.Kind {
	case ActionAssign:
		v, err := e.eval(action.Expr, scope)
		if err != nil {
			return err
		}
		if s, ok := v.(string); ok && strings.Contains(s, "${") {
			if interpolated, err := Interpolate(s, scope); err == nil {
				v = interpolated
			}
		}
		assign(rc, row, action.Field, v)
		return nil

	case ActionInsert:
		return e.runInsert(ctx, action, scope)

	case ActionUpdate:
		return e.runUpdate(ctx, action, scope)

	case ActionTrigger:
		if e.events == nil {
			return fmt.Errorf("TRIGGER requires the event queue, which is not configured")
		}
		v, err := e.eval(action.Expr, scope)
		if err != nil {
			return err
		}
		job, ok := v.(map[string]any)
		if !ok {
			return fmt.Errorf("TRIGGER wants an object literal, got %T", v)
		}
		return e.events.LogTrigger(ctx, job)

	case ActionCall:
		params := make(map[string]any, len(action.Args))
		for i, arg := range action.Args {
			v, err := e.eval(arg, scope)
			if err != nil {
				return err
			}
			params[fmt.Sprintf("arg%d", i)] = v
		}
		_, err := e.actions.Invoke(ctx, action.Name, rc, params)
		return err

	default:
		return fmt.Errorf("unknown action kind %d", action.Kind)
	}
}

func (e *Engine) runInsert(ctx context.Context, action Action, scope map[string]any) error {
	ep := e.resolve(action.Table)
	if ep == nil {
		return apierror.NewRuleError(action.Table, fmt.Errorf("unknown table"))
	}

	columns := action.Columns
	if len(columns) == 0 {
		// Positional VALUES bind to the descriptor's writable columns.
		if len(action.Values) > len(ep.AllowWrite) {
			return fmt.Errorf("INSERT into %s: %d values for %d writable columns",
				action.Table, len(action.Values), len(ep.AllowWrite))
		}
		columns = ep.AllowWrite[:len(action.Values)]
	}

	payload := make(map[string]any, len(columns))
	for i, col := range columns {
		v, err := e.eval(action.Values[i], scope)
		if err != nil {
			return err
		}
		payload[col] = v
	}

	// Without a queue async degrades to a synchronous write.
	if action.Async && e.events != nil {
		return e.events.Log(ctx, tableEndpoint(ep, columns), payload)
	}
	_, err := e.facade.Create(ctx, tableEndpoint(ep, columns), payload)
	return err
}

func (e *Engine) runUpdate(ctx context.Context, action Action, scope map[string]any) error {
	ep := e.resolve(action.Table)
	if ep == nil {
		return apierror.NewRuleError(action.Table, fmt.Errorf("unknown table"))
	}

	patch := make(map[string]any, len(action.SetCols))
	for i, col := range action.SetCols {
		v, err := e.eval(action.Values[i], scope)
		if err != nil {
			return err
		}
		patch[col] = v
	}
	filter := make(map[string]any, len(action.WhereCols))
	for i, col := range action.WhereCols {
		v, err := e.eval(action.WhereVals[i], scope)
		if err != nil {
			return err
		}
		filter[col] = v
	}

	if action.Async && e.events != nil {
		query, params, err := updateSQL(ep, action.Table, patch, filter)
		if err != nil {
			return err
		}
		return e.events.LogUpdate(ctx, ep, query, params)
	}
	_, err := e.facade.Update(ctx, tableEndpoint(ep, action.SetCols), filter, patch)
	return err
}

// updateSQL renders the parameterized statement an async update carries on
// the queue.
func updateSQL(ep *config.Endpoint, table string, patch, filter map[string]any) (string, []any, error) {
	var placeholder sq.PlaceholderFormat = sq.Question
	switch ep.DBType {
	case "postgres", "postgresql", "pgsql":
		placeholder = sq.Dollar
	}
	b := sq.StatementBuilder.PlaceholderFormat(placeholder).Update(`"` + table + `"`)
	for _, col := range sortedCols(patch) {
		b = b.Set(`"`+col+`"`, patch[col])
	}
	for _, col := range sortedCols(filter) {
		b = b.Where(sq.Eq{`"` + col + `"`: filter[col]})
	}
	return b.ToSql()
}

func sortedCols(m map[string]any) []string {
	cols := make([]string, 0, len(m))
	for c := range m {
		cols = append(cols, c)
	}
	for i := 1; i < len(cols); i++ {
		for j := i; j > 0 && cols[j] < cols[j-1]; j-- {
			cols[j], cols[j-1] = cols[j-1], cols[j]
		}
	}
	return cols
}

// tableEndpoint widens the descriptor's writable set to the columns a rule
// action names; rule authors are trusted operators.
func tableEndpoint(ep *config.Endpoint, columns []string) *config.Endpoint {
	allowed := make(map[string]bool, len(ep.AllowWrite))
	for _, c := range ep.AllowWrite {
		allowed[c] = true
	}
	widened := *ep
	for _, c := range columns {
		if !allowed[c] {
			widened.AllowWrite = append(widened.AllowWrite, c)
		}
	}
	return &widened
}

func (e *Engine) eval(prog *vm.Program, scope map[string]any) (any, error) {
	return expr.Run(prog, scope)
}

// truthy applies script-style coercion to a condition result: nil, false,
// empty string and zero numbers are false, everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int32:
		return x != 0
	case int64:
		return x != 0
	case uint:
		return x != 0
	case uint32:
		return x != 0
	case uint64:
		return x != 0
	case float32:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
