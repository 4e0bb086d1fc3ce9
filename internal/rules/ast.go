package rules

import (
	"github.com/expr-lang/expr/vm"
)

// Direction selects which side of the handler a rule runs on.
type Direction string

const (
	In  Direction = "in"
	Out Direction = "out"
)

// ActionKind tags the statement variants the DSL can express.
type ActionKind int

const (
	ActionAssign ActionKind = iota // <field> = <expr>
	ActionInsert                   // INSERT INTO <table> VALUES (...)
	ActionUpdate                   // UPDATE <table> SET <f> = <expr> WHERE <expr>
	ActionTrigger                  // TRIGGER <objectLiteral>
	ActionCall                     // <name>(<args>) registry invocation
)

// Action is one compiled rule action.
type Action struct {
	Kind ActionKind

	// Assign
	Field string // identifier path, e.g. "discount" or "data.secret"

	// Insert / Update
	Table     string
	Columns   []string      // insert column names (parallel to Values)
	Values    []*vm.Program // insert values / update set values
	SetCols   []string      // update set columns
	WhereCols []string      // update filter columns (ANDed equality)
	WhereVals []*vm.Program // update filter values

	// Trigger / Call / Assign value
	Expr *vm.Program

	// Call
	Name string
	Args []*vm.Program

	// Async controls whether DB-mutating actions enqueue through the event
	// logger instead of executing inline. Inbound defaults to async.
	Async bool
}

// Rule is one compiled rule: an optional condition guarding an ordered
// action list, filed into a (resource, event, direction) bucket.
type Rule struct {
	ID        string
	Event     string // HTTP method
	Resource  string
	Direction Direction
	Source    string // original condition text, for the admin plane

	Condition *vm.Program // nil = unconditional
	Actions   []Action
	Else      []Action
}

// Ruleset is an immutable compiled collection. The engine swaps whole
// rulesets on reload so a failed parse never disturbs the live set.
type Ruleset struct {
	buckets   map[string][]*Rule
	schedules []*Schedule
}

// Schedule is a rule group run on a timer rather than per request
// (workflow DSL: EVENT block replaced by SCHEDULE <spec>).
type Schedule struct {
	ID    string
	Spec  string
	Rules []*Rule
}

func bucketKey(method, resource string, dir Direction) string {
	return method + "|" + resource + "|" + string(dir)
}

// Bucket returns the ordered rules for (method, resource, direction).
func (rs *Ruleset) Bucket(method, resource string, dir Direction) []*Rule {
	if rs == nil {
		return nil
	}
	return rs.buckets[bucketKey(method, resource, dir)]
}

// Schedules returns the scheduled rule groups.
func (rs *Ruleset) Schedules() []*Schedule {
	if rs == nil {
		return nil
	}
	return rs.schedules
}

// RuleInfo is the admin API view of one rule.
type RuleInfo struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Resource  string `json:"resource"`
	Direction string `json:"direction"`
	Condition string `json:"condition,omitempty"`
	Actions   int    `json:"actions"`
}

// Infos returns metadata for every rule in the set, bucket by bucket.
func (rs *Ruleset) Infos() []RuleInfo {
	if rs == nil {
		return nil
	}
	var out []RuleInfo
	for _, rules := range rs.buckets {
		for _, r := range rules {
			out = append(out, RuleInfo{
				ID:        r.ID,
				Event:     r.Event,
				Resource:  r.Resource,
				Direction: string(r.Direction),
				Condition: r.Source,
				Actions:   len(r.Actions),
			})
		}
	}
	return out
}
