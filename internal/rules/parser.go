package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Parser compiles rule DSL text into a Ruleset. The statement grammar is
// line-oriented; conditions and values are expr programs evaluated against
// the scope {req, context, data, res} plus the whitelisted action registry.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// ParseDir loads every *.rules file in dir into one ruleset. A parse error
// in any file aborts the whole load so the previous ruleset stays live.
func (p *Parser) ParseDir(dir string) (*Ruleset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Ruleset{buckets: map[string][]*Rule{}}, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".rules") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	rs := &Ruleset{buckets: map[string][]*Rule{}}
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if err := p.parseInto(rs, name, string(data)); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Parse compiles one DSL document.
func (p *Parser) Parse(sourceName, src string) (*Ruleset, error) {
	rs := &Ruleset{buckets: map[string][]*Rule{}}
	if err := p.parseInto(rs, sourceName, src); err != nil {
		return nil, err
	}
	return rs, nil
}

// ParseFiles compiles multiple named DSL documents into one set.
func (p *Parser) ParseFiles(files map[string]string) (*Ruleset, error) {
	rs := &Ruleset{buckets: map[string][]*Rule{}}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.parseInto(rs, name, files[name]); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

type parseState struct {
	method    string
	resource  string
	direction Direction
	guard     *vm.Program
	guardSrc  string
	schedule  *Schedule
}

func (p *Parser) parseInto(rs *Ruleset, sourceName, src string) error {
	st := &parseState{direction: In}

	for i, raw := range strings.Split(src, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		lineNo := i + 1
		id := fmt.Sprintf("%s:%d", sourceName, lineNo)

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "EVENT "):
			if err := p.parseEvent(st, line); err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			continue

		case strings.HasPrefix(upper, "SCHEDULE "):
			spec := strings.TrimSpace(line[len("SCHEDULE"):])
			st.schedule = &Schedule{ID: id, Spec: spec}
			rs.schedules = append(rs.schedules, st.schedule)
			st.guard = nil
			st.guardSrc = ""
			continue

		case strings.HasPrefix(upper, "WHEN "):
			condSrc := strings.TrimSpace(line[len("WHEN"):])
			cond, err := compileCondition(condSrc)
			if err != nil {
				return fmt.Errorf("%s: WHEN: %w", id, err)
			}
			st.guard = cond
			st.guardSrc = condSrc
			continue
		}

		rule, err := p.parseRule(st, id, line)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}

		if st.schedule != nil {
			st.schedule.Rules = append(st.schedule.Rules, rule)
			continue
		}
		if st.method == "" || st.resource == "" {
			return fmt.Errorf("%s: statement outside EVENT block", id)
		}
		key := bucketKey(st.method, st.resource, st.direction)
		rs.buckets[key] = append(rs.buckets[key], rule)
	}
	return nil
}

func (p *Parser) parseEvent(st *parseState, line string) error {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return fmt.Errorf("EVENT wants: EVENT <METHOD> <resource> [IN|OUT]")
	}
	method := strings.ToUpper(fields[1])
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH":
	default:
		return fmt.Errorf("EVENT: unknown method %q", fields[1])
	}
	st.method = method
	st.resource = fields[2]
	st.direction = In
	st.guard = nil
	st.guardSrc = ""
	st.schedule = nil
	if len(fields) > 3 {
		switch strings.ToUpper(fields[3]) {
		case "IN":
			st.direction = In
		case "OUT":
			st.direction = Out
		default:
			return fmt.Errorf("EVENT: direction must be IN or OUT, got %q", fields[3])
		}
	}
	return nil
}

// parseRule turns one statement line into a rule, attaching any WHEN guard.
func (p *Parser) parseRule(st *parseState, id, line string) (*Rule, error) {
	rule := &Rule{
		ID:        id,
		Event:     st.method,
		Resource:  st.resource,
		Direction: st.direction,
		Condition: st.guard,
		Source:    st.guardSrc,
	}

	if strings.HasPrefix(strings.ToUpper(line), "IF ") {
		condSrc, rest, err := splitKeyword(line[3:], "THEN")
		if err != nil {
			return nil, err
		}
		cond, err := compileCondition(condSrc)
		if err != nil {
			return nil, fmt.Errorf("IF condition: %w", err)
		}
		rule.Condition = cond
		rule.Source = strings.TrimSpace(condSrc)

		thenSrc, elseSrc, _ := cutKeyword(rest, "ELSE")
		action, err := p.parseAction(st, thenSrc)
		if err != nil {
			return nil, err
		}
		rule.Actions = []Action{action}
		if elseSrc != "" {
			elseAction, err := p.parseAction(st, elseSrc)
			if err != nil {
				return nil, err
			}
			rule.Else = []Action{elseAction}
		}
		return rule, nil
	}

	action, err := p.parseAction(st, line)
	if err != nil {
		return nil, err
	}
	rule.Actions = []Action{action}
	return rule, nil
}

var identPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
var callPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\((.*)\)$`)

func (p *Parser) parseAction(st *parseState, src string) (Action, error) {
	src = strings.TrimSpace(src)
	upper := strings.ToUpper(src)

	// Inbound DB-mutating actions default to async; a trailing SYNC keyword
	// forces inline execution.
	async := st.direction == In
	if strings.HasSuffix(upper, " SYNC") {
		async = false
		src = strings.TrimSpace(src[:len(src)-len(" SYNC")])
		upper = strings.ToUpper(src)
	}

	switch {
	case strings.HasPrefix(upper, "INSERT INTO "):
		return parseInsert(src, async)
	case strings.HasPrefix(upper, "UPDATE "):
		return parseUpdate(src, async)
	case strings.HasPrefix(upper, "TRIGGER "):
		prog, err := compileExpr(strings.TrimSpace(src[len("TRIGGER"):]))
		if err != nil {
			return Action{}, fmt.Errorf("TRIGGER: %w", err)
		}
		return Action{Kind: ActionTrigger, Expr: prog, Async: true}, nil
	}

	// <field> = <expr>  (but not ==)
	if eq := findAssign(src); eq > 0 {
		field := strings.TrimSpace(src[:eq])
		if identPathPattern.MatchString(field) {
			prog, err := compileExpr(strings.TrimSpace(src[eq+1:]))
			if err != nil {
				return Action{}, fmt.Errorf("assignment to %s: %w", field, err)
			}
			return Action{Kind: ActionAssign, Field: field, Expr: prog}, nil
		}
	}

	// <name>(args) registry invocation
	if m := callPattern.FindStringSubmatch(src); m != nil {
		var args []*vm.Program
		if argSrc := strings.TrimSpace(m[2]); argSrc != "" {
			for _, a := range splitTopLevel(argSrc, ',') {
				prog, err := compileExpr(strings.TrimSpace(a))
				if err != nil {
					return Action{}, fmt.Errorf("call %s: %w", m[1], err)
				}
				args = append(args, prog)
			}
		}
		return Action{Kind: ActionCall, Name: m[1], Args: args}, nil
	}

	return Action{}, fmt.Errorf("unrecognized statement: %s", src)
}

var insertPattern = regexp.MustCompile(`(?i)^INSERT\s+INTO\s+([A-Za-z_][A-Za-z0-9_]*)\s*(\(([^)]*)\))?\s*VALUES\s*\((.*)\)$`)

func parseInsert(src string, async bool) (Action, error) {
	m := insertPattern.FindStringSubmatch(strings.TrimSpace(src))
	if m == nil {
		return Action{}, fmt.Errorf("INSERT wants: INSERT INTO <table> [(cols)] VALUES (<exprs>)")
	}
	action := Action{Kind: ActionInsert, Table: m[1], Async: async}
	if m[3] != "" {
		for _, c := range strings.Split(m[3], ",") {
			action.Columns = append(action.Columns, strings.TrimSpace(c))
		}
	}
	for _, v := range splitTopLevel(m[4], ',') {
		prog, err := compileExpr(strings.TrimSpace(v))
		if err != nil {
			return Action{}, fmt.Errorf("INSERT value: %w", err)
		}
		action.Values = append(action.Values, prog)
	}
	if len(action.Columns) > 0 && len(action.Columns) != len(action.Values) {
		return Action{}, fmt.Errorf("INSERT: %d columns but %d values", len(action.Columns), len(action.Values))
	}
	return action, nil
}

func parseUpdate(src string, async bool) (Action, error) {
	rest := strings.TrimSpace(src[len("UPDATE"):])
	table, rest, err := splitKeyword(rest, "SET")
	if err != nil {
		return Action{}, fmt.Errorf("UPDATE wants: UPDATE <table> SET <f> = <expr> WHERE <expr>")
	}
	table = strings.TrimSpace(table)
	if !identPathPattern.MatchString(table) || strings.Contains(table, ".") {
		return Action{}, fmt.Errorf("UPDATE: invalid table %q", table)
	}

	setSrc, whereSrc, hasWhere := cutKeyword(rest, "WHERE")
	action := Action{Kind: ActionUpdate, Table: table, Async: async}

	for _, pair := range splitTopLevel(setSrc, ',') {
		eq := findAssign(pair)
		if eq <= 0 {
			return Action{}, fmt.Errorf("UPDATE SET: want <field> = <expr>, got %q", strings.TrimSpace(pair))
		}
		field := strings.TrimSpace(pair[:eq])
		if !identPathPattern.MatchString(field) {
			return Action{}, fmt.Errorf("UPDATE SET: invalid field %q", field)
		}
		prog, err := compileExpr(strings.TrimSpace(pair[eq+1:]))
		if err != nil {
			return Action{}, fmt.Errorf("UPDATE SET %s: %w", field, err)
		}
		action.SetCols = append(action.SetCols, field)
		action.Values = append(action.Values, prog)
	}

	// WHERE is a conjunction of column equality terms so it can translate
	// to a parameterized SQL filter.
	if hasWhere {
		for _, term := range splitConjunction(whereSrc) {
			col, valSrc, err := splitEquality(term)
			if err != nil {
				return Action{}, fmt.Errorf("UPDATE WHERE: %w", err)
			}
			prog, err := compileExpr(valSrc)
			if err != nil {
				return Action{}, fmt.Errorf("UPDATE WHERE %s: %w", col, err)
			}
			action.WhereCols = append(action.WhereCols, col)
			action.WhereVals = append(action.WhereVals, prog)
		}
	}
	return action, nil
}

// splitConjunction splits a WHERE clause on top-level AND / &&.
func splitConjunction(s string) []string {
	var parts []string
	rest := s
	for {
		before, after, found := cutKeyword(rest, "AND")
		if !found {
			if i := strings.Index(rest, "&&"); i >= 0 {
				parts = append(parts, strings.TrimSpace(rest[:i]))
				rest = rest[i+2:]
				continue
			}
			parts = append(parts, strings.TrimSpace(rest))
			return parts
		}
		parts = append(parts, before)
		rest = after
	}
}

// splitEquality parses "col == expr" (or single =) into its sides.
func splitEquality(term string) (col, valSrc string, err error) {
	if i := strings.Index(term, "=="); i >= 0 {
		col = strings.TrimSpace(term[:i])
		valSrc = strings.TrimSpace(term[i+2:])
	} else if i := findAssign(term); i > 0 {
		col = strings.TrimSpace(term[:i])
		valSrc = strings.TrimSpace(term[i+1:])
	} else {
		return "", "", fmt.Errorf("want <column> == <expr>, got %q", strings.TrimSpace(term))
	}
	if !identPathPattern.MatchString(col) || strings.Contains(col, ".") {
		return "", "", fmt.Errorf("invalid column %q", col)
	}
	return col, valSrc, nil
}

// --- expression compilation -------------------------------------------------

var nullToken = regexp.MustCompile(`\bnull\b`)

// compileExpr compiles a value expression. The DSL's `null` literal maps to
// expr's `nil`.
func compileExpr(src string) (*vm.Program, error) {
	src = nullToken.ReplaceAllString(src, "nil")
	return expr.Compile(src, expr.AllowUndefinedVariables())
}

// compileCondition compiles a guard expression. Conditions are not forced
// to bool at compile time; the engine applies truthiness to the result, so
// `IF data.secret THEN ...` works on a string field.
func compileCondition(src string) (*vm.Program, error) {
	src = nullToken.ReplaceAllString(src, "nil")
	return expr.Compile(src, expr.AllowUndefinedVariables())
}

// --- small lexical helpers --------------------------------------------------

// findAssign locates a top-level single "=" that is not part of ==, !=, <=,
// >=. Returns -1 when absent.
func findAssign(s string) int {
	depth := 0
	var inStr byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr != 0 {
			if c == inStr && (i == 0 || s[i-1] != '\\') {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '=':
			if depth > 0 {
				continue
			}
			prev := byte(0)
			if i > 0 {
				prev = s[i-1]
			}
			next := byte(0)
			if i+1 < len(s) {
				next = s[i+1]
			}
			if next == '=' || prev == '=' || prev == '!' || prev == '<' || prev == '>' {
				if next == '=' {
					i++ // skip the second '='
				}
				continue
			}
			return i
		}
	}
	return -1
}

// splitKeyword splits s at the first top-level occurrence of the keyword
// (case-insensitive, whitespace-delimited), erroring when absent.
func splitKeyword(s, keyword string) (before, after string, err error) {
	before, after, ok := cutKeyword(s, keyword)
	if !ok {
		return "", "", fmt.Errorf("missing %s", keyword)
	}
	return before, after, nil
}

func cutKeyword(s, keyword string) (before, after string, found bool) {
	depth := 0
	var inStr byte
	upper := strings.ToUpper(s)
	kw := strings.ToUpper(keyword)
	for i := 0; i+len(kw) <= len(s); i++ {
		c := s[i]
		if inStr != 0 {
			if c == inStr && (i == 0 || s[i-1] != '\\') {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
			continue
		case '(', '[', '{':
			depth++
			continue
		case ')', ']', '}':
			depth--
			continue
		}
		if depth != 0 {
			continue
		}
		if upper[i:i+len(kw)] == kw {
			beforeOK := i == 0 || s[i-1] == ' ' || s[i-1] == '\t'
			afterIdx := i + len(kw)
			afterOK := afterIdx == len(s) || s[afterIdx] == ' ' || s[afterIdx] == '\t'
			if beforeOK && afterOK {
				return strings.TrimSpace(s[:i]), strings.TrimSpace(s[afterIdx:]), true
			}
		}
	}
	return s, "", false
}

// splitTopLevel splits on sep outside strings, parens, brackets and braces.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var inStr byte
	last := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr != 0 {
			if c == inStr && (i == 0 || s[i-1] != '\\') {
				inStr = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			inStr = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		default:
			if c == sep && depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}
