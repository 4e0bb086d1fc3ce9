package rules

import (
	"context"
	"database/sql"
	"net/url"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/events"
	"github.com/wudi/restgate/internal/registry"
)

type createCall struct {
	table string
	row   db.Row
}

type updateCall struct {
	table  string
	filter db.Row
	patch  db.Row
}

// fakeFacade records mutations instead of touching a database.
type fakeFacade struct {
	mu      sync.Mutex
	creates []createCall
	updates []updateCall
}

func (f *fakeFacade) Create(_ context.Context, ep *config.Endpoint, row db.Row) (*db.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{table: ep.DBTable, row: row})
	return &db.MutationResult{RowCount: 1}, nil
}

func (f *fakeFacade) Read(context.Context, *config.Endpoint, db.ReadOptions) ([]db.Row, error) {
	return nil, nil
}

func (f *fakeFacade) Update(_ context.Context, ep *config.Endpoint, filter, patch db.Row) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{table: ep.DBTable, filter: filter, patch: patch})
	return 1, nil
}

func (f *fakeFacade) Delete(context.Context, *config.Endpoint, db.Row) (int64, error) {
	return 0, nil
}

func (f *fakeFacade) Query(context.Context, *config.Endpoint, string, []any) ([]db.Row, error) {
	return nil, nil
}

func (f *fakeFacade) CreateTable(context.Context, *config.Endpoint, map[string]string) error {
	return nil
}

func (f *fakeFacade) Tx(context.Context, *config.Endpoint, func(tx *sql.Tx) error) error {
	return nil
}

func (f *fakeFacade) Close() {}

func testResolver(t *testing.T) TableResolver {
	t.Helper()
	endpoints := map[string]*config.Endpoint{
		"audit_log": {
			RouteType:  config.RouteDef,
			DBType:     "sqlite",
			DBTable:    "audit_log",
			AllowWrite: []string{"action", "actor", "detail"},
		},
		"inventory": {
			RouteType:  config.RouteDatabase,
			DBType:     "sqlite",
			DBTable:    "inventory",
			Keys:       []string{"sku"},
			AllowWrite: []string{"count", "dirty"},
		},
	}
	return func(table string) *config.Endpoint { return endpoints[table] }
}

func newTestEngine(t *testing.T, facade db.Facade, src string) (*Engine, *registry.Actions) {
	t.Helper()
	actions := registry.NewActions()
	engine := NewEngine(facade, nil, actions, testResolver(t))
	rs, err := NewParser().Parse("test.rules", src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	engine.Swap(rs)
	return engine, actions
}

func newRequest(body map[string]any) *registry.RequestContext {
	rc := registry.NewRequestContext("req-1", nil)
	rc.Body = body
	rc.Query = url.Values{}
	return rc
}

func TestEvaluateInAssignment(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
IF req.body.total > 100 THEN discount = 10 ELSE discount = 0
`)
	rc := newRequest(map[string]any{"total": 150.0})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	if rc.Body["discount"] != 10 {
		t.Errorf("body discount = %v, want 10", rc.Body["discount"])
	}
	if rc.Data["discount"] != 10 {
		t.Errorf("scratch discount = %v, want 10", rc.Data["discount"])
	}

	rc = newRequest(map[string]any{"total": 50.0})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")
	if rc.Body["discount"] != 0 {
		t.Errorf("else branch discount = %v, want 0", rc.Body["discount"])
	}
}

func TestEvaluateInShortCircuit(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
IF req.body.total < 0 THEN response.status = 400
never = "reached"
`)
	rc := newRequest(map[string]any{"total": -1.0})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	if rc.Response.Status != 400 {
		t.Fatalf("response status = %d, want 400", rc.Response.Status)
	}
	if _, ok := rc.Body["never"]; ok {
		t.Error("rules after a short-circuit should not run")
	}
}

func TestEvaluateOutMutatesRows(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT GET orders OUT
data.secret = null
IF data.total > 100 THEN data.tier = "gold" ELSE data.tier = "basic"
`)
	rc := newRequest(nil)
	rc.Response.Data = []map[string]any{
		{"total": 150.0, "secret": "s1"},
		{"total": 50.0, "secret": "s2"},
	}
	engine.EvaluateOut(context.Background(), rc, "orders", "GET")

	if rc.Response.Data[0]["secret"] != nil || rc.Response.Data[1]["secret"] != nil {
		t.Error("secret should be nulled on every row")
	}
	if rc.Response.Data[0]["tier"] != "gold" || rc.Response.Data[1]["tier"] != "basic" {
		t.Errorf("tiers = %v / %v", rc.Response.Data[0]["tier"], rc.Response.Data[1]["tier"])
	}
}

func TestConditionTruthiness(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT GET orders OUT
IF data.secret THEN data.secret = null
`)
	rc := newRequest(nil)
	rc.Response.Data = []map[string]any{
		{"id": 1.0, "secret": "hunter2"},
		{"id": 2.0, "secret": nil},
		{"id": 3.0},
	}
	engine.EvaluateOut(context.Background(), rc, "orders", "GET")

	// A non-empty string condition matches; the field must be scrubbed.
	if rc.Response.Data[0]["secret"] != nil {
		t.Errorf("secret survived: %v", rc.Response.Data[0]["secret"])
	}
	if rc.Response.Data[1]["secret"] != nil {
		t.Errorf("nil secret row mutated: %v", rc.Response.Data[1]["secret"])
	}
}

func TestTruthy(t *testing.T) {
	cases := []struct {
		in   any
		want bool
	}{
		{nil, false},
		{false, false},
		{true, true},
		{"", false},
		{"x", true},
		{0, false},
		{3, true},
		{0.0, false},
		{2.5, true},
		{int64(0), false},
		{map[string]any{}, true},
	}
	for _, tc := range cases {
		if got := truthy(tc.in); got != tc.want {
			t.Errorf("truthy(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestInsertSyncExecutesInline(t *testing.T) {
	facade := &fakeFacade{}
	engine, _ := newTestEngine(t, facade, `
EVENT POST orders
INSERT INTO audit_log (action, actor) VALUES ("create", context.user.id) SYNC
`)
	rc := newRequest(map[string]any{})
	rc.Principal = &registry.Principal{ID: "u-7"}
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	if len(facade.creates) != 1 {
		t.Fatalf("expected 1 create, got %d", len(facade.creates))
	}
	got := facade.creates[0]
	if got.table != "audit_log" || got.row["action"] != "create" || got.row["actor"] != "u-7" {
		t.Errorf("create = %+v", got)
	}
}

func TestInsertPositionalValues(t *testing.T) {
	facade := &fakeFacade{}
	engine, _ := newTestEngine(t, facade, `
EVENT POST orders
INSERT INTO audit_log VALUES ("create", "system") SYNC
`)
	engine.EvaluateIn(context.Background(), newRequest(map[string]any{}), "orders", "POST")

	if len(facade.creates) != 1 {
		t.Fatalf("expected 1 create, got %d", len(facade.creates))
	}
	row := facade.creates[0].row
	// Positional values bind to the descriptor's writable columns in order.
	if row["action"] != "create" || row["actor"] != "system" {
		t.Errorf("row = %v", row)
	}
}

func TestUpdateSyncExecutesInline(t *testing.T) {
	facade := &fakeFacade{}
	engine, _ := newTestEngine(t, facade, `
EVENT PUT orders
UPDATE inventory SET dirty = true WHERE sku == req.body.sku SYNC
`)
	engine.EvaluateIn(context.Background(), newRequest(map[string]any{"sku": "A-1"}), "orders", "PUT")

	if len(facade.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(facade.updates))
	}
	got := facade.updates[0]
	if got.table != "inventory" || got.patch["dirty"] != true || got.filter["sku"] != "A-1" {
		t.Errorf("update = %+v", got)
	}
}

func TestInsertAsyncEnqueues(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	facade := &fakeFacade{}
	eventLog := events.New(client, facade, events.Options{QueueKey: "test:events", BatchSize: 1000})

	actions := registry.NewActions()
	engine := NewEngine(facade, eventLog, actions, testResolver(t))
	rs, err := NewParser().Parse("test.rules", `
EVENT POST orders
INSERT INTO audit_log (action) VALUES ("create")
`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	engine.Swap(rs)

	engine.EvaluateIn(context.Background(), newRequest(map[string]any{}), "orders", "POST")

	if len(facade.creates) != 0 {
		t.Fatal("async insert should not hit the facade inline")
	}
	n, err := eventLog.Len(context.Background())
	if err != nil {
		t.Fatalf("queue length: %v", err)
	}
	if n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestActionCall(t *testing.T) {
	engine, actions := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
notify("ops", req.body.id)
`)
	var got []any
	actions.Register("notify", func(_ context.Context, _ *registry.RequestContext, params map[string]any) (any, error) {
		got = []any{params["arg0"], params["arg1"]}
		return nil, nil
	})

	engine.EvaluateIn(context.Background(), newRequest(map[string]any{"id": "o-1"}), "orders", "POST")

	if len(got) != 2 || got[0] != "ops" || got[1] != "o-1" {
		t.Errorf("call args = %v", got)
	}
}

func TestActionCallableInExpressions(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
token = UUID()
`)
	rc := newRequest(map[string]any{})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	s, ok := rc.Body["token"].(string)
	if !ok || len(s) != 36 {
		t.Errorf("token = %v, want a uuid string", rc.Body["token"])
	}
}

func TestRuleErrorDoesNotAbortChain(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
IF req.body.missing.deeply > 1 THEN x = 1
after = "ran"
`)
	rc := newRequest(map[string]any{})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	if rc.Body["after"] != "ran" {
		t.Error("a failing rule should not stop later rules")
	}
}

func TestInterpolate(t *testing.T) {
	scope := map[string]any{
		"req":  map[string]any{"body": map[string]any{"name": "Ada"}},
		"data": map[string]any{"count": 3.0},
	}
	out, err := Interpolate("hello ${req.body.name}, you have ${data.count} items", scope)
	if err != nil {
		t.Fatalf("interpolate: %v", err)
	}
	if out != "hello Ada, you have 3 items" {
		t.Errorf("out = %q", out)
	}

	plain, err := Interpolate("no fragments here", scope)
	if err != nil || plain != "no fragments here" {
		t.Errorf("plain = %q, err = %v", plain, err)
	}
}

func TestAssignmentInterpolatesTemplates(t *testing.T) {
	engine, _ := newTestEngine(t, &fakeFacade{}, `
EVENT POST orders
greeting = "hi ${req.body.name}"
`)
	rc := newRequest(map[string]any{"name": "Ada"})
	engine.EvaluateIn(context.Background(), rc, "orders", "POST")

	if rc.Body["greeting"] != "hi Ada" {
		t.Errorf("greeting = %v", rc.Body["greeting"])
	}
}
