package events

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
)

type fakeFacade struct {
	mu      sync.Mutex
	creates []createCall
	queries []queryCall
}

type createCall struct {
	table string
	row   db.Row
}

type queryCall struct {
	sql    string
	params []any
}

func (f *fakeFacade) Create(ctx context.Context, ep *config.Endpoint, row db.Row) (*db.MutationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates = append(f.creates, createCall{table: ep.DBTable, row: row})
	return &db.MutationResult{InsertedID: int64(1), RowCount: 1}, nil
}

func (f *fakeFacade) Read(ctx context.Context, ep *config.Endpoint, opts db.ReadOptions) ([]db.Row, error) {
	return nil, nil
}

func (f *fakeFacade) Update(ctx context.Context, ep *config.Endpoint, filter, patch db.Row) (int64, error) {
	return 0, nil
}

func (f *fakeFacade) Delete(ctx context.Context, ep *config.Endpoint, filter db.Row) (int64, error) {
	return 0, nil
}

func (f *fakeFacade) Query(ctx context.Context, ep *config.Endpoint, query string, params []any) ([]db.Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queryCall{sql: query, params: params})
	return nil, nil
}

func (f *fakeFacade) CreateTable(ctx context.Context, ep *config.Endpoint, schema map[string]string) error {
	return nil
}

func (f *fakeFacade) Tx(ctx context.Context, ep *config.Endpoint, fn func(tx *sql.Tx) error) error {
	return nil
}

func (f *fakeFacade) Close() {}

func (f *fakeFacade) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func newLogger(t *testing.T, facade db.Facade, opts Options) *Logger {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, facade, opts)
}

func eventEndpoint() *config.Endpoint {
	return &config.Endpoint{
		RouteType:    config.RouteDef,
		DBType:       "sqlite",
		DBConnection: "main",
		DBTable:      "audit_log",
	}
}

func TestLogAndFlushInsert(t *testing.T) {
	facade := &fakeFacade{}
	l := newLogger(t, facade, Options{QueueKey: "test:events", BatchSize: 100})
	ctx := context.Background()

	stamp := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	err := l.Log(ctx, eventEndpoint(), map[string]any{
		"note":       "hello",
		"created_at": stamp.Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if n, _ := l.Len(ctx); n != 1 {
		t.Fatalf("queue depth = %d", n)
	}

	l.Flush(ctx)

	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("queue depth after flush = %d", n)
	}
	if facade.createCount() != 1 {
		t.Fatalf("creates = %d", facade.createCount())
	}
	call := facade.creates[0]
	if call.table != "audit_log" {
		t.Errorf("table = %q", call.table)
	}
	if call.row["note"] != "hello" {
		t.Errorf("note = %v", call.row["note"])
	}
	got, ok := call.row["created_at"].(time.Time)
	if !ok || !got.Equal(stamp) {
		t.Errorf("created_at = %v", call.row["created_at"])
	}
}

func TestLogUpdateFlushesRawSQL(t *testing.T) {
	facade := &fakeFacade{}
	l := newLogger(t, facade, Options{QueueKey: "test:events", BatchSize: 100})
	ctx := context.Background()

	err := l.LogUpdate(ctx, eventEndpoint(), `UPDATE audit_log SET note = ? WHERE id = ?`, []any{"x", 1})
	if err != nil {
		t.Fatalf("logUpdate: %v", err)
	}
	l.Flush(ctx)

	facade.mu.Lock()
	defer facade.mu.Unlock()
	if len(facade.queries) != 1 {
		t.Fatalf("queries = %d", len(facade.queries))
	}
	if facade.queries[0].sql != `UPDATE audit_log SET note = ? WHERE id = ?` {
		t.Errorf("sql = %q", facade.queries[0].sql)
	}
	if len(facade.queries[0].params) != 2 {
		t.Errorf("params = %v", facade.queries[0].params)
	}
}

func TestTriggerHandler(t *testing.T) {
	l := newLogger(t, &fakeFacade{}, Options{QueueKey: "test:events", BatchSize: 100})
	ctx := context.Background()

	var mu sync.Mutex
	var jobs []map[string]any
	l.SetTriggerHandler(func(ctx context.Context, job map[string]any) error {
		mu.Lock()
		jobs = append(jobs, job)
		mu.Unlock()
		return nil
	})

	if err := l.LogTrigger(ctx, map[string]any{"action": "sendMail", "to": "ops"}); err != nil {
		t.Fatalf("logTrigger: %v", err)
	}
	l.Flush(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	if jobs[0]["action"] != "sendMail" {
		t.Errorf("action = %v", jobs[0]["action"])
	}
}

func TestTriggerWithoutHandlerIsDropped(t *testing.T) {
	l := newLogger(t, &fakeFacade{}, Options{QueueKey: "test:events", BatchSize: 100})
	ctx := context.Background()

	if err := l.LogTrigger(ctx, map[string]any{"action": "sendMail"}); err != nil {
		t.Fatalf("logTrigger: %v", err)
	}
	l.Flush(ctx)

	// At-most-once: the unconsumable item is gone, not requeued.
	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("queue depth = %d", n)
	}
}

func TestEagerFlushAtBatchSize(t *testing.T) {
	facade := &fakeFacade{}
	l := newLogger(t, facade, Options{QueueKey: "test:events", BatchSize: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Log(ctx, eventEndpoint(), map[string]any{"i": i}); err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
	}

	// The third push crosses the batch size and flushes in the background.
	deadline := time.Now().Add(2 * time.Second)
	for facade.createCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("eager flush did not run, creates = %d", facade.createCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("queue depth = %d", n)
	}
}

func TestPeriodicFlusher(t *testing.T) {
	facade := &fakeFacade{}
	l := newLogger(t, facade, Options{QueueKey: "test:events", BatchSize: 100, FlushInterval: 20 * time.Millisecond})
	ctx := context.Background()

	if err := l.Log(ctx, eventEndpoint(), map[string]any{"note": "tick"}); err != nil {
		t.Fatalf("log: %v", err)
	}

	l.Start()
	defer l.Shutdown(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for facade.createCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("periodic flush did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
