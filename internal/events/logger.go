package events

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/logging"
)

// TriggerHandler consumes trigger job descriptors at flush time.
type TriggerHandler func(ctx context.Context, job map[string]any) error

// Item is one queued side effect: an insert (table + payload), an update
// (raw SQL + bound params) targeting a named connection, or a trigger job.
type Item struct {
	Op         string         `json:"op"` // insert | update | trigger
	DBType     string         `json:"dbType"`
	Connection string         `json:"dbConnection"`
	Table      string         `json:"table,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	SQL        string         `json:"sql,omitempty"`
	Params     []any          `json:"params,omitempty"`
}

// Options configure the queue.
type Options struct {
	QueueKey      string
	FlushInterval time.Duration
	BatchSize     int
}

// Logger coalesces high-volume side-effect writes into periodic batches on
// a Redis list. Delivery is at-most-once: items removed by LTRIM that then
// fail to execute are dropped and counted, never re-enqueued.
type Logger struct {
	client   *redis.Client
	facade   db.Facade
	queueKey string
	batch    int
	interval time.Duration

	flushing atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}

	triggerMu sync.RWMutex
	triggerFn TriggerHandler

	enqueued prometheus.Counter
	flushes  prometheus.Counter
	dropped  prometheus.Counter
}

// New creates an event logger. Call Start to begin the periodic flusher.
func New(client *redis.Client, facade db.Facade, opts Options) *Logger {
	if opts.QueueKey == "" {
		opts.QueueKey = "restgate:events"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	return &Logger{
		client:   client,
		facade:   facade,
		queueKey: opts.QueueKey,
		batch:    opts.BatchSize,
		interval: opts.FlushInterval,
		enqueued: newCounter("restgate_events_enqueued_total", "Items pushed onto the event queue."),
		flushes:  newCounter("restgate_events_flushes_total", "Flush passes executed."),
		dropped:  newCounter("restgate_events_dropped_total", "Items lost to execution errors."),
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

// Start launches the periodic flusher goroutine.
func (l *Logger) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Flush(context.Background())
			}
		}
	}()
}

// Log enqueues an insert of payload into the endpoint's table.
func (l *Logger) Log(ctx context.Context, ep *config.Endpoint, payload map[string]any) error {
	return l.push(ctx, Item{
		Op:         "insert",
		DBType:     ep.DBType,
		Connection: ep.DBConnection,
		Table:      ep.DBTable,
		Payload:    payload,
	})
}

// LogTrigger enqueues an async job descriptor (rule TRIGGER action).
func (l *Logger) LogTrigger(ctx context.Context, job map[string]any) error {
	return l.push(ctx, Item{Op: "trigger", Payload: job})
}

// SetTriggerHandler installs the consumer for trigger items. Trigger items
// flushed with no handler installed are dropped and counted.
func (l *Logger) SetTriggerHandler(fn TriggerHandler) {
	l.triggerMu.Lock()
	l.triggerFn = fn
	l.triggerMu.Unlock()
}

// LogUpdate enqueues a raw parameterized update statement.
func (l *Logger) LogUpdate(ctx context.Context, ep *config.Endpoint, sql string, params []any) error {
	return l.push(ctx, Item{
		Op:         "update",
		DBType:     ep.DBType,
		Connection: ep.DBConnection,
		SQL:        sql,
		Params:     params,
	})
}

func (l *Logger) push(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	n, err := l.client.LPush(ctx, l.queueKey, data).Result()
	if err != nil {
		return err
	}
	l.enqueued.Inc()

	// Length crossing the batch size triggers an eager flush; the periodic
	// ticker covers the remainder.
	if n >= int64(l.batch) {
		go l.Flush(context.Background())
	}
	return nil
}

// Len returns the current queue depth.
func (l *Logger) Len(ctx context.Context) (int64, error) {
	return l.client.LLen(ctx, l.queueKey).Result()
}

// Flush drains up to one batch and executes the items through the DB
// facade. Non-reentrant: overlapping calls return immediately.
func (l *Logger) Flush(ctx context.Context) {
	if !l.flushing.CompareAndSwap(false, true) {
		return
	}
	defer l.flushing.Store(false)

	for {
		raws, err := l.client.LRange(ctx, l.queueKey, 0, int64(l.batch-1)).Result()
		if err != nil {
			logging.Warn("event queue read failed", zap.Error(err))
			return
		}
		if len(raws) == 0 {
			return
		}
		if err := l.client.LTrim(ctx, l.queueKey, int64(len(raws)), -1).Err(); err != nil {
			logging.Warn("event queue trim failed", zap.Error(err))
			return
		}
		l.flushes.Inc()

		var wg sync.WaitGroup
		for _, raw := range raws {
			wg.Add(1)
			go func(raw string) {
				defer wg.Done()
				l.execute(ctx, raw)
			}(raw)
		}
		wg.Wait()

		if len(raws) < l.batch {
			return
		}
	}
}

func (l *Logger) execute(ctx context.Context, raw string) {
	var item Item
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		l.dropped.Inc()
		logging.Error("event item unparseable, dropping", zap.Error(err))
		return
	}

	var err error
	switch item.Op {
	case "insert":
		payload := coerceTimestamps(item.Payload)
		ep := &config.Endpoint{
			RouteType:    config.RouteDef,
			DBType:       item.DBType,
			DBConnection: item.Connection,
			DBTable:      item.Table,
			AllowWrite:   payloadColumns(payload),
		}
		_, err = l.facade.Create(ctx, ep, payload)
	case "update":
		ep := &config.Endpoint{
			RouteType:    config.RouteDef,
			DBType:       item.DBType,
			DBConnection: item.Connection,
		}
		_, err = l.facade.Query(ctx, ep, item.SQL, item.Params)
	case "trigger":
		l.triggerMu.RLock()
		fn := l.triggerFn
		l.triggerMu.RUnlock()
		if fn == nil {
			l.dropped.Inc()
			logging.Error("trigger item with no handler installed, dropping")
			return
		}
		err = fn(ctx, item.Payload)
	default:
		l.dropped.Inc()
		logging.Error("event item with unknown op, dropping", zap.String("op", item.Op))
		return
	}

	if err != nil {
		l.dropped.Inc()
		logging.Error("event item execution failed, dropping",
			zap.String("op", item.Op), zap.String("table", item.Table), zap.Error(err))
	}
}

// coerceTimestamps rewrites ISO-8601 strings in timestamp-named fields to
// time.Time before insert.
func coerceTimestamps(payload map[string]any) map[string]any {
	for _, field := range []string{"created_at", "updated_at", "deleted_at", "timestamp"} {
		if s, ok := payload[field].(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				payload[field] = t
			}
		}
	}
	return payload
}

func payloadColumns(payload map[string]any) []string {
	cols := make([]string, 0, len(payload))
	for k := range payload {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Shutdown stops the flusher, drains the queue once and closes the client.
func (l *Logger) Shutdown(ctx context.Context) {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	l.Flush(ctx)
	if err := l.client.Close(); err != nil {
		logging.Warn("event logger redis close failed", zap.Error(err))
	}
}
