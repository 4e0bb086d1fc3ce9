package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/logging"
)

// Registry caches database handles keyed by normalized connection name.
// Connections open lazily on first use and close together on shutdown.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*sql.DB
	dsns  map[string]dsnEntry
}

type dsnEntry struct {
	driver string
	dsn    string
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*sql.DB),
		dsns:  make(map[string]dsnEntry),
	}
}

// RegisterDSN binds a connection name to a driver and DSN ahead of time.
// Used by tests and by operators who configure connections programmatically.
func (r *Registry) RegisterDSN(name, driver, dsn string) {
	r.mu.Lock()
	r.dsns[Normalize(name)] = dsnEntry{driver: driver, dsn: dsn}
	r.mu.Unlock()
}

// Normalize maps "-" to "_" in connection names so they can double as env
// variable fragments and SQL identifiers.
func Normalize(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// Get returns the pooled handle for a connection, opening it if needed.
// A connection with no registered or env-resolvable DSN yields a
// DbUnavailable error the event logger treats as retryable.
func (r *Registry) Get(dbType, connection string) (*sql.DB, error) {
	name := Normalize(connection)

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.conns[name]; ok {
		return pool, nil
	}

	entry, ok := r.dsns[name]
	if !ok {
		entry, ok = dsnFromEnv(dbType, name)
		if !ok {
			return nil, apierror.NewDbUnavailable(connection)
		}
	}

	pool, err := sql.Open(entry.driver, entry.dsn)
	if err != nil {
		return nil, apierror.NewDbError(fmt.Errorf("open %s: %w", name, err), true)
	}
	r.conns[name] = pool
	logging.Info("database connection opened",
		zap.String("connection", name), zap.String("driver", entry.driver))
	return pool, nil
}

// dsnFromEnv resolves DB_<NAME>_DSN, falling back to DB_DSN.
func dsnFromEnv(dbType, name string) (dsnEntry, bool) {
	driver, ok := driverFor(dbType)
	if !ok {
		return dsnEntry{}, false
	}
	if dsn := os.Getenv("DB_" + strings.ToUpper(name) + "_DSN"); dsn != "" {
		return dsnEntry{driver: driver, dsn: dsn}, true
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		return dsnEntry{driver: driver, dsn: dsn}, true
	}
	return dsnEntry{}, false
}

func driverFor(dbType string) (string, bool) {
	switch dbType {
	case "postgres", "postgresql", "pgsql":
		return "pgx", true
	case "sqlite", "sqlite3":
		return "sqlite", true
	default:
		return "", false
	}
}

// Close shuts down every open connection. Safe to call more than once.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, pool := range r.conns {
		if err := pool.Close(); err != nil {
			logging.Warn("closing database connection",
				zap.String("connection", name), zap.Error(err))
		}
		delete(r.conns, name)
	}
}
