// Package gateway assembles the runtime: it loads endpoint descriptors and
// business rules, synthesizes routes, chains middleware per endpoint and
// owns the HTTP server, the admin control plane and the reload lifecycle.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/restgate/internal/admin"
	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/auth"
	"github.com/wudi/restgate/internal/cache"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/events"
	"github.com/wudi/restgate/internal/handlers"
	"github.com/wudi/restgate/internal/middleware"
	"github.com/wudi/restgate/internal/plugin"
	"github.com/wudi/restgate/internal/proxy"
	"github.com/wudi/restgate/internal/registry"
	"github.com/wudi/restgate/internal/router"
	"github.com/wudi/restgate/internal/rules"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

const (
	proxyTimeout    = 30 * time.Second
	requestLogDepth = 1024
)

// Gateway is the running instance. The active config and router are swapped
// atomically on reload; in-flight requests keep the state they started with.
type Gateway struct {
	settings config.Settings
	loader   *config.Loader
	parser   *rules.Parser

	pools   *db.Registry
	sql     *db.SQL
	redis   *redis.Client
	locks   *redis.Client
	cache   *cache.Cache
	queue   *events.Logger
	tokens  *auth.Tokens
	authn   *middleware.Authenticator
	actions *registry.Actions
	engine  *rules.Engine
	reqLog  *middleware.RequestLog
	forward *proxy.Forwarder
	data    *handlers.Database
	plugins *plugin.Manager
	control *admin.Server

	cfg    atomic.Pointer[config.Config]
	active atomic.Pointer[router.Router]

	serverMu sync.Mutex
	server   serverShutdowner

	stopOnce sync.Once
	stopCh   chan struct{}

	schedMu     sync.Mutex
	runCtx      context.Context
	schedCancel context.CancelFunc
}

type serverShutdowner interface {
	Shutdown(ctx context.Context) error
}

// New wires a gateway from process settings. Redis is optional: without it
// caching, rate limiting, the event queue and config locks are disabled.
func New(settings config.Settings) (*Gateway, error) {
	g := &Gateway{
		settings: settings,
		loader:   config.NewLoader(settings),
		parser:   rules.NewParser(),
		actions:  registry.NewActions(),
		reqLog:   middleware.NewRequestLog(requestLogDepth),
		forward:  proxy.New(proxyTimeout),
		stopCh:   make(chan struct{}),
	}

	g.pools = db.NewRegistry()
	g.sql = db.New(g.pools)

	if settings.RedisURL != "" {
		opts, err := redis.ParseURL(settings.RedisURL)
		if err != nil {
			return nil, apierror.NewConfigError(fmt.Sprintf("redis url: %v", err))
		}
		g.redis = redis.NewClient(opts)

		// Lock commands get their own connection so a slow flush never
		// blocks the admin plane.
		lockOpts := *opts
		g.locks = redis.NewClient(&lockOpts)

		g.cache = cache.New(g.redis)
		g.queue = events.New(g.redis, g.sql, events.Options{
			QueueKey:      settings.EventQueueKey,
			FlushInterval: settings.EventFlushInterval,
			BatchSize:     settings.EventBatchSize,
		})
		g.queue.SetTriggerHandler(g.runTrigger)
	}

	g.tokens = auth.NewTokens(settings.JWTSecret, settings.JWTExpiry)
	g.authn = middleware.NewAuthenticator(g.tokens, auth.NewCredentials(g.sql))
	g.engine = rules.NewEngine(g.sql, g.queue, g.actions, g.resolveTable)
	g.data = handlers.NewDatabase(g.sql, g.cache)

	g.plugins = plugin.NewManager(g.Router, plugin.Deps{
		DB:              g.sql,
		Actions:         g.actions,
		Settings:        settings,
		InvalidateCache: g.invalidateCache,
	}, settings.PluginsDir)
	// Plugin routes that declare a descriptor get the same auth, ACL and
	// rate limit stack as configured routes.
	g.plugins.SetRouteWrapper(func(ep *config.Endpoint, h http.Handler) http.Handler {
		return g.chain(ep, h)
	})

	if settings.AdminAddr != "" {
		g.control = admin.New(settings.AdminAddr, g, g.locks)
	}
	return g, nil
}

// Router returns the active route table, or nil before the first load.
func (g *Gateway) Router() *router.Router {
	return g.active.Load()
}

// Config returns the active configuration, or nil before the first load.
func (g *Gateway) Config() *config.Config {
	return g.cfg.Load()
}

// DB exposes the connection registry so callers can seed DSNs before Run.
func (g *Gateway) DB() *db.Registry {
	return g.pools
}

// Facade exposes the data access layer, mainly for plugin factories.
func (g *Gateway) Facade() db.Facade {
	return g.sql
}

// Actions exposes the rule action registry for compiled-in registrations.
func (g *Gateway) Actions() *registry.Actions {
	return g.actions
}

// PluginManager exposes the plugin manager for factory registration.
func (g *Gateway) PluginManager() *plugin.Manager {
	return g.plugins
}

// resolveTable maps a rules DSL table name to its descriptor. Tables with
// no descriptor fall back to process defaults, so rules can write to any
// table the default connection reaches.
func (g *Gateway) resolveTable(table string) *config.Endpoint {
	if cfg := g.cfg.Load(); cfg != nil {
		if ep := cfg.LookupTable(table); ep != nil {
			return ep
		}
	}
	return &config.Endpoint{
		RouteType:    config.RouteDef,
		DBType:       g.settings.DefaultDBType,
		DBConnection: g.settings.DefaultDBConnection,
		DBTable:      table,
	}
}

// runTrigger executes a dequeued TRIGGER job by invoking the action it
// names. The job map itself is the parameter set.
func (g *Gateway) runTrigger(ctx context.Context, job map[string]any) error {
	name, _ := job["action"].(string)
	if name == "" {
		return fmt.Errorf("trigger job carries no action field")
	}
	rc := registry.NewRequestContext("", nil)
	_, err := g.actions.Invoke(ctx, name, rc, job)
	return err
}

func (g *Gateway) invalidateCache(ctx context.Context, route, rawQuery string) {
	if g.cache == nil {
		return
	}
	if rawQuery == "*" {
		g.cache.InvalidateRoute(ctx, route)
		return
	}
	g.cache.Invalidate(ctx, route, rawQuery)
}
