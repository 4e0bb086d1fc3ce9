package plugin

import (
	"context"
	"net/http"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/registry"
)

// Plugin is the contract a business-logic plugin implements. Routes and
// actions are declared, not self-registered: the manager owns registration
// so unload can reclaim everything the plugin brought in.
type Plugin interface {
	Name() string
	Version() string

	// Initialize receives shared dependencies before any route is wired.
	Initialize(deps Deps) error

	// Routes declares the HTTP surface. May return nil.
	Routes() []Route

	// Actions declares rule-callable actions. Collisions with already
	// registered names fail the load. May return nil.
	Actions() map[string]registry.Action

	// Cleanup releases plugin-held resources at unload.
	Cleanup() error
}

// Route is one declared (method, path) handler.
type Route struct {
	Method   string
	Path     string
	Handler  http.Handler
	Endpoint *config.Endpoint // optional descriptor for middleware assembly
}

// Deps is the dependency set handed to Initialize.
type Deps struct {
	DB        db.Facade
	Actions   *registry.Actions
	Config    *config.Config
	Settings  config.Settings
	LogFields map[string]string

	// InvalidateCache drops the cache entry for (route, rawQuery). Nil when
	// Redis is not configured.
	InvalidateCache func(ctx context.Context, route, rawQuery string)
}

// Factory builds a fresh plugin instance per load.
type Factory func() Plugin
