package plugin

import (
	"fmt"
	"net/http"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/router"
)

// record tracks what one loaded plugin brought into the process, so unload
// can pop exactly that list instead of scanning router internals.
type record struct {
	plugin  Plugin
	version string
	routes  []Route
	actions []string
}

// Manager loads, unloads and reloads plugins. Plugins come from two
// sources: compiled-in factories registered at startup, and .so files in
// the plugins directory opened via the runtime plugin package.
type Manager struct {
	mu        sync.Mutex
	factories map[string]Factory
	loaded    map[string]*record

	router func() *router.Router
	deps   Deps
	dir    string
	wrap   func(*config.Endpoint, http.Handler) http.Handler
}

// NewManager creates a plugin manager. routerFn returns the currently
// active router; it is re-resolved per operation because config reloads
// swap routers.
func NewManager(routerFn func() *router.Router, deps Deps, dir string) *Manager {
	return &Manager{
		factories: make(map[string]Factory),
		loaded:    make(map[string]*record),
		router:    routerFn,
		deps:      deps,
		dir:       dir,
	}
}

// SetRouteWrapper installs the middleware assembler applied to plugin
// routes that carry an endpoint descriptor. Routes without a descriptor
// register their handler raw and own their whole request surface.
func (m *Manager) SetRouteWrapper(wrap func(*config.Endpoint, http.Handler) http.Handler) {
	m.mu.Lock()
	m.wrap = wrap
	m.mu.Unlock()
}

// handlerFor assembles the registered handler for one declared route.
func (m *Manager) handlerFor(route Route) http.Handler {
	if m.wrap != nil && route.Endpoint != nil {
		return m.wrap(route.Endpoint, route.Handler)
	}
	return route.Handler
}

// RegisterFactory adds a compiled-in plugin source, database/sql driver
// style. Call before Load.
func (m *Manager) RegisterFactory(name string, f Factory) {
	m.mu.Lock()
	m.factories[name] = f
	m.mu.Unlock()
}

// Load resolves and activates a plugin by name. Loading an already-loaded
// name warns and is a no-op.
func (m *Manager) Load(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(name)
}

func (m *Manager) loadLocked(name string) error {
	if _, ok := m.loaded[name]; ok {
		logging.Warn("plugin already loaded, skipping", zap.String("plugin", name))
		return nil
	}

	plg, err := m.resolve(name)
	if err != nil {
		return err
	}
	if plg.Name() != name {
		return apierror.NewPluginError(name,
			fmt.Errorf("plugin reports name %q", plg.Name()))
	}

	if err := plg.Initialize(m.deps); err != nil {
		return apierror.NewPluginError(name, err)
	}

	rec := &record{plugin: plg, version: plg.Version()}

	for actionName, fn := range plg.Actions() {
		if err := m.deps.Actions.Register(actionName, fn); err != nil {
			m.rollback(rec)
			return apierror.NewPluginError(name, err)
		}
		rec.actions = append(rec.actions, actionName)
	}

	rt := m.router()
	for _, route := range plg.Routes() {
		r := route
		err := rt.Handle(r.Method, r.Path, &router.Route{
			Endpoint: r.Endpoint,
			Handler:  m.handlerFor(r),
			Owner:    name,
		})
		if err != nil {
			m.rollback(rec)
			rt.RemoveOwned(name)
			return apierror.NewPluginError(name, err)
		}
		rec.routes = append(rec.routes, r)
	}

	m.loaded[name] = rec
	logging.Info("plugin loaded",
		zap.String("plugin", name), zap.String("version", rec.version),
		zap.Int("routes", len(rec.routes)), zap.Int("actions", len(rec.actions)))
	return nil
}

// rollback undoes partial registration after a failed load.
func (m *Manager) rollback(rec *record) {
	for _, actionName := range rec.actions {
		m.deps.Actions.Unregister(actionName)
	}
	if err := rec.plugin.Cleanup(); err != nil {
		logging.Warn("plugin cleanup after failed load", zap.Error(err))
	}
}

// Unload deactivates a plugin: cleanup, reclaim its routes, unregister its
// actions, drop the record.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(name)
}

func (m *Manager) unloadLocked(name string) error {
	rec, ok := m.loaded[name]
	if !ok {
		return apierror.NewPluginError(name, fmt.Errorf("not loaded"))
	}

	if err := rec.plugin.Cleanup(); err != nil {
		logging.Warn("plugin cleanup failed",
			zap.String("plugin", name), zap.Error(err))
	}
	m.router().RemoveOwned(name)
	for _, actionName := range rec.actions {
		m.deps.Actions.Unregister(actionName)
	}
	delete(m.loaded, name)

	logging.Info("plugin unloaded", zap.String("plugin", name))
	return nil
}

// Reload is unload followed by load.
func (m *Manager) Reload(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.unloadLocked(name); err != nil {
		return err
	}
	return m.loadLocked(name)
}

// ReloadAll reloads every loaded plugin. The first failure aborts.
func (m *Manager) ReloadAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.namesLocked() {
		if err := m.unloadLocked(name); err != nil {
			return err
		}
		if err := m.loadLocked(name); err != nil {
			return err
		}
	}
	return nil
}

// Reattach re-registers all loaded plugins' routes onto the current router.
// Called after a config reload swaps the route table.
func (m *Manager) Reattach() {
	m.mu.Lock()
	defer m.mu.Unlock()

	rt := m.router()
	for name, rec := range m.loaded {
		for _, route := range rec.routes {
			err := rt.Handle(route.Method, route.Path, &router.Route{
				Endpoint: route.Endpoint,
				Handler:  m.handlerFor(route),
				Owner:    name,
			})
			if err != nil {
				logging.Warn("plugin route lost on reload",
					zap.String("plugin", name), zap.String("path", route.Path), zap.Error(err))
			}
		}
	}
}

// Info describes one loaded plugin for the admin plane.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Routes  int    `json:"routes"`
	Actions int    `json:"actions"`
}

// List returns loaded plugins sorted by name.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.loaded))
	for name, rec := range m.loaded {
		out = append(out, Info{
			Name:    name,
			Version: rec.version,
			Routes:  len(rec.routes),
			Actions: len(rec.actions),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Loaded reports whether the named plugin is active.
func (m *Manager) Loaded(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[name]
	return ok
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Available lists loadable plugin names: compiled-in factories plus .so
// files found in the plugins directory.
func (m *Manager) Available() []string {
	seen := make(map[string]bool)
	m.mu.Lock()
	for name := range m.factories {
		seen[name] = true
	}
	m.mu.Unlock()
	for _, name := range m.Discover() {
		seen[name] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve finds a plugin source: compiled-in factory first, then a .so in
// the plugins directory exposing a Plugin symbol.
func (m *Manager) resolve(name string) (Plugin, error) {
	if f, ok := m.factories[name]; ok {
		return f(), nil
	}
	if m.dir == "" {
		return nil, apierror.NewPluginError(name, fmt.Errorf("no factory registered"))
	}

	path := filepath.Join(m.dir, name+".so")
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, apierror.NewPluginError(name, fmt.Errorf("open %s: %w", path, err))
	}
	sym, err := so.Lookup("Plugin")
	if err != nil {
		return nil, apierror.NewPluginError(name, err)
	}
	switch v := sym.(type) {
	case Plugin:
		return v, nil
	case *Plugin:
		return *v, nil
	default:
		return nil, apierror.NewPluginError(name,
			fmt.Errorf("Plugin symbol has unexpected type %T", sym))
	}
}

// Discover lists plugin names available in the plugins directory.
func (m *Manager) Discover() []string {
	if m.dir == "" {
		return nil
	}
	matches, err := filepath.Glob(filepath.Join(m.dir, "*.so"))
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(matches))
	for _, p := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(p), ".so"))
	}
	sort.Strings(names)
	return names
}
