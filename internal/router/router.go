package router

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/restgate/internal/config"
)

// Route is one registered (method, path) handler plus its descriptor.
// Owner names the plugin that registered the route, empty for config routes.
type Route struct {
	Method   string
	Path     string
	Endpoint *config.Endpoint
	Handler  http.Handler
	Owner    string

	configIdx int
}

// Key identifies a route for registration and removal.
func (r *Route) Key() string {
	return r.Method + " " + r.Path
}

// Match is a resolved dispatch target.
type Match struct {
	Route  *Route
	Params map[string]string
}

// routeGroup dispatches one normalized path to its per-method routes.
// httprouter cannot register the same path twice nor remove entries, so the
// tree points at a mutable group and the group resolves the method.
type routeGroup struct {
	byMethod map[string]*Route
}

// ServeHTTP is invoked by httprouter on a path match. The writer is always a
// *captureWriter; the group stores the match instead of writing a response.
func (rg *routeGroup) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cw, ok := w.(*captureWriter)
	if !ok {
		return
	}
	route, ok := rg.byMethod[r.Method]
	if !ok {
		return
	}

	params := httprouter.ParamsFromContext(r.Context())
	pathParams := make(map[string]string, len(params))
	for _, p := range params {
		pathParams[p.Key] = p.Value
	}
	cw.match = &Match{Route: route, Params: pathParams}
}

// captureWriter extracts the match result from httprouter dispatch without
// writing an actual HTTP response.
type captureWriter struct {
	match  *Match
	header http.Header
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header)}
}

func (cw *captureWriter) Header() http.Header       { return cw.header }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}

var standardMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}

// Router maps (method, path) pairs to handlers over an httprouter radix
// tree. Registration and removal are safe under concurrent dispatch; config
// reloads build a fresh Router and swap it in rather than mutating the live
// one route by route.
type Router struct {
	mu              sync.RWMutex
	tree            *httprouter.Router
	groups          map[string]*routeGroup
	registeredPaths map[string]bool
	allRoutes       []*Route
	nextIdx         int

	notFound http.Handler
	fallback http.Handler
}

// New creates an empty router.
func New() *Router {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	return &Router{
		tree:            tree,
		groups:          make(map[string]*routeGroup),
		registeredPaths: make(map[string]bool),
		notFound: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Not Found", http.StatusNotFound)
		}),
	}
}

// Handle registers a handler for (method, path). Registering a pair twice is
// a config error surfaced to the caller, not a panic from the tree.
func (rt *Router) Handle(method, path string, route *Route) error {
	method = strings.ToUpper(method)
	normalized := replaceParams(path)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	group, exists := rt.groups[normalized]
	if !exists {
		group = &routeGroup{byMethod: make(map[string]*Route)}
		rt.groups[normalized] = group

		for _, m := range standardMethods {
			key := m + " " + normalized
			if !rt.registeredPaths[key] {
				rt.tree.Handler(m, normalized, group)
				rt.registeredPaths[key] = true
			}
		}
	}
	if _, dup := group.byMethod[method]; dup {
		return fmt.Errorf("route %s %s already registered", method, path)
	}

	route.Method = method
	route.Path = normalized
	route.configIdx = rt.nextIdx
	rt.nextIdx++

	group.byMethod[method] = route
	rt.allRoutes = append(rt.allRoutes, route)
	return nil
}

// Remove unregisters (method, path). The httprouter tree keeps pointing at
// the now-empty group; dispatch falls through to not-found.
func (rt *Router) Remove(method, path string) bool {
	method = strings.ToUpper(method)
	normalized := replaceParams(path)
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	group, exists := rt.groups[normalized]
	if !exists {
		return false
	}
	if _, ok := group.byMethod[method]; !ok {
		return false
	}
	delete(group.byMethod, method)

	for i, route := range rt.allRoutes {
		if route.Method == method && route.Path == normalized {
			rt.allRoutes = append(rt.allRoutes[:i], rt.allRoutes[i+1:]...)
			break
		}
	}
	return true
}

// RemoveOwned unregisters every route owned by the named plugin and returns
// how many were removed.
func (rt *Router) RemoveOwned(owner string) int {
	rt.mu.RLock()
	var keys [][2]string
	for _, route := range rt.allRoutes {
		if route.Owner == owner {
			keys = append(keys, [2]string{route.Method, route.Path})
		}
	}
	rt.mu.RUnlock()

	for _, k := range keys {
		rt.Remove(k[0], k[1])
	}
	return len(keys)
}

// Match resolves the request to a registered route, or nil.
func (rt *Router) Match(r *http.Request) *Match {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	cw := newCaptureWriter()
	rt.tree.ServeHTTP(cw, r)
	return cw.match
}

// Routes returns all registered routes in registration order.
func (rt *Router) Routes() []*Route {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	result := make([]*Route, len(rt.allRoutes))
	copy(result, rt.allRoutes)
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].configIdx < result[j].configIdx
	})
	return result
}

// SetNotFoundHandler sets the handler for unmatched requests.
func (rt *Router) SetNotFoundHandler(h http.Handler) {
	rt.mu.Lock()
	rt.notFound = h
	rt.mu.Unlock()
}

// SetFallbackHandler sets a catch-all tried before not-found. The dynamic
// table endpoint uses this to accept writes to paths no descriptor names.
func (rt *Router) SetFallbackHandler(h http.Handler) {
	rt.mu.Lock()
	rt.fallback = h
	rt.mu.Unlock()
}

// ServeHTTP dispatches to the matched route's handler with path params
// attached to the request context.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if m := rt.Match(r); m != nil {
		if len(m.Params) > 0 {
			r = r.WithContext(withParams(r.Context(), m.Params))
		}
		m.Route.Handler.ServeHTTP(w, r)
		return
	}

	rt.mu.RLock()
	fallback, notFound := rt.fallback, rt.notFound
	rt.mu.RUnlock()

	if fallback != nil {
		fallback.ServeHTTP(w, r)
		return
	}
	notFound.ServeHTTP(w, r)
}

type paramsKey struct{}

func withParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, paramsKey{}, params)
}

// ParamsFromContext returns the path params the router attached, or nil.
func ParamsFromContext(ctx context.Context) map[string]string {
	params, _ := ctx.Value(paramsKey{}).(map[string]string)
	return params
}

// replaceParams converts {name} path parameters to :name httprouter syntax.
func replaceParams(path string) string {
	var result strings.Builder
	i := 0
	for i < len(path) {
		if path[i] == '{' {
			j := strings.IndexByte(path[i:], '}')
			if j == -1 {
				result.WriteByte(path[i])
				i++
				continue
			}
			result.WriteByte(':')
			result.WriteString(path[i+1 : i+j])
			i += j + 1
		} else {
			result.WriteByte(path[i])
			i++
		}
	}
	return result.String()
}
