package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/handlers"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/router"
)

// buildRouter synthesizes the route table for a configuration. Each
// descriptor category expands into concrete (method, path) registrations;
// the whole table is built before any of it goes live.
func (g *Gateway) buildRouter(cfg *config.Config) (*router.Router, error) {
	rt := router.New()
	rt.SetNotFoundHandler(http.HandlerFunc(g.notFound))

	add := func(method, path string, ep *config.Endpoint, h http.Handler) error {
		err := rt.Handle(method, path, &router.Route{Endpoint: ep, Handler: h})
		if err != nil {
			return apierror.NewConfigError(fmt.Sprintf("route %s %s: %v", method, path, err))
		}
		return nil
	}

	for _, ep := range cfg.Database {
		base := strings.TrimSuffix(ep.Route, "/")
		keyed := base + "/:" + keyParam(ep)
		for _, m := range ep.Methods() {
			var err error
			switch m {
			case http.MethodGet:
				if err = add(m, base, ep, g.chain(ep, g.envelope(ep, g.data.List(ep), true))); err == nil {
					err = add(m, keyed, ep, g.chain(ep, g.envelope(ep, g.data.GetByKey(ep), true)))
				}
			case http.MethodPost:
				err = add(m, base, ep, g.chain(ep, g.envelope(ep, g.data.Create(ep), false)))
			case http.MethodPut, http.MethodPatch:
				err = add(m, keyed, ep, g.chain(ep, g.envelope(ep, g.data.Update(ep), false)))
			case http.MethodDelete:
				err = add(m, keyed, ep, g.chain(ep, g.envelope(ep, g.data.Delete(ep), false)))
			}
			if err != nil {
				return nil, err
			}
		}
	}

	for _, ep := range cfg.Proxy {
		// Upstream responses pass through as-is; inbound rules still apply.
		h := g.chain(ep, g.inboundRules(ep, g.forward.Handler(ep)))
		for _, m := range ep.Methods() {
			if err := add(m, ep.Route, ep, h); err != nil {
				return nil, err
			}
		}
	}

	for _, ep := range cfg.Static {
		h := g.chain(ep, handlers.Static(ep))
		base := strings.TrimSuffix(ep.Route, "/")
		if err := add(http.MethodGet, base+"/*filepath", ep, h); err != nil {
			return nil, err
		}
	}

	for _, ep := range cfg.FileUploads {
		h := g.chain(ep, g.envelope(ep, handlers.Upload(ep), false))
		if err := add(http.MethodPost, ep.Route, ep, h); err != nil {
			return nil, err
		}
	}

	for _, ep := range cfg.Dynamic {
		h := g.chain(ep, g.envelope(ep, handlers.Dynamic(g.sql, ep), false))
		base := strings.TrimSuffix(ep.Route, "/")
		if err := add(http.MethodPost, base+"/*table", ep, h); err != nil {
			return nil, err
		}
	}

	// Def descriptors register tables for rules and auth lookups only; they
	// expose no route. Plugin descriptors register their routes through the
	// manager once the table is live.
	return rt, nil
}

// ensurePlugins loads plugins the configuration names that are not active
// yet. A plugin that fails to load disables its routes, not the gateway.
func (g *Gateway) ensurePlugins(cfg *config.Config) {
	for _, ep := range cfg.Plugin {
		name := ep.BusinessLogic
		if name == "" || g.plugins.Loaded(name) {
			continue
		}
		if err := g.plugins.Load(name); err != nil {
			logging.Warn("configured plugin failed to load",
				zap.String("plugin", name), zap.Error(err))
		}
	}
}

func keyParam(ep *config.Endpoint) string {
	if len(ep.Keys) > 0 {
		return ep.Keys[0]
	}
	return "id"
}
