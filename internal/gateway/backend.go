package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/plugin"
	"github.com/wudi/restgate/internal/rules"
)

// admin.Backend implementation. The admin plane talks to the gateway only
// through this surface, keeping the TCP protocol free of gateway types.

func (g *Gateway) Version() string {
	return "restgate " + Version
}

func (g *Gateway) GenUserToken(username, acl string) (string, error) {
	return g.tokens.Issue(username, splitACL(acl))
}

// GenAppToken issues a service token scoped to one table's roles. The
// subject is prefixed so app tokens are distinguishable in audit logs.
func (g *Gateway) GenAppToken(table, acl string) (string, error) {
	return g.tokens.Issue("app:"+table, splitACL(acl))
}

func splitACL(acl string) []string {
	parts := strings.Split(acl, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gateway) ConfigJSON() ([]byte, error) {
	cfg := g.cfg.Load()
	if cfg == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(cfg.Endpoints)
}

func (g *Gateway) RulesJSON() ([]byte, error) {
	infos := g.engine.Ruleset().Infos()
	if infos == nil {
		infos = []rules.RuleInfo{}
	}
	return json.Marshal(infos)
}

func (g *Gateway) NodeInfo(key, routeType string) ([]byte, error) {
	cfg := g.cfg.Load()
	if cfg == nil {
		return nil, fmt.Errorf("no configuration loaded")
	}
	ep := cfg.Lookup(key, config.RouteType(routeType))
	if ep == nil {
		ep = cfg.LookupTable(key)
	}
	if ep == nil {
		return nil, fmt.Errorf("no descriptor for %s", key)
	}
	return json.Marshal(ep)
}

func (g *Gateway) RequestLog(id string) ([]byte, bool) {
	rec, ok := g.reqLog.Get(id)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false
	}
	return data, true
}

func (g *Gateway) RoutesText() string {
	rt := g.active.Load()
	if rt == nil {
		return "(no routes)"
	}
	routes := rt.Routes()
	if len(routes) == 0 {
		return "(no routes)"
	}
	lines := make([]string, 0, len(routes))
	for _, route := range routes {
		line := route.Method + " " + route.Path
		if route.Endpoint != nil {
			line += " [" + string(route.Endpoint.RouteType) + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// BuildFromDB introspects a live schema and returns one generated
// descriptor per table, ready to paste into the config directory.
func (g *Gateway) BuildFromDB(dbType, connection, routePrefix string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	eps, err := db.NewIntrospector(g.pools).Build(ctx, dbType, connection, routePrefix)
	if err != nil {
		return nil, err
	}
	return json.Marshal(eps)
}

func (g *Gateway) LoadPlugin(name string) error   { return g.plugins.Load(name) }
func (g *Gateway) UnloadPlugin(name string) error { return g.plugins.Unload(name) }
func (g *Gateway) ReloadPlugin(name string) error { return g.plugins.Reload(name) }
func (g *Gateway) ReloadAllPlugins() error        { return g.plugins.ReloadAll() }

func (g *Gateway) Plugins() []plugin.Info     { return g.plugins.List() }
func (g *Gateway) AvailablePlugins() []string { return g.plugins.Available() }
func (g *Gateway) ActionNames() []string      { return g.actions.Names() }
