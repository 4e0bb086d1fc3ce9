package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/wudi/restgate/internal/apierror"
)

// identPattern constrains table, column and connection identifiers.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// validMethods contains the methods a descriptor may declare.
var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
}

// validRouteTypes enumerates supported routeType values.
var validRouteTypes = map[RouteType]bool{
	RouteDatabase: true, RouteProxy: true, RoutePlugin: true,
	RouteStatic: true, RouteDef: true, RouteFileUpload: true, RouteDynamic: true,
}

// Loader parses endpoint descriptor documents and builds categorized sets.
type Loader struct {
	defaults Settings
}

// NewLoader creates a loader. Settings supply per-descriptor defaults
// (dbType, dbConnection, acl) for fields the document omits.
func NewLoader(defaults Settings) *Loader {
	return &Loader{defaults: defaults}
}

// Load reads and parses one descriptor file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apierror.NewConfigError(fmt.Sprintf("read config: %v", err))
	}
	return l.Parse(data)
}

// LoadDir loads every *.json file in dir, in lexical order, into one set.
func (l *Loader) LoadDir(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apierror.NewConfigError(fmt.Sprintf("read config dir: %v", err))
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var all []*Endpoint
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, apierror.NewConfigError(fmt.Sprintf("read %s: %v", name, err))
		}
		eps, err := l.parseEndpoints(data)
		if err != nil {
			return nil, apierror.NewConfigError(fmt.Sprintf("%s: %v", name, err))
		}
		all = append(all, eps...)
	}
	return l.build(all)
}

// Parse parses a JSON array of endpoint descriptors.
func (l *Loader) Parse(data []byte) (*Config, error) {
	eps, err := l.parseEndpoints(data)
	if err != nil {
		return nil, apierror.NewConfigError(err.Error())
	}
	return l.build(eps)
}

func (l *Loader) parseEndpoints(data []byte) ([]*Endpoint, error) {
	var eps []*Endpoint
	if err := json.Unmarshal(data, &eps); err != nil {
		return nil, fmt.Errorf("parse descriptors: %w", err)
	}
	for _, ep := range eps {
		l.applyDefaults(ep)
	}
	return eps, nil
}

func (l *Loader) applyDefaults(ep *Endpoint) {
	if ep.DBType == "" {
		ep.DBType = l.defaults.DefaultDBType
	}
	if ep.DBConnection == "" {
		ep.DBConnection = l.defaults.DefaultDBConnection
	}
	if ep.Auth == "" {
		ep.Auth = AuthNone
	}
	if len(ep.ACL) == 0 {
		ep.ACL = l.defaults.DefaultACL
	}
	if ep.RateLimit.PerMinute == 0 {
		ep.RateLimit.PerMinute = l.defaults.RateLimitPerMinute
	}
}

// build validates, categorizes and indexes a descriptor sequence.
func (l *Loader) build(eps []*Endpoint) (*Config, error) {
	cfg := &Config{
		Endpoints: eps,
		byRoute:   make(map[string]*Endpoint),
		byTable:   make(map[string]*Endpoint),
	}

	seen := make(map[string]bool) // route+method duplicate check
	for i, ep := range eps {
		if err := l.validateEndpoint(i, ep); err != nil {
			return nil, err
		}

		if ep.RouteType != RouteDef {
			for _, m := range ep.Methods() {
				key := m + " " + ep.Route
				if seen[key] {
					return nil, apierror.NewConfigError(
						fmt.Sprintf("duplicate route %s %s", m, ep.Route))
				}
				seen[key] = true
			}
			cfg.byRoute[string(ep.RouteType)+" "+ep.Route] = ep
		}

		if ep.DBTable != "" {
			cfg.byTable[ep.DBTable] = ep
		}

		switch ep.RouteType {
		case RouteDatabase:
			cfg.Database = append(cfg.Database, ep)
		case RouteProxy:
			cfg.Proxy = append(cfg.Proxy, ep)
		case RoutePlugin:
			cfg.Plugin = append(cfg.Plugin, ep)
		case RouteStatic:
			cfg.Static = append(cfg.Static, ep)
		case RouteDef:
			cfg.Defs = append(cfg.Defs, ep)
		case RouteFileUpload:
			cfg.FileUploads = append(cfg.FileUploads, ep)
		case RouteDynamic:
			cfg.Dynamic = append(cfg.Dynamic, ep)
		}
	}

	return cfg, nil
}

func (l *Loader) validateEndpoint(idx int, ep *Endpoint) error {
	scope := fmt.Sprintf("descriptor %d", idx)
	if ep.Route != "" {
		scope = fmt.Sprintf("descriptor %d (%s)", idx, ep.Route)
	}

	if !validRouteTypes[ep.RouteType] {
		return apierror.NewConfigError(fmt.Sprintf("%s: invalid routeType %q", scope, ep.RouteType))
	}

	// def descriptors register schema only; no route required.
	if ep.RouteType != RouteDef && ep.Route == "" {
		return apierror.NewConfigError(fmt.Sprintf("%s: route is required", scope))
	}

	for _, m := range ep.AllowMethods {
		if !validMethods[strings.ToUpper(m)] {
			return apierror.NewConfigError(fmt.Sprintf("%s: invalid method %q", scope, m))
		}
	}

	switch ep.RouteType {
	case RouteDatabase, RouteDef, RouteDynamic:
		if ep.DBTable == "" && ep.RouteType != RouteDynamic {
			return apierror.NewConfigError(fmt.Sprintf("%s: dbTable is required", scope))
		}
		if ep.DBTable != "" && !identPattern.MatchString(ep.DBTable) {
			return apierror.NewConfigError(fmt.Sprintf("%s: invalid table name %q", scope, ep.DBTable))
		}
		if ep.DBConnection == "" {
			return apierror.NewConfigError(fmt.Sprintf("%s: dbConnection is required", scope))
		}
		if !identPattern.MatchString(ep.Connection()) {
			return apierror.NewConfigError(fmt.Sprintf("%s: invalid dbConnection %q", scope, ep.DBConnection))
		}
		if ep.RouteType == RouteDatabase && len(ep.Keys) == 0 && mutates(ep.Methods()) {
			return apierror.NewConfigError(fmt.Sprintf("%s: keys are required for mutating database routes", scope))
		}
	case RouteProxy:
		if ep.TargetURL == "" {
			return apierror.NewConfigError(fmt.Sprintf("%s: targetUrl is required", scope))
		}
	case RoutePlugin:
		if ep.BusinessLogic == "" {
			return apierror.NewConfigError(fmt.Sprintf("%s: businessLogic plugin name is required", scope))
		}
	case RouteStatic:
		if ep.StaticPath == "" {
			return apierror.NewConfigError(fmt.Sprintf("%s: staticPath is required", scope))
		}
	}

	for _, group := range [][]string{ep.Keys, ep.AllowRead, ep.AllowWrite} {
		for _, name := range group {
			if !identPattern.MatchString(name) {
				return apierror.NewConfigError(fmt.Sprintf("%s: invalid identifier %q", scope, name))
			}
		}
	}
	for name := range ep.ColumnDefinitions {
		if !identPattern.MatchString(name) {
			return apierror.NewConfigError(fmt.Sprintf("%s: invalid column name %q", scope, name))
		}
	}

	// allowWrite must stay inside defined or joined columns when a column
	// definition exists to check against.
	if len(ep.ColumnDefinitions) > 0 {
		joined := make(map[string]bool)
		for _, rel := range ep.Relationships {
			for _, f := range rel.Fields {
				joined[rel.RelatedTable+"."+f] = true
			}
		}
		for _, w := range ep.AllowWrite {
			if _, ok := ep.ColumnDefinitions[w]; !ok && !joined[w] {
				return apierror.NewConfigError(
					fmt.Sprintf("%s: allowWrite column %q is not defined", scope, w))
			}
		}
	}

	return nil
}

func mutates(methods []string) bool {
	for _, m := range methods {
		switch m {
		case "POST", "PUT", "DELETE", "PATCH":
			return true
		}
	}
	return false
}

// Refresh merges incoming descriptors into base, preserving entries already
// present by dbTable. Returns a freshly validated set.
func (l *Loader) Refresh(base *Config, incoming []*Endpoint) (*Config, error) {
	existing := make(map[string]bool)
	merged := make([]*Endpoint, 0, len(base.Endpoints)+len(incoming))
	for _, ep := range base.Endpoints {
		merged = append(merged, ep)
		if ep.DBTable != "" {
			existing[ep.DBTable] = true
		}
	}
	for _, ep := range incoming {
		if ep.DBTable != "" && existing[ep.DBTable] {
			continue
		}
		l.applyDefaults(ep)
		merged = append(merged, ep)
	}
	return l.build(merged)
}

// Overwrite replaces the active set with the incoming descriptors.
func (l *Loader) Overwrite(incoming []*Endpoint) (*Config, error) {
	for _, ep := range incoming {
		l.applyDefaults(ep)
	}
	return l.build(incoming)
}
