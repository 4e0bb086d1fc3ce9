package config

import (
	"strings"
	"time"
)

// RouteType categorizes what backs an endpoint descriptor.
type RouteType string

const (
	RouteDatabase   RouteType = "database"
	RouteProxy      RouteType = "proxy"
	RoutePlugin     RouteType = "plugin"
	RouteStatic     RouteType = "static"
	RouteDef        RouteType = "def"
	RouteFileUpload RouteType = "fileUpload"
	RouteDynamic    RouteType = "dynamic"
)

// AuthMode selects how requests to an endpoint are authenticated.
type AuthMode string

const (
	AuthNone  AuthMode = "none"
	AuthToken AuthMode = "token"
	AuthBasic AuthMode = "basic"
	AuthBody  AuthMode = "body"
)

// Relationship declares a LEFT JOIN against a related table. Fields of the
// joined table are projected aliased as "relatedTable.field".
type Relationship struct {
	RelatedTable string   `json:"relatedTable"`
	ForeignKey   string   `json:"foreignKey"`
	RelatedKey   string   `json:"relatedKey"`
	JoinType     string   `json:"joinType,omitempty"`
	Fields       []string `json:"fields,omitempty"`
}

// RateLimit caps requests per (route, client IP).
type RateLimit struct {
	PerMinute int `json:"perMinute,omitempty"`
	PerHour   int `json:"perHour,omitempty"`
}

// ValidationRule constrains the shape of one request field.
type ValidationRule struct {
	Type      string `json:"type,omitempty"` // string, number, boolean, email
	Required  bool   `json:"required,omitempty"`
	MinLength int    `json:"minLength,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// Endpoint is one declarative endpoint descriptor. A descriptor with
// routeType "def" registers a table definition without exposing a route.
type Endpoint struct {
	RouteType    RouteType `json:"routeType"`
	Route        string    `json:"route,omitempty"`
	DBType       string    `json:"dbType,omitempty"`
	DBConnection string    `json:"dbConnection,omitempty"`
	DBTable      string    `json:"dbTable,omitempty"`

	Keys         []string `json:"keys,omitempty"`
	AllowRead    []string `json:"allowRead,omitempty"`
	AllowWrite   []string `json:"allowWrite,omitempty"`
	AllowMethods []string `json:"allowMethods,omitempty"`

	ACL          []string `json:"acl,omitempty"`
	Auth         AuthMode `json:"auth,omitempty"`
	AuthTable    string   `json:"authTable,omitempty"`    // body auth: table holding credentials
	PasswordFunc string   `json:"passwordFunc,omitempty"` // bcrypt | sha256
	ACLMessage   string   `json:"aclMessage,omitempty"`

	CacheTTL  int       `json:"cache,omitempty"` // seconds, 0 = off
	RateLimit RateLimit `json:"rateLimit,omitempty"`

	ColumnDefinitions map[string]string         `json:"columnDefinitions,omitempty"`
	Relationships     []Relationship            `json:"relationships,omitempty"`
	ValidationRules   map[string]ValidationRule `json:"validationRules,omitempty"`

	BusinessLogic string `json:"businessLogic,omitempty"` // plugin name
	BusinessRules string `json:"businessRules,omitempty"` // rules DSL file

	// Proxy-only fields
	TargetURL       string            `json:"targetUrl,omitempty"`
	QueryMapping    map[string]string `json:"queryMapping,omitempty"`
	ResponseMapping map[string]string `json:"responseMapping,omitempty"`
	Enrich          []EnrichStep      `json:"enrich,omitempty"`

	// Static / upload fields
	StaticPath string `json:"staticPath,omitempty"`
	UploadDir  string `json:"uploadDir,omitempty"`
	MaxSize    int64  `json:"maxSize,omitempty"`

	OpenGraphMapping map[string]string `json:"openGraphMapping,omitempty"`
	MLModel          string            `json:"mlmodel,omitempty"`
}

// EnrichStep issues a secondary call to an internal route and merges the
// named fields into the proxy response.
type EnrichStep struct {
	Route  string            `json:"route"`
	Params map[string]string `json:"params,omitempty"`
	Fields []string          `json:"fields,omitempty"`
}

// Methods returns the allowed methods, defaulting by route type.
func (e *Endpoint) Methods() []string {
	if len(e.AllowMethods) > 0 {
		out := make([]string, len(e.AllowMethods))
		for i, m := range e.AllowMethods {
			out[i] = strings.ToUpper(m)
		}
		return out
	}
	switch e.RouteType {
	case RouteDatabase, RouteDynamic:
		return []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	case RouteStatic, RouteFileUpload:
		if e.RouteType == RouteFileUpload {
			return []string{"POST"}
		}
		return []string{"GET"}
	default:
		return []string{"GET", "POST", "PUT", "DELETE", "PATCH"}
	}
}

// AllowsMethod reports whether the descriptor permits the HTTP method.
func (e *Endpoint) AllowsMethod(method string) bool {
	for _, m := range e.Methods() {
		if m == method {
			return true
		}
	}
	return false
}

// WritableSet returns allowWrite as a set for quick filtering.
func (e *Endpoint) WritableSet() map[string]bool {
	set := make(map[string]bool, len(e.AllowWrite))
	for _, c := range e.AllowWrite {
		set[c] = true
	}
	return set
}

// Connection returns the normalized connection name ("-" mapped to "_").
func (e *Endpoint) Connection() string {
	return strings.ReplaceAll(e.DBConnection, "-", "_")
}

// Config is a loaded, categorized configuration set. Descriptor order is
// preserved; indexes are derived at load time.
type Config struct {
	Endpoints []*Endpoint

	Database    []*Endpoint
	Proxy       []*Endpoint
	Plugin      []*Endpoint
	Static      []*Endpoint
	Defs        []*Endpoint
	FileUploads []*Endpoint
	Dynamic     []*Endpoint

	byRoute map[string]*Endpoint // routeType + " " + route
	byTable map[string]*Endpoint // dbTable (defs and database routes)
}

// Lookup finds a descriptor by route and route type.
func (c *Config) Lookup(route string, rt RouteType) *Endpoint {
	return c.byRoute[string(rt)+" "+route]
}

// LookupTable finds a descriptor by backing table name.
func (c *Config) LookupTable(table string) *Endpoint {
	return c.byTable[table]
}

// Settings holds process-level configuration from the environment.
type Settings struct {
	Host      string
	Port      int
	AdminAddr string

	JWTSecret string
	JWTExpiry time.Duration

	RedisURL string

	DefaultDBType       string
	DefaultDBConnection string

	PluginsDir string
	ConfigDir  string

	DefaultACL         []string
	RateLimitPerMinute int

	EventQueueKey      string
	EventFlushInterval time.Duration
	EventBatchSize     int

	LogLevel string
}
