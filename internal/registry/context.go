package registry

import (
	"context"
	"net/http"
	"net/url"

	"github.com/wudi/restgate/internal/config"
)

// Principal is the authenticated caller.
type Principal struct {
	ID     string
	Roles  []string
	Claims map[string]any
}

// HasRole reports whether the principal carries any of the wanted roles.
func (p *Principal) HasRole(wanted []string) bool {
	if p == nil {
		return false
	}
	for _, w := range wanted {
		for _, r := range p.Roles {
			if r == w {
				return true
			}
		}
	}
	return false
}

// Response is the mutable response builder shared by rules, handlers and the
// finalizing middleware. A non-zero Status other than 200, a truthy Error or
// non-empty Data short-circuits the chain.
type Response struct {
	Status  int
	Message string
	Error   any
	Data    []map[string]any
	Module  string
	Code    int
}

// ShortCircuit reports whether the response terminates the chain early.
func (r *Response) ShortCircuit() bool {
	if r == nil {
		return false
	}
	return len(r.Data) > 0 || r.Error != nil || (r.Status != 0 && r.Status != http.StatusOK)
}

// RequestContext is the per-request value threaded through middleware,
// rules and handlers. It is created at middleware entry and dropped after
// response finalization.
type RequestContext struct {
	RequestID string
	Principal *Principal
	Endpoint  *config.Endpoint

	Headers http.Header
	Query   url.Values
	Params  map[string]string // path params
	Body    map[string]any    // parsed JSON body, nil when absent

	Data     map[string]any // rule scratch map
	Response *Response
}

// NewRequestContext creates a context for one request.
func NewRequestContext(requestID string, ep *config.Endpoint) *RequestContext {
	return &RequestContext{
		RequestID: requestID,
		Endpoint:  ep,
		Data:      make(map[string]any),
		Response:  &Response{},
	}
}

type requestContextKey struct{}

// WithRequest attaches the request context to a context.Context. Only
// framework-level middleware should rely on this ambient access; handlers
// and rule evaluators receive the value explicitly.
func WithRequest(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// FromContext extracts the request context, or nil.
func FromContext(ctx context.Context) *RequestContext {
	rc, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc
}
