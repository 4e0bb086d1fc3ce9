package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/middleware"
	"github.com/wudi/restgate/internal/middleware/ratelimit"
	"github.com/wudi/restgate/internal/registry"
	"github.com/wudi/restgate/internal/router"
)

const maxBodyBytes = 10 << 20

// chain wraps a terminal handler in the per-endpoint middleware stack:
// context, recovery, request ID, access log, rate limit, authentication
// and ACL, in that order from the outside in.
func (g *Gateway) chain(ep *config.Endpoint, h http.Handler) http.Handler {
	limit := ep.RateLimit.PerMinute
	if limit == 0 {
		limit = g.settings.RateLimitPerMinute
	}

	b := middleware.NewBuilder().
		Use(g.contextMiddleware(ep)).
		Use(middleware.Recovery()).
		Use(middleware.RequestID()).
		Use(g.reqLog.Middleware()).
		UseIf(g.redis != nil && limit > 0, ratelimit.New(g.redis, ep.Route, limit).Middleware()).
		Use(g.authn.Middleware()).
		Use(middleware.ACL())
	return b.Handler(h)
}

// contextMiddleware creates the per-request context: path params from the
// router, parsed query and, for mutating JSON requests, the decoded body.
// The raw body is restored so proxy handlers can still stream it upstream.
func (g *Gateway) contextMiddleware(ep *config.Endpoint) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := registry.NewRequestContext("", ep)
			rc.Headers = r.Header
			rc.Query = r.URL.Query()
			rc.Params = router.ParamsFromContext(r.Context())

			body, err := readJSONBody(w, r)
			if err != nil {
				apierror.ErrValidation.WithDetails(err.Error()).WriteJSON(w)
				return
			}
			rc.Body = body

			next.ServeHTTP(w, r.WithContext(registry.WithRequest(r.Context(), rc)))
		})
	}
}

// readJSONBody decodes a JSON request body into a map. Non-JSON content
// types (multipart uploads, proxied payloads) pass through untouched.
func readJSONBody(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "application/json") {
		return nil, nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return body, nil
}

// envelope is the terminal wrapper for descriptor-backed handlers: inbound
// rules, the handler itself, outbound rules for GET reads, then exactly one
// envelope write from the accumulated response.
func (g *Gateway) envelope(ep *config.Endpoint, h http.Handler, outboundRules bool) http.Handler {
	resource := resourceName(ep)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := registry.FromContext(r.Context())
		if rc == nil {
			apierror.ErrInternalServer.WriteJSON(w)
			return
		}

		g.engine.EvaluateIn(r.Context(), rc, resource, r.Method)
		if rc.Response.ShortCircuit() {
			g.writeResponse(w, rc)
			return
		}

		h.ServeHTTP(w, r)

		if outboundRules && r.Method == http.MethodGet {
			g.engine.EvaluateOut(r.Context(), rc, resource, r.Method)
		}
		g.writeResponse(w, rc)
	})
}

// inboundRules is the terminal wrapper for pass-through handlers (proxy):
// inbound rules still run and may mutate the request or short-circuit, but
// the upstream response body is streamed as-is, with no envelope and no
// outbound stage.
func (g *Gateway) inboundRules(ep *config.Endpoint, h http.Handler) http.Handler {
	resource := resourceName(ep)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := registry.FromContext(r.Context())
		if rc == nil {
			apierror.ErrInternalServer.WriteJSON(w)
			return
		}

		g.engine.EvaluateIn(r.Context(), rc, resource, r.Method)
		if rc.Response.ShortCircuit() {
			g.writeResponse(w, rc)
			return
		}

		h.ServeHTTP(w, r)
	})
}

// writeResponse renders the uniform envelope from the request context.
func (g *Gateway) writeResponse(w http.ResponseWriter, rc *registry.RequestContext) {
	resp := rc.Response
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}

	env := &apierror.Envelope{
		Success: resp.Error == nil && (status < http.StatusBadRequest || status == 600),
		Message: resp.Message,
		Error:   resp.Error,
		Module:  resp.Module,
		Code:    resp.Code,
	}
	if env.Code == 0 {
		env.Code = status
	}
	if resp.Data != nil {
		env.Data = resp.Data
	}
	if errMap, ok := resp.Error.(map[string]any); ok && rc.RequestID != "" {
		if _, present := errMap["request_id"]; !present {
			errMap["request_id"] = rc.RequestID
		}
	}
	env.Write(w, status)
}

func (g *Gateway) notFound(w http.ResponseWriter, r *http.Request) {
	apierror.ErrNotFound.
		WithDetails("no route for " + r.Method + " " + r.URL.Path).
		WriteJSON(w)
}

// resourceName is the rules bucket key for an endpoint: its backing table,
// or the trimmed route path when it has none.
func resourceName(ep *config.Endpoint) string {
	if ep.DBTable != "" {
		return ep.DBTable
	}
	return strings.Trim(ep.Route, "/")
}
