package rules

import (
	"context"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/registry"
)

// baseScope builds the expression environment for one request. Registered
// actions appear as callable functions so conditions and values can invoke
// them directly, e.g. `discount = uuid()`.
func (e *Engine) baseScope(rc *registry.RequestContext) map[string]any {
	scope := map[string]any{
		"req": map[string]any{
			"body":    rc.Body,
			"query":   flattenValues(rc.Query),
			"params":  flattenParams(rc.Params),
			"headers": flattenValues(rc.Headers),
		},
		"context": map[string]any{
			"user": principalScope(rc.Principal),
		},
		"data": rc.Data,
		"response": map[string]any{
			"status":  rc.Response.Status,
			"message": rc.Response.Message,
		},
	}

	for _, name := range e.actions.Names() {
		name := name
		scope[name] = func(args ...any) any {
			params := make(map[string]any, len(args))
			for i, a := range args {
				params["arg"+strconv.Itoa(i)] = a
			}
			out, err := e.actions.Invoke(context.Background(), name, rc, params)
			if err != nil {
				logging.Warn("action call in expression failed",
					zap.String("action", name), zap.Error(err))
				return nil
			}
			return out
		}
	}
	return scope
}

func principalScope(p *registry.Principal) map[string]any {
	if p == nil {
		return nil
	}
	user := map[string]any{
		"id":    p.ID,
		"roles": p.Roles,
	}
	for k, v := range p.Claims {
		if _, taken := user[k]; !taken {
			user[k] = v
		}
	}
	return user
}

func flattenValues(v map[string][]string) map[string]any {
	out := make(map[string]any, len(v))
	for k, vals := range v {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func flattenParams(p map[string]string) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// assign writes an evaluated value to the path an assignment names. Inbound
// rules mutate the request payload and scratch map; outbound rules mutate
// the current response row.
func assign(rc *registry.RequestContext, row map[string]any, field string, v any) {
	segs := strings.Split(field, ".")

	switch segs[0] {
	case "req":
		if len(segs) >= 2 && segs[1] == "body" {
			if rc.Body == nil {
				rc.Body = make(map[string]any)
			}
			if len(segs) == 2 {
				if m, ok := v.(map[string]any); ok {
					rc.Body = m
				}
				return
			}
			setPath(rc.Body, segs[2:], v)
		}
		// Query, params and headers are read-only in rules.
		return

	case "data":
		if len(segs) == 1 {
			return
		}
		if row != nil {
			setPath(row, segs[1:], v)
			return
		}
		setPath(rc.Data, segs[1:], v)
		return

	case "response", "res":
		if len(segs) == 2 {
			assignResponse(rc.Response, segs[1], v)
		}
		return
	}

	// Bare identifier: outbound targets the row, inbound the payload and
	// the scratch map.
	if row != nil {
		setPath(row, segs, v)
		return
	}
	setPath(rc.Data, segs, v)
	if rc.Body == nil {
		rc.Body = make(map[string]any)
	}
	setPath(rc.Body, segs, v)
}

func assignResponse(resp *registry.Response, field string, v any) {
	switch field {
	case "status":
		resp.Status = toInt(v)
	case "code":
		resp.Code = toInt(v)
	case "message":
		resp.Message = toString(v)
	case "module":
		resp.Module = toString(v)
	case "error":
		resp.Error = v
	case "data":
		switch d := v.(type) {
		case []map[string]any:
			resp.Data = d
		case map[string]any:
			resp.Data = append(resp.Data, d)
		case []any:
			for _, item := range d {
				if m, ok := item.(map[string]any); ok {
					resp.Data = append(resp.Data, m)
				}
			}
		}
	}
}

func setPath(m map[string]any, segs []string, v any) {
	for _, seg := range segs[:len(segs)-1] {
		next, ok := m[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[seg] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = v
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return stringify(v)
}
