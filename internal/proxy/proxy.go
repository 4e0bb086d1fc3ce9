package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/middleware"
)

const maxResponseBytes = 10 << 20

// Forwarder serves proxy routes: forward to targetUrl, rename query params
// per queryMapping, merge enrich lookups and reshape via responseMapping.
type Forwarder struct {
	client *http.Client

	mu       sync.RWMutex
	internal http.Handler
}

// New creates a forwarder with a pooled transport.
func New(timeout time.Duration) *Forwarder {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &Forwarder{
		client: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// SetInternal installs the in-process dispatcher enrich steps call into.
// Set after the router is built; the forwarder is created first.
func (f *Forwarder) SetInternal(h http.Handler) {
	f.mu.Lock()
	f.internal = h
	f.mu.Unlock()
}

// Handler returns the http.Handler for one proxy endpoint.
func (f *Forwarder) Handler(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target, err := url.Parse(ep.TargetURL)
		if err != nil {
			apierror.NewConfigError("invalid targetUrl for route " + ep.Route).WriteJSON(w)
			return
		}
		target.RawQuery = mapQuery(r.URL.Query(), ep.QueryMapping).Encode()

		out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			apierror.ErrInternalServer.WriteJSON(w)
			return
		}
		copyHeaders(out.Header, r.Header)
		out.Header.Set("X-Forwarded-For", middleware.ClientIP(r))

		resp, err := f.client.Do(out)
		if err != nil {
			logging.Warn("proxy upstream failed",
				zap.String("route", ep.Route), zap.String("target", ep.TargetURL), zap.Error(err))
			apierror.New("internal", http.StatusBadGateway, "Upstream Error").WriteJSON(w)
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			apierror.New("internal", http.StatusBadGateway, "Upstream Error").WriteJSON(w)
			return
		}

		reshaped := len(ep.Enrich) > 0 || len(ep.ResponseMapping) > 0
		for _, step := range ep.Enrich {
			body = f.enrich(r, step, body)
		}
		if len(ep.ResponseMapping) > 0 {
			body = remap(body, ep.ResponseMapping)
		}

		if reshaped {
			w.Header().Set("Content-Type", "application/json")
		} else if ct := resp.Header.Get("Content-Type"); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
	})
}

// mapQuery renames inbound params per the mapping; unmapped params pass
// through unchanged.
func mapQuery(in url.Values, mapping map[string]string) url.Values {
	if len(mapping) == 0 {
		return in
	}
	out := make(url.Values, len(in))
	for k, vals := range in {
		name := k
		if mapped, ok := mapping[k]; ok {
			name = mapped
		}
		out[name] = vals
	}
	return out
}

// enrich issues an in-process call to an internal route and merges the
// step's named fields into the upstream body. Param values starting with
// "$." resolve as paths into the upstream body, anything else is literal.
func (f *Forwarder) enrich(r *http.Request, step config.EnrichStep, body []byte) []byte {
	f.mu.RLock()
	internal := f.internal
	f.mu.RUnlock()
	if internal == nil {
		return body
	}

	q := url.Values{}
	for name, val := range step.Params {
		if strings.HasPrefix(val, "$.") {
			q.Set(name, gjson.GetBytes(body, val[2:]).String())
		} else {
			q.Set(name, val)
		}
	}
	target := step.Route
	if enc := q.Encode(); enc != "" {
		target += "?" + enc
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		return body
	}
	req.Header.Set("Authorization", r.Header.Get("Authorization"))

	rec := &bufferWriter{header: make(http.Header)}
	internal.ServeHTTP(rec, req)
	if rec.status != 0 && rec.status != http.StatusOK {
		logging.Warn("enrich lookup failed",
			zap.String("route", step.Route), zap.Int("status", rec.status))
		return body
	}

	enriched := rec.buf.Bytes()
	for _, field := range step.Fields {
		// Internal routes respond with the envelope; data rows live under
		// data. Single-object data is also accepted.
		v := gjson.GetBytes(enriched, "data.0."+field)
		if !v.Exists() {
			v = gjson.GetBytes(enriched, "data."+field)
		}
		if !v.Exists() {
			continue
		}
		body, _ = sjson.SetRawBytes(body, field, []byte(v.Raw))
	}
	return body
}

// remap builds a fresh JSON document from (output path -> source path) pairs.
func remap(body []byte, mapping map[string]string) []byte {
	out := []byte(`{}`)
	for dst, src := range mapping {
		v := gjson.GetBytes(body, src)
		if !v.Exists() {
			continue
		}
		out, _ = sjson.SetRawBytes(out, dst, []byte(v.Raw))
	}
	return out
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		dst[k] = append([]string(nil), vals...)
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
	dst.Del("Host")
}

// bufferWriter captures an in-process dispatch result.
type bufferWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func (b *bufferWriter) Header() http.Header { return b.header }

func (b *bufferWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }

func (b *bufferWriter) WriteHeader(status int) { b.status = status }
