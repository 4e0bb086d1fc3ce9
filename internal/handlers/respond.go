package handlers

import (
	"net/http"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/registry"
)

// fail records a typed error on the response builder. The finalize
// middleware renders it into the envelope with the request id attached.
func fail(rc *registry.RequestContext, err error) {
	ae, ok := apierror.AsError(err)
	if !ok {
		ae = apierror.ErrInternalServer
	}
	rc.Response.Status = ae.Code
	rc.Response.Message = ae.Message
	body := map[string]any{"type": ae.Type}
	if ae.Details != "" {
		body["details"] = ae.Details
	}
	rc.Response.Error = body
}

// request extracts the request context or reports a wiring failure. Every
// synthesized handler runs behind the middleware that creates it.
func request(w http.ResponseWriter, r *http.Request) *registry.RequestContext {
	rc := registry.FromContext(r.Context())
	if rc == nil {
		apierror.ErrInternalServer.WithDetails("missing request context").WriteJSON(w)
	}
	return rc
}
