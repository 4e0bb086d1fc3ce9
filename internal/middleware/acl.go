package middleware

import (
	"net/http"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/registry"
)

// ACL gates requests on role intersection between the principal and the
// endpoint descriptor. Endpoints with an empty acl set pass everyone.
func ACL() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := registry.FromContext(r.Context())
			if rc == nil || rc.Endpoint == nil || len(rc.Endpoint.ACL) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			if !rc.Principal.HasRole(rc.Endpoint.ACL) {
				out := apierror.ErrForbidden.WithRequestID(rc.RequestID)
				if msg := rc.Endpoint.ACLMessage; msg != "" {
					out = out.WithDetails(msg)
				}
				out.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
