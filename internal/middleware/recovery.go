package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/registry"
)

// Recovery converts handler panics into 500 envelopes instead of dropped
// connections.
func Recovery() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logging.Error("panic recovered",
						zap.Any("error", err),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()),
					)
					out := apierror.ErrInternalServer
					if rc := registry.FromContext(r.Context()); rc != nil {
						out = out.WithRequestID(rc.RequestID)
					}
					out.WriteJSON(w)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
