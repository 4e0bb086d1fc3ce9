package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/restgate/internal/registry"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader is the request/response header carrying the request ID.
const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an ID, trusting an inbound header when
// present, and mirrors it onto the response and the request context.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}

			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			if rc := registry.FromContext(r.Context()); rc != nil {
				rc.RequestID = requestID
			}

			next.ServeHTTP(w, r)
		})
	}
}
