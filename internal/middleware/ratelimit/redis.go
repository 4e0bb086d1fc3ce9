package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/logging"
	"github.com/wudi/restgate/internal/middleware"
)

// fixedWindowScript counts requests in a fixed window. The key expires 60s
// after the first request of the window, so the counter resets then.
// Returns: [current count, ttl seconds]
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`)

// Limiter caps requests per (route, client IP) over a fixed 60s window.
// A zero per-minute limit means unlimited.
type Limiter struct {
	client *redis.Client
	route  string
	limit  int
	window time.Duration
}

// New creates a limiter for one route.
func New(client *redis.Client, route string, perMinute int) *Limiter {
	return &Limiter{
		client: client,
		route:  route,
		limit:  perMinute,
		window: time.Minute,
	}
}

// Middleware enforces the limit. Redis outages fail open.
func (rl *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := "rate-limit:" + rl.route + ":" + middleware.ClientIP(r)

			ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
			defer cancel()

			result, err := fixedWindowScript.Run(ctx, rl.client,
				[]string{key}, int(rl.window.Seconds())).Int64Slice()
			if err != nil {
				// Fail open: if Redis is unreachable, allow the request
				logging.Warn("rate limit unavailable, failing open", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			count := result[0]
			ttl := result[1]
			remaining := int64(rl.limit) - count
			if remaining < 0 {
				remaining = 0
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix()+ttl, 10))

			if count > int64(rl.limit) {
				retryAfter := ttl
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				apierror.ErrTooManyRequests.WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
