package cache

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/logging"
)

// Cache is a read-through Redis cache for GET response bodies. Keys are
// "<route>:<canonicalQuery>"; TTL comes from the endpoint descriptor.
// Writes to an entity do not invalidate proactively; operators accept
// stale reads up to TTL. Plugins may call Invalidate explicitly.
type Cache struct {
	client *redis.Client
	prefix string
}

// New creates a cache over an existing Redis client.
func New(client *redis.Client) *Cache {
	return &Cache{client: client, prefix: "restgate:cache:"}
}

// Key derives the cache key for a route and raw query string. Query
// parameters are URL-decoded and sorted so equivalent requests collide.
func Key(route, rawQuery string) string {
	return route + ":" + CanonicalQuery(rawQuery)
}

// CanonicalQuery sorts and decodes query parameters into a stable form.
func CanonicalQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vals := values[k]
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

// Get returns the cached body for key, or false on miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.Warn("cache get failed, treating as miss", zap.Error(err))
		}
		return nil, false
	}
	return data, true
}

// Set stores a serialized body under key for ttl.
func (c *Cache) Set(ctx context.Context, key string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, body, ttl).Err(); err != nil {
		logging.Warn("cache set failed", zap.Error(err))
	}
}

// Invalidate drops the entry for one (route, query) pair. Exposed to
// plugins through the dependency context.
func (c *Cache) Invalidate(ctx context.Context, route, rawQuery string) {
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()

	if err := c.client.Del(ctx, c.prefix+Key(route, rawQuery)).Err(); err != nil {
		logging.Warn("cache invalidate failed", zap.Error(err))
	}
}

// InvalidateRoute drops every entry under a route prefix.
func (c *Cache) InvalidateRoute(ctx context.Context, route string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pattern := c.prefix + route + ":*"
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			logging.Warn("cache scan failed", zap.Error(err))
			return
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				logging.Warn("cache bulk delete failed", zap.Error(err))
				return
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
}
