package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv builds process settings from environment variables, applying
// defaults for anything unset.
func FromEnv() Settings {
	return Settings{
		Host:      envStr("HOST", "0.0.0.0"),
		Port:      envInt("PORT", 8080),
		AdminAddr: envStr("ADMIN_ADDR", "127.0.0.1:9090"),

		JWTSecret: os.Getenv("JWT_SECRET"),
		JWTExpiry: envDuration("JWT_EXPIRY", 24*time.Hour),

		RedisURL: envStr("REDIS_URL", "redis://127.0.0.1:6379"),

		DefaultDBType:       envStr("DB_TYPE", "postgres"),
		DefaultDBConnection: envStr("DB_CONNECTION", "default"),

		PluginsDir: envStr("PLUGINS_DIR", "./plugins"),
		ConfigDir:  envStr("CONFIG_DIR", "./config"),

		DefaultACL:         envList("DEFAULT_ACL"),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 0),

		EventQueueKey:      envStr("EVENT_QUEUE_KEY", "restgate:events"),
		EventFlushInterval: envDuration("EVENT_FLUSH_INTERVAL", 5*time.Second),
		EventBatchSize:     envInt("EVENT_BATCH_SIZE", 100),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare integers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
