package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"HOST", "PORT", "DB_TYPE", "DEFAULT_ACL",
		"EVENT_FLUSH_INTERVAL", "JWT_EXPIRY", "LOG_LEVEL"} {
		t.Setenv(key, "")
	}

	s := FromEnv()
	if s.Host != "0.0.0.0" || s.Port != 8080 {
		t.Errorf("host/port = %s/%d", s.Host, s.Port)
	}
	if s.DefaultDBType != "postgres" {
		t.Errorf("dbType = %q", s.DefaultDBType)
	}
	if s.JWTExpiry != 24*time.Hour {
		t.Errorf("jwtExpiry = %v", s.JWTExpiry)
	}
	if s.EventFlushInterval != 5*time.Second {
		t.Errorf("flushInterval = %v", s.EventFlushInterval)
	}
	if s.DefaultACL != nil {
		t.Errorf("defaultACL = %v", s.DefaultACL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_TYPE", "sqlite")
	t.Setenv("DEFAULT_ACL", "publicAccess, admin,")
	t.Setenv("JWT_EXPIRY", "2h")
	t.Setenv("EVENT_FLUSH_INTERVAL", "30")

	s := FromEnv()
	if s.Port != 9000 {
		t.Errorf("port = %d", s.Port)
	}
	if s.DefaultDBType != "sqlite" {
		t.Errorf("dbType = %q", s.DefaultDBType)
	}
	if len(s.DefaultACL) != 2 || s.DefaultACL[0] != "publicAccess" || s.DefaultACL[1] != "admin" {
		t.Errorf("defaultACL = %v", s.DefaultACL)
	}
	if s.JWTExpiry != 2*time.Hour {
		t.Errorf("jwtExpiry = %v", s.JWTExpiry)
	}

	// Bare integers are seconds.
	if s.EventFlushInterval != 30*time.Second {
		t.Errorf("flushInterval = %v", s.EventFlushInterval)
	}
}

func TestFromEnvBadValuesFallBack(t *testing.T) {
	t.Setenv("PORT", "eighty")
	t.Setenv("JWT_EXPIRY", "soon")

	s := FromEnv()
	if s.Port != 8080 {
		t.Errorf("port = %d", s.Port)
	}
	if s.JWTExpiry != 24*time.Hour {
		t.Errorf("jwtExpiry = %v", s.JWTExpiry)
	}
}
