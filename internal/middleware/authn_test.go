package middleware

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wudi/restgate/internal/auth"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/registry"
)

var authDsnSeq int

func newAuthenticator(t *testing.T) (*Authenticator, *auth.Tokens) {
	t.Helper()
	authDsnSeq++
	dsn := fmt.Sprintf("file:mwauth%d?mode=memory&cache=shared", authDsnSeq)

	reg := db.NewRegistry()
	reg.RegisterDSN("main", "sqlite", dsn)

	seed, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open seed db: %v", err)
	}
	t.Cleanup(func() {
		seed.Close()
		reg.Close()
	})

	if _, err := seed.Exec(`CREATE TABLE users (username TEXT, password TEXT, acl TEXT)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	hashed, err := auth.HashPassword("", "s3cret")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if _, err := seed.Exec(`INSERT INTO users (username, password, acl) VALUES (?, ?, ?)`,
		"alice", hashed, "publicAccess"); err != nil {
		t.Fatalf("insert user: %v", err)
	}

	tokens := auth.NewTokens("test-secret", time.Hour)
	return NewAuthenticator(tokens, auth.NewCredentials(db.New(reg))), tokens
}

func authedEndpoint(mode config.AuthMode) *config.Endpoint {
	return &config.Endpoint{
		RouteType:    config.RouteDatabase,
		Route:        "/users",
		DBType:       "sqlite",
		DBConnection: "main",
		DBTable:      "users",
		Auth:         mode,
	}
}

func serveAuth(a *Authenticator, rc *registry.RequestContext, decorate func(*http.Request)) (*httptest.ResponseRecorder, bool) {
	reached := false
	h := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/users", nil)
	r = r.WithContext(registry.WithRequest(r.Context(), rc))
	if decorate != nil {
		decorate(r)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, reached
}

func TestAuthNonePasses(t *testing.T) {
	a, _ := newAuthenticator(t)
	rc := registry.NewRequestContext("rid", authedEndpoint(config.AuthNone))

	if _, reached := serveAuth(a, rc, nil); !reached {
		t.Error("auth none should pass")
	}
}

func TestBearerToken(t *testing.T) {
	a, tokens := newAuthenticator(t)
	rc := registry.NewRequestContext("rid", authedEndpoint(config.AuthToken))

	w, reached := serveAuth(a, rc, nil)
	if reached || w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: reached=%v status=%d", reached, w.Code)
	}

	token, err := tokens.Issue("alice", []string{"publicAccess"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	rc = registry.NewRequestContext("rid", authedEndpoint(config.AuthToken))
	_, reached = serveAuth(a, rc, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+token)
	})
	if !reached {
		t.Fatal("valid token rejected")
	}
	if rc.Principal == nil || rc.Principal.ID != "alice" {
		t.Errorf("principal = %+v", rc.Principal)
	}
	if len(rc.Principal.Roles) != 1 || rc.Principal.Roles[0] != "publicAccess" {
		t.Errorf("roles = %v", rc.Principal.Roles)
	}
}

func TestBasicAuth(t *testing.T) {
	a, _ := newAuthenticator(t)

	creds := base64.StdEncoding.EncodeToString([]byte("alice:s3cret"))
	rc := registry.NewRequestContext("rid", authedEndpoint(config.AuthBasic))
	_, reached := serveAuth(a, rc, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+creds)
	})
	if !reached {
		t.Fatal("valid basic credentials rejected")
	}
	if rc.Principal == nil || rc.Principal.ID != "alice" {
		t.Errorf("principal = %+v", rc.Principal)
	}

	bad := base64.StdEncoding.EncodeToString([]byte("alice:wrong"))
	rc = registry.NewRequestContext("rid", authedEndpoint(config.AuthBasic))
	w, reached := serveAuth(a, rc, func(r *http.Request) {
		r.Header.Set("Authorization", "Basic "+bad)
	})
	if reached || w.Code != http.StatusUnauthorized {
		t.Errorf("bad password: reached=%v status=%d", reached, w.Code)
	}
}

func TestBodyLoginIssuesToken(t *testing.T) {
	a, tokens := newAuthenticator(t)

	rc := registry.NewRequestContext("rid", authedEndpoint(config.AuthBody))
	rc.Body = map[string]any{"auth": "alice", "authentication": "s3cret"}

	w, reached := serveAuth(a, rc, nil)
	if reached {
		t.Fatal("body login should answer itself, not call the handler")
	}
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	var body struct {
		Success bool             `json:"success"`
		Message string           `json:"message"`
		Data    []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Message != "authenticated" {
		t.Errorf("envelope = %+v", body)
	}
	if len(body.Data) != 1 {
		t.Fatalf("data = %v", body.Data)
	}
	token, _ := body.Data[0]["token"].(string)
	p, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if p.ID != "alice" || len(p.Roles) != 1 || p.Roles[0] != "publicAccess" {
		t.Errorf("principal = %+v", p)
	}
}

func TestBodyLoginRejectsMissingFields(t *testing.T) {
	a, _ := newAuthenticator(t)

	rc := registry.NewRequestContext("rid", authedEndpoint(config.AuthBody))
	rc.Body = map[string]any{"auth": "alice"}

	w, reached := serveAuth(a, rc, nil)
	if reached || w.Code != http.StatusUnauthorized {
		t.Errorf("reached=%v status=%d", reached, w.Code)
	}
}

func TestRecoveryWritesEnvelope(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success {
		t.Error("success should be false")
	}
}
