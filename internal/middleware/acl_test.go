package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/registry"
)

func serveACL(t *testing.T, rc *registry.RequestContext) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	reached := false
	h := ACL()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if rc != nil {
		r = r.WithContext(registry.WithRequest(r.Context(), rc))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, reached
}

func TestACLPassesWhenUnrestricted(t *testing.T) {
	rc := registry.NewRequestContext("rid", &config.Endpoint{Route: "/open"})
	if _, reached := serveACL(t, rc); !reached {
		t.Error("empty acl should pass everyone")
	}
	if _, reached := serveACL(t, nil); !reached {
		t.Error("missing request context should pass")
	}
}

func TestACLAllowsMatchingRole(t *testing.T) {
	rc := registry.NewRequestContext("rid", &config.Endpoint{
		Route: "/secure",
		ACL:   []string{"admin", "publicAccess"},
	})
	rc.Principal = &registry.Principal{ID: "alice", Roles: []string{"publicAccess"}}

	if _, reached := serveACL(t, rc); !reached {
		t.Error("matching role should pass")
	}
}

func TestACLRejectsMissingRole(t *testing.T) {
	rc := registry.NewRequestContext("rid", &config.Endpoint{
		Route:      "/secure",
		ACL:        []string{"admin"},
		ACLMessage: "admins only",
	})
	rc.Principal = &registry.Principal{ID: "alice", Roles: []string{"publicAccess"}}

	w, reached := serveACL(t, rc)
	if reached {
		t.Fatal("handler should not run")
	}
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Success bool           `json:"success"`
		Error   map[string]any `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success {
		t.Error("success should be false")
	}
	if body.Error["details"] != "admins only" {
		t.Errorf("details = %v", body.Error["details"])
	}
	if body.Error["request_id"] != "rid" {
		t.Errorf("request_id = %v", body.Error["request_id"])
	}
}

func TestACLRejectsAnonymous(t *testing.T) {
	rc := registry.NewRequestContext("rid", &config.Endpoint{
		Route: "/secure",
		ACL:   []string{"admin"},
	})

	w, reached := serveACL(t, rc)
	if reached || w.Code != http.StatusForbidden {
		t.Errorf("reached=%v status=%d", reached, w.Code)
	}
}
