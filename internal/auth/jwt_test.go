package auth

import (
	"testing"
	"time"

	"github.com/wudi/restgate/internal/apierror"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)

	token, err := tokens.Issue("alice", []string{"publicAccess", "admin"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	p, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.ID != "alice" {
		t.Errorf("subject = %q", p.ID)
	}
	if len(p.Roles) != 2 || p.Roles[0] != "publicAccess" || p.Roles[1] != "admin" {
		t.Errorf("roles = %v", p.Roles)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	expired := &Tokens{secret: []byte("secret"), expiry: -time.Minute}

	token, err := expired.Issue("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := tokens.Verify(token); !apierror.Is(err, "auth") {
		t.Errorf("expired token: %v", err)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	issuer := NewTokens("secret", time.Hour)
	verifier := NewTokens("other", time.Hour)

	token, err := issuer.Issue("alice", nil)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.Verify(token); !apierror.Is(err, "auth") {
		t.Errorf("wrong secret: %v", err)
	}
}

func TestVerifyGarbage(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	if _, err := tokens.Verify("not.a.token"); !apierror.Is(err, "auth") {
		t.Errorf("garbage token: %v", err)
	}
}

func TestDefaultExpiry(t *testing.T) {
	tokens := NewTokens("secret", 0)
	if tokens.expiry != 24*time.Hour {
		t.Errorf("expiry = %v", tokens.expiry)
	}
}
