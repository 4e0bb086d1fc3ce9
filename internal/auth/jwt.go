package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/registry"
)

// Tokens issues and verifies the gateway's bearer tokens (HS256 against a
// process-wide secret).
type Tokens struct {
	secret []byte
	expiry time.Duration
}

// NewTokens creates a token service. expiry bounds issued token lifetimes.
func NewTokens(secret string, expiry time.Duration) *Tokens {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), expiry: expiry}
}

// Issue mints a token for a subject carrying the given ACL roles.
func (t *Tokens) Issue(subject string, acl []string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"acl": acl,
		"iat": now.Unix(),
		"exp": now.Add(t.expiry).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify parses a bearer token and returns the principal it asserts.
func (t *Tokens) Verify(tokenString string) (*registry.Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, apierror.ErrUnauthorized.WithDetails(fmt.Sprintf("invalid token: %v", err))
	}
	if !token.Valid {
		return nil, apierror.ErrUnauthorized.WithDetails("token is not valid")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, apierror.ErrUnauthorized.WithDetails("invalid token claims")
	}

	principal := &registry.Principal{Claims: map[string]any(claims)}
	if sub, _ := claims.GetSubject(); sub != "" {
		principal.ID = sub
	}
	principal.Roles = rolesFromClaim(claims["acl"])
	return principal, nil
}

func rolesFromClaim(v any) []string {
	switch roles := v.(type) {
	case []string:
		return roles
	case []any:
		out := make([]string, 0, len(roles))
		for _, r := range roles {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if roles == "" {
			return nil
		}
		return []string{roles}
	default:
		return nil
	}
}
