package middleware

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/auth"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/registry"
)

// Authenticator dispatches per-endpoint authentication: none, bearer token,
// HTTP basic, or username/password fields in the request body.
type Authenticator struct {
	tokens      *auth.Tokens
	credentials *auth.Credentials
}

// NewAuthenticator creates the auth middleware factory.
func NewAuthenticator(tokens *auth.Tokens, credentials *auth.Credentials) *Authenticator {
	return &Authenticator{tokens: tokens, credentials: credentials}
}

// Middleware authenticates per the endpoint descriptor's auth mode.
func (a *Authenticator) Middleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc := registry.FromContext(r.Context())
			if rc == nil || rc.Endpoint == nil {
				next.ServeHTTP(w, r)
				return
			}

			switch rc.Endpoint.Auth {
			case config.AuthNone, "":
				next.ServeHTTP(w, r)

			case config.AuthToken:
				principal, err := a.bearer(r)
				if err != nil {
					writeAuthError(w, rc, err)
					return
				}
				rc.Principal = principal
				next.ServeHTTP(w, r)

			case config.AuthBasic:
				principal, err := a.basic(r, rc.Endpoint)
				if err != nil {
					writeAuthError(w, rc, err)
					return
				}
				rc.Principal = principal
				next.ServeHTTP(w, r)

			case config.AuthBody:
				// Body-auth endpoints are login endpoints: verify the
				// credential fields and always answer with a token.
				a.bodyLogin(w, r, rc)

			default:
				writeAuthError(w, rc, apierror.ErrUnauthorized.WithDetails("unsupported auth mode"))
			}
		})
	}
}

func (a *Authenticator) bearer(r *http.Request) (*registry.Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") && !strings.HasPrefix(header, "bearer ") {
		return nil, apierror.ErrUnauthorized.WithDetails("bearer token not provided")
	}
	return a.tokens.Verify(header[7:])
}

func (a *Authenticator) basic(r *http.Request, ep *config.Endpoint) (*registry.Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return nil, apierror.ErrUnauthorized.WithDetails("basic credentials not provided")
	}
	decoded, err := base64.StdEncoding.DecodeString(header[6:])
	if err != nil {
		return nil, apierror.ErrUnauthorized.WithDetails("malformed basic credentials")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return nil, apierror.ErrUnauthorized.WithDetails("malformed basic credentials")
	}
	row, err := a.credentials.Check(r.Context(), ep, username, password)
	if err != nil {
		return nil, err
	}
	return principalFromRow(username, row), nil
}

// bodyLogin reads the `auth` / `authentication` fields, verifies against the
// backing table and responds with a freshly issued token.
func (a *Authenticator) bodyLogin(w http.ResponseWriter, r *http.Request, rc *registry.RequestContext) {
	username, _ := rc.Body["auth"].(string)
	password, _ := rc.Body["authentication"].(string)
	if username == "" || password == "" {
		writeAuthError(w, rc, apierror.ErrUnauthorized.WithDetails("auth and authentication fields are required"))
		return
	}

	row, err := a.credentials.Check(r.Context(), rc.Endpoint, username, password)
	if err != nil {
		writeAuthError(w, rc, err)
		return
	}

	principal := principalFromRow(username, row)
	token, err := a.tokens.Issue(principal.ID, principal.Roles)
	if err != nil {
		writeAuthError(w, rc, apierror.ErrInternalServer.WithRequestID(rc.RequestID))
		return
	}

	env := &apierror.Envelope{
		Success: true,
		Message: "authenticated",
		Data:    []map[string]any{{"token": token}},
		Code:    http.StatusOK,
	}
	env.Write(w, http.StatusOK)
}

func principalFromRow(username string, row map[string]any) *registry.Principal {
	p := &registry.Principal{ID: username, Claims: map[string]any{}}
	for k, v := range row {
		p.Claims[k] = v
	}
	if acl, ok := row["acl"].(string); ok && acl != "" {
		for _, role := range strings.Split(acl, ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}
	}
	return p
}

func writeAuthError(w http.ResponseWriter, rc *registry.RequestContext, err error) {
	if ae, ok := apierror.AsError(err); ok {
		ae.WithRequestID(rc.RequestID).WriteJSON(w)
		return
	}
	apierror.ErrUnauthorized.WithRequestID(rc.RequestID).WriteJSON(w)
}
