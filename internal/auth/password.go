package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
)

// Credentials verifies username/password pairs against an endpoint's
// backing table using the descriptor's declared password function.
type Credentials struct {
	facade db.Facade
}

// NewCredentials creates a credential checker over the DB facade.
func NewCredentials(facade db.Facade) *Credentials {
	return &Credentials{facade: facade}
}

// Check looks the user up in the endpoint's auth table and verifies the
// password. On success it returns the stored row (password column removed)
// so callers can derive ACL roles from it.
func (c *Credentials) Check(ctx context.Context, ep *config.Endpoint, username, password string) (db.Row, error) {
	table := ep.AuthTable
	if table == "" {
		table = ep.DBTable
	}
	lookup := &config.Endpoint{
		RouteType:    config.RouteDef,
		DBType:       ep.DBType,
		DBConnection: ep.DBConnection,
		DBTable:      table,
		AllowRead:    []string{"*"},
	}
	rows, err := c.facade.Query(ctx, lookup,
		fmt.Sprintf(`SELECT * FROM %q WHERE username = %s`, table, placeholder(ep.DBType, 1)),
		[]any{username})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apierror.ErrUnauthorized.WithDetails("unknown user")
	}
	row := rows[0]

	stored, _ := row["password"].(string)
	if !verifyPassword(ep.PasswordFunc, stored, password) {
		return nil, apierror.ErrUnauthorized.WithDetails("bad credentials")
	}
	delete(row, "password")
	return row, nil
}

func placeholder(dbType string, n int) string {
	switch dbType {
	case "postgres", "postgresql", "pgsql":
		return fmt.Sprintf("$%d", n)
	default:
		return "?"
	}
}

// verifyPassword compares per the declared function; default is bcrypt.
func verifyPassword(fn, stored, candidate string) bool {
	switch fn {
	case "sha256":
		sum := sha256.Sum256([]byte(candidate))
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(stored)) == 1
	default:
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
	}
}

// HashPassword hashes per the declared function, for fixtures and admin
// token issuance flows.
func HashPassword(fn, password string) (string, error) {
	switch fn {
	case "sha256":
		sum := sha256.Sum256([]byte(password))
		return hex.EncodeToString(sum[:]), nil
	default:
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		return string(hashed), err
	}
}
