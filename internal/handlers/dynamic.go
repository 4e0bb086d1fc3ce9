package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"regexp"
	"sort"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
)

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Dynamic is the catch-all webhook handler: it derives a table name from
// the request path, creates the table if needed and inserts the payload,
// both inside one transaction.
func Dynamic(facade db.Facade, base *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}
		if r.Method != http.MethodPost {
			fail(rc, apierror.ErrNotFound)
			return
		}
		if len(rc.Body) == 0 {
			fail(rc, apierror.ErrValidation.WithDetails("request body required"))
			return
		}

		table := tableFromPath(base.Route, r.URL.Path)
		if !tablePattern.MatchString(table) {
			fail(rc, apierror.ErrValidation.WithDetails("path does not name a valid table"))
			return
		}

		ep := *base
		ep.DBTable = table

		schema, row := inferSchema(rc.Body)
		err := facade.Tx(r.Context(), &ep, func(tx *sql.Tx) error {
			if err := db.CreateTableTx(r.Context(), tx, table, schema); err != nil {
				return err
			}
			query, args, err := insertSQL(ep.DBType, table, row)
			if err != nil {
				return apierror.NewDbError(err, false)
			}
			_, err = tx.ExecContext(r.Context(), query, args...)
			return err
		})
		if err != nil {
			fail(rc, err)
			return
		}

		rc.Response.Status = http.StatusCreated
		rc.Response.Message = "accepted"
		rc.Response.Data = []db.Row{{"table": table, "rowCount": int64(1)}}
	})
}

// tableFromPath maps the sub-path below the route prefix to a table name,
// joining segments with underscores.
func tableFromPath(prefix, path string) string {
	rest := strings.TrimPrefix(path, strings.TrimSuffix(prefix, "/"))
	rest = strings.Trim(rest, "/")
	return strings.ReplaceAll(rest, "/", "_")
}

// inferSchema maps payload values to SQL column types. Nested objects and
// arrays are stored as JSON text.
func inferSchema(body map[string]any) (map[string]string, db.Row) {
	schema := make(map[string]string, len(body))
	row := make(db.Row, len(body))
	for k, v := range body {
		if !tablePattern.MatchString(k) {
			continue
		}
		switch val := v.(type) {
		case float64:
			schema[k] = "NUMERIC"
			row[k] = val
		case bool:
			schema[k] = "BOOLEAN"
			row[k] = val
		case string:
			schema[k] = "TEXT"
			row[k] = val
		case nil:
			schema[k] = "TEXT"
			row[k] = nil
		default:
			schema[k] = "TEXT"
			data, _ := json.Marshal(v)
			row[k] = string(data)
		}
	}
	return schema, row
}

func insertSQL(dbType, table string, row db.Row) (string, []any, error) {
	var placeholder sq.PlaceholderFormat = sq.Question
	switch dbType {
	case "postgres", "postgresql", "pgsql":
		placeholder = sq.Dollar
	}

	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	vals := make([]any, len(cols))
	for i, c := range cols {
		quoted[i] = `"` + c + `"`
		vals[i] = row[c]
	}
	return sq.StatementBuilder.PlaceholderFormat(placeholder).
		Insert(`"` + table + `"`).Columns(quoted...).Values(vals...).ToSql()
}
