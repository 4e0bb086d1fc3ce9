package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/cache"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/db"
	"github.com/wudi/restgate/internal/registry"
)

// Reserved query params controlling reads rather than filtering them.
const (
	paramFields = "_fields"
	paramSort   = "_sort"
	paramPage   = "_page"
	paramLimit  = "_limit"
)

// Database serves CRUD for database-backed endpoint descriptors. Results
// land on the request's response builder; the finalize middleware writes
// the envelope.
type Database struct {
	facade db.Facade
	cache  *cache.Cache
}

// NewDatabase creates the CRUD handler set. cache may be nil when Redis is
// not configured.
func NewDatabase(facade db.Facade, c *cache.Cache) *Database {
	return &Database{facade: facade, cache: c}
}

// keyName returns the endpoint's primary key column, defaulting to id.
func keyName(ep *config.Endpoint) string {
	if len(ep.Keys) > 0 {
		return ep.Keys[0]
	}
	return "id"
}

// List handles GET <route>: query-string filters on readable columns plus
// the reserved _fields/_sort/_page/_limit controls, read-through cached
// when the descriptor sets a TTL.
func (h *Database) List(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}

		key := cache.Key(ep.Route, r.URL.RawQuery)
		if ep.CacheTTL > 0 && h.cache != nil {
			if body, ok := h.cache.Get(r.Context(), key); ok {
				var rows []map[string]any
				if err := json.Unmarshal(body, &rows); err == nil {
					rc.Response.Data = rows
					return
				}
			}
		}

		rows, err := h.facade.Read(r.Context(), ep, readOptions(ep, rc))
		if err != nil {
			fail(rc, err)
			return
		}
		if rows == nil {
			rows = []db.Row{}
		}
		rc.Response.Data = rows

		if ep.CacheTTL > 0 && h.cache != nil && r.Context().Err() == nil {
			if body, err := json.Marshal(rows); err == nil {
				h.cache.Set(r.Context(), key, body, time.Duration(ep.CacheTTL)*time.Second)
			}
		}
	})
}

// GetByKey handles GET <route>/:key.
func (h *Database) GetByKey(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}
		key := keyName(ep)

		rows, err := h.facade.Read(r.Context(), ep, db.ReadOptions{
			Filter: db.Row{key: rc.Params[key]},
		})
		if err != nil {
			fail(rc, err)
			return
		}
		if len(rows) == 0 {
			fail(rc, apierror.ErrNotFound)
			return
		}
		rc.Response.Data = rows
	})
}

// Create handles POST <route>: validate, insert writable columns, answer
// 201 with the new key.
func (h *Database) Create(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}
		if rc.Body == nil {
			fail(rc, apierror.ErrValidation.WithDetails("request body required"))
			return
		}
		if err := Validate(ep, rc.Body, false); err != nil {
			fail(rc, err)
			return
		}

		res, err := h.facade.Create(r.Context(), ep, rc.Body)
		if err != nil {
			fail(rc, err)
			return
		}

		rc.Response.Status = http.StatusCreated
		rc.Response.Message = "created"
		row := db.Row{}
		if res.InsertedID != nil {
			row[keyName(ep)] = res.InsertedID
		} else {
			row["rowCount"] = res.RowCount
		}
		rc.Response.Data = []db.Row{row}
	})
}

// Update handles PUT <route>/:key.
func (h *Database) Update(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}
		if rc.Body == nil {
			fail(rc, apierror.ErrValidation.WithDetails("request body required"))
			return
		}
		if err := Validate(ep, rc.Body, true); err != nil {
			fail(rc, err)
			return
		}
		key := keyName(ep)

		n, err := h.facade.Update(r.Context(), ep, db.Row{key: rc.Params[key]}, rc.Body)
		if err != nil {
			fail(rc, err)
			return
		}
		if n == 0 {
			fail(rc, apierror.ErrNotFound)
			return
		}
		rc.Response.Message = "updated"
		rc.Response.Data = []db.Row{{"rowCount": n}}
	})
}

// Delete handles DELETE <route>/:key; a second delete of the same key is a
// 404.
func (h *Database) Delete(ep *config.Endpoint) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request(w, r)
		if rc == nil {
			return
		}
		key := keyName(ep)

		n, err := h.facade.Delete(r.Context(), ep, db.Row{key: rc.Params[key]})
		if err != nil {
			fail(rc, err)
			return
		}
		if n == 0 {
			fail(rc, apierror.ErrNotFound)
			return
		}
		rc.Response.Message = "deleted"
		rc.Response.Data = []db.Row{{"rowCount": n}}
	})
}

// readOptions derives filter and control options from the query string.
// Filters exact-match any readable column; unknown params are ignored.
func readOptions(ep *config.Endpoint, rc *registry.RequestContext) db.ReadOptions {
	opts := db.ReadOptions{}

	readable := make(map[string]bool, len(ep.AllowRead))
	for _, c := range ep.AllowRead {
		readable[c] = true
	}

	for name, vals := range rc.Query {
		if len(vals) == 0 {
			continue
		}
		switch name {
		case paramFields:
			for _, f := range splitComma(vals[0]) {
				opts.Fields = append(opts.Fields, f)
			}
		case paramSort:
			opts.Sort = vals[0]
		case paramPage:
			opts.Page, _ = strconv.Atoi(vals[0])
		case paramLimit:
			opts.Limit, _ = strconv.Atoi(vals[0])
		default:
			if readable[name] {
				if opts.Filter == nil {
					opts.Filter = db.Row{}
				}
				opts.Filter[name] = vals[0]
			}
		}
	}
	return opts
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
