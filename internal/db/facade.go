package db

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/restgate/internal/apierror"
	"github.com/wudi/restgate/internal/config"
	"github.com/wudi/restgate/internal/logging"
)

// Row is one record keyed by column (or alias) name.
type Row = map[string]any

// MutationResult reports the outcome of a write.
type MutationResult struct {
	InsertedID any
	RowCount   int64
}

// ReadOptions shape a read beyond the endpoint descriptor.
type ReadOptions struct {
	Filter Row      // exact-match column filters
	Fields []string // projection override (intersected with allowRead)
	Sort   string   // "col" or "-col"
	Page   int      // 1-based
	Limit  int
}

// Facade is the uniform data access surface handlers, rules and the event
// logger share. Implementations route by the descriptor's dbType.
type Facade interface {
	Create(ctx context.Context, ep *config.Endpoint, row Row) (*MutationResult, error)
	Read(ctx context.Context, ep *config.Endpoint, opts ReadOptions) ([]Row, error)
	Update(ctx context.Context, ep *config.Endpoint, filter Row, patch Row) (int64, error)
	Delete(ctx context.Context, ep *config.Endpoint, filter Row) (int64, error)
	Query(ctx context.Context, ep *config.Endpoint, query string, params []any) ([]Row, error)
	CreateTable(ctx context.Context, ep *config.Endpoint, schema map[string]string) error
	Tx(ctx context.Context, ep *config.Endpoint, fn func(tx *sql.Tx) error) error
	Close()
}

// SQL implements Facade over database/sql pools held by a Registry.
type SQL struct {
	registry *Registry
}

// New creates the SQL facade.
func New(registry *Registry) *SQL {
	return &SQL{registry: registry}
}

func (s *SQL) pool(ep *config.Endpoint) (*sql.DB, error) {
	return s.registry.Get(ep.DBType, ep.DBConnection)
}

func builderFor(dbType string) sq.StatementBuilderType {
	if placeholderFor(dbType) == sq.Dollar {
		return sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	}
	return sq.StatementBuilder.PlaceholderFormat(sq.Question)
}

func placeholderFor(dbType string) sq.PlaceholderFormat {
	switch dbType {
	case "postgres", "postgresql", "pgsql":
		return sq.Dollar
	default:
		return sq.Question
	}
}

// quoteIdent double-quotes an identifier. Identifiers reaching here have
// already passed the loader's pattern check; quoting is belt and braces.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, ``) + `"`
}

// Create inserts a row, filtered to the descriptor's allowWrite columns.
func (s *SQL) Create(ctx context.Context, ep *config.Endpoint, row Row) (*MutationResult, error) {
	pool, err := s.pool(ep)
	if err != nil {
		return nil, err
	}

	cols, vals := writableColumns(ep, row)
	if len(cols) == 0 {
		return nil, apierror.ErrValidation.WithDetails("no writable columns in payload")
	}

	b := builderFor(ep.DBType).Insert(quoteIdent(ep.DBTable)).Columns(cols...).Values(vals...)

	// Postgres has no LastInsertId; return the first key via RETURNING.
	if placeholderFor(ep.DBType) == sq.Dollar && len(ep.Keys) > 0 {
		query, args, err := b.Suffix("RETURNING " + quoteIdent(ep.Keys[0])).ToSql()
		if err != nil {
			return nil, apierror.NewDbError(err, false)
		}
		var id any
		err = s.retry(ctx, func() error {
			return pool.QueryRowContext(ctx, query, args...).Scan(&id)
		})
		if err != nil {
			return nil, classify(err)
		}
		return &MutationResult{InsertedID: id, RowCount: 1}, nil
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, apierror.NewDbError(err, false)
	}
	var res sql.Result
	err = s.retry(ctx, func() error {
		var execErr error
		res, execErr = pool.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		return nil, classify(err)
	}
	out := &MutationResult{}
	if id, err := res.LastInsertId(); err == nil {
		out.InsertedID = id
	}
	if n, err := res.RowsAffected(); err == nil {
		out.RowCount = n
	}
	return out, nil
}

// Read selects rows projected to allowRead, honoring relationships as LEFT
// JOINs with joined fields aliased "relatedTable.field".
func (s *SQL) Read(ctx context.Context, ep *config.Endpoint, opts ReadOptions) ([]Row, error) {
	pool, err := s.pool(ep)
	if err != nil {
		return nil, err
	}

	base := quoteIdent(ep.DBTable)
	cols := readColumns(ep, opts.Fields)
	selectCols := make([]string, 0, len(cols))
	for _, c := range cols {
		selectCols = append(selectCols, base+"."+quoteIdent(c))
	}
	for _, rel := range ep.Relationships {
		for _, f := range rel.Fields {
			selectCols = append(selectCols,
				fmt.Sprintf("%s.%s AS %s", quoteIdent(rel.RelatedTable), quoteIdent(f),
					quoteIdent(rel.RelatedTable+"."+f)))
		}
	}

	b := builderFor(ep.DBType).Select(selectCols...).From(base)
	for _, rel := range ep.Relationships {
		join := fmt.Sprintf("%s ON %s.%s = %s.%s",
			quoteIdent(rel.RelatedTable),
			base, quoteIdent(rel.ForeignKey),
			quoteIdent(rel.RelatedTable), quoteIdent(rel.RelatedKey))
		if strings.EqualFold(rel.JoinType, "inner") {
			b = b.Join(join)
		} else {
			b = b.LeftJoin(join)
		}
	}

	for _, col := range sortedKeys(opts.Filter) {
		b = b.Where(sq.Eq{base + "." + quoteIdent(col): opts.Filter[col]})
	}

	if opts.Sort != "" {
		col, desc := strings.CutPrefix(opts.Sort, "-")
		dir := " ASC"
		if desc {
			dir = " DESC"
		}
		b = b.OrderBy(base + "." + quoteIdent(col) + dir)
	}
	if opts.Limit > 0 {
		b = b.Limit(uint64(opts.Limit))
		if opts.Page > 1 {
			b = b.Offset(uint64((opts.Page - 1) * opts.Limit))
		}
	}

	query, args, err := b.ToSql()
	if err != nil {
		return nil, apierror.NewDbError(err, false)
	}
	return s.queryRows(ctx, pool, query, args)
}

// Update applies a patch filtered to allowWrite, matched by filter.
func (s *SQL) Update(ctx context.Context, ep *config.Endpoint, filter Row, patch Row) (int64, error) {
	pool, err := s.pool(ep)
	if err != nil {
		return 0, err
	}

	cols, vals := writableColumns(ep, patch)
	if len(cols) == 0 {
		return 0, apierror.ErrValidation.WithDetails("no writable columns in patch")
	}

	b := builderFor(ep.DBType).Update(quoteIdent(ep.DBTable))
	for i, c := range cols {
		b = b.Set(quoteIdent(c), vals[i])
	}
	for _, col := range sortedKeys(filter) {
		b = b.Where(sq.Eq{quoteIdent(col): filter[col]})
	}

	query, args, err := b.ToSql()
	if err != nil {
		return 0, apierror.NewDbError(err, false)
	}
	return s.exec(ctx, pool, query, args)
}

// Delete removes rows matched by filter.
func (s *SQL) Delete(ctx context.Context, ep *config.Endpoint, filter Row) (int64, error) {
	pool, err := s.pool(ep)
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, apierror.ErrValidation.WithDetails("delete requires a filter")
	}

	b := builderFor(ep.DBType).Delete(quoteIdent(ep.DBTable))
	for _, col := range sortedKeys(filter) {
		b = b.Where(sq.Eq{quoteIdent(col): filter[col]})
	}
	query, args, err := b.ToSql()
	if err != nil {
		return 0, apierror.NewDbError(err, false)
	}
	return s.exec(ctx, pool, query, args)
}

// Query runs raw parameterized SQL on the descriptor's connection. Rule
// actions and the event logger use this path.
func (s *SQL) Query(ctx context.Context, ep *config.Endpoint, query string, params []any) ([]Row, error) {
	pool, err := s.pool(ep)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	if strings.HasPrefix(trimmed, "SELECT") {
		return s.queryRows(ctx, pool, query, params)
	}
	n, err := s.exec(ctx, pool, query, params)
	if err != nil {
		return nil, err
	}
	return []Row{{"rowCount": n}}, nil
}

// CreateTable issues CREATE TABLE IF NOT EXISTS from a name → SQL type map.
func (s *SQL) CreateTable(ctx context.Context, ep *config.Endpoint, schema map[string]string) error {
	pool, err := s.pool(ep)
	if err != nil {
		return err
	}
	_, err = pool.ExecContext(ctx, createTableSQL(ep.DBTable, schema))
	if err != nil {
		return classify(err)
	}
	return nil
}

// CreateTableTx is CreateTable inside an existing transaction, for composite
// operations like the catch-all webhook handler.
func CreateTableTx(ctx context.Context, tx *sql.Tx, table string, schema map[string]string) error {
	_, err := tx.ExecContext(ctx, createTableSQL(table, schema))
	if err != nil {
		return classify(err)
	}
	return nil
}

func createTableSQL(table string, schema map[string]string) string {
	cols := make([]string, 0, len(schema))
	for name := range schema {
		cols = append(cols, name)
	}
	sort.Strings(cols)
	defs := make([]string, 0, len(cols))
	for _, name := range cols {
		defs = append(defs, quoteIdent(name)+" "+schema[name])
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", "))
}

// Tx runs fn inside a transaction on the descriptor's connection.
func (s *SQL) Tx(ctx context.Context, ep *config.Endpoint, fn func(tx *sql.Tx) error) error {
	pool, err := s.pool(ep)
	if err != nil {
		return err
	}
	tx, err := pool.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn("transaction rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// Close shuts the underlying connection registry.
func (s *SQL) Close() {
	s.registry.Close()
}

func (s *SQL) exec(ctx context.Context, pool *sql.DB, query string, args []any) (int64, error) {
	var n int64
	err := s.retry(ctx, func() error {
		res, execErr := pool.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (s *SQL) queryRows(ctx context.Context, pool *sql.DB, query string, args []any) ([]Row, error) {
	var out []Row
	err := s.retry(ctx, func() error {
		rows, qErr := pool.QueryContext(ctx, query, args...)
		if qErr != nil {
			return qErr
		}
		defer rows.Close()

		cols, qErr := rows.Columns()
		if qErr != nil {
			return qErr
		}

		out = out[:0]
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if qErr := rows.Scan(ptrs...); qErr != nil {
				return qErr
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			out = append(out, row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// retry runs op, retrying exactly once on transient failures.
func (s *SQL) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 1), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

// isTransient guesses at retryable failures from driver error text.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe",
		"timeout", "too many connections", "database is locked"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func classify(err error) error {
	if ae, ok := apierror.AsError(err); ok {
		return ae
	}
	return apierror.NewDbError(err, isTransient(err))
}

// writableColumns intersects a row with allowWrite, preserving the
// descriptor's declared order.
func writableColumns(ep *config.Endpoint, row Row) ([]string, []any) {
	var cols []string
	var vals []any
	for _, c := range ep.AllowWrite {
		if v, ok := row[c]; ok {
			cols = append(cols, c)
			vals = append(vals, v)
		}
	}
	return cols, vals
}

// readColumns intersects a requested projection with allowRead; an empty
// request projects everything readable.
func readColumns(ep *config.Endpoint, fields []string) []string {
	if len(fields) == 0 {
		return ep.AllowRead
	}
	allowed := make(map[string]bool, len(ep.AllowRead))
	for _, c := range ep.AllowRead {
		allowed[c] = true
	}
	var out []string
	for _, f := range fields {
		if allowed[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return ep.AllowRead
	}
	return out
}

// sortedKeys returns filter columns in stable order so generated SQL is
// deterministic across runs.
func sortedKeys(filter Row) []string {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
