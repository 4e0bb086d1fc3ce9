package db

import (
	"context"
	"database/sql"
	"strings"

	"github.com/wudi/restgate/internal/config"
)

// Introspector builds endpoint descriptors from a live schema. One
// descriptor is emitted per table: allowRead/allowWrite cover every column,
// keys come from the primary key, relationships from foreign keys.
type Introspector struct {
	registry *Registry
}

// NewIntrospector creates an introspector over the shared registry.
func NewIntrospector(registry *Registry) *Introspector {
	return &Introspector{registry: registry}
}

// tableInfo is the raw shape collected per table before descriptor emission.
type tableInfo struct {
	name    string
	columns []columnInfo
	keys    []string
	fks     []fkInfo
}

type columnInfo struct {
	name    string
	sqlType string
}

type fkInfo struct {
	column       string
	relatedTable string
	relatedKey   string
}

// Build introspects the named connection and emits one descriptor per
// table, routed under routePrefix (e.g. "/api").
func (in *Introspector) Build(ctx context.Context, dbType, connection, routePrefix string) ([]*config.Endpoint, error) {
	pool, err := in.registry.Get(dbType, connection)
	if err != nil {
		return nil, err
	}

	var tables []tableInfo
	switch dbType {
	case "sqlite", "sqlite3":
		tables, err = introspectSQLite(ctx, pool)
	default:
		tables, err = introspectInformationSchema(ctx, pool)
	}
	if err != nil {
		return nil, classify(err)
	}

	eps := make([]*config.Endpoint, 0, len(tables))
	for _, t := range tables {
		eps = append(eps, descriptorFor(t, dbType, connection, routePrefix))
	}
	return eps, nil
}

func descriptorFor(t tableInfo, dbType, connection, routePrefix string) *config.Endpoint {
	ep := &config.Endpoint{
		RouteType:         config.RouteDatabase,
		Route:             strings.TrimSuffix(routePrefix, "/") + "/" + t.name,
		DBType:            dbType,
		DBConnection:      connection,
		DBTable:           t.name,
		Keys:              t.keys,
		ColumnDefinitions: make(map[string]string, len(t.columns)),
	}
	for _, c := range t.columns {
		ep.AllowRead = append(ep.AllowRead, c.name)
		ep.AllowWrite = append(ep.AllowWrite, c.name)
		ep.ColumnDefinitions[c.name] = genericType(c.sqlType)
	}
	for _, fk := range t.fks {
		ep.Relationships = append(ep.Relationships, config.Relationship{
			RelatedTable: fk.relatedTable,
			ForeignKey:   fk.column,
			RelatedKey:   fk.relatedKey,
			JoinType:     "left",
		})
	}
	return ep
}

// genericType collapses SQL types to the generic {Int, String} pair.
func genericType(sqlType string) string {
	t := strings.ToLower(sqlType)
	for _, hint := range []string{"int", "serial", "numeric", "decimal", "real", "double", "float"} {
		if strings.Contains(t, hint) {
			return "Int"
		}
	}
	return "String"
}

func introspectInformationSchema(ctx context.Context, pool *sql.DB) ([]tableInfo, error) {
	rows, err := pool.QueryContext(ctx, `
		SELECT table_name, column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byName := make(map[string]*tableInfo)
	var order []string
	for rows.Next() {
		var table, col, typ string
		if err := rows.Scan(&table, &col, &typ); err != nil {
			return nil, err
		}
		t, ok := byName[table]
		if !ok {
			t = &tableInfo{name: table}
			byName[table] = t
			order = append(order, table)
		}
		t.columns = append(t.columns, columnInfo{name: col, sqlType: typ})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keyRows, err := pool.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'
		ORDER BY kcu.ordinal_position`)
	if err != nil {
		return nil, err
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var table, col string
		if err := keyRows.Scan(&table, &col); err != nil {
			return nil, err
		}
		if t, ok := byName[table]; ok {
			t.keys = append(t.keys, col)
		}
	}
	if err := keyRows.Err(); err != nil {
		return nil, err
	}

	fkRows, err := pool.QueryContext(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return nil, err
	}
	defer fkRows.Close()
	for fkRows.Next() {
		var table, col, relTable, relKey string
		if err := fkRows.Scan(&table, &col, &relTable, &relKey); err != nil {
			return nil, err
		}
		if t, ok := byName[table]; ok {
			t.fks = append(t.fks, fkInfo{column: col, relatedTable: relTable, relatedKey: relKey})
		}
	}
	if err := fkRows.Err(); err != nil {
		return nil, err
	}

	out := make([]tableInfo, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out, nil
}

func introspectSQLite(ctx context.Context, pool *sql.DB) ([]tableInfo, error) {
	rows, err := pool.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []tableInfo
	for _, name := range names {
		t := tableInfo{name: name}

		colRows, err := pool.QueryContext(ctx, `SELECT name, type, pk FROM pragma_table_info(?)`, name)
		if err != nil {
			return nil, err
		}
		for colRows.Next() {
			var col, typ string
			var pk int
			if err := colRows.Scan(&col, &typ, &pk); err != nil {
				colRows.Close()
				return nil, err
			}
			t.columns = append(t.columns, columnInfo{name: col, sqlType: typ})
			if pk > 0 {
				t.keys = append(t.keys, col)
			}
		}
		colRows.Close()

		fkRows, err := pool.QueryContext(ctx, `SELECT "table", "from", "to" FROM pragma_foreign_key_list(?)`, name)
		if err != nil {
			return nil, err
		}
		for fkRows.Next() {
			var relTable, from, to string
			if err := fkRows.Scan(&relTable, &from, &to); err != nil {
				fkRows.Close()
				return nil, err
			}
			t.fks = append(t.fks, fkInfo{column: from, relatedTable: relTable, relatedKey: to})
		}
		fkRows.Close()

		out = append(out, t)
	}
	return out, nil
}
