// Package schema derives entity descriptors from a live PostgreSQL database.
// It reads information_schema once; the result feeds route generation the same
// way hand-written model configuration does.
package schema

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/crudkit/crudkit/pkg/entity"
	"github.com/crudkit/crudkit/pkg/pgxutil"
)

// Table is the raw introspection result for one base table.
type Table struct {
	Schema      string       `json:"schema"`
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	PrimaryKeys []string     `json:"primary_keys"`
	ForeignKeys []ForeignKey `json:"foreign_keys"`
}

type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`
	IsNullable bool   `json:"is_nullable"`
}

type ForeignKey struct {
	Column           string `json:"column"`
	ReferencedTable  string `json:"referenced_table"`
	ReferencedColumn string `json:"referenced_column"`
}

// Scan loads every base table in the given schema. Views and materialized
// views are skipped: generated CRUD routes need a writable table with a
// primary key.
func Scan(ctx context.Context, conn pgxutil.Conn, schemaName string) ([]Table, error) {
	if schemaName == "" {
		schemaName = "public"
	}

	rows, err := conn.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
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

	tables := make([]Table, 0, len(names))
	for _, name := range names {
		t := Table{Schema: schemaName, Name: name}

		t.Columns, t.PrimaryKeys, err = queryColumns(ctx, conn, schemaName, name)
		if err != nil {
			return nil, fmt.Errorf("query columns %s.%s: %w", schemaName, name, err)
		}
		t.ForeignKeys, err = queryForeignKeys(ctx, conn, schemaName, name)
		if err != nil {
			return nil, fmt.Errorf("query foreign keys %s.%s: %w", schemaName, name, err)
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func queryColumns(ctx context.Context, conn pgxutil.Conn, schema, table string) ([]Column, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			c.column_name,
			c.data_type,
			c.is_nullable = 'YES',
			EXISTS (
				SELECT 1 FROM information_schema.table_constraints tc
				JOIN information_schema.key_column_usage kcu
					ON tc.constraint_name = kcu.constraint_name
					AND tc.table_schema = kcu.table_schema
				WHERE tc.constraint_type = 'PRIMARY KEY'
					AND tc.table_schema = $1
					AND tc.table_name = $2
					AND kcu.column_name = c.column_name
			) AS is_primary_key
		FROM information_schema.columns c
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var cols []Column
	var pkeys []string
	for rows.Next() {
		var col Column
		var isPK bool
		if err := rows.Scan(&col.Name, &col.DataType, &col.IsNullable, &isPK); err != nil {
			return nil, nil, err
		}
		cols = append(cols, col)
		if isPK {
			pkeys = append(pkeys, col.Name)
		}
	}
	return cols, pkeys, rows.Err()
}

func queryForeignKeys(ctx context.Context, conn pgxutil.Conn, schema, table string) ([]ForeignKey, error) {
	rows, err := conn.Query(ctx, `
		SELECT
			kcu.column_name,
			ccu.table_name,
			ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
			ON ccu.constraint_name = tc.constraint_name
			AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY'
			AND tc.table_schema = $1
			AND tc.table_name = $2
		ORDER BY kcu.column_name`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fkeys []ForeignKey
	for rows.Next() {
		var fk ForeignKey
		if err := rows.Scan(&fk.Column, &fk.ReferencedTable, &fk.ReferencedColumn); err != nil {
			return nil, err
		}
		fkeys = append(fkeys, fk)
	}
	return fkeys, rows.Err()
}

// Descriptors converts scanned tables into entity descriptors, deriving
// relationships from foreign keys:
//
//   - each FK on a table becomes a belongs-to on that table;
//   - each FK pointing at a table becomes a has-many on the referenced table;
//   - a join table (exactly two FKs, no columns beyond keys) is skipped as an
//     entity and instead yields a many-to-many on both sides.
//
// Tables without a single-column primary key are skipped: the generated
// show/update/destroy routes address rows by one key column.
func Descriptors(tables []Table) []*entity.Descriptor {
	byName := make(map[string]Table, len(tables))
	for _, t := range tables {
		byName[t.Name] = t
	}

	descriptors := make(map[string]*entity.Descriptor)
	for _, t := range tables {
		if isJoinTable(t) || len(t.PrimaryKeys) != 1 {
			continue
		}
		descriptors[t.Name] = &entity.Descriptor{
			Name:       entityName(t.Name),
			Table:      t.Name,
			PrimaryKey: t.PrimaryKeys[0],
			PKType:     pkType(t),
			Relations:  make(map[string]entity.Relationship),
		}
	}

	for _, t := range tables {
		if isJoinTable(t) {
			linkJoinTable(t, descriptors)
			continue
		}
		d, ok := descriptors[t.Name]
		if !ok {
			continue
		}
		for _, fk := range t.ForeignKeys {
			target, ok := byName[fk.ReferencedTable]
			if !ok {
				continue
			}
			// belongs-to on the referencing side
			relName := inflect.Singularize(strings.TrimSuffix(fk.Column, "_id"))
			if relName == "" {
				relName = inflect.Singularize(fk.ReferencedTable)
			}
			d.Relations[relName] = entity.Relationship{
				Name:       relName,
				Kind:       entity.RelBelongsTo,
				Table:      target.Name,
				LocalKey:   fk.Column,
				ForeignKey: fk.ReferencedColumn,
			}
			// has-many on the referenced side
			if parent, ok := descriptors[fk.ReferencedTable]; ok {
				parent.Relations[t.Name] = entity.Relationship{
					Name:       t.Name,
					Kind:       entity.RelHasMany,
					Table:      t.Name,
					LocalKey:   fk.ReferencedColumn,
					ForeignKey: fk.Column,
				}
			}
		}
	}

	out := make([]*entity.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// isJoinTable recognizes the pivot-table shape: exactly two foreign keys and
// no columns other than keys.
func isJoinTable(t Table) bool {
	if len(t.ForeignKeys) != 2 {
		return false
	}
	keyCols := make(map[string]struct{}, 4)
	for _, fk := range t.ForeignKeys {
		keyCols[fk.Column] = struct{}{}
	}
	for _, pk := range t.PrimaryKeys {
		keyCols[pk] = struct{}{}
	}
	for _, col := range t.Columns {
		if _, ok := keyCols[col.Name]; !ok {
			return false
		}
	}
	return true
}

// linkJoinTable adds a many-to-many relationship on both referenced tables.
func linkJoinTable(t Table, descriptors map[string]*entity.Descriptor) {
	a, b := t.ForeignKeys[0], t.ForeignKeys[1]
	addManyToMany(descriptors, a, b, t.Name)
	addManyToMany(descriptors, b, a, t.Name)
}

func addManyToMany(descriptors map[string]*entity.Descriptor, local, far ForeignKey, joinTable string) {
	d, ok := descriptors[local.ReferencedTable]
	if !ok {
		return
	}
	d.Relations[far.ReferencedTable] = entity.Relationship{
		Name:           far.ReferencedTable,
		Kind:           entity.RelManyToMany,
		Table:          far.ReferencedTable,
		LocalKey:       local.ReferencedColumn,
		ForeignKey:     far.ReferencedColumn,
		JoinTable:      joinTable,
		JoinLocalKey:   local.Column,
		JoinForeignKey: far.Column,
	}
}

// entityName turns a table name into the entity's simple PascalCase singular,
// eg "blog_posts" -> "BlogPost".
func entityName(table string) string {
	return inflect.Camelize(inflect.Singularize(table))
}

// pkType decides how primary keys are assigned: integer-typed keys are
// database-assigned, everything else (uuid, text) is application-assigned.
func pkType(t Table) entity.PKType {
	if len(t.PrimaryKeys) != 1 {
		return entity.PKString
	}
	pk := t.PrimaryKeys[0]
	for _, col := range t.Columns {
		if col.Name != pk {
			continue
		}
		switch col.DataType {
		case "integer", "bigint", "smallint":
			return entity.PKAutoInt
		}
	}
	return entity.PKString
}
