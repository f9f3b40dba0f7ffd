package pgxutil

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Executor adapts a Conn to the query layer's executor contract, decoding
// result rows into generic maps keyed by column name.
type Executor struct {
	conn Conn
}

// NewExecutor wraps a pgx connection or pool.
func NewExecutor(conn Conn) *Executor {
	return &Executor{conn: conn}
}

func (e *Executor) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := e.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return RowsToMaps(rows)
}

func (e *Executor) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := e.conn.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RowsToMaps scans all remaining rows into column-keyed maps.
func RowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fieldDescriptions := rows.FieldDescriptions()
	columnNames := make([]string, len(fieldDescriptions))
	for i, fd := range fieldDescriptions {
		columnNames[i] = string(fd.Name)
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(columnNames))
		valuePointers := make([]any, len(columnNames))
		for i := range values {
			valuePointers[i] = &values[i]
		}
		if err := rows.Scan(valuePointers...); err != nil {
			return nil, err
		}

		rowMap := make(map[string]any, len(columnNames))
		for i, name := range columnNames {
			rowMap[name] = values[i]
		}
		result = append(result, rowMap)
	}
	return result, rows.Err()
}
