package rest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// buildInsertSQL renders an INSERT ... RETURNING * for one row. Columns are
// sorted so the same payload always renders the same SQL.
func buildInsertSQL(table string, data map[string]any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no columns to insert")
	}
	columns := make([]string, 0, len(data))
	for col := range data {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = pgx.Identifier{col}.Sanitize()
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = data[col]
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING *",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args, nil
}

// buildUpdateSQL renders an UPDATE ... WHERE pk = $n RETURNING *.
func buildUpdateSQL(table string, data map[string]any, pkColumn string, pkValue any) (string, []any, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("no columns to update")
	}
	columns := make([]string, 0, len(data))
	for col := range data {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	setClauses := make([]string, len(columns))
	args := make([]any, 0, len(columns)+1)
	for i, col := range columns {
		setClauses[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{col}.Sanitize(), i+1)
		args = append(args, data[col])
	}
	args = append(args, pkValue)

	query := fmt.Sprintf(
		"UPDATE %s SET %s WHERE %s = $%d RETURNING *",
		pgx.Identifier{table}.Sanitize(),
		strings.Join(setClauses, ", "),
		pgx.Identifier{pkColumn}.Sanitize(),
		len(args),
	)
	return query, args, nil
}

// buildDeleteSQL renders a DELETE ... WHERE pk = $1.
func buildDeleteSQL(table, pkColumn string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = $1",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{pkColumn}.Sanitize())
}
