package query

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeExecutor routes queries by SQL substring and logs everything it runs.
type fakeExecutor struct {
	queries []string
	argsLog [][]any
	respond func(sql string, args []any) ([]map[string]any, error)
	execN   int64
}

func (f *fakeExecutor) Query(_ context.Context, sql string, args ...any) ([]map[string]any, error) {
	f.queries = append(f.queries, sql)
	f.argsLog = append(f.argsLog, args)
	if f.respond == nil {
		return nil, nil
	}
	return f.respond(sql, args)
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, args ...any) (int64, error) {
	f.queries = append(f.queries, sql)
	f.argsLog = append(f.argsLog, args)
	return f.execN, nil
}

func fromTable(sql, table string) bool {
	return strings.Contains(sql, fmt.Sprintf("FROM %q", table))
}

func TestRunBatchesHasManyEagerLoad(t *testing.T) {
	ex := &fakeExecutor{respond: func(sql string, args []any) ([]map[string]any, error) {
		switch {
		case fromTable(sql, "posts"):
			return []map[string]any{
				{"id": int64(1), "title": "first"},
				{"id": int64(2), "title": "second"},
				{"id": int64(3), "title": "third"},
			}, nil
		case fromTable(sql, "comments"):
			return []map[string]any{
				{"id": int64(10), "post_id": int64(1), "body": "a"},
				{"id": int64(11), "post_id": int64(1), "body": "b"},
				{"id": int64(12), "post_id": int64(2), "body": "c"},
			}, nil
		}
		return nil, nil
	}}

	ent := testPostEntity()
	plan := &Plan{Entity: ent, Eager: []EagerLoad{{Rel: ent.Relations["comments"]}}}
	rows, err := Run(context.Background(), ex, plan)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	// One query for the parents, one batched query for all comments.
	require.Len(t, ex.queries, 2)
	assert.Contains(t, ex.queries[1], `"post_id" IN ($1, $2, $3)`)

	assert.Len(t, rows[0]["comments"], 2)
	assert.Len(t, rows[1]["comments"], 1)
	// Parents without children get an empty slice, not nil.
	assert.Equal(t, []map[string]any{}, rows[2]["comments"])
}

func TestRunBelongsToEagerLoad(t *testing.T) {
	ex := &fakeExecutor{respond: func(sql string, args []any) ([]map[string]any, error) {
		switch {
		case fromTable(sql, "posts"):
			return []map[string]any{
				{"id": int64(1), "author_id": int64(7)},
				{"id": int64(2), "author_id": nil},
			}, nil
		case fromTable(sql, "users"):
			return []map[string]any{{"id": int64(7), "name": "sam"}}, nil
		}
		return nil, nil
	}}

	ent := testPostEntity()
	plan := &Plan{Entity: ent, Eager: []EagerLoad{{Rel: ent.Relations["author"]}}}
	rows, err := Run(context.Background(), ex, plan)
	require.NoError(t, err)

	author, ok := rows[0]["author"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sam", author["name"])
	assert.Nil(t, rows[1]["author"])
}

func TestRunManyToManyEagerLoadUsesTwoQueries(t *testing.T) {
	ex := &fakeExecutor{respond: func(sql string, args []any) ([]map[string]any, error) {
		switch {
		case fromTable(sql, "posts"):
			return []map[string]any{{"id": int64(1)}, {"id": int64(2)}}, nil
		case fromTable(sql, "post_tags"):
			return []map[string]any{
				{"post_id": int64(1), "tag_id": int64(100)},
				{"post_id": int64(1), "tag_id": int64(101)},
				{"post_id": int64(2), "tag_id": int64(100)},
			}, nil
		case fromTable(sql, "tags"):
			return []map[string]any{
				{"id": int64(100), "name": "go"},
				{"id": int64(101), "name": "sql"},
			}, nil
		}
		return nil, nil
	}}

	ent := testPostEntity()
	plan := &Plan{Entity: ent, Eager: []EagerLoad{{Rel: ent.Relations["tags"]}}}
	rows, err := Run(context.Background(), ex, plan)
	require.NoError(t, err)

	// parents + join table + targets
	require.Len(t, ex.queries, 3)

	tags1, ok := rows[0]["tags"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, tags1, 2)
	assert.Equal(t, "go", tags1[0]["name"])

	tags2 := rows[1]["tags"].([]map[string]any)
	require.Len(t, tags2, 1)
	assert.Equal(t, "go", tags2[0]["name"])
}

func TestRunEagerLoadSkipsWhenNoParents(t *testing.T) {
	ex := &fakeExecutor{respond: func(sql string, args []any) ([]map[string]any, error) {
		return nil, nil
	}}
	ent := testPostEntity()
	plan := &Plan{Entity: ent, Eager: []EagerLoad{{Rel: ent.Relations["comments"]}}}
	rows, err := Run(context.Background(), ex, plan)
	require.NoError(t, err)
	assert.Empty(t, rows)
	assert.Len(t, ex.queries, 1)
}

func TestCountReadsNumericColumn(t *testing.T) {
	ex := &fakeExecutor{respond: func(sql string, args []any) ([]map[string]any, error) {
		return []map[string]any{{"count": int64(42)}}, nil
	}}
	n, err := Count(context.Background(), ex, &Plan{Entity: testPostEntity()})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}
