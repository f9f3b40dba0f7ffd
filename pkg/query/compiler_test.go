package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crudkit/crudkit/pkg/entity"
)

func testPostEntity() *entity.Descriptor {
	return &entity.Descriptor{
		Name:       "app.Post",
		Table:      "posts",
		PrimaryKey: "id",
		PKType:     entity.PKAutoInt,
		Relations: map[string]entity.Relationship{
			"comments": {
				Name: "comments", Kind: entity.RelHasMany,
				Table: "comments", LocalKey: "id", ForeignKey: "post_id",
			},
			"author": {
				Name: "author", Kind: entity.RelBelongsTo,
				Table: "users", LocalKey: "author_id", ForeignKey: "id",
			},
			"tags": {
				Name: "tags", Kind: entity.RelManyToMany,
				Table: "tags", LocalKey: "id", ForeignKey: "id",
				JoinTable: "post_tags", JoinLocalKey: "post_id", JoinForeignKey: "tag_id",
			},
		},
	}
}

func mustParse(t *testing.T, pairs ...string) *Grammar {
	t.Helper()
	values := url.Values{}
	for i := 0; i < len(pairs); i += 2 {
		values.Set(pairs[i], pairs[i+1])
	}
	g, err := ParseGrammar(values, 0)
	require.NoError(t, err)
	return g
}

func TestCompileFiltersToParameterizedSQL(t *testing.T) {
	g := mustParse(t, "filters", `[["status", "published"], ["views", ">", 100]]`)
	plan, err := Compile(testPostEntity(), g, Limits{DefaultPerPage: 15, MaxPerPage: 100})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Equal(t, `SELECT * FROM "posts" WHERE (("status" = $1 AND "views" > $2))`, sql)
	assert.Equal(t, []any{"published", float64(100)}, args)
}

func TestCompileNeverSplicesValuesIntoSQL(t *testing.T) {
	g := mustParse(t, "filters", `[["title", "'; DROP TABLE posts; --"]]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.NotContains(t, sql, "DROP TABLE")
	assert.Equal(t, []any{"'; DROP TABLE posts; --"}, args)
}

func TestCompileRejectsUnknownOperator(t *testing.T) {
	g := mustParse(t, "filters", `[["id", "= 1 OR 1", 1]]`)
	_, err := Compile(testPostEntity(), g, Limits{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported filter operator")
}

// Filters AND together, orFilters OR against that block as one group.
func TestCompileFilterGroupingSemantics(t *testing.T) {
	g := mustParse(t,
		"filters", `[["status", "published"], ["views", ">", 100]]`,
		"orFilters", `[["featured", true]]`,
	)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	match := func(row map[string]any) bool { return plan.Where.Matches(row) }
	assert.True(t, match(map[string]any{"status": "published", "views": 150, "featured": false}))
	assert.True(t, match(map[string]any{"status": "draft", "views": 0, "featured": true}))
	assert.False(t, match(map[string]any{"status": "published", "views": 50, "featured": false}))
	assert.False(t, match(map[string]any{"status": "draft", "views": 500, "featured": false}))
}

func TestCompileEqualityMapExpandsSorted(t *testing.T) {
	g := mustParse(t, "filters", `[{"b_col": 2, "a_col": 1}]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Equal(t, `SELECT * FROM "posts" WHERE (("a_col" = $1 AND "b_col" = $2))`, sql)
	assert.Equal(t, []any{float64(1), float64(2)}, args)
}

func TestCompileFiltersIn(t *testing.T) {
	g := mustParse(t, "filtersIn", `{"field": "category_id", "values": [1, 2, 3]}`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Equal(t, `SELECT * FROM "posts" WHERE ("category_id" IN ($1, $2, $3))`, sql)
	assert.Len(t, args, 3)
}

func TestCompileInOperatorWrapsScalar(t *testing.T) {
	g := mustParse(t, "filters", `[["id", "in", 5]]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Contains(t, sql, `"id" IN ($1)`)
	assert.Equal(t, []any{float64(5)}, args)
}

func TestCompileProjectionOrderGroupBy(t *testing.T) {
	g := mustParse(t,
		"select", `["id", "title"]`,
		"order", `{"field": "created_at", "order": "desc"}`,
		"groupBy", `["category_id"]`,
	)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, _ := plan.SelectSQL()
	assert.Equal(t, `SELECT "id", "title" FROM "posts" GROUP BY "category_id" ORDER BY "created_at" DESC`, sql)
}

func TestCompilePaginationClamped(t *testing.T) {
	limits := Limits{DefaultPerPage: 15, MaxPerPage: 50}

	g := mustParse(t, "per_page", `500`, "page", `3`)
	plan, err := Compile(testPostEntity(), g, limits)
	require.NoError(t, err)
	assert.Equal(t, 50, plan.Limit)
	assert.Equal(t, 100, plan.Offset)

	sql, args := plan.SelectSQL()
	assert.Equal(t, `SELECT * FROM "posts" LIMIT $1 OFFSET $2`, sql)
	assert.Equal(t, []any{50, 100}, args)
}

func TestClamp(t *testing.T) {
	l := Limits{DefaultPerPage: 15, MaxPerPage: 100}
	assert.Equal(t, 15, l.Clamp(0))
	assert.Equal(t, 15, l.Clamp(-3))
	assert.Equal(t, 30, l.Clamp(30))
	assert.Equal(t, 100, l.Clamp(1000))
	// Unconfigured limits still yield a sane page size.
	assert.Equal(t, 15, Limits{}.Clamp(0))
}

func TestCompileUnknownRelationship(t *testing.T) {
	g := mustParse(t, "relationship", `[{"key": "reviewers"}]`)
	_, err := Compile(testPostEntity(), g, Limits{})
	var re *InvalidRelationshipError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "reviewers", re.Relationship)

	g = mustParse(t, "relationshipFilter", `[{"relationship": "reviewers"}]`)
	_, err = Compile(testPostEntity(), g, Limits{})
	require.ErrorAs(t, err, &re)
}

func TestCompileRelationshipFilterRendersExists(t *testing.T) {
	g := mustParse(t, "relationshipFilter", `[{"relationship": "comments", "filters": [["approved", true]]}]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Equal(t, `SELECT * FROM "posts" WHERE EXISTS (SELECT 1 FROM "comments" WHERE "comments"."post_id" = "posts"."id" AND ("comments"."approved" = $1))`, sql)
	assert.Equal(t, []any{true}, args)
}

func TestCompileManyToManyRelationshipFilterJoinsThroughPivot(t *testing.T) {
	g := mustParse(t, "relationshipFilter", `[{"relationship": "tags", "filters": [["name", "golang"]]}]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	sql, args := plan.SelectSQL()
	assert.Contains(t, sql, `EXISTS (SELECT 1 FROM "post_tags" JOIN "tags" ON "tags"."id" = "post_tags"."tag_id" WHERE "post_tags"."post_id" = "posts"."id"`)
	assert.Contains(t, sql, `"tags"."name" = $1`)
	assert.Equal(t, []any{"golang"}, args)
}

// Paginated relationship specs divert into the side table instead of the
// eager-load list; unpaginated specs eager-load.
func TestCompileRelationshipPaginationDiversion(t *testing.T) {
	g := mustParse(t, "relationship", `[
		{"key": "comments", "query": {"paginate": {"per_page": 5, "page": 1}}},
		{"key": "author"}
	]`)
	plan, err := Compile(testPostEntity(), g, Limits{})
	require.NoError(t, err)

	require.Len(t, plan.Eager, 1)
	assert.Equal(t, "author", plan.Eager[0].Rel.Name)
	require.Contains(t, plan.RelPages, "comments")
	assert.Equal(t, 5, plan.RelPages["comments"].Paginate.PerPage)
}

func TestCountSQLIgnoresPagination(t *testing.T) {
	g := mustParse(t, "filters", `[["status", "published"]]`, "per_page", `10`, "page", `4`)
	plan, err := Compile(testPostEntity(), g, Limits{DefaultPerPage: 15, MaxPerPage: 100})
	require.NoError(t, err)

	sql, args := plan.CountSQL()
	assert.Equal(t, `SELECT COUNT(*) AS count FROM "posts" WHERE (("status" = $1))`, sql)
	assert.Equal(t, []any{"published"}, args)
}

func TestNodeMatchesOperators(t *testing.T) {
	row := map[string]any{"title": "Intro to Go", "views": float64(42), "deleted_at": nil}

	assert.True(t, (&Node{Field: "title", Op: "LIKE", Value: "Intro%"}).Matches(row))
	assert.False(t, (&Node{Field: "title", Op: "LIKE", Value: "intro%"}).Matches(row))
	assert.True(t, (&Node{Field: "title", Op: "ILIKE", Value: "intro%"}).Matches(row))
	assert.True(t, (&Node{Field: "views", Op: "<=", Value: 42}).Matches(row))
	assert.True(t, (&Node{Field: "deleted_at", Op: "IS", Value: nil}).Matches(row))
	assert.False(t, (&Node{Field: "deleted_at", Op: "IS NOT", Value: nil}).Matches(row))
	assert.True(t, (&Node{Field: "views", Op: "IN", Values: []any{1, 42}}).Matches(row))
}
