package query

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGrammarAllKeys(t *testing.T) {
	values := url.Values{}
	values.Set("filters", `[["status", "published"], ["views", ">", 100], {"author_id": 7}]`)
	values.Set("orFilters", `[["featured", true]]`)
	values.Set("filtersIn", `[{"field": "category_id", "values": [1, 2, 3]}]`)
	values.Set("order", `{"field": "created_at", "order": "desc"}`)
	values.Set("groupBy", `["category_id"]`)
	values.Set("select", `["id", "title"]`)
	values.Set("relationship", `[{"key": "comments", "query": {"paginate": {"per_page": 5, "page": 2}}}]`)
	values.Set("relationshipFilter", `[{"relationship": "comments", "filters": [["approved", true]]}]`)
	values.Set("per_page", `25`)
	values.Set("page", `3`)

	g, err := ParseGrammar(values, 0)
	require.NoError(t, err)

	require.Len(t, g.Filters, 3)
	assert.Equal(t, Filter{Field: "status", Op: "=", Value: "published"}, g.Filters[0])
	assert.Equal(t, Filter{Field: "views", Op: ">", Value: float64(100)}, g.Filters[1])
	assert.Equal(t, map[string]any{"author_id": float64(7)}, g.Filters[2].Equals)

	require.Len(t, g.OrFilters, 1)
	assert.Equal(t, Filter{Field: "featured", Op: "=", Value: true}, g.OrFilters[0])

	require.Len(t, g.FiltersIn, 1)
	assert.Equal(t, "category_id", g.FiltersIn[0].Field)
	assert.Len(t, g.FiltersIn[0].Values, 3)

	require.NotNil(t, g.Order)
	assert.Equal(t, "created_at", g.Order.Field)
	assert.Equal(t, "desc", g.Order.Direction())

	assert.Equal(t, []string{"category_id"}, g.GroupBy)
	assert.Equal(t, []string{"id", "title"}, g.Select)

	require.Len(t, g.Relations, 1)
	assert.Equal(t, "comments", g.Relations[0].Key)
	require.NotNil(t, g.Relations[0].Query.Paginate)
	assert.Equal(t, 5, g.Relations[0].Query.Paginate.PerPage)
	assert.Equal(t, 2, g.Relations[0].Query.Paginate.Page)

	require.Len(t, g.RelFilters, 1)
	assert.Equal(t, "comments", g.RelFilters[0].Relationship)

	assert.Equal(t, 25, g.PerPage)
	assert.Equal(t, 3, g.Page)
}

func TestParseGrammarAbsentKeysYieldZeroValues(t *testing.T) {
	g, err := ParseGrammar(url.Values{}, 0)
	require.NoError(t, err)
	assert.Empty(t, g.Filters)
	assert.Empty(t, g.FiltersIn)
	assert.Nil(t, g.Order)
	assert.Zero(t, g.PerPage)
}

func TestParseGrammarInvalidJSONFailsWhole(t *testing.T) {
	values := url.Values{}
	values.Set("filters", `[["status", "published"]]`)
	values.Set("order", `{not json`)

	_, err := ParseGrammar(values, 0)
	require.Error(t, err)
	var ge *InvalidGrammarError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "order", ge.Key)
}

func TestParseGrammarDepthLimit(t *testing.T) {
	values := url.Values{}
	values.Set("filters", `[[[[[[["a"]]]]]]]`)
	_, err := ParseGrammar(values, 3)
	var ge *InvalidGrammarError
	require.ErrorAs(t, err, &ge)
	assert.Equal(t, "filters", ge.Key)

	// Brackets inside string literals do not count toward depth.
	values = url.Values{}
	values.Set("filters", `[["title", "like", "%[[[[[[[[%"]]`)
	_, err = ParseGrammar(values, 3)
	assert.NoError(t, err)
}

func TestFilterListTupleArity(t *testing.T) {
	var fl FilterList
	err := fl.UnmarshalJSON([]byte(`[["a", 1, 2, 3]]`))
	assert.Error(t, err)

	err = fl.UnmarshalJSON([]byte(`[[42, "=", 1]]`))
	assert.Error(t, err)
}

func TestWhereInListAcceptsObjectOrArray(t *testing.T) {
	var single WhereInList
	require.NoError(t, single.UnmarshalJSON([]byte(`{"field": "id", "values": [1, 2]}`)))
	require.Len(t, single, 1)
	assert.Equal(t, "id", single[0].Field)

	var many WhereInList
	require.NoError(t, many.UnmarshalJSON([]byte(`[{"field": "id", "values": [1]}, {"field": "status", "values": ["a"]}]`)))
	require.Len(t, many, 2)
	assert.Equal(t, "status", many[1].Field)
}

func TestOrderDirectionDefaultsAscending(t *testing.T) {
	assert.Equal(t, "asc", (&OrderSpec{Field: "id"}).Direction())
	assert.Equal(t, "asc", (&OrderSpec{Field: "id", Order: "sideways"}).Direction())
	assert.Equal(t, "desc", (&OrderSpec{Field: "id", Order: "DESC"}).Direction())
}
