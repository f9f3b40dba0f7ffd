// Package query turns the JSON-encoded query-string grammar into a compiled,
// parameterized PostgreSQL query plan, and post-processes per-relationship
// pagination that cannot be satisfied by a single SQL statement.
package query

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DefaultMaxJSONDepth bounds nesting of any single grammar value.
const DefaultMaxJSONDepth = 10

// InvalidGrammarError reports a query parameter that is not valid JSON, or
// exceeds the configured nesting depth. The whole decode fails; the grammar
// is never partially applied.
type InvalidGrammarError struct {
	Key string
	Err error
}

func (e *InvalidGrammarError) Error() string {
	return fmt.Sprintf("invalid query grammar %q: %v", e.Key, e.Err)
}

func (e *InvalidGrammarError) Unwrap() error { return e.Err }

// InvalidRelationshipError reports a relationship name, referenced in
// `relationship` or `relationshipFilter`, that the entity does not expose.
// Surfaced to callers as a client error: descriptors are authoritative, so a
// bad name means a bad request, not a server misconfiguration.
type InvalidRelationshipError struct {
	Entity       string
	Relationship string
}

func (e *InvalidRelationshipError) Error() string {
	return fmt.Sprintf("entity %s has no relationship %q", e.Entity, e.Relationship)
}

// Filter is one decoded condition: either a (field, op, value) triple or an
// equality map (Equals non-nil).
type Filter struct {
	Field  string
	Op     string
	Value  any
	Equals map[string]any
}

// FilterList decodes `[[field, op, value], ...]` where any entry may instead
// be a plain object treated as an AND-of-equality map. Two-element tuples
// default the operator to "=".
type FilterList []Filter

func (fl *FilterList) UnmarshalJSON(data []byte) error {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := make(FilterList, 0, len(entries))
	for i, raw := range entries {
		trimmed := strings.TrimSpace(string(raw))
		if strings.HasPrefix(trimmed, "{") {
			var m map[string]any
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			out = append(out, Filter{Equals: m})
			continue
		}
		var tuple []any
		if err := json.Unmarshal(raw, &tuple); err != nil {
			return err
		}
		switch len(tuple) {
		case 2:
			field, ok := tuple[0].(string)
			if !ok {
				return fmt.Errorf("filter %d: field must be a string", i)
			}
			out = append(out, Filter{Field: field, Op: "=", Value: tuple[1]})
		case 3:
			field, ok := tuple[0].(string)
			if !ok {
				return fmt.Errorf("filter %d: field must be a string", i)
			}
			op, ok := tuple[1].(string)
			if !ok {
				return fmt.Errorf("filter %d: operator must be a string", i)
			}
			out = append(out, Filter{Field: field, Op: op, Value: tuple[2]})
		default:
			return fmt.Errorf("filter %d: expected [field, op, value], got %d elements", i, len(tuple))
		}
	}
	*fl = out
	return nil
}

// WhereIn is a single `{field, values[]}` WHERE-IN constraint.
type WhereIn struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
}

// WhereInList accepts either a single object or an array of objects and
// normalizes to the array form.
type WhereInList []WhereIn

func (wl *WhereInList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		var one WhereIn
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*wl = WhereInList{one}
		return nil
	}
	var many []WhereIn
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*wl = many
	return nil
}

// OrderSpec is `{field, order}`, direction defaulting to ascending.
type OrderSpec struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// Direction returns the normalized sort direction.
func (o *OrderSpec) Direction() string {
	if o != nil && strings.EqualFold(o.Order, "desc") {
		return "desc"
	}
	return "asc"
}

// PageSpec is a `{per_page, page}` pagination request.
type PageSpec struct {
	PerPage int `json:"per_page"`
	Page    int `json:"page"`
}

// RelationQuery is the nested grammar a relationship spec may carry.
type RelationQuery struct {
	Filters   FilterList  `json:"filters"`
	OrFilters FilterList  `json:"orFilters"`
	FiltersIn WhereInList `json:"filtersIn"`
	Order     *OrderSpec  `json:"order"`
	GroupBy   []string    `json:"groupBy"`
	Select    []string    `json:"select"`
	Paginate  *PageSpec   `json:"paginate"`
}

// RelationSpec is one eager-load request, optionally scoped by a nested query.
type RelationSpec struct {
	Key   string         `json:"key"`
	Query *RelationQuery `json:"query"`
}

// RelationFilter constrains parent rows by EXISTS-style conditions on a
// named relationship.
type RelationFilter struct {
	Relationship string     `json:"relationship"`
	Filters      FilterList `json:"filters"`
	OrFilters    FilterList `json:"orFilters"`
}

// Grammar is the decoded, validated form of the supported query parameters.
// Every field is independently optional.
type Grammar struct {
	Filters    FilterList
	OrFilters  FilterList
	FiltersIn  WhereInList
	Order      *OrderSpec
	GroupBy    []string
	Select     []string
	Relations  []RelationSpec
	RelFilters []RelationFilter
	PerPage    int
	Page       int
}

// ParseGrammar decodes the supported query-string keys. Absent or empty keys
// yield zero values; a present key that is not valid JSON, or nests deeper
// than maxDepth, fails the whole decode with *InvalidGrammarError.
func ParseGrammar(values url.Values, maxDepth int) (*Grammar, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxJSONDepth
	}
	g := &Grammar{}

	fields := []struct {
		key string
		dst any
	}{
		{"filters", &g.Filters},
		{"orFilters", &g.OrFilters},
		{"filtersIn", &g.FiltersIn},
		{"order", &g.Order},
		{"groupBy", &g.GroupBy},
		{"select", &g.Select},
		{"relationship", &g.Relations},
		{"relationshipFilter", &g.RelFilters},
		{"per_page", &g.PerPage},
		{"page", &g.Page},
	}
	for _, f := range fields {
		raw := values.Get(f.key)
		if raw == "" {
			continue
		}
		if err := checkDepth([]byte(raw), maxDepth); err != nil {
			return nil, &InvalidGrammarError{Key: f.key, Err: err}
		}
		if err := json.Unmarshal([]byte(raw), f.dst); err != nil {
			return nil, &InvalidGrammarError{Key: f.key, Err: err}
		}
	}
	return g, nil
}

// checkDepth scans raw JSON and rejects nesting beyond max. Brackets inside
// string literals are ignored.
func checkDepth(data []byte, max int) error {
	depth, inString, escaped := 0, false, false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > max {
				return fmt.Errorf("nesting depth exceeds %d", max)
			}
		case '}', ']':
			depth--
		}
	}
	return nil
}
