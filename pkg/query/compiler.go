package query

import (
	"sort"
	"strings"

	"github.com/crudkit/crudkit/pkg/entity"
)

// Limits carries the pagination ceilings from configuration.
type Limits struct {
	MaxPerPage     int
	DefaultPerPage int
}

// Clamp bounds a requested page size to [1, MaxPerPage], substituting the
// default for non-positive requests.
func (l Limits) Clamp(perPage int) int {
	if perPage <= 0 {
		perPage = l.DefaultPerPage
	}
	if l.MaxPerPage > 0 && perPage > l.MaxPerPage {
		perPage = l.MaxPerPage
	}
	if perPage <= 0 {
		perPage = 15
	}
	return perPage
}

// Compile translates a decoded grammar into an executable plan. Stages apply
// in a fixed order: relationship EXISTS constraints, WHERE-IN, the grouped
// filter/orFilter block, group-by, order, projection, then eager-load specs
// (with paginated specs diverted into the side table).
func Compile(ent *entity.Descriptor, g *Grammar, limits Limits) (*Plan, error) {
	p := &Plan{Entity: ent}

	for _, rf := range g.RelFilters {
		rel, ok := ent.Relationship(rf.Relationship)
		if !ok {
			return nil, &InvalidRelationshipError{Entity: ent.Name, Relationship: rf.Relationship}
		}
		where, err := buildFilterGroup(rf.Filters, rf.OrFilters, rel.Table)
		if err != nil {
			return nil, err
		}
		p.Exists = append(p.Exists, ExistsClause{Rel: rel, Where: where})
	}

	root := andGroup()
	for _, in := range g.FiltersIn {
		root.Kids = append(root.Kids, &Node{Field: in.Field, Op: "IN", Values: in.Values})
	}

	group, err := buildFilterGroup(g.Filters, g.OrFilters, "")
	if err != nil {
		return nil, err
	}
	if group != nil {
		root.Kids = append(root.Kids, group)
	}
	if len(root.Kids) > 0 {
		p.Where = root
	}

	p.GroupBy = g.GroupBy
	p.Order = g.Order
	p.Select = g.Select

	for _, spec := range g.Relations {
		rel, ok := ent.Relationship(spec.Key)
		if !ok {
			return nil, &InvalidRelationshipError{Entity: ent.Name, Relationship: spec.Key}
		}
		if spec.Query != nil && spec.Query.Paginate != nil {
			if p.RelPages == nil {
				p.RelPages = make(map[string]*RelationQuery)
			}
			p.RelPages[spec.Key] = spec.Query
			continue
		}
		p.Eager = append(p.Eager, EagerLoad{Rel: rel, Query: spec.Query})
	}

	if g.PerPage > 0 {
		p.Limit = limits.Clamp(g.PerPage)
		if g.Page > 1 {
			p.Offset = (g.Page - 1) * p.Limit
		}
	}
	return p, nil
}

// compileRelation builds a child-table plan from a nested relation query,
// reapplying the WHERE-IN, filter-group, group-by, order, and projection
// stages within the relation's own scope.
func compileRelation(table string, q *RelationQuery) (*Plan, error) {
	p := &Plan{Entity: &entity.Descriptor{Name: table, Table: table, PrimaryKey: "id"}}
	if q == nil {
		return p, nil
	}
	root := andGroup()
	for _, in := range q.FiltersIn {
		root.Kids = append(root.Kids, &Node{Field: in.Field, Op: "IN", Values: in.Values})
	}
	group, err := buildFilterGroup(q.Filters, q.OrFilters, "")
	if err != nil {
		return nil, err
	}
	if group != nil {
		root.Kids = append(root.Kids, group)
	}
	if len(root.Kids) > 0 {
		p.Where = root
	}
	p.GroupBy = q.GroupBy
	p.Order = q.Order
	p.Select = q.Select
	return p, nil
}

// buildFilterGroup combines filters (ANDed) and orFilters (ORed) into the
// single parenthesized group the compiler appends with AND:
// (f1 AND f2 ...) OR or1 OR or2. Either side may be absent. fieldPrefix, when
// set, scopes unqualified fields to a table (used inside EXISTS subtrees).
func buildFilterGroup(filters, orFilters FilterList, fieldPrefix string) (*Node, error) {
	andNode := andGroup()
	for _, f := range filters {
		leaves, err := filterNodes(f, fieldPrefix)
		if err != nil {
			return nil, err
		}
		andNode.Kids = append(andNode.Kids, leaves...)
	}

	orNode := orGroup()
	if len(andNode.Kids) > 0 {
		orNode.Kids = append(orNode.Kids, andNode)
	}
	for _, f := range orFilters {
		leaves, err := filterNodes(f, fieldPrefix)
		if err != nil {
			return nil, err
		}
		if len(leaves) == 1 {
			orNode.Kids = append(orNode.Kids, leaves[0])
		} else if len(leaves) > 1 {
			orNode.Kids = append(orNode.Kids, andGroup(leaves...))
		}
	}

	switch len(orNode.Kids) {
	case 0:
		return nil, nil
	case 1:
		return orNode.Kids[0], nil
	default:
		return orNode, nil
	}
}

// filterNodes expands one filter entry into predicate leaves. Equality maps
// expand to one leaf per key (sorted for deterministic SQL); "in" operators
// become IN leaves, wrapping scalar values as a single-element list.
func filterNodes(f Filter, fieldPrefix string) ([]*Node, error) {
	qualify := func(field string) string {
		if fieldPrefix == "" || strings.Contains(field, ".") {
			return field
		}
		return fieldPrefix + "." + field
	}

	if f.Equals != nil {
		keys := make([]string, 0, len(f.Equals))
		for k := range f.Equals {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		nodes := make([]*Node, 0, len(keys))
		for _, k := range keys {
			nodes = append(nodes, &Node{Field: qualify(k), Op: "=", Value: f.Equals[k]})
		}
		return nodes, nil
	}

	op, err := normalizeOp(f.Op)
	if err != nil {
		return nil, err
	}
	if op == "IN" {
		values, ok := f.Value.([]any)
		if !ok {
			values = []any{f.Value}
		}
		return []*Node{{Field: qualify(f.Field), Op: "IN", Values: values}}, nil
	}
	return []*Node{{Field: qualify(f.Field), Op: op, Value: f.Value}}, nil
}
