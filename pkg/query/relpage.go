package query

import (
	"context"

	"github.com/crudkit/crudkit/pkg/entity"
	"github.com/crudkit/crudkit/pkg/metrics"
)

// ApplyRelationshipPagination runs the plan's relationship-pagination side
// table against an already-materialized result set. Each parent row gets an
// independent paginated child query per requested relationship; the page
// object replaces any previously loaded value under the relationship name.
//
// This is intentionally O(rows x relationships) round trips. Relationship
// pagination is an explicit opt-in, and callers bound the fan-out via
// top-level pagination.
//
// The side table is cleared after application: a plan reused across calls
// must not re-run its pagination pass.
func ApplyRelationshipPagination(ctx context.Context, ex Executor, ent *entity.Descriptor, result any, p *Plan, limits Limits) (any, error) {
	if p == nil || len(p.RelPages) == 0 {
		return result, nil
	}
	sideTable := p.RelPages
	p.RelPages = nil

	rows, reassemble := normalizeResult(result)
	for _, row := range rows {
		for name, rq := range sideTable {
			rel, ok := ent.Relationship(name)
			if !ok {
				continue // no such accessor on this entity; skip silently
			}
			page, err := pageRelation(ctx, ex, rel, row, rq, limits)
			if err != nil {
				return nil, err
			}
			row[name] = page
		}
	}
	return reassemble(), nil
}

// normalizeResult flattens the supported result shapes (single row, row
// slice, page wrapper) into a row sequence plus a closure restoring the
// original shape.
func normalizeResult(result any) ([]map[string]any, func() any) {
	switch v := result.(type) {
	case map[string]any:
		return []map[string]any{v}, func() any { return v }
	case []map[string]any:
		return v, func() any { return v }
	case *Page:
		return v.Data, func() any { return v }
	default:
		return nil, func() any { return result }
	}
}

func pageRelation(ctx context.Context, ex Executor, rel entity.Relationship, row map[string]any, rq *RelationQuery, limits Limits) (*Page, error) {
	perPage := limits.Clamp(rq.Paginate.PerPage)
	pageNum := rq.Paginate.Page
	if pageNum < 1 {
		pageNum = 1
	}

	childPlan, err := compileRelation(rel.Table, rq)
	if err != nil {
		return nil, err
	}
	switch rel.Kind {
	case entity.RelManyToMany:
		// Scope targets through the join table: rows related to this parent.
		bridge := entity.Relationship{
			Table:      rel.JoinTable,
			ForeignKey: rel.JoinForeignKey,
			LocalKey:   rel.ForeignKey,
			Kind:       entity.RelHasMany,
		}
		childPlan.Exists = append(childPlan.Exists, ExistsClause{
			Rel:   bridge,
			Where: &Node{Field: rel.JoinTable + "." + rel.JoinLocalKey, Op: "=", Value: row[rel.LocalKey]},
		})
	case entity.RelBelongsTo:
		prependCondition(childPlan, &Node{Field: rel.ForeignKey, Op: "=", Value: row[rel.LocalKey]})
	default:
		prependCondition(childPlan, &Node{Field: rel.ForeignKey, Op: "=", Value: row[rel.LocalKey]})
	}

	childPlan.Limit = perPage
	childPlan.Offset = (pageNum - 1) * perPage

	data, err := runChild(ctx, ex, childPlan)
	if err != nil {
		return nil, err
	}
	metrics.RelationshipPageQueries.WithLabelValues(rel.Table).Inc()
	return &Page{Data: data, CurrentPage: pageNum, PerPage: perPage}, nil
}
