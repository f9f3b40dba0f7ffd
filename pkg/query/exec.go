package query

import (
	"context"
	"fmt"

	"github.com/crudkit/crudkit/pkg/entity"
)

// Executor runs rendered SQL against the backing store. *pgxutil.PoolExecutor
// implements it for PostgreSQL; tests substitute an in-memory fake.
type Executor interface {
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// Page is the paginator wrapper returned for paginated result sets and for
// per-row relationship pages.
type Page struct {
	Data        []map[string]any `json:"data"`
	CurrentPage int              `json:"current_page"`
	PerPage     int              `json:"per_page"`
	Total       int64            `json:"total,omitempty"`
	LastPage    int              `json:"last_page,omitempty"`
}

// Run executes the plan's main query and attaches its eager-loaded
// relationships. Each eager load costs one follow-up query per relationship
// (two for many-to-many), batched over all parent rows.
func Run(ctx context.Context, ex Executor, p *Plan) ([]map[string]any, error) {
	sql, args := p.SelectSQL()
	rows, err := ex.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	for _, el := range p.Eager {
		if err := loadRelated(ctx, ex, p.Entity, rows, el); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Count executes the plan's COUNT(*) companion query.
func Count(ctx context.Context, ex Executor, p *Plan) (int64, error) {
	sql, args := p.CountSQL()
	rows, err := ex.Query(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if n, ok := toFloat(rows[0]["count"]); ok {
		return int64(n), nil
	}
	return 0, fmt.Errorf("count query returned non-numeric value %v", rows[0]["count"])
}

func collectKeys(rows []map[string]any, column string) []any {
	seen := make(map[string]struct{}, len(rows))
	keys := make([]any, 0, len(rows))
	for _, row := range rows {
		v, ok := row[column]
		if !ok || v == nil {
			continue
		}
		s := fmt.Sprint(v)
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		keys = append(keys, v)
	}
	return keys
}

// prependCondition wraps the plan's predicate tree with one extra ANDed leaf.
func prependCondition(p *Plan, leaf *Node) {
	if p.Where == nil {
		p.Where = andGroup(leaf)
		return
	}
	p.Where = andGroup(leaf, p.Where)
}

func loadRelated(ctx context.Context, ex Executor, ent *entity.Descriptor, rows []map[string]any, el EagerLoad) error {
	if len(rows) == 0 {
		return nil
	}
	rel := el.Rel
	switch rel.Kind {
	case entity.RelBelongsTo:
		return loadBelongsTo(ctx, ex, rows, el)
	case entity.RelManyToMany:
		return loadManyToMany(ctx, ex, rows, el)
	default:
		return loadHasMany(ctx, ex, rows, el)
	}
}

func loadHasMany(ctx context.Context, ex Executor, rows []map[string]any, el EagerLoad) error {
	rel := el.Rel
	keys := collectKeys(rows, rel.LocalKey)
	if len(keys) == 0 {
		attachEmpty(rows, rel.Name, []map[string]any{})
		return nil
	}
	childPlan, err := compileRelation(rel.Table, el.Query)
	if err != nil {
		return err
	}
	prependCondition(childPlan, &Node{Field: rel.ForeignKey, Op: "IN", Values: keys})
	children, err := runChild(ctx, ex, childPlan)
	if err != nil {
		return err
	}

	byKey := make(map[string][]map[string]any)
	for _, child := range children {
		k := fmt.Sprint(child[rel.ForeignKey])
		byKey[k] = append(byKey[k], child)
	}
	for _, row := range rows {
		group := byKey[fmt.Sprint(row[rel.LocalKey])]
		if group == nil {
			group = []map[string]any{}
		}
		row[rel.Name] = group
	}
	return nil
}

func loadBelongsTo(ctx context.Context, ex Executor, rows []map[string]any, el EagerLoad) error {
	rel := el.Rel
	keys := collectKeys(rows, rel.LocalKey)
	if len(keys) == 0 {
		attachEmpty(rows, rel.Name, nil)
		return nil
	}
	childPlan, err := compileRelation(rel.Table, el.Query)
	if err != nil {
		return err
	}
	prependCondition(childPlan, &Node{Field: rel.ForeignKey, Op: "IN", Values: keys})
	parents, err := runChild(ctx, ex, childPlan)
	if err != nil {
		return err
	}

	byKey := make(map[string]map[string]any, len(parents))
	for _, p := range parents {
		byKey[fmt.Sprint(p[rel.ForeignKey])] = p
	}
	for _, row := range rows {
		if p, ok := byKey[fmt.Sprint(row[rel.LocalKey])]; ok {
			row[rel.Name] = p
		} else {
			row[rel.Name] = nil
		}
	}
	return nil
}

// loadManyToMany resolves the join table first, then the targets, and
// stitches the two in memory. Two queries regardless of parent count.
func loadManyToMany(ctx context.Context, ex Executor, rows []map[string]any, el EagerLoad) error {
	rel := el.Rel
	keys := collectKeys(rows, rel.LocalKey)
	if len(keys) == 0 {
		attachEmpty(rows, rel.Name, []map[string]any{})
		return nil
	}

	joinPlan := &Plan{Entity: &entity.Descriptor{Name: rel.JoinTable, Table: rel.JoinTable, PrimaryKey: rel.JoinLocalKey}}
	prependCondition(joinPlan, &Node{Field: rel.JoinLocalKey, Op: "IN", Values: keys})
	pairs, err := runChild(ctx, ex, joinPlan)
	if err != nil {
		return err
	}

	childKeys := collectKeys(pairs, rel.JoinForeignKey)
	targets := []map[string]any{}
	if len(childKeys) > 0 {
		childPlan, err := compileRelation(rel.Table, el.Query)
		if err != nil {
			return err
		}
		prependCondition(childPlan, &Node{Field: rel.ForeignKey, Op: "IN", Values: childKeys})
		targets, err = runChild(ctx, ex, childPlan)
		if err != nil {
			return err
		}
	}

	byKey := make(map[string]map[string]any, len(targets))
	for _, t := range targets {
		byKey[fmt.Sprint(t[rel.ForeignKey])] = t
	}
	byParent := make(map[string][]map[string]any)
	for _, pair := range pairs {
		parent := fmt.Sprint(pair[rel.JoinLocalKey])
		if t, ok := byKey[fmt.Sprint(pair[rel.JoinForeignKey])]; ok {
			byParent[parent] = append(byParent[parent], t)
		}
	}
	for _, row := range rows {
		group := byParent[fmt.Sprint(row[rel.LocalKey])]
		if group == nil {
			group = []map[string]any{}
		}
		row[rel.Name] = group
	}
	return nil
}

func runChild(ctx context.Context, ex Executor, p *Plan) ([]map[string]any, error) {
	sql, args := p.SelectSQL()
	rows, err := ex.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	return rows, nil
}

func attachEmpty(rows []map[string]any, name string, zero any) {
	for _, row := range rows {
		row[name] = zero
	}
}
