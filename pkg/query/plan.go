package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/crudkit/crudkit/pkg/entity"
)

// Node is one node of the compiled predicate tree: either a group (Conj set,
// Kids non-empty) or a leaf comparison. IN leaves carry Values, everything
// else carries Value.
type Node struct {
	Conj string // "AND" or "OR" for groups
	Kids []*Node

	Field  string
	Op     string
	Value  any
	Values []any
}

func andGroup(kids ...*Node) *Node { return &Node{Conj: "AND", Kids: kids} }
func orGroup(kids ...*Node) *Node  { return &Node{Conj: "OR", Kids: kids} }

// ExistsClause constrains parent rows to those with at least one related row
// matching Where.
type ExistsClause struct {
	Rel   entity.Relationship
	Where *Node
}

// EagerLoad is one relationship to fetch alongside the main result set.
// Query, when non-nil, scopes the child query; it never carries pagination
// (paginated specs are diverted into the plan's side table).
type EagerLoad struct {
	Rel   entity.Relationship
	Query *RelationQuery
}

// Plan is the compiled, backend-agnostic representation of one request.
type Plan struct {
	Entity  *entity.Descriptor
	Where   *Node
	Exists  []ExistsClause
	GroupBy []string
	Order   *OrderSpec
	Select  []string
	Eager   []EagerLoad

	// RelPages maps relationship name to its nested query spec. These cannot
	// be satisfied by the main query: every parent row needs its own
	// independently paginated child set, executed after the main result set
	// is materialized.
	RelPages map[string]*RelationQuery

	Limit  int
	Offset int
}

// sqlRenderer accumulates SQL text and bound arguments with $n placeholders.
type sqlRenderer struct {
	sb   strings.Builder
	args []any
}

func (r *sqlRenderer) bind(v any) string {
	r.args = append(r.args, v)
	return fmt.Sprintf("$%d", len(r.args))
}

func (r *sqlRenderer) write(s string) { r.sb.WriteString(s) }

// sanitizeIdent quotes an identifier, supporting dotted table.column paths.
func sanitizeIdent(name string) string {
	parts := strings.Split(name, ".")
	return pgx.Identifier(parts).Sanitize()
}

var operators = map[string]string{
	"=":        "=",
	"!=":       "!=",
	"<>":       "<>",
	">":        ">",
	"<":        "<",
	">=":       ">=",
	"<=":       "<=",
	"like":     "LIKE",
	"not like": "NOT LIKE",
	"ilike":    "ILIKE",
	"is":       "IS",
	"is not":   "IS NOT",
	"in":       "IN",
}

// normalizeOp maps a grammar operator, case-insensitively, onto the SQL
// operator set. Operators outside the set are rejected so that no caller
// text is ever spliced into SQL.
func normalizeOp(op string) (string, error) {
	sqlOp, ok := operators[strings.ToLower(strings.TrimSpace(op))]
	if !ok {
		return "", fmt.Errorf("unsupported filter operator %q", op)
	}
	return sqlOp, nil
}

// renderNode writes the predicate subtree as parenthesized SQL.
func renderNode(r *sqlRenderer, n *Node) {
	if n == nil {
		return
	}
	if len(n.Kids) > 0 {
		r.write("(")
		for i, kid := range n.Kids {
			if i > 0 {
				r.write(" " + n.Conj + " ")
			}
			renderNode(r, kid)
		}
		r.write(")")
		return
	}
	col := sanitizeIdent(n.Field)
	switch {
	case strings.EqualFold(n.Op, "IN"):
		placeholders := make([]string, len(n.Values))
		for i, v := range n.Values {
			placeholders[i] = r.bind(v)
		}
		r.write(fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")))
	case n.Value == nil && (n.Op == "IS" || n.Op == "IS NOT"):
		r.write(fmt.Sprintf("%s %s NULL", col, n.Op))
	default:
		r.write(fmt.Sprintf("%s %s %s", col, n.Op, r.bind(n.Value)))
	}
}

// renderExists writes one EXISTS clause scoped to the relationship.
func renderExists(r *sqlRenderer, parentTable string, e ExistsClause) {
	rel := e.Rel
	switch rel.Kind {
	case entity.RelManyToMany:
		r.write(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s JOIN %s ON %s.%s = %s.%s WHERE %s.%s = %s.%s",
			sanitizeIdent(rel.JoinTable),
			sanitizeIdent(rel.Table),
			pgx.Identifier{rel.Table}.Sanitize(), pgx.Identifier{rel.ForeignKey}.Sanitize(),
			pgx.Identifier{rel.JoinTable}.Sanitize(), pgx.Identifier{rel.JoinForeignKey}.Sanitize(),
			pgx.Identifier{rel.JoinTable}.Sanitize(), pgx.Identifier{rel.JoinLocalKey}.Sanitize(),
			sanitizeIdent(parentTable), pgx.Identifier{rel.LocalKey}.Sanitize(),
		))
	default:
		r.write(fmt.Sprintf(
			"EXISTS (SELECT 1 FROM %s WHERE %s.%s = %s.%s",
			sanitizeIdent(rel.Table),
			pgx.Identifier{rel.Table}.Sanitize(), pgx.Identifier{rel.ForeignKey}.Sanitize(),
			sanitizeIdent(parentTable), pgx.Identifier{rel.LocalKey}.Sanitize(),
		))
	}
	if e.Where != nil {
		r.write(" AND ")
		renderNode(r, e.Where)
	}
	r.write(")")
}

// whereSQL renders the combined EXISTS clauses and predicate tree, without
// the leading WHERE keyword. Returns "" when the plan is unfiltered.
func (p *Plan) whereSQL(r *sqlRenderer) string {
	var inner sqlRenderer
	inner.args = r.args
	wrote := false
	for _, e := range p.Exists {
		if wrote {
			inner.write(" AND ")
		}
		renderExists(&inner, p.Entity.Table, e)
		wrote = true
	}
	if p.Where != nil && (len(p.Where.Kids) > 0 || p.Where.Field != "") {
		if wrote {
			inner.write(" AND ")
		}
		renderNode(&inner, p.Where)
		wrote = true
	}
	r.args = inner.args
	return inner.sb.String()
}

// SelectSQL renders the main query as PostgreSQL text plus bound arguments.
func (p *Plan) SelectSQL() (string, []any) {
	r := &sqlRenderer{}
	r.write("SELECT ")
	if len(p.Select) > 0 {
		cols := make([]string, len(p.Select))
		for i, c := range p.Select {
			cols[i] = sanitizeIdent(c)
		}
		r.write(strings.Join(cols, ", "))
	} else {
		r.write("*")
	}
	r.write(" FROM " + sanitizeIdent(p.Entity.Table))

	if where := p.whereSQL(r); where != "" {
		r.write(" WHERE " + where)
	}

	if len(p.GroupBy) > 0 {
		cols := make([]string, len(p.GroupBy))
		for i, c := range p.GroupBy {
			cols[i] = sanitizeIdent(c)
		}
		r.write(" GROUP BY " + strings.Join(cols, ", "))
	}

	if p.Order != nil && p.Order.Field != "" {
		r.write(fmt.Sprintf(" ORDER BY %s %s",
			sanitizeIdent(p.Order.Field), strings.ToUpper(p.Order.Direction())))
	}

	if p.Limit > 0 {
		r.write(" LIMIT " + r.bind(p.Limit))
	}
	if p.Offset > 0 {
		r.write(" OFFSET " + r.bind(p.Offset))
	}
	return r.sb.String(), r.args
}

// CountSQL renders a COUNT(*) query over the same filtered row set.
func (p *Plan) CountSQL() (string, []any) {
	r := &sqlRenderer{}
	r.write("SELECT COUNT(*) AS count FROM " + sanitizeIdent(p.Entity.Table))
	if where := p.whereSQL(r); where != "" {
		r.write(" WHERE " + where)
	}
	return r.sb.String(), r.args
}

// Matches evaluates the predicate subtree against a decoded row. Used by the
// in-memory executor in tests and by callers that post-filter loaded rows.
func (n *Node) Matches(row map[string]any) bool {
	if n == nil {
		return true
	}
	if len(n.Kids) > 0 {
		for i, kid := range n.Kids {
			ok := kid.Matches(row)
			if n.Conj == "OR" {
				if ok {
					return true
				}
				if i == len(n.Kids)-1 {
					return false
				}
			} else if !ok {
				return false
			}
		}
		return n.Conj != "OR"
	}
	val := row[n.Field]
	switch strings.ToUpper(n.Op) {
	case "IN":
		for _, v := range n.Values {
			if looseEqual(val, v) {
				return true
			}
		}
		return false
	case "=":
		return looseEqual(val, n.Value)
	case "!=", "<>":
		return !looseEqual(val, n.Value)
	case ">", "<", ">=", "<=":
		return compareNumeric(val, n.Value, n.Op)
	case "LIKE", "ILIKE":
		s, _ := val.(string)
		pat, _ := n.Value.(string)
		if strings.EqualFold(n.Op, "ILIKE") {
			s, pat = strings.ToLower(s), strings.ToLower(pat)
		}
		return compileLike(pat).MatchString(s)
	case "IS":
		return val == nil
	case "IS NOT":
		return val != nil
	}
	return false
}

func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func compareNumeric(a, b any, op string) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		as, bs := fmt.Sprint(a), fmt.Sprint(b)
		switch op {
		case ">":
			return as > bs
		case "<":
			return as < bs
		case ">=":
			return as >= bs
		case "<=":
			return as <= bs
		}
		return false
	}
	switch op {
	case ">":
		return af > bf
	case "<":
		return af < bf
	case ">=":
		return af >= bf
	case "<=":
		return af <= bf
	}
	return false
}

// compileLike converts a SQL LIKE pattern into an anchored regexp.
func compileLike(pattern string) *regexp.Regexp {
	var sb strings.Builder
	sb.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '%':
			sb.WriteString(".*")
		case '_':
			sb.WriteString(".")
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	sb.WriteString("$")
	return regexp.MustCompile(sb.String())
}
