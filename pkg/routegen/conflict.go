package routegen

import (
	"regexp"
	"strings"

	"github.com/crudkit/crudkit/pkg/httputil"
)

// Conflict reasons.
const (
	ReasonNameExists     = "name_exists"
	ReasonPatternExists  = "pattern_exists"
	ReasonPatternOverlap = "pattern_overlap"
)

// ConflictRecord describes one skipped candidate. Transient: collected during
// a generation or validation pass, never persisted.
type ConflictRecord struct {
	Entity     string `json:"entity"`
	MethodKey  string `json:"crud_method"`
	Pattern    string `json:"pattern"`
	RouteName  string `json:"route_name"`
	HTTPMethod string `json:"http_method"`
	Reason     string `json:"reason"`
}

// HasConflict checks one candidate against the existing route table. Returns
// nil when the candidate is safe to register.
func HasConflict(candidate RouteDefinition, existing []httputil.RegisteredRoute) *ConflictRecord {
	record := func(reason string) *ConflictRecord {
		return &ConflictRecord{
			Entity:     candidate.Entity,
			MethodKey:  candidate.MethodKey,
			Pattern:    candidate.Pattern,
			RouteName:  candidate.Name,
			HTTPMethod: candidate.HTTPMethod,
			Reason:     reason,
		}
	}

	for _, route := range existing {
		if route.Name != "" && route.Name == candidate.Name {
			return record(ReasonNameExists)
		}
	}
	for _, route := range existing {
		if route.Method != candidate.HTTPMethod {
			continue
		}
		if route.Pattern == candidate.Pattern {
			return record(ReasonPatternExists)
		}
		if patternsConflict(candidate.Pattern, candidate.Constraints, route.Pattern, route.Constraints) {
			return record(ReasonPatternOverlap)
		}
	}
	return nil
}

// DetectAll checks candidates against the live route table and against each
// other, in order: an accepted candidate becomes part of the table later
// candidates are checked against. Returns the surviving definitions and the
// conflict records for the rest.
func DetectAll(candidates []RouteDefinition, existing []httputil.RegisteredRoute) ([]RouteDefinition, []ConflictRecord) {
	table := make([]httputil.RegisteredRoute, len(existing))
	copy(table, existing)

	var survivors []RouteDefinition
	var conflicts []ConflictRecord
	for _, c := range candidates {
		if rec := HasConflict(c, table); rec != nil {
			conflicts = append(conflicts, *rec)
			continue
		}
		survivors = append(survivors, c)
		table = append(table, httputil.RegisteredRoute{Name: c.Name, Method: c.HTTPMethod, Pattern: c.Pattern, Constraints: c.Constraints})
	}
	return survivors, conflicts
}

// patternsConflict reports whether two different same-method patterns can
// match the same request path. After splitting on "/", they conflict when
// the segment counts are equal and every position either has equal literals
// or involves a parameter placeholder, with at least one parameter position
// overall. A parameter whose constraint regexp cannot match the opposing
// literal rules the position out: GET /posts/{id} with id constrained to
// [0-9]+ coexists with GET /posts/paginate. Two fully-literal but different
// patterns never conflict; identical patterns are the exact-match case
// handled separately.
func patternsConflict(a string, aCons map[string]string, b string, bCons map[string]string) bool {
	if a == b {
		return false
	}
	segsA := strings.Split(strings.Trim(a, "/"), "/")
	segsB := strings.Split(strings.Trim(b, "/"), "/")
	if len(segsA) != len(segsB) {
		return false
	}

	sawParam := false
	for i := range segsA {
		paramA, paramB := isParamSegment(segsA[i]), isParamSegment(segsB[i])
		switch {
		case paramA && paramB:
			sawParam = true
		case paramA:
			if !segmentCanMatch(segsB[i], paramConstraint(segsA[i], aCons)) {
				return false
			}
			sawParam = true
		case paramB:
			if !segmentCanMatch(segsA[i], paramConstraint(segsB[i], bCons)) {
				return false
			}
			sawParam = true
		default:
			if segsA[i] != segsB[i] {
				return false
			}
		}
	}
	return sawParam
}

func isParamSegment(seg string) bool {
	return strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}")
}

// paramConstraint looks up the constraint regexp for a {name} segment.
func paramConstraint(seg string, constraints map[string]string) string {
	if len(constraints) == 0 {
		return ""
	}
	return constraints[strings.Trim(seg, "{}")]
}

// segmentCanMatch reports whether a literal segment is admissible under a
// parameter constraint. An empty or malformed constraint is treated as
// unconstrained, keeping detection conservative.
func segmentCanMatch(literal, constraint string) bool {
	if constraint == "" {
		return true
	}
	re, err := regexp.Compile("^(?:" + constraint + ")$")
	if err != nil {
		return true
	}
	return re.MatchString(literal)
}
