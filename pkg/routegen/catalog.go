// Package routegen turns model configuration into concrete HTTP routes:
// building route definitions per entity, detecting conflicts against the
// live route table, persisting generation metadata, and orchestrating the
// whole generation pass.
package routegen

import (
	"sort"

	"github.com/crudkit/crudkit/pkg/config"
)

// MethodSpec is one entry of the CRUD method catalog: a stable key plus the
// HTTP verb and resource-relative pattern it maps to.
type MethodSpec struct {
	Key         string
	HTTPMethod  string
	Pattern     string // relative to the resource root, eg "", "/paginate", "/{id}"
	Constraints map[string]string
}

// defaultCatalog is the ordered set of generated CRUD methods.
var defaultCatalog = []MethodSpec{
	{Key: "index", HTTPMethod: "GET", Pattern: ""},
	{Key: "store", HTTPMethod: "POST", Pattern: ""},
	{Key: "paginate", HTTPMethod: "GET", Pattern: "/paginate"},
	{Key: "getOne", HTTPMethod: "GET", Pattern: "/one"},
	{Key: "show", HTTPMethod: "GET", Pattern: "/{id}", Constraints: map[string]string{"id": `[0-9]+`}},
	{Key: "update", HTTPMethod: "PUT", Pattern: "/{id}", Constraints: map[string]string{"id": `[0-9]+`}},
	{Key: "destroy", HTTPMethod: "DELETE", Pattern: "/{id}", Constraints: map[string]string{"id": `[0-9]+`}},
}

// DefaultCatalog returns a copy of the built-in catalog.
func DefaultCatalog() []MethodSpec {
	out := make([]MethodSpec, len(defaultCatalog))
	copy(out, defaultCatalog)
	return out
}

// CatalogFromConfig merges crud_methods overrides onto the default catalog.
// Known keys keep their catalog position; new keys are appended in sorted
// order so the result is deterministic.
func CatalogFromConfig(overrides map[string]config.MethodConfig) []MethodSpec {
	catalog := DefaultCatalog()
	if len(overrides) == 0 {
		return catalog
	}

	known := make(map[string]int, len(catalog))
	for i, spec := range catalog {
		known[spec.Key] = i
	}

	extras := make([]string, 0)
	for key, mc := range overrides {
		if i, ok := known[key]; ok {
			if mc.HTTPMethod != "" {
				catalog[i].HTTPMethod = mc.HTTPMethod
			}
			if mc.RoutePattern != "" {
				catalog[i].Pattern = mc.RoutePattern
			}
			if mc.Where != nil {
				catalog[i].Constraints = mc.Where
			}
			continue
		}
		extras = append(extras, key)
	}
	sort.Strings(extras)
	for _, key := range extras {
		mc := overrides[key]
		catalog = append(catalog, MethodSpec{
			Key:         key,
			HTTPMethod:  mc.HTTPMethod,
			Pattern:     mc.RoutePattern,
			Constraints: mc.Where,
		})
	}
	return catalog
}
