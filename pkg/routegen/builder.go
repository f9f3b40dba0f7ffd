package routegen

import (
	"sort"
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/crudkit/crudkit/pkg/config"
	"github.com/crudkit/crudkit/pkg/entity"
)

// RouteDefinition is one candidate route, immutable once built.
type RouteDefinition struct {
	Entity      string
	MethodKey   string
	HTTPMethod  string
	Pattern     string // full path including prefix and resource segment
	Name        string
	Middleware  []string
	Constraints map[string]string
}

// ResourceName derives the URL segment for an entity: the pluralized,
// kebab-cased simple type name. Underscore first so the inflector sees a
// lowercase word; Person pluralizes to people, not Persons.
func ResourceName(ent *entity.Descriptor) string {
	snake := inflect.Underscore(ent.SimpleName())
	return strings.ReplaceAll(inflect.Pluralize(snake), "_", "-")
}

// BuildRoutes produces the full candidate route set for one entity.
//
// Method narrowing: include_methods intersects the catalog, exclude_methods
// subtracts, and the result intersects with the controller's declared
// capability set. Routes with no path parameter are emitted before
// parameterized ones regardless of catalog order, so a literal segment like
// /paginate is never shadowed by /{id}.
func BuildRoutes(ent *entity.Descriptor, mc config.ModelConfig, rc config.RoutesConfig, catalog []MethodSpec, capabilities []string) []RouteDefinition {
	resource := mc.RouteNamePrefix
	if resource == "" {
		resource = ResourceName(ent)
	}

	allowed := narrowMethods(catalog, mc, capabilities)

	namePattern := rc.NamePattern
	if namePattern == "" {
		namePattern = "{resource}.{method}"
	}

	middleware := append([]string{}, rc.DefaultMiddleware...)
	middleware = append(middleware, mc.Middleware...)

	defs := make([]RouteDefinition, 0, len(allowed))
	for _, spec := range allowed {
		name := strings.NewReplacer("{resource}", resource, "{method}", spec.Key).Replace(namePattern)
		defs = append(defs, RouteDefinition{
			Entity:      ent.Name,
			MethodKey:   spec.Key,
			HTTPMethod:  spec.HTTPMethod,
			Pattern:     strings.TrimSuffix(rc.Prefix, "/") + "/" + resource + spec.Pattern,
			Name:        name,
			Middleware:  middleware,
			Constraints: spec.Constraints,
		})
	}

	// Static patterns first. SliceStable keeps catalog order within each class.
	sort.SliceStable(defs, func(i, j int) bool {
		return !hasPathParam(defs[i].Pattern) && hasPathParam(defs[j].Pattern)
	})
	return defs
}

func hasPathParam(pattern string) bool {
	return strings.Contains(pattern, "{")
}

func narrowMethods(catalog []MethodSpec, mc config.ModelConfig, capabilities []string) []MethodSpec {
	include := toSet(mc.IncludeMethods)
	exclude := toSet(mc.ExcludeMethods)
	caps := toSet(capabilities)

	out := make([]MethodSpec, 0, len(catalog))
	for _, spec := range catalog {
		if len(include) > 0 {
			if _, ok := include[spec.Key]; !ok {
				continue
			}
		}
		if _, ok := exclude[spec.Key]; ok {
			continue
		}
		if len(caps) > 0 {
			if _, ok := caps[spec.Key]; !ok {
				continue
			}
		}
		out = append(out, spec)
	}
	return out
}

func toSet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
