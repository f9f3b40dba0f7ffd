// Package entity describes the resources exposed through the generated REST
// layer: which table backs them, how they are keyed, and which relationships
// they expose. Descriptors are resolved once from configuration (or from
// schema introspection in scan mode) and are immutable afterwards.
package entity

import (
	"fmt"
	"strings"
)

// PKType distinguishes database-assigned integer keys from
// externally-assigned string/UUID keys.
type PKType string

const (
	PKAutoInt PKType = "auto_int"
	PKString  PKType = "string"
)

// RelKind is the cardinality of a relationship.
type RelKind string

const (
	RelHasMany    RelKind = "has_many"
	RelBelongsTo  RelKind = "belongs_to"
	RelManyToMany RelKind = "many_to_many"
)

// Relationship links a descriptor to a target table.
//
// For has-many, ForeignKey is the column on the target table referencing the
// parent's LocalKey. For belongs-to, LocalKey is the column on the parent
// referencing the target's ForeignKey. Many-to-many additionally names the
// join table and its two key columns.
type Relationship struct {
	Name       string  `mapstructure:"name" json:"name"`
	Kind       RelKind `mapstructure:"kind" json:"kind"`
	Table      string  `mapstructure:"table" json:"table"`
	LocalKey   string  `mapstructure:"local_key" json:"local_key"`
	ForeignKey string  `mapstructure:"foreign_key" json:"foreign_key"`

	JoinTable      string `mapstructure:"join_table" json:"join_table,omitempty"`
	JoinLocalKey   string `mapstructure:"join_local_key" json:"join_local_key,omitempty"`
	JoinForeignKey string `mapstructure:"join_foreign_key" json:"join_foreign_key,omitempty"`
}

// Descriptor identifies one queryable, routable resource.
type Descriptor struct {
	// Name is the fully-qualified entity name, eg "app.Post".
	Name string `mapstructure:"name" json:"name"`
	// Table is the backing table. Defaults to the snake_case plural of the
	// simple name when built from config without an explicit table.
	Table      string                  `mapstructure:"table" json:"table"`
	PrimaryKey string                  `mapstructure:"primary_key" json:"primary_key"`
	PKType     PKType                  `mapstructure:"pk_type" json:"pk_type"`
	Relations  map[string]Relationship `mapstructure:"relationships" json:"relationships,omitempty"`
}

// SimpleName returns the entity name without any package/namespace qualifier.
func (d *Descriptor) SimpleName() string {
	if i := strings.LastIndexAny(d.Name, "./\\"); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// Relationship looks up a relationship by name.
func (d *Descriptor) Relationship(name string) (Relationship, bool) {
	r, ok := d.Relations[name]
	return r, ok
}

// Validate checks the descriptor is usable for query compilation.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("entity: descriptor missing name")
	}
	if d.Table == "" {
		return fmt.Errorf("entity %s: missing table", d.Name)
	}
	if d.PrimaryKey == "" {
		return fmt.Errorf("entity %s: missing primary key", d.Name)
	}
	for name, rel := range d.Relations {
		if rel.Table == "" {
			return fmt.Errorf("entity %s: relationship %s missing table", d.Name, name)
		}
		if rel.Kind == RelManyToMany && rel.JoinTable == "" {
			return fmt.Errorf("entity %s: relationship %s missing join table", d.Name, name)
		}
	}
	return nil
}
