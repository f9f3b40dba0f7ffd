package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimpleName(t *testing.T) {
	assert.Equal(t, "Post", (&Descriptor{Name: "app.Post"}).SimpleName())
	assert.Equal(t, "Post", (&Descriptor{Name: "App/Models/Post"}).SimpleName())
	assert.Equal(t, "Post", (&Descriptor{Name: "Post"}).SimpleName())
}

func TestValidate(t *testing.T) {
	valid := Descriptor{
		Name: "app.Post", Table: "posts", PrimaryKey: "id", PKType: PKAutoInt,
		Relations: map[string]Relationship{
			"tags": {Name: "tags", Kind: RelManyToMany, Table: "tags", JoinTable: "post_tags"},
		},
	}
	assert.NoError(t, valid.Validate())

	missingTable := valid
	missingTable.Table = ""
	assert.Error(t, missingTable.Validate())

	missingPK := valid
	missingPK.PrimaryKey = ""
	assert.Error(t, missingPK.Validate())

	badRel := Descriptor{
		Name: "app.Post", Table: "posts", PrimaryKey: "id",
		Relations: map[string]Relationship{
			"tags": {Name: "tags", Kind: RelManyToMany, Table: "tags"},
		},
	}
	assert.Error(t, badRel.Validate(), "many-to-many requires a join table")
}

func TestRelationshipLookup(t *testing.T) {
	d := Descriptor{
		Name: "app.Post", Table: "posts", PrimaryKey: "id",
		Relations: map[string]Relationship{
			"comments": {Name: "comments", Kind: RelHasMany, Table: "comments"},
		},
	}
	rel, ok := d.Relationship("comments")
	assert.True(t, ok)
	assert.Equal(t, RelHasMany, rel.Kind)

	_, ok = d.Relationship("reviewers")
	assert.False(t, ok)
}
