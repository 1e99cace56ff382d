package relations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

// cascadeSchema wires a single embed relation from "posts" to "users" with
// the given delete action.
func cascadeSchema(embed *schema.EmbedRelation) []*schema.Collection {
	return []*schema.Collection{
		{
			Name: "users",
			Fields: []schema.Field{
				{Name: "name", Type: schema.TypeString},
				{Name: "avatar", Type: schema.TypeString},
			},
		},
		{
			Name:   "posts",
			Fields: []schema.Field{{Name: "tagIds", Type: schema.TypeArray}},
			Relations: map[string]*schema.Relation{
				"author": {Collection: "users", Embed: embed},
			},
		},
	}
}

func TestCascadeDeleteRemovesDependents(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
		OnDelete:    schema.DeleteCascade,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts",
		storage.Document{"_id": "p1", "authorId": "u1"},
		storage.Document{"_id": "p2", "authorId": "u1"},
		storage.Document{"_id": "p3", "authorId": "u2"},
	)

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1", "name": "ann"}))

	left, err := ds.Find(context.Background(), "posts", storage.Document{}, storage.FindOptions{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	require.Equal(t, "p3", left[0]["_id"])
}

func TestCascadeDeleteMatchesNativeReferences(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
		OnDelete:    schema.DeleteCascade,
	})...)
	ds := newStore(t)

	oid := bson.NewObjectID()
	seed(t, ds, "posts", storage.Document{"_id": "p1", "authorId": oid})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": oid}))

	count, err := ds.Count(context.Background(), "posts", storage.Document{})
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestNullifyClearsReferenceAndSnapshot(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
		OnDelete:    schema.DeleteNullify,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"title":    "kept",
		"authorId": "u1",
		"author":   storage.Document{"_id": "u1", "name": "ann"},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"}))

	post := fetch(t, ds, "posts", "p1")
	require.Nil(t, post["authorId"])
	require.Nil(t, post["author"])
	require.Equal(t, "kept", post["title"])
}

func TestNullifyRemovesArrayElementsFromBothArrays(t *testing.T) {
	reg := newRegistry(t, []*schema.Collection{
		{Name: "tags", Fields: []schema.Field{{Name: "name", Type: schema.TypeString}}},
		{
			Name:   "posts",
			Fields: []schema.Field{{Name: "tagIds", Type: schema.TypeArray}},
			Relations: map[string]*schema.Relation{
				"tags": {
					Collection: "tags",
					Embed: &schema.EmbedRelation{
						SourcePath:  "tagIds",
						TargetField: "tags",
						OnDelete:    schema.DeleteNullify,
					},
				},
			},
		},
	}...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":    "p1",
		"tagIds": bson.A{"t1", "t2"},
		"tags": bson.A{
			storage.Document{"_id": "t1", "name": "go"},
			storage.Document{"_id": "t2", "name": "db"},
		},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "tags", storage.Document{"_id": "t1"}))

	post := fetch(t, ds, "posts", "p1")
	require.Equal(t, bson.A{"t2"}, post["tagIds"])
	require.Equal(t, bson.A{storage.Document{"_id": "t2", "name": "db"}}, post["tags"])
}

func TestNullifyPullsFanOutElements(t *testing.T) {
	reg := newRegistry(t, []*schema.Collection{
		{Name: "products", Fields: []schema.Field{{Name: "name", Type: schema.TypeString}}},
		{
			Name: "orders",
			Relations: map[string]*schema.Relation{
				"products": {
					Collection: "products",
					Embed: &schema.EmbedRelation{
						SourcePath:  "items[].productId",
						TargetField: "productCards",
						OnDelete:    schema.DeleteNullify,
					},
				},
			},
		},
	}...)
	ds := newStore(t)
	seed(t, ds, "orders", storage.Document{
		"_id": "o1",
		"items": bson.A{
			storage.Document{"sku": "a", "productId": "prod1"},
			storage.Document{"sku": "b", "productId": "prod2"},
		},
		"productCards": bson.A{
			storage.Document{"_id": "prod1", "name": "first"},
			storage.Document{"_id": "prod2", "name": "second"},
		},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "products", storage.Document{"_id": "prod1"}))

	order := fetch(t, ds, "orders", "o1")
	require.Equal(t, bson.A{storage.Document{"sku": "b", "productId": "prod2"}}, order["items"])
	require.Equal(t, bson.A{storage.Document{"_id": "prod2", "name": "second"}}, order["productCards"])
}

func TestNullifyInPlaceNullsTheNestedObject(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath: "owner._id",
		Fields:     schema.FieldSelection{Names: []string{"name"}},
		OnDelete:   schema.DeleteNullify,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":   "p1",
		"owner": storage.Document{"_id": "u1", "name": "ann", "role": "admin"},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"}))

	require.Nil(t, fetch(t, ds, "posts", "p1")["owner"])
}

func TestClearDropsOnlyTheSnapshot(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
		OnDelete:    schema.DeleteClear,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "u1",
		"author":   storage.Document{"_id": "u1", "name": "ann"},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"}))

	post := fetch(t, ds, "posts", "p1")
	// The foreign key survives, the denormalized detail is gone.
	require.Equal(t, "u1", post["authorId"])
	require.NotContains(t, post, "author")
}

func TestClearKeepsArrayReferences(t *testing.T) {
	reg := newRegistry(t, []*schema.Collection{
		{Name: "tags", Fields: []schema.Field{{Name: "name", Type: schema.TypeString}}},
		{
			Name:   "posts",
			Fields: []schema.Field{{Name: "tagIds", Type: schema.TypeArray}},
			Relations: map[string]*schema.Relation{
				"tags": {
					Collection: "tags",
					Embed: &schema.EmbedRelation{
						SourcePath:  "tagIds",
						TargetField: "tags",
						OnDelete:    schema.DeleteClear,
					},
				},
			},
		},
	}...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":    "p1",
		"tagIds": bson.A{"t1", "t2"},
		"tags": bson.A{
			storage.Document{"_id": "t1", "name": "go"},
			storage.Document{"_id": "t2", "name": "db"},
		},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "tags", storage.Document{"_id": "t1"}))

	post := fetch(t, ds, "posts", "p1")
	require.Equal(t, bson.A{"t1", "t2"}, post["tagIds"])
	require.Equal(t, bson.A{storage.Document{"_id": "t2", "name": "db"}}, post["tags"])
}

func TestClearInPlaceUnsetsSnapshotFields(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath: "owner._id",
		Fields:     schema.FieldSelection{Names: []string{"name", "avatar"}},
		OnDelete:   schema.DeleteClear,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":   "p1",
		"owner": storage.Document{"_id": "u1", "name": "ann", "avatar": "a.png", "role": "admin"},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"}))

	require.Equal(t, storage.Document{"_id": "u1", "role": "admin"}, fetch(t, ds, "posts", "p1")["owner"])
}

func TestOnDeleteSkipsRelationsWithoutAnAction(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "u1",
		"author":   storage.Document{"_id": "u1", "name": "ann"},
	})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"}))

	post := fetch(t, ds, "posts", "p1")
	require.Equal(t, "u1", post["authorId"])
	require.Equal(t, storage.Document{"_id": "u1", "name": "ann"}, post["author"])
}

func TestOnDeleteIsBestEffortAcrossTargets(t *testing.T) {
	reg := newRegistry(t,
		&schema.Collection{Name: "users"},
		&schema.Collection{
			Name: "comments",
			Relations: map[string]*schema.Relation{
				"author": {
					Collection: "users",
					Embed: &schema.EmbedRelation{
						SourcePath:  "authorId",
						TargetField: "author",
						OnDelete:    schema.DeleteCascade,
					},
				},
			},
		},
		&schema.Collection{
			Name: "posts",
			Relations: map[string]*schema.Relation{
				"author": {
					Collection: "users",
					Embed: &schema.EmbedRelation{
						SourcePath:  "authorId",
						TargetField: "author",
						OnDelete:    schema.DeleteNullify,
					},
				},
			},
		},
	)
	ds := newStore(t)
	seed(t, ds, "comments", storage.Document{"_id": "c1", "authorId": "u1"})
	seed(t, ds, "posts", storage.Document{"_id": "p1", "authorId": "u1"})

	// Updates fail, deletes work: the nullify fails, the cascade must
	// still have run.
	boom := errors.New("boom")
	casc := NewCascader(reg, failingWriter{DocumentWriter: ds, err: boom})

	err := casc.OnDelete(context.Background(), "users", storage.Document{"_id": "u1"})
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "nullify on posts.author")

	count, countErr := ds.Count(context.Background(), "comments", storage.Document{})
	require.NoError(t, countErr)
	require.Zero(t, count)
}

func TestOnDeleteWithoutIdentifierIsSkipped(t *testing.T) {
	reg := newRegistry(t, cascadeSchema(&schema.EmbedRelation{
		SourcePath:  "authorId",
		TargetField: "author",
		OnDelete:    schema.DeleteCascade,
	})...)
	ds := newStore(t)
	seed(t, ds, "posts", storage.Document{"_id": "p1", "authorId": "u1"})

	casc := NewCascader(reg, ds)
	require.NoError(t, casc.OnDelete(context.Background(), "users", storage.Document{"name": "no id"}))

	count, err := ds.Count(context.Background(), "posts", storage.Document{})
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
