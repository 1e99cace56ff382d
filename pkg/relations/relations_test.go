package relations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/storage/memory"
)

// blogSchema declares the fixture most tests run against: posts embedding a
// user (separate, watched), tags (array), and a directory (in-place).
func blogSchema() []*schema.Collection {
	return []*schema.Collection{
		{
			Name: "users",
			Fields: []schema.Field{
				{Name: "name", Type: schema.TypeString},
				{Name: "avatar", Type: schema.TypeString},
				{Name: "counter", Type: schema.TypeInt},
			},
		},
		{
			Name: "tags",
			Fields: []schema.Field{
				{Name: "name", Type: schema.TypeString},
				{Name: "color", Type: schema.TypeString},
			},
		},
		{
			Name: "directories",
			Fields: []schema.Field{
				{Name: "name", Type: schema.TypeString},
				{Name: "path", Type: schema.TypeString},
			},
		},
		{
			Name: "posts",
			Fields: []schema.Field{
				{Name: "title", Type: schema.TypeString},
				{Name: "tagIds", Type: schema.TypeArray},
			},
			Relations: map[string]*schema.Relation{
				"author": {
					Collection: "users",
					Embed: &schema.EmbedRelation{
						SourcePath:  "authorId",
						TargetField: "author",
						Fields:      schema.FieldSelection{Names: []string{"name", "avatar"}},
						Reverse:     &schema.ReverseSpec{Enabled: true, WatchFields: []string{"name", "avatar"}},
						OnDelete:    schema.DeleteNullify,
					},
				},
				"tags": {
					Collection: "tags",
					Embed: &schema.EmbedRelation{
						SourcePath:  "tagIds",
						TargetField: "tags",
						Fields:      schema.FieldSelection{Names: []string{"name"}},
						Reverse:     &schema.ReverseSpec{Enabled: true},
						OnDelete:    schema.DeleteNullify,
					},
				},
				"directory": {
					Collection: "directories",
					Embed: &schema.EmbedRelation{
						SourcePath: "directory._id",
						Fields:     schema.FieldSelection{Names: []string{"name", "path"}},
						Reverse:    &schema.ReverseSpec{Enabled: true},
						OnDelete:   schema.DeleteClear,
					},
				},
			},
		},
	}
}

func newRegistry(t *testing.T, collections ...*schema.Collection) *schema.Registry {
	t.Helper()
	reg, err := schema.New(collections...)
	require.NoError(t, err)
	return reg
}

func newStore(t *testing.T) *memory.Datastore {
	t.Helper()
	ds := memory.New()
	t.Cleanup(ds.Close)
	return ds
}

func seed(t *testing.T, ds *memory.Datastore, collection string, docs ...storage.Document) {
	t.Helper()
	require.NoError(t, ds.InsertMany(context.Background(), collection, docs))
}

func fetch(t *testing.T, ds *memory.Datastore, collection string, id any) storage.Document {
	t.Helper()
	doc, err := ds.FindOne(context.Background(), collection, storage.Document{"_id": id})
	require.NoError(t, err)
	return doc
}
