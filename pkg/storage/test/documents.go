package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// DocumentWritingAndReadingTest checks the insert and single-document read
// paths, including identifier generation and duplicate handling.
func DocumentWritingAndReadingTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_documents"

	t.Run("find_one_on_empty_collection", func(t *testing.T) {
		_, err := ds.FindOne(ctx, collection, storage.Document{"_id": "missing"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("insert_and_read_back", func(t *testing.T) {
		require.NoError(t, ds.InsertOne(ctx, collection, storage.Document{
			"_id":   "doc-1",
			"title": "intro",
			"meta":  storage.Document{"lang": "en"},
		}))

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "doc-1"})
		require.NoError(t, err)
		require.Equal(t, "intro", got["title"])

		meta, ok := got["meta"].(storage.Document)
		require.True(t, ok)
		require.Equal(t, "en", meta["lang"])
	})

	t.Run("duplicate_identifier_is_rejected", func(t *testing.T) {
		err := ds.InsertOne(ctx, collection, storage.Document{"_id": "doc-1"})
		require.ErrorIs(t, err, storage.ErrDuplicateKey)
	})

	t.Run("missing_identifier_is_generated", func(t *testing.T) {
		require.NoError(t, ds.InsertOne(ctx, collection, storage.Document{"title": "draft"}))

		got, err := ds.FindOne(ctx, collection, storage.Document{"title": "draft"})
		require.NoError(t, err)
		id, ok := got["_id"].(bson.ObjectID)
		require.True(t, ok)
		require.False(t, id.IsZero())
	})

	t.Run("insert_many_and_count", func(t *testing.T) {
		require.NoError(t, ds.InsertMany(ctx, collection, []storage.Document{
			{"_id": "doc-2", "title": "part one"},
			{"_id": "doc-3", "title": "part two"},
		}))

		n, err := ds.Count(ctx, collection, storage.Document{})
		require.NoError(t, err)
		require.EqualValues(t, 4, n)
	})

	t.Run("insert_many_is_ordered", func(t *testing.T) {
		err := ds.InsertMany(ctx, collection, []storage.Document{
			{"_id": "doc-4"},
			{"_id": "doc-4"},
		})
		require.ErrorIs(t, err, storage.ErrDuplicateKey)

		// The document before the failing one must have been persisted.
		n, err := ds.Count(ctx, collection, storage.Document{"_id": "doc-4"})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})
}
