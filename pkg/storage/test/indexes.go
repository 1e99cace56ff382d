package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

// IndexingTest checks index declaration and unique-key enforcement.
func IndexingTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_indexes"

	indexes := []schema.Index{
		{Name: "email_unique", Keys: []schema.IndexKey{{Field: "email"}}, Unique: true},
		{Keys: []schema.IndexKey{{Field: "createdAt", Desc: true}}},
	}
	require.NoError(t, ds.EnsureIndexes(ctx, collection, indexes))

	// Declaring the same indexes again must be a no-op.
	require.NoError(t, ds.EnsureIndexes(ctx, collection, indexes))

	require.NoError(t, ds.InsertOne(ctx, collection, storage.Document{"_id": "i1", "email": "a@example.test"}))

	t.Run("unique_index_rejects_duplicates", func(t *testing.T) {
		err := ds.InsertOne(ctx, collection, storage.Document{"_id": "i2", "email": "a@example.test"})
		require.ErrorIs(t, err, storage.ErrDuplicateKey)
	})

	t.Run("distinct_values_are_accepted", func(t *testing.T) {
		require.NoError(t, ds.InsertOne(ctx, collection, storage.Document{"_id": "i3", "email": "b@example.test"}))
	})
}
