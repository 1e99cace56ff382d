package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// UpdateTest checks the update grammar: $set (static and positional),
// $unset, $pull, $inc, and the reported match and modify counts.
func UpdateTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_updates"

	require.NoError(t, ds.InsertMany(ctx, collection, []storage.Document{
		{"_id": "u1", "state": "draft", "count": 1, "tags": bson.A{"go", "db", "go"}},
		{"_id": "u2", "state": "draft"},
		{"_id": "u3", "state": "published", "items": bson.A{
			storage.Document{"sku": "a", "qty": 1},
			storage.Document{"sku": "b", "qty": 2},
		}},
	}))

	t.Run("set_creates_nested_path", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$set": storage.Document{"meta.lang": "en"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.MatchedCount)
		require.EqualValues(t, 1, res.ModifiedCount)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u1"})
		require.NoError(t, err)
		meta, ok := got["meta"].(storage.Document)
		require.True(t, ok)
		require.Equal(t, "en", meta["lang"])
	})

	t.Run("set_without_change_reports_match_only", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$set": storage.Document{"meta.lang": "en"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.MatchedCount)
		require.EqualValues(t, 0, res.ModifiedCount)
	})

	t.Run("update_many", func(t *testing.T) {
		res, err := ds.UpdateMany(ctx, collection, storage.Document{"state": "draft"},
			storage.Document{"$set": storage.Document{"state": "review"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 2, res.MatchedCount)
		require.EqualValues(t, 2, res.ModifiedCount)
	})

	t.Run("update_one_stops_after_first_match", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"state": "review"},
			storage.Document{"$set": storage.Document{"seen": true}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.MatchedCount)

		n, err := ds.Count(ctx, collection, storage.Document{"seen": true})
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})

	t.Run("positional_set_with_array_filter", func(t *testing.T) {
		res, err := ds.UpdateMany(ctx, collection, storage.Document{"_id": "u3"},
			storage.Document{"$set": storage.Document{"items.$[it].qty": 9}},
			storage.UpdateOptions{ArrayFilters: []storage.Document{{"it.sku": "b"}}})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.ModifiedCount)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u3"})
		require.NoError(t, err)
		items, ok := got["items"].(bson.A)
		require.True(t, ok)
		require.EqualValues(t, 1, items[0].(storage.Document)["qty"])
		require.EqualValues(t, 9, items[1].(storage.Document)["qty"])
	})

	t.Run("positional_without_matching_identifier_fails", func(t *testing.T) {
		_, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u3"},
			storage.Document{"$set": storage.Document{"items.$[x].qty": 1}},
			storage.UpdateOptions{ArrayFilters: []storage.Document{{"y.sku": "a"}}})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})

	t.Run("unset_removes_field", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$unset": storage.Document{"meta": ""}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.ModifiedCount)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u1"})
		require.NoError(t, err)
		require.NotContains(t, got, "meta")
	})

	t.Run("pull_scalar_value", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$pull": storage.Document{"tags": "go"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.ModifiedCount)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u1"})
		require.NoError(t, err)
		require.Equal(t, bson.A{"db"}, got["tags"])
	})

	t.Run("pull_with_field_condition", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u3"},
			storage.Document{"$pull": storage.Document{"items": storage.Document{"qty": storage.Document{"$gte": 9}}}},
			storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.ModifiedCount)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u3"})
		require.NoError(t, err)
		items, ok := got["items"].(bson.A)
		require.True(t, ok)
		require.Len(t, items, 1)
		require.Equal(t, "a", items[0].(storage.Document)["sku"])
	})

	t.Run("pull_on_missing_field_is_a_no_op", func(t *testing.T) {
		res, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u2"},
			storage.Document{"$pull": storage.Document{"tags": "go"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.EqualValues(t, 1, res.MatchedCount)
		require.EqualValues(t, 0, res.ModifiedCount)
	})

	t.Run("inc_keeps_integers", func(t *testing.T) {
		_, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$inc": storage.Document{"count": 2}}, storage.UpdateOptions{})
		require.NoError(t, err)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u1"})
		require.NoError(t, err)
		require.EqualValues(t, 3, got["count"])
		_, isFloat := got["count"].(float64)
		require.False(t, isFloat)
	})

	t.Run("inc_creates_missing_field", func(t *testing.T) {
		_, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u2"},
			storage.Document{"$inc": storage.Document{"visits": 5}}, storage.UpdateOptions{})
		require.NoError(t, err)

		got, err := ds.FindOne(ctx, collection, storage.Document{"_id": "u2"})
		require.NoError(t, err)
		require.EqualValues(t, 5, got["visits"])
	})

	t.Run("find_one_and_update_returns_post_image", func(t *testing.T) {
		got, err := ds.FindOneAndUpdate(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$set": storage.Document{"state": "final"}}, storage.UpdateOptions{})
		require.NoError(t, err)
		require.Equal(t, "final", got["state"])
	})

	t.Run("find_one_and_update_missing_document", func(t *testing.T) {
		_, err := ds.FindOneAndUpdate(ctx, collection, storage.Document{"_id": "nope"},
			storage.Document{"$set": storage.Document{"state": "final"}}, storage.UpdateOptions{})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("unknown_update_operator", func(t *testing.T) {
		_, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{"$rename": storage.Document{"state": "phase"}}, storage.UpdateOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})

	t.Run("empty_update_document", func(t *testing.T) {
		_, err := ds.UpdateOne(ctx, collection, storage.Document{"_id": "u1"},
			storage.Document{}, storage.UpdateOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidUpdate)
	})
}

// DeleteTest checks single and bulk document removal.
func DeleteTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_deletes"

	require.NoError(t, ds.InsertMany(ctx, collection, []storage.Document{
		{"_id": "d1", "state": "old"},
		{"_id": "d2", "state": "old"},
		{"_id": "d3", "state": "new"},
	}))

	t.Run("find_one_and_delete_returns_the_document", func(t *testing.T) {
		doc, err := ds.FindOneAndDelete(ctx, collection, storage.Document{"_id": "d3"})
		require.NoError(t, err)
		require.Equal(t, "new", doc["state"])

		_, err = ds.FindOne(ctx, collection, storage.Document{"_id": "d3"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("find_one_and_delete_missing_document", func(t *testing.T) {
		_, err := ds.FindOneAndDelete(ctx, collection, storage.Document{"_id": "d3"})
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("delete_many", func(t *testing.T) {
		res, err := ds.DeleteMany(ctx, collection, storage.Document{"state": "old"})
		require.NoError(t, err)
		require.EqualValues(t, 2, res.DeletedCount)

		n, err := ds.Count(ctx, collection, storage.Document{})
		require.NoError(t, err)
		require.EqualValues(t, 0, n)
	})
}
