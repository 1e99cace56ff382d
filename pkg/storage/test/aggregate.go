package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// AggregateTest checks the pipeline stages the lookup builder emits:
// $match, $sort, $skip, $limit, $project, $lookup, and $unwind.
func AggregateTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()

	require.NoError(t, ds.InsertMany(ctx, "suite_customers", []storage.Document{
		{"_id": "c1", "name": "ann", "tier": "gold"},
		{"_id": "c2", "name": "bob", "tier": "basic"},
	}))
	require.NoError(t, ds.InsertMany(ctx, "suite_orders", []storage.Document{
		{"_id": "o1", "customerId": "c1", "total": 30},
		{"_id": "o2", "customerId": "c2", "total": 10},
		{"_id": "o3", "customerId": "c1", "total": 20},
		{"_id": "o4", "total": 5},
	}))

	lookupStage := bson.D{{Key: "$lookup", Value: storage.Document{
		"from": "suite_customers",
		"let":  storage.Document{"cid": "$customerId"},
		"pipeline": []bson.D{
			{{Key: "$match", Value: storage.Document{"$expr": storage.Document{"$eq": bson.A{"$_id", "$$cid"}}}}},
			{{Key: "$project", Value: storage.Document{"name": 1}}},
		},
		"as": "customer",
	}}}

	t.Run("match_sort_limit", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$match", Value: storage.Document{"total": storage.Document{"$gte": 10}}}},
			{{Key: "$sort", Value: bson.D{{Key: "total", Value: -1}}}},
			{{Key: "$limit", Value: 2}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o3"}, identifiers(out))
	})

	t.Run("skip", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$sort", Value: bson.D{{Key: "total", Value: 1}}}},
			{{Key: "$skip", Value: 2}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"o3", "o1"}, identifiers(out))
	})

	t.Run("project_inclusion_keeps_id", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$match", Value: storage.Document{"_id": "o1"}}},
			{{Key: "$project", Value: storage.Document{"total": 1}}},
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, "o1", out[0]["_id"])
		require.EqualValues(t, 30, out[0]["total"])
		require.NotContains(t, out[0], "customerId")
	})

	t.Run("lookup_with_pipeline_and_unwind", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$match", Value: storage.Document{"customerId": storage.Document{"$exists": true}}}},
			lookupStage,
			{{Key: "$unwind", Value: storage.Document{"path": "$customer", "preserveNullAndEmptyArrays": true}}},
			{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"o1", "o2", "o3"}, identifiers(out))

		customer, ok := out[0]["customer"].(storage.Document)
		require.True(t, ok)
		require.Equal(t, "ann", customer["name"])
		require.NotContains(t, customer, "tier")
	})

	t.Run("unwind_preserves_documents_without_matches", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$match", Value: storage.Document{"_id": "o4"}}},
			lookupStage,
			{{Key: "$unwind", Value: storage.Document{"path": "$customer", "preserveNullAndEmptyArrays": true}}},
		})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.NotContains(t, out[0], "customer")
	})

	t.Run("unwind_without_preserve_drops_unmatched", func(t *testing.T) {
		out, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$match", Value: storage.Document{"_id": "o4"}}},
			lookupStage,
			{{Key: "$unwind", Value: "$customer"}},
		})
		require.NoError(t, err)
		require.Empty(t, out)
	})

	t.Run("unknown_stage_is_rejected", func(t *testing.T) {
		_, err := ds.Aggregate(ctx, "suite_orders", []bson.D{
			{{Key: "$group", Value: storage.Document{"_id": "$customerId"}}},
		})
		require.ErrorIs(t, err, storage.ErrInvalidPipeline)
	})
}
