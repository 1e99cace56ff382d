package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// FilterTest checks the filter grammar: equality, dotted paths, array
// fan-out, null semantics, operators, and boolean composition.
func FilterTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_filters"

	require.NoError(t, ds.InsertMany(ctx, collection, []storage.Document{
		{"_id": "a", "kind": "post", "score": 10, "tags": bson.A{"go", "db"}, "author": storage.Document{"name": "ann", "active": true}},
		{"_id": "b", "kind": "post", "score": 25, "tags": bson.A{"go"}, "author": storage.Document{"name": "bob", "active": false}},
		{"_id": "c", "kind": "page", "score": 25, "author": storage.Document{"name": "cal", "active": true}},
		{"_id": "d", "kind": "page"},
	}))

	tests := []struct {
		name   string
		filter storage.Document
		want   []string
	}{
		{
			name:   "empty_filter_matches_everything",
			filter: storage.Document{},
			want:   []string{"a", "b", "c", "d"},
		},
		{
			name:   "scalar_equality",
			filter: storage.Document{"kind": "post"},
			want:   []string{"a", "b"},
		},
		{
			name:   "equality_matches_array_elements",
			filter: storage.Document{"tags": "db"},
			want:   []string{"a"},
		},
		{
			name:   "dotted_path",
			filter: storage.Document{"author.name": "ann"},
			want:   []string{"a"},
		},
		{
			name:   "embedded_document_equality",
			filter: storage.Document{"author": storage.Document{"name": "cal", "active": true}},
			want:   []string{"c"},
		},
		{
			name:   "null_matches_missing_field",
			filter: storage.Document{"score": nil},
			want:   []string{"d"},
		},
		{
			name:   "in",
			filter: storage.Document{"_id": storage.Document{"$in": bson.A{"a", "c"}}},
			want:   []string{"a", "c"},
		},
		{
			name:   "nin",
			filter: storage.Document{"kind": storage.Document{"$nin": bson.A{"post"}}},
			want:   []string{"c", "d"},
		},
		{
			name:   "ne_matches_missing_field",
			filter: storage.Document{"score": storage.Document{"$ne": 10}},
			want:   []string{"b", "c", "d"},
		},
		{
			name:   "exists_false",
			filter: storage.Document{"score": storage.Document{"$exists": false}},
			want:   []string{"d"},
		},
		{
			name:   "exists_true",
			filter: storage.Document{"tags": storage.Document{"$exists": true}},
			want:   []string{"a", "b"},
		},
		{
			name:   "greater_than",
			filter: storage.Document{"score": storage.Document{"$gt": 10}},
			want:   []string{"b", "c"},
		},
		{
			name:   "bounded_range",
			filter: storage.Document{"score": storage.Document{"$gte": 10, "$lt": 25}},
			want:   []string{"a"},
		},
		{
			name: "and",
			filter: storage.Document{"$and": bson.A{
				storage.Document{"kind": "post"},
				storage.Document{"score": storage.Document{"$gte": 20}},
			}},
			want: []string{"b"},
		},
		{
			name: "or",
			filter: storage.Document{"$or": bson.A{
				storage.Document{"author.name": "ann"},
				storage.Document{"kind": "page"},
			}},
			want: []string{"a", "c", "d"},
		},
		{
			name:   "expr_field_comparison",
			filter: storage.Document{"$expr": storage.Document{"$eq": bson.A{"$kind", "post"}}},
			want:   []string{"a", "b"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			docs, err := ds.Find(ctx, collection, tc.filter, storage.FindOptions{
				Sort: bson.D{{Key: "_id", Value: 1}},
			})
			require.NoError(t, err)
			require.Equal(t, tc.want, identifiers(docs))
		})
	}

	t.Run("unknown_operator_is_rejected", func(t *testing.T) {
		_, err := ds.Find(ctx, collection, storage.Document{"score": storage.Document{"$mod": 3}}, storage.FindOptions{})
		require.ErrorIs(t, err, storage.ErrInvalidFilter)
	})
}

// FindOptionsTest checks sorting, windowing, and projections on Find.
func FindOptionsTest(t *testing.T, ds storage.DocumentStore) {
	ctx := context.Background()
	collection := "suite_find_options"

	require.NoError(t, ds.InsertMany(ctx, collection, []storage.Document{
		{"_id": "p1", "rank": 3, "title": "three"},
		{"_id": "p2", "rank": 1, "title": "one"},
		{"_id": "p3", "rank": 5, "title": "five"},
		{"_id": "p4", "rank": 4, "title": "four"},
		{"_id": "p5", "rank": 2, "title": "two"},
	}))

	t.Run("sort_descending", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Document{}, storage.FindOptions{
			Sort: bson.D{{Key: "rank", Value: -1}},
		})
		require.NoError(t, err)
		require.Equal(t, []string{"p3", "p4", "p1", "p5", "p2"}, identifiers(docs))
	})

	t.Run("skip_and_limit_window", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Document{}, storage.FindOptions{
			Sort:  bson.D{{Key: "rank", Value: 1}},
			Skip:  1,
			Limit: 2,
		})
		require.NoError(t, err)
		require.Equal(t, []string{"p5", "p1"}, identifiers(docs))
	})

	t.Run("skip_past_the_end", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Document{}, storage.FindOptions{Skip: 10})
		require.NoError(t, err)
		require.Empty(t, docs)
	})

	t.Run("projection_inclusion", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Document{"_id": "p1"}, storage.FindOptions{
			Projection: storage.Document{"title": 1},
		})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "p1", docs[0]["_id"])
		require.Equal(t, "three", docs[0]["title"])
		require.NotContains(t, docs[0], "rank")
	})

	t.Run("projection_exclusion", func(t *testing.T) {
		docs, err := ds.Find(ctx, collection, storage.Document{"_id": "p1"}, storage.FindOptions{
			Projection: storage.Document{"rank": 0},
		})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		require.Equal(t, "three", docs[0]["title"])
		require.NotContains(t, docs[0], "rank")
	})
}
