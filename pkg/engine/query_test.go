package engine

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/lookup"
	"github.com/docrel/docrel/pkg/relations"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

func TestFindFiltersSortsAndWindows(t *testing.T) {
	e, ds := newEngine(t)
	seed(t, ds, "users",
		storage.Document{"_id": "u1", "name": "ann", "counter": 3},
		storage.Document{"_id": "u2", "name": "bob", "counter": 1},
		storage.Document{"_id": "u3", "name": "cal", "counter": 2},
	)

	users := mustCollection(t, e, "users")
	docs, err := users.Find(context.Background(), Query{
		Where: storage.Document{"counter": storage.Document{"$gt": 1}},
		Sort:  []schema.SortKey{{Field: "counter", Desc: true}},
		Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "ann", docs[0]["name"])
}

func TestFindProjection(t *testing.T) {
	e, ds := newEngine(t)
	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann", "avatar": "a.png", "counter": 3})

	users := mustCollection(t, e, "users")
	docs, err := users.Find(context.Background(), Query{
		Select: schema.FieldSelection{Names: []string{"name"}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, storage.Document{"_id": "u1", "name": "ann"}, docs[0])
}

func TestFindWithIncludeJoins(t *testing.T) {
	e, ds := newEngine(t)
	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann"})
	seed(t, ds, "posts", storage.Document{"_id": "p1", "title": "hello", "authorId": "u1"})
	seed(t, ds, "comments", storage.Document{"_id": "c1", "postId": "p1", "body": "hi"})

	comments := mustCollection(t, e, "comments")
	docs, err := comments.Find(context.Background(), Query{
		Include: lookup.FromNames("post"),
	})
	require.NoError(t, err)
	require.Len(t, docs, 1)

	post, ok := docs[0]["post"].(storage.Document)
	require.True(t, ok, "cardinality-one lookups must flatten to a single document")
	require.Equal(t, "hello", post["title"])
}

func TestFindUnknownIncludeFails(t *testing.T) {
	e, _ := newEngine(t)

	comments := mustCollection(t, e, "comments")
	_, err := comments.Find(context.Background(), Query{
		Include: lookup.FromNames("nonexistent"),
	})
	require.Error(t, err)
}

func TestFindRefreshReturnsLiveStateWithoutPersisting(t *testing.T) {
	e, ds := newEngine(t)
	seed(t, ds, "products", storage.Document{"_id": "pr1", "name": "mug", "price": 5})

	orders := mustCollection(t, e, "orders")
	_, err := orders.InsertOne(context.Background(), storage.Document{"_id": "o1", "productId": "pr1"})
	require.NoError(t, err)

	_, err = ds.UpdateOne(context.Background(), "products",
		storage.Document{"_id": "pr1"},
		storage.Document{"$set": storage.Document{"name": "mug v2"}},
		storage.UpdateOptions{},
	)
	require.NoError(t, err)

	before := fetch(t, ds, "orders", "o1")

	docs, err := orders.Find(context.Background(), Query{RefreshAll: true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "mug v2", docs[0]["product"].(storage.Document)["name"])

	after := fetch(t, ds, "orders", "o1")
	if diff := cmp.Diff(before, after); diff != "" {
		t.Fatalf("query-time refresh must not touch persisted state (-before +after):\n%s", diff)
	}
	require.Equal(t, "mug", after["product"].(storage.Document)["name"])
}

func TestFindOneNotFound(t *testing.T) {
	e, _ := newEngine(t)

	users := mustCollection(t, e, "users")
	_, err := users.FindOne(context.Background(), Query{Where: storage.Document{"_id": "ghost"}})
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.True(t, IsNotFound(err))
}

func TestRefreshEmbedsBatch(t *testing.T) {
	e, ds := newEngine(t)
	seed(t, ds, "products", storage.Document{"_id": "pr1", "name": "mug", "price": 5})

	orders := mustCollection(t, e, "orders")
	for _, id := range []string{"o1", "o2"} {
		_, err := orders.InsertOne(context.Background(), storage.Document{"_id": id, "productId": "pr1"})
		require.NoError(t, err)
	}

	_, err := ds.UpdateOne(context.Background(), "products",
		storage.Document{"_id": "pr1"},
		storage.Document{"$set": storage.Document{"name": "mug v2"}},
		storage.UpdateOptions{},
	)
	require.NoError(t, err)

	result, err := orders.RefreshEmbeds(context.Background(), "product", relations.BatchOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.Matched)
	require.EqualValues(t, 2, result.Updated)
	require.EqualValues(t, 0, result.Errors)

	require.Equal(t, "mug v2", fetch(t, ds, "orders", "o1")["product"].(storage.Document)["name"])
	require.Equal(t, "mug v2", fetch(t, ds, "orders", "o2")["product"].(storage.Document)["name"])
}
