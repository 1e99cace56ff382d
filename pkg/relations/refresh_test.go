package relations

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/storage/memory"
)

type failingUpdater struct {
	storage.DocumentWriter
	err error
}

func (w failingUpdater) UpdateOne(context.Context, string, storage.Document, storage.Document, storage.UpdateOptions) (storage.UpdateResult, error) {
	return storage.UpdateResult{}, w.err
}

func TestRefreshResultsNeverTouchesPersistedState(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann"})
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "u1",
		"author":   storage.Document{"_id": "u1", "name": "ann"},
	})

	// The source changes behind the embed's back.
	_, err := ds.UpdateOne(ctx, "users", storage.Document{"_id": "u1"},
		storage.Document{"$set": storage.Document{"name": "ann v2"}}, storage.UpdateOptions{})
	require.NoError(t, err)

	docs, err := ds.Find(ctx, "posts", storage.Document{}, storage.FindOptions{})
	require.NoError(t, err)

	ref := NewRefresher(reg, ds, ds)
	refreshed, err := ref.RefreshResults(ctx, "posts", docs, "author")
	require.NoError(t, err)

	require.Equal(t, "ann v2", refreshed[0]["author"].(storage.Document)["name"])

	// Neither the inputs nor the stored document changed.
	require.Equal(t, "ann", docs[0]["author"].(storage.Document)["name"])
	require.Equal(t, "ann", fetch(t, ds, "posts", "p1")["author"].(storage.Document)["name"])
}

func TestRefreshResultsDefaultsToEveryEmbed(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann v2"})
	seed(t, ds, "tags", storage.Document{"_id": "t1", "name": "golang"})
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "u1",
		"author":   storage.Document{"_id": "u1", "name": "ann"},
		"tagIds":   bson.A{"t1"},
		"tags":     bson.A{storage.Document{"_id": "t1", "name": "go"}},
	})

	docs, err := ds.Find(ctx, "posts", storage.Document{}, storage.FindOptions{})
	require.NoError(t, err)

	ref := NewRefresher(reg, ds, ds)
	refreshed, err := ref.RefreshResults(ctx, "posts", docs)
	require.NoError(t, err)

	require.Equal(t, "ann v2", refreshed[0]["author"].(storage.Document)["name"])
	require.Equal(t, bson.A{storage.Document{"_id": "t1", "name": "golang"}}, refreshed[0]["tags"])
}

func TestRefreshResultsUnknownRelation(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)

	ref := NewRefresher(reg, ds, ds)
	_, err := ref.RefreshResults(context.Background(), "posts", nil, "nope")
	require.ErrorIs(t, err, schema.ErrUnknownRelation)
}

func refreshFixture(t *testing.T) (*Refresher, *memory.Datastore) {
	t.Helper()
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)

	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann"})
	seed(t, ds, "posts",
		// Stale snapshot.
		storage.Document{"_id": "p1", "authorId": "u1", "author": storage.Document{"_id": "u1", "name": "old"}},
		// Already fresh.
		storage.Document{"_id": "p2", "authorId": "u1", "author": storage.Document{"_id": "u1", "name": "ann"}},
		// Nothing to refresh.
		storage.Document{"_id": "p3", "title": "no author"},
	)

	return NewRefresher(reg, ds, ds), ds
}

func TestRefreshCollectionRewritesStaleSnapshots(t *testing.T) {
	ref, ds := refreshFixture(t)

	res, err := ref.RefreshCollection(context.Background(), "posts", "author", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 3, Updated: 1, Skipped: 2}, res)

	require.Equal(t, storage.Document{"_id": "u1", "name": "ann"}, fetch(t, ds, "posts", "p1")["author"])
}

func TestRefreshCollectionDryRunReportsWithoutWriting(t *testing.T) {
	ref, ds := refreshFixture(t)
	ctx := context.Background()

	dry, err := ref.RefreshCollection(ctx, "posts", "author", BatchOptions{DryRun: true})
	require.NoError(t, err)

	// Still stale on disk.
	require.Equal(t, "old", fetch(t, ds, "posts", "p1")["author"].(storage.Document)["name"])

	live, err := ref.RefreshCollection(ctx, "posts", "author", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, dry.Updated, live.Updated)
	require.Equal(t, dry.Matched, live.Matched)
}

func TestRefreshCollectionPaginates(t *testing.T) {
	ref, _ := refreshFixture(t)

	res, err := ref.RefreshCollection(context.Background(), "posts", "author", BatchOptions{BatchSize: 1})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 3, Updated: 1, Skipped: 2}, res)
}

func TestRefreshCollectionHonorsFilter(t *testing.T) {
	ref, _ := refreshFixture(t)

	res, err := ref.RefreshCollection(context.Background(), "posts", "author", BatchOptions{
		Filter: storage.Document{"_id": "p2"},
	})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 1, Skipped: 1}, res)
}

func TestRefreshCollectionIsolatesDocumentFailures(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "users", storage.Document{"_id": "u1", "name": "ann"})
	seed(t, ds, "posts",
		storage.Document{"_id": "p1", "authorId": "u1", "author": storage.Document{"_id": "u1", "name": "old"}},
		storage.Document{"_id": "p2", "authorId": "u1", "author": storage.Document{"_id": "u1", "name": "older"}},
	)

	boom := errors.New("boom")
	ref := NewRefresher(reg, ds, failingUpdater{DocumentWriter: ds, err: boom})

	res, err := ref.RefreshCollection(ctx, "posts", "author", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 2, Errors: 2}, res)
}

func TestRefreshCollectionArrayDropsVanishedSources(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "tags", storage.Document{"_id": "t1", "name": "go"})
	seed(t, ds, "posts", storage.Document{
		"_id":    "p1",
		"tagIds": bson.A{"t1", "t2"},
		"tags": bson.A{
			storage.Document{"_id": "t1", "name": "go"},
			storage.Document{"_id": "t2", "name": "db"},
		},
	})

	ref := NewRefresher(reg, ds, ds)
	res, err := ref.RefreshCollection(ctx, "posts", "tags", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Updated)

	post, err := ds.FindOne(ctx, "posts", storage.Document{"_id": "p1"})
	require.NoError(t, err)
	require.Equal(t, bson.A{storage.Document{"_id": "t1", "name": "go"}}, post["tags"])
}

func TestRefreshCollectionRemovesSnapshotOfVanishedSource(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	// The author was deleted; the stale snapshot is all that remains.
	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "ghost",
		"author":   storage.Document{"_id": "ghost", "name": "gone"},
	})

	ref := NewRefresher(reg, ds, ds)
	res, err := ref.RefreshCollection(ctx, "posts", "author", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 1, Updated: 1}, res)

	post := fetch(t, ds, "posts", "p1")
	require.NotContains(t, post, "author")
	require.Equal(t, "ghost", post["authorId"])

	// A second run has nothing left to do.
	res, err = ref.RefreshCollection(ctx, "posts", "author", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Matched: 1, Skipped: 1}, res)
}

func TestRefreshResultsHideVanishedSource(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "posts", storage.Document{
		"_id":      "p1",
		"authorId": "ghost",
		"author":   storage.Document{"_id": "ghost", "name": "gone"},
	})

	docs, err := ds.Find(ctx, "posts", storage.Document{}, storage.FindOptions{})
	require.NoError(t, err)

	ref := NewRefresher(reg, ds, ds)
	refreshed, err := ref.RefreshResults(ctx, "posts", docs, "author")
	require.NoError(t, err)

	require.NotContains(t, refreshed[0], "author")
	require.Contains(t, fetch(t, ds, "posts", "p1"), "author")
}

func TestRefreshCollectionInPlacePreservesSiblings(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)
	ctx := context.Background()

	seed(t, ds, "directories", storage.Document{"_id": "d1", "name": "docs", "path": "/docs"})
	seed(t, ds, "posts", storage.Document{
		"_id":       "p1",
		"directory": storage.Document{"_id": "d1", "order": 5, "name": "old", "path": "/old"},
	})

	ref := NewRefresher(reg, ds, ds)
	res, err := ref.RefreshCollection(ctx, "posts", "directory", BatchOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(1), res.Updated)

	require.Equal(t, storage.Document{
		"_id":   "d1",
		"order": 5,
		"name":  "docs",
		"path":  "/docs",
	}, fetch(t, ds, "posts", "p1")["directory"])
}

func TestRefreshCollectionUnknownRelation(t *testing.T) {
	reg := newRegistry(t, blogSchema()...)
	ds := newStore(t)

	ref := NewRefresher(reg, ds, ds)
	_, err := ref.RefreshCollection(context.Background(), "posts", "nope", BatchOptions{})
	require.ErrorIs(t, err, schema.ErrUnknownRelation)
}
