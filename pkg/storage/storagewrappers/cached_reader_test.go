package storagewrappers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/storage/memory"
)

// countingReader counts the reads that reach the underlying datastore.
type countingReader struct {
	storage.DocumentReader
	calls atomic.Int64
}

func (c *countingReader) Find(ctx context.Context, collection string, filter storage.Document, opts storage.FindOptions) ([]storage.Document, error) {
	c.calls.Add(1)
	return c.DocumentReader.Find(ctx, collection, filter, opts)
}

func (c *countingReader) FindOne(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	c.calls.Add(1)
	return c.DocumentReader.FindOne(ctx, collection, filter)
}

func (c *countingReader) Count(ctx context.Context, collection string, filter storage.Document) (int64, error) {
	c.calls.Add(1)
	return c.DocumentReader.Count(ctx, collection, filter)
}

func newCachedFixture(t *testing.T, ttl time.Duration) (*CachedReader, *countingReader) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	ctx := context.Background()
	ds := memory.New()
	require.NoError(t, ds.InsertMany(ctx, "posts", []storage.Document{
		{"_id": "p1", "title": "one"},
		{"_id": "p2", "title": "two"},
	}))

	inner := &countingReader{DocumentReader: ds}
	cache := storage.NewInMemoryLRUCache[any]()
	t.Cleanup(cache.Stop)

	return NewCachedReader(inner, cache, ttl), inner
}

func TestCachedReaderMemoizesFinds(t *testing.T) {
	reader, inner := newCachedFixture(t, 10*time.Second)
	ctx := context.Background()

	first, err := reader.Find(ctx, "posts", storage.Document{"_id": "p1"}, storage.FindOptions{})
	require.NoError(t, err)
	second, err := reader.Find(ctx, "posts", storage.Document{"_id": "p1"}, storage.FindOptions{})
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.EqualValues(t, 1, inner.calls.Load())

	// A different filter is a different cache entry.
	_, err = reader.Find(ctx, "posts", storage.Document{"title": "two"}, storage.FindOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, inner.calls.Load())

	// So are different find options over the same filter.
	_, err = reader.Find(ctx, "posts", storage.Document{"_id": "p1"}, storage.FindOptions{Limit: 1})
	require.NoError(t, err)
	require.EqualValues(t, 3, inner.calls.Load())
}

func TestCachedReaderExpiresEntries(t *testing.T) {
	reader, inner := newCachedFixture(t, time.Nanosecond)
	ctx := context.Background()

	_, err := reader.Count(ctx, "posts", storage.Document{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	n, err := reader.Count(ctx, "posts", storage.Document{})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.EqualValues(t, 2, inner.calls.Load())
}

func TestCachedReaderDoesNotCacheMisses(t *testing.T) {
	reader, inner := newCachedFixture(t, 10*time.Second)
	ctx := context.Background()

	_, err := reader.FindOne(ctx, "posts", storage.Document{"_id": "nope"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = reader.FindOne(ctx, "posts", storage.Document{"_id": "nope"})
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.EqualValues(t, 2, inner.calls.Load())
}

func TestCachedReaderFindOneHit(t *testing.T) {
	reader, inner := newCachedFixture(t, 10*time.Second)
	ctx := context.Background()

	doc, err := reader.FindOne(ctx, "posts", storage.Document{"_id": "p2"})
	require.NoError(t, err)
	require.Equal(t, "two", doc["title"])

	again, err := reader.FindOne(ctx, "posts", storage.Document{"_id": "p2"})
	require.NoError(t, err)
	require.Equal(t, doc, again)
	require.EqualValues(t, 1, inner.calls.Load())
}
