// Package storagewrappers contains decorators over the storage interfaces.
package storagewrappers

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/docrel/docrel/internal/build"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

var (
	tracer = otel.Tracer("docrel/pkg/storage/storagewrappers")

	_ storage.DocumentReader = (*CachedReader)(nil)

	readsCacheTotalCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cached_reads_total_count",
		Help:      "The total number of reads passing through the cached reader.",
	}, []string{"operation"})

	readsCacheHitCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "cached_reads_hit_count",
		Help:      "The total number of reads served from the cache.",
	}, []string{"operation"})
)

type CachedReaderOpt func(*CachedReader)

// WithCachedReaderLogger sets the logger for the CachedReader.
func WithCachedReaderLogger(logger logger.Logger) CachedReaderOpt {
	return func(c *CachedReader) {
		c.logger = logger
	}
}

// CachedReader is a read-through cache over a [storage.DocumentReader].
// Results are memoized per (operation, collection, filter, options) for the
// configured TTL, so callers accept reads that are stale by at most that
// long. Returned documents are shared with the cache and must be treated as
// read-only.
type CachedReader struct {
	storage.DocumentReader

	cache storage.InMemoryCache[any]
	ttl   time.Duration

	// sf collapses concurrent identical misses into one upstream read.
	sf *singleflight.Group

	logger logger.Logger
}

// NewCachedReader returns a read-through cache over inner.
func NewCachedReader(inner storage.DocumentReader, cache storage.InMemoryCache[any], ttl time.Duration, opts ...CachedReaderOpt) *CachedReader {
	c := &CachedReader{
		DocumentReader: inner,
		cache:          cache,
		ttl:            ttl,
		sf:             &singleflight.Group{},
		logger:         logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Find see [storage.DocumentReader].Find.
func (c *CachedReader) Find(ctx context.Context, collection string, filter storage.Document, opts storage.FindOptions) ([]storage.Document, error) {
	ctx, span := tracer.Start(ctx, "cache.Find")
	defer span.End()

	key, err := cacheKey("find", collection, filter, opts)
	if err != nil {
		// Unhashable filters skip the cache.
		return c.DocumentReader.Find(ctx, collection, filter, opts)
	}

	readsCacheTotalCounter.WithLabelValues("find").Inc()
	if hit, ok := c.cache.Get(key); ok {
		readsCacheHitCounter.WithLabelValues("find").Inc()
		span.SetAttributes(attribute.Bool("cached", true))
		return hit.([]storage.Document), nil
	}

	out, err, _ := c.sf.Do(key, func() (any, error) {
		docs, err := c.DocumentReader.Find(ctx, collection, filter, opts)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, docs, c.ttl)
		return docs, nil
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return out.([]storage.Document), nil
}

// FindOne see [storage.DocumentReader].FindOne. Misses, including
// [storage.ErrNotFound], are not cached.
func (c *CachedReader) FindOne(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	ctx, span := tracer.Start(ctx, "cache.FindOne")
	defer span.End()

	key, err := cacheKey("findOne", collection, filter)
	if err != nil {
		return c.DocumentReader.FindOne(ctx, collection, filter)
	}

	readsCacheTotalCounter.WithLabelValues("findOne").Inc()
	if hit, ok := c.cache.Get(key); ok {
		readsCacheHitCounter.WithLabelValues("findOne").Inc()
		span.SetAttributes(attribute.Bool("cached", true))
		return hit.(storage.Document), nil
	}

	out, err, _ := c.sf.Do(key, func() (any, error) {
		doc, err := c.DocumentReader.FindOne(ctx, collection, filter)
		if err != nil {
			return nil, err
		}
		c.cache.Set(key, doc, c.ttl)
		return doc, nil
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return out.(storage.Document), nil
}

// Count see [storage.DocumentReader].Count.
func (c *CachedReader) Count(ctx context.Context, collection string, filter storage.Document) (int64, error) {
	ctx, span := tracer.Start(ctx, "cache.Count")
	defer span.End()

	key, err := cacheKey("count", collection, filter)
	if err != nil {
		return c.DocumentReader.Count(ctx, collection, filter)
	}

	readsCacheTotalCounter.WithLabelValues("count").Inc()
	if hit, ok := c.cache.Get(key); ok {
		readsCacheHitCounter.WithLabelValues("count").Inc()
		span.SetAttributes(attribute.Bool("cached", true))
		return hit.(int64), nil
	}

	out, err, _ := c.sf.Do(key, func() (any, error) {
		n, err := c.DocumentReader.Count(ctx, collection, filter)
		if err != nil {
			return int64(0), err
		}
		c.cache.Set(key, n, c.ttl)
		return n, nil
	})
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}
	return out.(int64), nil
}

// cacheKey builds a stable key from the operation, the collection, and the
// JSON form of each part. Map keys serialize sorted, so two equal filters
// hash identically.
func cacheKey(op, collection string, parts ...any) (string, error) {
	h := xxhash.New()
	_, _ = h.WriteString(op)
	_, _ = h.WriteString("/")
	_, _ = h.WriteString(collection)

	for _, part := range parts {
		raw, err := json.Marshal(part)
		if err != nil {
			return "", err
		}
		_, _ = h.WriteString("/")
		_, _ = h.Write(raw)
	}
	return strconv.FormatUint(h.Sum64(), 10), nil
}
