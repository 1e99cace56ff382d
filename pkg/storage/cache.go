package storage

import (
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

const defaultMaxCacheSize = 10000

// InMemoryCache is a general purpose cache to store things in memory. The
// cached source-lookup wrapper uses it to keep recently fetched source
// documents around between refreshes.
type InMemoryCache[T any] interface {
	// Get returns the cached value and whether a live entry exists.
	Get(key string) (T, bool)

	Set(key string, value T, ttl time.Duration)

	// Stop cleans resources.
	Stop()
}

// InMemoryLRUCache is an InMemoryCache with least-recently-used eviction.
type InMemoryLRUCache[T any] struct {
	ccache      *ccache.Cache[T]
	maxElements int64
	stopOnce    *sync.Once
}

type InMemoryLRUCacheOpt[T any] func(i *InMemoryLRUCache[T])

// WithMaxCacheSize overrides the default number of tracked entries.
func WithMaxCacheSize[T any](maxElements int64) InMemoryLRUCacheOpt[T] {
	return func(i *InMemoryLRUCache[T]) {
		i.maxElements = maxElements
	}
}

var _ InMemoryCache[any] = (*InMemoryLRUCache[any])(nil)

func NewInMemoryLRUCache[T any](opts ...InMemoryLRUCacheOpt[T]) *InMemoryLRUCache[T] {
	c := &InMemoryLRUCache[T]{
		maxElements: defaultMaxCacheSize,
		stopOnce:    &sync.Once{},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ccache = ccache.New(ccache.Configure[T]().MaxSize(c.maxElements))
	return c
}

func (i InMemoryLRUCache[T]) Get(key string) (T, bool) {
	var zero T
	item := i.ccache.Get(key)
	if item == nil || item.Expired() {
		return zero, false
	}

	return item.Value(), true
}

func (i InMemoryLRUCache[T]) Set(key string, value T, ttl time.Duration) {
	i.ccache.Set(key, value, ttl)
}

func (i InMemoryLRUCache[T]) Stop() {
	i.stopOnce.Do(func() {
		i.ccache.Stop()
	})
}
