// Package engine ties the relation machinery together into the CRUD surface
// callers use: collection handles whose writes validate references, resolve
// embed snapshots, propagate source updates, and apply delete actions, and
// whose reads compose join pipelines and optional embed refreshing.
//
// The engine is the only component invoking hooks; the relation machinery
// underneath neither calls nor depends on them.
package engine

import (
	"go.opentelemetry.io/otel"

	"github.com/docrel/docrel/internal/dispatch"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/relations"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

var tracer = otel.Tracer("docrel/pkg/engine")

// Engine owns the wired relation components for one schema registry and one
// datastore. Build it once during startup, register hooks, then hand out
// collection handles. Close releases the background propagation queue.
type Engine struct {
	registry *schema.Registry
	store    storage.DocumentStore
	logger   logger.Logger

	workers    int
	queueDepth int
	dispatcher *dispatch.Dispatcher

	forward    *relations.ForwardResolver
	propagator *relations.Propagator
	cascader   *relations.Cascader
	refresher  *relations.Refresher

	// refreshReader serves the source reads of query-time and batch
	// refreshing. Defaults to the datastore; a cached reader may be
	// substituted for read-heavy freshening of historical snapshots.
	refreshReader storage.DocumentReader

	hooks map[string]*hookSet
}

// Opt configures an Engine.
type Opt func(*Engine)

// WithLogger overrides the engine's noop logger. The relation components
// inherit it.
func WithLogger(l logger.Logger) Opt {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithAsyncWorkers sets the number of goroutines draining the async
// propagation queue.
func WithAsyncWorkers(n int) Opt {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithAsyncQueueDepth bounds the async propagation queue. Tasks dispatched
// while the queue is full are dropped and counted, never blocking the
// triggering write.
func WithAsyncQueueDepth(n int) Opt {
	return func(e *Engine) {
		e.queueDepth = n
	}
}

// WithRefreshReader substitutes the reader serving refresh source lookups,
// typically a storagewrappers.CachedReader. Write-path resolution and
// propagation keep reading the datastore directly.
func WithRefreshReader(r storage.DocumentReader) Opt {
	return func(e *Engine) {
		e.refreshReader = r
	}
}

// New wires an engine for the given registry and datastore.
func New(registry *schema.Registry, store storage.DocumentStore, opts ...Opt) *Engine {
	e := &Engine{
		registry:      registry,
		store:         store,
		logger:        logger.NewNoopLogger(),
		workers:       dispatch.DefaultWorkers,
		queueDepth:    dispatch.DefaultQueueSize,
		refreshReader: store,
		hooks:         make(map[string]*hookSet),
	}
	for _, opt := range opts {
		opt(e)
	}

	for _, name := range registry.CollectionNames() {
		e.hooks[name] = &hookSet{}
	}

	e.dispatcher = dispatch.New(e.workers, e.queueDepth, dispatch.WithLogger(e.logger))
	e.forward = relations.NewForwardResolver(registry, store, relations.WithForwardLogger(e.logger))
	e.propagator = relations.NewPropagator(registry, store,
		relations.WithPropagatorLogger(e.logger),
		relations.WithDispatcher(e.dispatcher),
	)
	e.cascader = relations.NewCascader(registry, store, relations.WithCascaderLogger(e.logger))
	e.refresher = relations.NewRefresher(registry, e.refreshReader, store, relations.WithRefresherLogger(e.logger))

	return e
}

// Collection returns the handle for a declared collection.
func (e *Engine) Collection(name string) (*Collection, error) {
	meta, err := e.registry.Collection(name)
	if err != nil {
		return nil, err
	}
	return &Collection{engine: e, meta: meta, hooks: e.hooks[name]}, nil
}

// MustCollection returns the handle for a declared collection and panics on
// an unknown name. Intended for startup wiring where the schema is known.
func (e *Engine) MustCollection(name string) *Collection {
	c, err := e.Collection(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Registry returns the schema registry the engine was built from.
func (e *Engine) Registry() *schema.Registry {
	return e.registry
}

// Close drains the async propagation queue and stops its workers. Pending
// tasks run to completion; new dispatches are rejected. The datastore's
// lifecycle stays with the caller.
func (e *Engine) Close() {
	e.dispatcher.Close()
}
