// Package storage contains the datastore interfaces the engine runs against,
// together with the shared option, result, and error types.
package storage

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/schema"
)

// DefaultPageSize is the page size batch operations fall back to when the
// caller does not set one.
const DefaultPageSize = 100

// Document is the native document representation used across the engine.
// Nested documents are bson.M and arrays are bson.A.
type Document = bson.M

// FindOptions constrain a Find call. Zero values mean "no constraint".
type FindOptions struct {
	Sort       bson.D
	Limit      int64
	Skip       int64
	Projection Document
}

// UpdateOptions constrain an update call.
type UpdateOptions struct {
	// ArrayFilters scope positional `$[<identifier>]` operators inside the
	// update document.
	ArrayFilters []Document
}

// UpdateResult reports the outcome of an update call.
type UpdateResult struct {
	MatchedCount  int64
	ModifiedCount int64
}

// DeleteResult reports the outcome of a delete call.
type DeleteResult struct {
	DeletedCount int64
}

// DocumentReader provides read access to named collections.
type DocumentReader interface {
	// Find returns every document matching filter, honoring opts.
	Find(ctx context.Context, collection string, filter Document, opts FindOptions) ([]Document, error)

	// FindOne returns the first document matching filter. It must return
	// ErrNotFound when nothing matches.
	FindOne(ctx context.Context, collection string, filter Document) (Document, error)

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter Document) (int64, error)
}

// DocumentWriter provides write access to named collections. Filter and
// update documents use the MongoDB grammar; implementations must keep the
// observable update semantics ($set, $unset, $pull, arrayFilters)
// wire-compatible with it.
type DocumentWriter interface {
	// InsertOne persists doc. Writing a duplicate unique key must return
	// ErrDuplicateKey.
	InsertOne(ctx context.Context, collection string, doc Document) error

	// InsertMany persists docs in order.
	InsertMany(ctx context.Context, collection string, docs []Document) error

	// UpdateOne applies update to the first document matching filter.
	UpdateOne(ctx context.Context, collection string, filter, update Document, opts UpdateOptions) (UpdateResult, error)

	// UpdateMany applies update to every document matching filter.
	UpdateMany(ctx context.Context, collection string, filter, update Document, opts UpdateOptions) (UpdateResult, error)

	// FindOneAndUpdate applies update to the first document matching
	// filter and returns the resulting post-image. It must return
	// ErrNotFound when nothing matches.
	FindOneAndUpdate(ctx context.Context, collection string, filter, update Document, opts UpdateOptions) (Document, error)

	// FindOneAndDelete removes the first document matching filter and
	// returns it. It must return ErrNotFound when nothing matches.
	FindOneAndDelete(ctx context.Context, collection string, filter Document) (Document, error)

	// DeleteMany removes every document matching filter.
	DeleteMany(ctx context.Context, collection string, filter Document) (DeleteResult, error)
}

// AggregationRunner executes aggregation pipelines. Stage documents follow
// the MongoDB pipeline grammar emitted by the lookup builder ($match, $sort,
// $skip, $limit, $project, $lookup, $unwind).
type AggregationRunner interface {
	Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]Document, error)
}

// IndexManager creates declared indexes.
type IndexManager interface {
	// EnsureIndexes creates the given indexes if they do not exist yet.
	EnsureIndexes(ctx context.Context, collection string, indexes []schema.Index) error
}

// DocumentStore is the full storage contract the engine runs against.
// Session or transaction handles ride the context and are passed through
// undisturbed; no method originates a transaction of its own.
type DocumentStore interface {
	DocumentReader
	DocumentWriter
	AggregationRunner
	IndexManager

	// IsReady reports whether the datastore is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the datastore and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the datastore.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current status.
	Message string

	IsReady bool
}
