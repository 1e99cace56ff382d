// Package memory provides an ephemeral memory-backed implementation of
// [storage.DocumentStore] that interprets the same filter, update, and
// aggregation grammar the engine emits against MongoDB. It backs the test
// suites and embedded single-process use.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel"

	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

var tracer = otel.Tracer("docrel/pkg/storage/memory")

// Datastore provides an ephemeral memory-backed implementation of
// [storage.DocumentStore]. Instances may be safely shared by multiple
// goroutines. Documents are copied on the way in and on the way out, so
// callers can never alias stored state.
type Datastore struct {
	mu sync.RWMutex

	// map: collection name => insertion-ordered documents. GUARDED_BY(mu).
	collections map[string][]storage.Document

	// map: collection name => declared indexes. GUARDED_BY(mu).
	indexes map[string][]schema.Index
}

// Ensures that [Datastore] implements the [storage.DocumentStore] interface.
var _ storage.DocumentStore = (*Datastore)(nil)

// New creates a new empty [Datastore].
func New() *Datastore {
	return &Datastore{
		collections: make(map[string][]storage.Document),
		indexes:     make(map[string][]schema.Index),
	}
}

// Find see [storage.DocumentReader].Find.
func (d *Datastore) Find(ctx context.Context, collection string, filter storage.Document, opts storage.FindOptions) ([]storage.Document, error) {
	_, span := tracer.Start(ctx, "memory.Find")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]storage.Document, 0)
	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		if ok {
			out = append(out, copyDocument(doc))
		}
	}

	if err := sortDocuments(out, opts.Sort); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	out = window(out, opts.Skip, opts.Limit)

	if len(opts.Projection) > 0 {
		for i, doc := range out {
			out[i] = project(doc, opts.Projection)
		}
	}
	return out, nil
}

// FindOne see [storage.DocumentReader].FindOne.
func (d *Datastore) FindOne(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	_, span := tracer.Start(ctx, "memory.FindOne")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		if ok {
			return copyDocument(doc), nil
		}
	}
	return nil, storage.ErrNotFound
}

// Count see [storage.DocumentReader].Count.
func (d *Datastore) Count(ctx context.Context, collection string, filter storage.Document) (int64, error) {
	_, span := tracer.Start(ctx, "memory.Count")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	var n int64
	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// InsertOne see [storage.DocumentWriter].InsertOne.
func (d *Datastore) InsertOne(ctx context.Context, collection string, doc storage.Document) error {
	_, span := tracer.Start(ctx, "memory.InsertOne")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.insert(collection, doc); err != nil {
		telemetry.TraceError(span, err)
		return err
	}
	return nil
}

// InsertMany see [storage.DocumentWriter].InsertMany. Inserts are ordered:
// documents before the first failing one stay persisted.
func (d *Datastore) InsertMany(ctx context.Context, collection string, docs []storage.Document) error {
	_, span := tracer.Start(ctx, "memory.InsertMany")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range docs {
		if err := d.insert(collection, doc); err != nil {
			telemetry.TraceError(span, err)
			return err
		}
	}
	return nil
}

// insert persists a copy of doc. The write lock must be held.
func (d *Datastore) insert(collection string, doc storage.Document) error {
	stored := copyDocument(doc)
	if _, ok := stored["_id"]; !ok {
		stored["_id"] = bson.NewObjectID()
	}
	if err := d.checkUnique(collection, stored); err != nil {
		return err
	}
	d.collections[collection] = append(d.collections[collection], stored)
	return nil
}

// checkUnique enforces primary identifier uniqueness and any unique indexes
// declared through EnsureIndexes. The lock must be held.
func (d *Datastore) checkUnique(collection string, doc storage.Document) error {
	for _, existing := range d.collections[collection] {
		if equalValues(existing["_id"], doc["_id"]) {
			return fmt.Errorf("_id %v: %w", doc["_id"], storage.ErrDuplicateKey)
		}
	}

	for _, idx := range d.indexes[collection] {
		if !idx.Unique {
			continue
		}
		for _, existing := range d.collections[collection] {
			same := true
			for _, key := range idx.Keys {
				if !equalValues(firstPathValue(existing, key.Field), firstPathValue(doc, key.Field)) {
					same = false
					break
				}
			}
			if same {
				return fmt.Errorf("unique index %s on %s: %w", indexName(idx), collection, storage.ErrDuplicateKey)
			}
		}
	}
	return nil
}

// UpdateOne see [storage.DocumentWriter].UpdateOne.
func (d *Datastore) UpdateOne(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.UpdateResult, error) {
	return d.update(ctx, "memory.UpdateOne", collection, filter, update, opts, 1)
}

// UpdateMany see [storage.DocumentWriter].UpdateMany.
func (d *Datastore) UpdateMany(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.UpdateResult, error) {
	return d.update(ctx, "memory.UpdateMany", collection, filter, update, opts, 0)
}

func (d *Datastore) update(ctx context.Context, spanName, collection string, filter, update storage.Document, opts storage.UpdateOptions, limit int) (storage.UpdateResult, error) {
	_, span := tracer.Start(ctx, spanName)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	var res storage.UpdateResult
	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return res, err
		}
		if !ok {
			continue
		}
		res.MatchedCount++

		changed, err := applyUpdate(doc, update, opts.ArrayFilters)
		if err != nil {
			telemetry.TraceError(span, err)
			return res, err
		}
		if changed {
			res.ModifiedCount++
		}
		if limit > 0 && res.MatchedCount >= int64(limit) {
			break
		}
	}
	return res, nil
}

// FindOneAndUpdate see [storage.DocumentWriter].FindOneAndUpdate. The
// returned document is the post-image.
func (d *Datastore) FindOneAndUpdate(ctx context.Context, collection string, filter, update storage.Document, opts storage.UpdateOptions) (storage.Document, error) {
	_, span := tracer.Start(ctx, "memory.FindOneAndUpdate")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		if !ok {
			continue
		}
		if _, err := applyUpdate(doc, update, opts.ArrayFilters); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		return copyDocument(doc), nil
	}
	return nil, storage.ErrNotFound
}

// FindOneAndDelete see [storage.DocumentWriter].FindOneAndDelete.
func (d *Datastore) FindOneAndDelete(ctx context.Context, collection string, filter storage.Document) (storage.Document, error) {
	_, span := tracer.Start(ctx, "memory.FindOneAndDelete")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	docs := d.collections[collection]
	for i, doc := range docs {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		if !ok {
			continue
		}
		d.collections[collection] = append(docs[:i], docs[i+1:]...)
		return doc, nil
	}
	return nil, storage.ErrNotFound
}

// DeleteMany see [storage.DocumentWriter].DeleteMany.
func (d *Datastore) DeleteMany(ctx context.Context, collection string, filter storage.Document) (storage.DeleteResult, error) {
	_, span := tracer.Start(ctx, "memory.DeleteMany")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	var res storage.DeleteResult
	kept := make([]storage.Document, 0, len(d.collections[collection]))
	for _, doc := range d.collections[collection] {
		ok, err := matchDocument(doc, filter, nil)
		if err != nil {
			telemetry.TraceError(span, err)
			return res, err
		}
		if ok {
			res.DeletedCount++
			continue
		}
		kept = append(kept, doc)
	}
	d.collections[collection] = kept
	return res, nil
}

// Aggregate see [storage.AggregationRunner].Aggregate.
func (d *Datastore) Aggregate(ctx context.Context, collection string, pipeline []bson.D) ([]storage.Document, error) {
	_, span := tracer.Start(ctx, "memory.Aggregate")
	defer span.End()

	d.mu.RLock()
	defer d.mu.RUnlock()

	seed := copyDocuments(d.collections[collection])
	out, err := d.runPipeline(seed, pipeline, nil)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return out, nil
}

// EnsureIndexes see [storage.IndexManager].EnsureIndexes. Unique indexes are
// enforced on subsequent inserts.
func (d *Datastore) EnsureIndexes(ctx context.Context, collection string, indexes []schema.Index) error {
	_, span := tracer.Start(ctx, "memory.EnsureIndexes")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, idx := range indexes {
		name := indexName(idx)
		known := false
		for _, existing := range d.indexes[collection] {
			if indexName(existing) == name {
				known = true
				break
			}
		}
		if !known {
			d.indexes[collection] = append(d.indexes[collection], idx)
		}
	}
	return nil
}

func indexName(idx schema.Index) string {
	if idx.Name != "" {
		return idx.Name
	}
	name := ""
	for _, key := range idx.Keys {
		dir := "1"
		if key.Desc {
			dir = "-1"
		}
		if name != "" {
			name += "_"
		}
		name += key.Field + "_" + dir
	}
	return name
}

// IsReady see [storage.DocumentStore].IsReady.
func (d *Datastore) IsReady(_ context.Context) (storage.ReadinessStatus, error) {
	return storage.ReadinessStatus{IsReady: true}, nil
}

// Close see [storage.DocumentStore].Close.
func (d *Datastore) Close() {}

func copyDocuments(docs []storage.Document) []storage.Document {
	out := make([]storage.Document, len(docs))
	for i, doc := range docs {
		out[i] = copyDocument(doc)
	}
	return out
}

// copyDocument deep-copies a document, normalizing nested documents to
// bson.M and slices to bson.A the way driver decoding does.
func copyDocument(doc storage.Document) storage.Document {
	out := make(storage.Document, len(doc))
	for k, v := range doc {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case storage.Document:
		return copyDocument(t)
	case map[string]any:
		return copyDocument(storage.Document(t))
	case bson.D:
		out := make(storage.Document, len(t))
		for _, e := range t {
			out[e.Key] = copyValue(e.Value)
		}
		return out
	case bson.A:
		return copyList(t)
	case []any:
		return copyList(t)
	case []storage.Document:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = copyDocument(el)
		}
		return out
	case []string:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out
	case []bson.ObjectID:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out
	case []int:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out
	default:
		return v
	}
}

func copyList(list []any) bson.A {
	out := make(bson.A, len(list))
	for i, el := range list {
		out[i] = copyValue(el)
	}
	return out
}

func window(docs []storage.Document, skip, limit int64) []storage.Document {
	if skip > 0 {
		if skip >= int64(len(docs)) {
			return nil
		}
		docs = docs[skip:]
	}
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}
