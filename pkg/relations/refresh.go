package relations

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docrel/docrel/pkg/docpath"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

// BatchOptions bound a persisted batch refresh.
type BatchOptions struct {
	// Filter restricts the dependent documents visited. Empty visits the
	// whole collection.
	Filter storage.Document

	// BatchSize is the page size. Defaults to storage.DefaultPageSize.
	BatchSize int64

	// DryRun recomputes and counts without persisting anything.
	DryRun bool
}

// BatchResult reports what a batch refresh did: how many documents it
// visited, how many it rewrote (or would rewrite, under DryRun), how many
// failed, and how many needed nothing.
type BatchResult struct {
	Matched int64 `json:"matched"`
	Updated int64 `json:"updated"`
	Errors  int64 `json:"errors"`
	Skipped int64 `json:"skipped"`
}

// Refresher recomputes embed snapshots outside the write path: ephemerally
// for query results, or persisted across a whole collection as the
// maintenance path for long-stale embeds.
type Refresher struct {
	registry *schema.Registry
	reader   storage.DocumentReader
	writer   storage.DocumentWriter
	logger   logger.Logger
}

// RefresherOpt configures a Refresher.
type RefresherOpt func(*Refresher)

// WithRefresherLogger overrides the refresher's noop logger.
func WithRefresherLogger(l logger.Logger) RefresherOpt {
	return func(r *Refresher) {
		r.logger = l
	}
}

// NewRefresher builds a refresher reading live sources through reader and
// persisting batch updates through writer.
func NewRefresher(registry *schema.Registry, reader storage.DocumentReader, writer storage.DocumentWriter, opts ...RefresherOpt) *Refresher {
	r := &Refresher{
		registry: registry,
		reader:   reader,
		writer:   writer,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshResults recomputes the named embed relations on the given result
// documents against live source state and returns refreshed copies. Naming
// no relations refreshes every embed relation of the collection. Neither the
// inputs nor any persisted document are modified.
func (r *Refresher) RefreshResults(ctx context.Context, collection string, docs []storage.Document, relations ...string) ([]storage.Document, error) {
	coll, err := r.registry.Collection(collection)
	if err != nil {
		return nil, err
	}

	var rels []*schema.Relation
	if len(relations) == 0 {
		rels = coll.EmbedRelations()
	} else {
		rels = make([]*schema.Relation, 0, len(relations))
		for _, name := range relations {
			_, rel, err := r.registry.EmbedRelation(collection, name)
			if err != nil {
				return nil, err
			}
			rels = append(rels, rel)
		}
	}
	if len(docs) == 0 || len(rels) == 0 {
		return docs, nil
	}

	ctx, span := tracer.Start(ctx, "refresh.RefreshResults", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.Int("documents", len(docs)),
	))
	defer span.End()

	refreshed := make([]storage.Document, len(docs))
	for i, doc := range docs {
		refreshed[i] = cloneDocument(doc)
	}

	for _, rel := range rels {
		if err := r.refreshRelation(ctx, refreshed, rel); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}
	return refreshed, nil
}

// refreshRelation recomputes one embed relation across the whole result set
// with a single batched source fetch.
func (r *Refresher) refreshRelation(ctx context.Context, docs []storage.Document, rel *schema.Relation) error {
	e := rel.Embed

	perDoc := make([][]string, len(docs))
	var all []string
	for i, doc := range docs {
		ids := e.Path().ExtractIDs(doc)
		perDoc[i] = ids
		all = append(all, ids...)
	}
	if len(all) == 0 {
		return nil
	}

	snaps, err := fetchSnapshots(ctx, r.reader, rel.Collection, e, all)
	if err != nil {
		return fmt.Errorf("refreshing embed %q: %w", rel.Name, err)
	}

	for i, doc := range docs {
		if len(perDoc[i]) == 0 {
			continue
		}
		// Dropping the stored snapshot first lets a vanished source read as
		// absent instead of serving its stale copy.
		if e.Path().Strategy != docpath.StrategyInPlace {
			delete(doc, e.TargetField)
		}
		e.Path().Merge(doc, e.TargetField, perDoc[i], snaps)
	}
	return nil
}

// RefreshCollection recomputes one embed relation across every matching
// document of the dependent collection and persists the changed snapshots,
// page by page. Per-document failures are counted and skipped, never
// aborting the run. With DryRun set it reports what a live run would have
// updated without writing.
func (r *Refresher) RefreshCollection(ctx context.Context, collection, relation string, opts BatchOptions) (*BatchResult, error) {
	coll, rel, err := r.registry.EmbedRelation(collection, relation)
	if err != nil {
		return nil, err
	}
	e := rel.Embed

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = storage.DefaultPageSize
	}

	runID := ulid.Make().String()
	runLogger := r.logger.With(
		zap.String("run_id", runID),
		zap.String("collection", collection),
		zap.String("relation", relation),
	)
	runLogger.Info("starting batch refresh",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int64("batch_size", batchSize),
	)

	ctx, span := tracer.Start(ctx, "refresh.RefreshCollection", trace.WithAttributes(
		attribute.String("collection", collection),
		attribute.String("relation", relation),
		attribute.Bool("dry_run", opts.DryRun),
	))
	defer span.End()

	result := &BatchResult{}
	var lastID any

	for {
		page, err := r.reader.Find(ctx, collection, pageFilter(coll.IDField, opts.Filter, lastID), storage.FindOptions{
			Sort:  bson.D{{Key: coll.IDField, Value: 1}},
			Limit: batchSize,
		})
		if err != nil {
			telemetry.TraceError(span, err)
			return result, fmt.Errorf("batch refresh %s: reading page: %w", runID, err)
		}
		if len(page) == 0 {
			break
		}
		lastID = page[len(page)-1][coll.IDField]

		perDoc := make([][]string, len(page))
		var all []string
		for i, doc := range page {
			ids := e.Path().ExtractIDs(doc)
			perDoc[i] = ids
			all = append(all, ids...)
		}

		var snaps map[string]storage.Document
		if len(all) > 0 {
			snaps, err = fetchSnapshots(ctx, r.reader, rel.Collection, e, all)
			if err != nil {
				telemetry.TraceError(span, err)
				return result, fmt.Errorf("batch refresh %s: reading sources: %w", runID, err)
			}
		}

		for i, doc := range page {
			result.Matched++
			if len(perDoc[i]) == 0 {
				result.Skipped++
				continue
			}

			update, changed := refreshedUpdate(e, doc, perDoc[i], snaps)
			if !changed {
				result.Skipped++
				continue
			}
			if opts.DryRun {
				result.Updated++
				continue
			}

			_, err := r.writer.UpdateOne(ctx, collection,
				storage.Document{coll.IDField: doc[coll.IDField]},
				update,
				storage.UpdateOptions{},
			)
			if err != nil {
				result.Errors++
				runLogger.Warn("batch refresh update failed",
					zap.Any("id", doc[coll.IDField]),
					zap.Error(err),
				)
				continue
			}
			result.Updated++
		}

		if int64(len(page)) < batchSize {
			break
		}
	}

	runLogger.Info("batch refresh complete",
		zap.Int64("matched", result.Matched),
		zap.Int64("updated", result.Updated),
		zap.Int64("errors", result.Errors),
		zap.Int64("skipped", result.Skipped),
	)
	return result, nil
}

// pageFilter narrows the caller's filter to identifiers after the previous
// page's last document.
func pageFilter(idField string, filter storage.Document, lastID any) storage.Document {
	if lastID == nil {
		if filter == nil {
			return storage.Document{}
		}
		return filter
	}
	window := storage.Document{idField: storage.Document{"$gt": lastID}}
	if len(filter) == 0 {
		return window
	}
	return storage.Document{"$and": bson.A{filter, window}}
}

// refreshedUpdate recomputes the embed's stored field for doc and returns
// the update persisting it, reporting whether anything would change. The
// recomputation runs on a clone; doc itself is never modified.
//
// A snapshot every source of which has vanished is removed, leaving the
// document as a fresh forward resolution would have written it. In-place
// snapshots are the exception: their fields share the nested object with
// caller-written data, so a vanished source keeps the last merged value and
// cleanup stays with the relation's delete action.
func refreshedUpdate(e *schema.EmbedRelation, doc storage.Document, ids []string, snaps map[string]storage.Document) (storage.Document, bool) {
	clone := cloneDocument(doc)
	path := e.Path()

	if path.Strategy == docpath.StrategyInPlace {
		base := path.Base()
		path.Merge(clone, e.TargetField, ids, snaps)
		before, _ := fieldAt(doc, base)
		after, ok := fieldAt(clone, base)
		if !ok {
			return nil, false
		}
		return storage.Document{"$set": storage.Document{base: after}}, !reflect.DeepEqual(before, after)
	}

	field := e.TargetField
	before, hadBefore := doc[field]
	delete(clone, field)
	path.Merge(clone, field, ids, snaps)

	after, ok := clone[field]
	if !ok {
		if !hadBefore {
			return nil, false
		}
		return storage.Document{"$unset": storage.Document{field: ""}}, true
	}
	return storage.Document{"$set": storage.Document{field: after}}, !reflect.DeepEqual(before, after)
}

// fieldAt reads a dotted path through nested documents.
func fieldAt(doc storage.Document, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		var child storage.Document
		switch t := cur.(type) {
		case storage.Document:
			child = t
		case map[string]any:
			child = storage.Document(t)
		default:
			return nil, false
		}
		v, ok := child[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
