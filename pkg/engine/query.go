package engine

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/docrel/docrel/pkg/lookup"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

// Query describes one read. Zero values impose no constraint.
type Query struct {
	// Where filters the documents, in the MongoDB filter grammar.
	Where storage.Document

	Sort  []schema.SortKey
	Limit int64
	Skip  int64

	// Select narrows the returned fields. The identifier field is kept
	// unless the map form excludes it explicitly.
	Select schema.FieldSelection

	// Include joins lookup and reference relations through the aggregation
	// pipeline. Embed relations need no join and contribute nothing here.
	Include lookup.Tree

	// Refresh recomputes the named embed relations of the returned
	// documents against live source state, without persisting anything.
	// RefreshAll refreshes every embed relation of the collection.
	Refresh    []string
	RefreshAll bool
}

// Find returns every document matching the query. Queries with includes run
// as an aggregation pipeline; plain queries run as a find. Refreshed results
// are recomputed copies; the persisted documents are never modified.
func (c *Collection) Find(ctx context.Context, q Query) ([]storage.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.Find", trace.WithAttributes(
		attribute.String("collection", c.meta.Name),
		attribute.Bool("include", len(q.Include) > 0),
	))
	defer span.End()

	docs, err := c.find(ctx, q)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if q.RefreshAll {
		docs, err = c.engine.refresher.RefreshResults(ctx, c.meta.Name, docs)
	} else if len(q.Refresh) > 0 {
		docs, err = c.engine.refresher.RefreshResults(ctx, c.meta.Name, docs, q.Refresh...)
	}
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return docs, nil
}

// FindOne returns the first document matching the query, or ErrNotFound.
func (c *Collection) FindOne(ctx context.Context, q Query) (storage.Document, error) {
	q.Limit = 1
	docs, err := c.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, storage.ErrNotFound
	}
	return docs[0], nil
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(ctx context.Context, filter storage.Document) (int64, error) {
	return c.engine.store.Count(ctx, c.meta.Name, filter)
}

func (c *Collection) find(ctx context.Context, q Query) ([]storage.Document, error) {
	if len(q.Include) == 0 {
		return c.engine.store.Find(ctx, c.meta.Name, q.Where, storage.FindOptions{
			Sort:       sortDoc(q.Sort),
			Limit:      q.Limit,
			Skip:       q.Skip,
			Projection: projectionDocument(q.Select),
		})
	}

	pipeline, err := c.pipeline(q)
	if err != nil {
		return nil, err
	}
	return c.engine.store.Aggregate(ctx, c.meta.Name, pipeline)
}

// pipeline compiles the query into aggregation stages: the collection's own
// filter, order, and window first, then the join stages, then the outer
// projection. Projecting last keeps the local fields the joins bind to
// available.
func (c *Collection) pipeline(q Query) ([]bson.D, error) {
	var stages []bson.D
	if len(q.Where) > 0 {
		stages = append(stages, bson.D{{Key: "$match", Value: q.Where}})
	}
	if len(q.Sort) > 0 {
		stages = append(stages, bson.D{{Key: "$sort", Value: sortDoc(q.Sort)}})
	}
	if q.Skip > 0 {
		stages = append(stages, bson.D{{Key: "$skip", Value: q.Skip}})
	}
	if q.Limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: q.Limit}})
	}

	joins, err := lookup.Build(c.engine.registry, c.meta.Name, q.Include)
	if err != nil {
		return nil, err
	}
	stages = append(stages, joins...)

	if !q.Select.IsZero() {
		projection := projectionDocument(q.Select)
		// Joined fields ride along with an inclusion projection.
		if inclusion(projection) {
			for name := range q.Include {
				rel, ok := c.meta.Relation(name)
				if ok && rel.Kind != schema.KindEmbed {
					projection[name] = 1
				}
			}
		}
		stages = append(stages, bson.D{{Key: "$project", Value: projection}})
	}
	return stages, nil
}

// IsNotFound reports whether err is the storage not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func sortDoc(keys []schema.SortKey) bson.D {
	if len(keys) == 0 {
		return nil
	}
	out := make(bson.D, 0, len(keys))
	for _, key := range keys {
		dir := 1
		if key.Desc {
			dir = -1
		}
		out = append(out, bson.E{Key: key.Field, Value: dir})
	}
	return out
}

// projectionDocument renders a field selection in the projection grammar:
// name lists and inclusion maps become inclusion projections keeping the
// identifier, exclusion maps pass through as exclusions.
func projectionDocument(sel schema.FieldSelection) storage.Document {
	if sel.IsZero() {
		return nil
	}
	out := storage.Document{}
	if len(sel.Names) > 0 {
		for _, name := range sel.Names {
			out[name] = 1
		}
		return out
	}
	// The map form is either an inclusion or an exclusion projection; the
	// grammar forbids mixing them.
	incl := false
	for _, on := range sel.Include {
		if on {
			incl = true
			break
		}
	}
	for field, on := range sel.Include {
		if incl && on {
			out[field] = 1
		}
		if !incl && !on {
			out[field] = 0
		}
	}
	return out
}

func inclusion(projection storage.Document) bool {
	for field, v := range projection {
		if field == "_id" {
			continue
		}
		if n, ok := v.(int); ok && n == 1 {
			return true
		}
	}
	return false
}
