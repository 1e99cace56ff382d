package relations

import (
	"context"
	"fmt"

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

// ForwardResolver materializes embed snapshots into a document before it is
// persisted. It reads source collections and mutates only the in-memory
// document; it never writes to storage.
type ForwardResolver struct {
	registry *schema.Registry
	reader   storage.DocumentReader
	logger   logger.Logger
}

// ForwardResolverOpt configures a ForwardResolver.
type ForwardResolverOpt func(*ForwardResolver)

// WithForwardLogger overrides the resolver's noop logger. Missing embed
// sources are reported here.
func WithForwardLogger(l logger.Logger) ForwardResolverOpt {
	return func(r *ForwardResolver) {
		r.logger = l
	}
}

// NewForwardResolver builds a resolver reading source documents through
// reader.
func NewForwardResolver(registry *schema.Registry, reader storage.DocumentReader, opts ...ForwardResolverOpt) *ForwardResolver {
	r := &ForwardResolver{
		registry: registry,
		reader:   reader,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies every embed relation declared on the collection to doc.
// Relations whose source path yields no identifiers are left untouched.
// Identifiers without a matching source document are logged at warning level
// and their slot stays absent; the write may still proceed.
func (r *ForwardResolver) Resolve(ctx context.Context, collection string, doc storage.Document) error {
	coll, err := r.registry.Collection(collection)
	if err != nil {
		return err
	}
	if len(coll.EmbedRelations()) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "forward.Resolve", trace.WithAttributes(
		attribute.String("collection", collection),
	))
	defer span.End()

	for _, rel := range coll.EmbedRelations() {
		if err := r.resolveRelation(ctx, collection, rel, doc); err != nil {
			telemetry.TraceError(span, err)
			return err
		}
	}
	return nil
}

// ResolveRelation applies a single named embed relation to doc, leaving the
// other embed relations of the collection alone. This is the update path:
// only relations whose reference fields actually changed are recomputed, so
// snapshots without reverse propagation keep their historical value.
func (r *ForwardResolver) ResolveRelation(ctx context.Context, collection, relation string, doc storage.Document) error {
	_, rel, err := r.registry.EmbedRelation(collection, relation)
	if err != nil {
		return err
	}
	return r.resolveRelation(ctx, collection, rel, doc)
}

func (r *ForwardResolver) resolveRelation(ctx context.Context, collection string, rel *schema.Relation, doc storage.Document) error {
	e := rel.Embed
	ids := e.Path().ExtractIDs(doc)
	if len(ids) == 0 {
		return nil
	}

	snaps, err := fetchSnapshots(ctx, r.reader, rel.Collection, e, ids)
	if err != nil {
		return fmt.Errorf("resolving embed %q on collection %q: %w", rel.Name, collection, err)
	}

	for _, id := range uniqueIDs(ids) {
		if _, ok := snaps[id]; !ok {
			r.logger.Warn("embed source not found",
				zap.String("collection", collection),
				zap.String("relation", rel.Name),
				zap.String("source_collection", rel.Collection),
				zap.String("id", id),
			)
		}
	}

	e.Path().Merge(doc, e.TargetField, ids, snaps)
	return nil
}

// fetchSnapshots issues the single batched read shared by forward resolution
// and refresh: one Find over the relation's identifier field, projected into
// snapshot shape and keyed by canonical identifier.
func fetchSnapshots(ctx context.Context, reader storage.DocumentReader, source string, e *schema.EmbedRelation, ids []string) (map[string]storage.Document, error) {
	unique := uniqueIDs(ids)
	forms := make(bson.A, 0, len(unique))
	for _, id := range unique {
		forms = append(forms, identifierForms(id)...)
	}

	docs, err := reader.Find(ctx, source, storage.Document{
		e.IDField: storage.Document{"$in": forms},
	}, storage.FindOptions{})
	if err != nil {
		return nil, err
	}

	snaps := make(map[string]storage.Document, len(docs))
	for _, src := range docs {
		id, ok := docpath.CanonicalID(src[e.IDField])
		if !ok {
			continue
		}
		snaps[id] = BuildSnapshot(e, src)
	}
	return snaps, nil
}
