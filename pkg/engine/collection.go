package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/docrel/docrel/pkg/docpath"
	"github.com/docrel/docrel/pkg/relations"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

// Collection is the request-scoped handle callers run CRUD operations
// through. Handles are cheap; hooks registered on any handle of a collection
// apply to all of them.
type Collection struct {
	engine *Engine
	meta   *schema.Collection
	hooks  *hookSet
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.meta.Name
}

// InsertOne persists doc after running pre-save hooks, validating reference
// relations, and resolving embed snapshots. A missing identifier field is
// assigned a fresh ObjectID. The persisted document is returned.
func (c *Collection) InsertOne(ctx context.Context, doc storage.Document) (storage.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.InsertOne", trace.WithAttributes(
		attribute.String("collection", c.meta.Name),
	))
	defer span.End()

	if err := c.prepareInsert(ctx, doc); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := c.engine.store.InsertOne(ctx, c.meta.Name, doc); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := runSaveHooks(ctx, c.meta.Name, "post-save", c.hooks.postSave, doc); err != nil {
		telemetry.TraceError(span, err)
		return doc, err
	}
	return doc, nil
}

// InsertMany persists docs in order, preparing each like InsertOne. The
// first rejected document aborts the call before anything is persisted.
func (c *Collection) InsertMany(ctx context.Context, docs []storage.Document) ([]storage.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.InsertMany", trace.WithAttributes(
		attribute.String("collection", c.meta.Name),
		attribute.Int("documents", len(docs)),
	))
	defer span.End()

	for _, doc := range docs {
		if err := c.prepareInsert(ctx, doc); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}
	if err := c.engine.store.InsertMany(ctx, c.meta.Name, docs); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	for _, doc := range docs {
		if err := runSaveHooks(ctx, c.meta.Name, "post-save", c.hooks.postSave, doc); err != nil {
			telemetry.TraceError(span, err)
			return docs, err
		}
	}
	return docs, nil
}

func (c *Collection) prepareInsert(ctx context.Context, doc storage.Document) error {
	if err := runSaveHooks(ctx, c.meta.Name, "pre-save", c.hooks.preSave, doc); err != nil {
		return err
	}
	if err := c.validateReferences(ctx, func(field string) (any, bool) {
		v, ok := doc[field]
		return v, ok
	}); err != nil {
		return err
	}
	if err := c.engine.forward.Resolve(ctx, c.meta.Name, doc); err != nil {
		return err
	}
	if _, ok := doc[c.meta.IDField]; !ok {
		doc[c.meta.IDField] = bson.NewObjectID()
	}
	return nil
}

// UpdateOne applies update to the first document matching filter and
// returns the post-image. Reference relations whose local field is being
// set are validated first, embed relations whose reference fields change
// are re-resolved into the update, and after the write reverse propagation
// pushes the fresh document into dependents. A sync propagation failure
// surfaces here; the update itself is already durable.
func (c *Collection) UpdateOne(ctx context.Context, filter, update storage.Document) (storage.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.UpdateOne", trace.WithAttributes(
		attribute.String("collection", c.meta.Name),
	))
	defer span.End()

	if err := runSaveHooks(ctx, c.meta.Name, "pre-save", c.hooks.preSave, update); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	changed := updatedFieldNames(update)
	set := setDocument(update)

	if err := c.validateReferences(ctx, func(field string) (any, bool) {
		if set == nil {
			return nil, false
		}
		v, ok := set[field]
		return v, ok
	}); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if err := c.foldEmbeds(ctx, set, changed); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	post, err := c.engine.store.FindOneAndUpdate(ctx, c.meta.Name, filter, update, storage.UpdateOptions{})
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if err := c.engine.propagator.Propagate(ctx, c.meta.Name, post, changed); err != nil {
		telemetry.TraceError(span, err)
		return post, err
	}

	if err := runSaveHooks(ctx, c.meta.Name, "post-save", c.hooks.postSave, post); err != nil {
		telemetry.TraceError(span, err)
		return post, err
	}
	return post, nil
}

// DeleteOne removes the first document matching filter and returns it,
// applying the delete actions of dependent relations afterwards. Delete
// actions are best effort: their failures are logged, not returned, and the
// delete stays durable. ErrNotFound is returned when nothing matched, in
// which case no action runs.
func (c *Collection) DeleteOne(ctx context.Context, filter storage.Document) (storage.Document, error) {
	ctx, span := tracer.Start(ctx, "engine.DeleteOne", trace.WithAttributes(
		attribute.String("collection", c.meta.Name),
	))
	defer span.End()

	if err := runDeleteHooks(ctx, c.meta.Name, "pre-delete", c.hooks.preDelete, filter); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	doc, err := c.engine.store.FindOneAndDelete(ctx, c.meta.Name, filter)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			telemetry.TraceError(span, err)
		}
		return nil, err
	}

	if err := c.engine.cascader.OnDelete(ctx, c.meta.Name, doc); err != nil {
		c.engine.logger.Warn("delete actions incomplete",
			zap.String("collection", c.meta.Name),
			zap.Error(err),
		)
	}

	if err := runDeleteHooks(ctx, c.meta.Name, "post-delete", c.hooks.postDelete, doc); err != nil {
		telemetry.TraceError(span, err)
		return doc, err
	}
	return doc, nil
}

// RefreshEmbeds re-materializes one embed relation across the whole
// collection, page by page. This is the maintenance path for snapshots gone
// stale outside the normal propagation flow.
func (c *Collection) RefreshEmbeds(ctx context.Context, relation string, opts relations.BatchOptions) (*relations.BatchResult, error) {
	return c.engine.refresher.RefreshCollection(ctx, c.meta.Name, relation, opts)
}

// EnsureIndexes creates the collection's declared indexes.
func (c *Collection) EnsureIndexes(ctx context.Context) error {
	if len(c.meta.Indexes) == 0 {
		return nil
	}
	return c.engine.store.EnsureIndexes(ctx, c.meta.Name, c.meta.Indexes)
}

// EnsureIndexes creates the declared indexes of every collection.
func (e *Engine) EnsureIndexes(ctx context.Context) error {
	for _, name := range e.registry.CollectionNames() {
		coll, err := e.registry.Collection(name)
		if err != nil {
			return err
		}
		if len(coll.Indexes) == 0 {
			continue
		}
		if err := e.store.EnsureIndexes(ctx, name, coll.Indexes); err != nil {
			return fmt.Errorf("ensure indexes on %q: %w", name, err)
		}
	}
	return nil
}

// validateReferences checks every reference relation whose local field the
// getter yields a value for. All referenced identifiers must exist in the
// target collection or the write is rejected.
func (c *Collection) validateReferences(ctx context.Context, get func(string) (any, bool)) error {
	for _, rel := range c.meta.ReferenceRelations() {
		ref := rel.Reference
		v, ok := get(ref.LocalField)
		if !ok || v == nil {
			continue
		}

		ids := referenceIDs(v)
		if len(ids) == 0 {
			continue
		}

		forms := make(bson.A, 0, len(ids))
		for _, id := range ids {
			forms = append(forms, identifierForms(id)...)
		}
		found, err := c.engine.store.Find(ctx, rel.Collection,
			storage.Document{ref.ForeignField: storage.Document{"$in": forms}},
			storage.FindOptions{Projection: storage.Document{ref.ForeignField: 1}},
		)
		if err != nil {
			return fmt.Errorf("validating reference %s.%s: %w", c.meta.Name, rel.Name, err)
		}

		existing := make(map[string]struct{}, len(found))
		for _, doc := range found {
			if id, ok := docpath.CanonicalID(doc[ref.ForeignField]); ok {
				existing[id] = struct{}{}
			}
		}

		var missing []string
		for _, id := range ids {
			if _, ok := existing[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return &InvalidReferenceError{
				Collection: c.meta.Name,
				Relation:   rel.Name,
				Field:      ref.LocalField,
				Target:     rel.Collection,
				Missing:    missing,
			}
		}
	}
	return nil
}

// foldEmbeds re-resolves the embed relations whose reference fields the
// update touches and folds the fresh snapshots into its $set document, so
// the single write persists both. Untouched embeds keep their stored
// snapshot, whatever its age.
func (c *Collection) foldEmbeds(ctx context.Context, set storage.Document, changed []string) error {
	if set == nil {
		return nil
	}

	var pseudo storage.Document
	for _, rel := range c.meta.EmbedRelations() {
		e := rel.Embed
		if !touchesPath(changed, e.Path()) {
			continue
		}
		if pseudo == nil {
			pseudo = expandDotted(set)
		}
		if err := c.engine.forward.ResolveRelation(ctx, c.meta.Name, rel.Name, pseudo); err != nil {
			return err
		}

		if e.Path().Strategy == docpath.StrategyInPlace {
			base := e.Path().Base()
			if obj, ok := valueAt(pseudo, base); ok {
				if _, whole := set[base]; whole {
					set[base] = obj
				} else if fields, ok := obj.(storage.Document); ok {
					for k, v := range fields {
						if k == e.IDField {
							continue
						}
						set[base+"."+k] = v
					}
				}
			}
			continue
		}
		if snap, ok := pseudo[e.TargetField]; ok {
			set[e.TargetField] = snap
		}
	}
	return nil
}

// updatedFieldNames collects the dotted field names an update document
// touches, across every update operator, sorted and deduplicated. A
// replacement document contributes its top-level keys.
func updatedFieldNames(update storage.Document) []string {
	seen := make(map[string]struct{})
	for key, v := range update {
		if !strings.HasPrefix(key, "$") {
			seen[key] = struct{}{}
			continue
		}
		if fields, ok := v.(storage.Document); ok {
			for field := range fields {
				seen[field] = struct{}{}
			}
		} else if fields, ok := v.(map[string]any); ok {
			for field := range fields {
				seen[field] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// touchesPath reports whether any changed field lies on the embed's source
// path, meaning the stored snapshot may no longer match the reference.
func touchesPath(changed []string, path docpath.Path) bool {
	root := path.Segments[0].Field
	for _, field := range changed {
		head, _, _ := strings.Cut(field, ".")
		if head == root {
			return true
		}
	}
	return false
}

// setDocument returns the update's $set document, normalized to bson.M.
func setDocument(update storage.Document) storage.Document {
	switch t := update["$set"].(type) {
	case storage.Document:
		return t
	case map[string]any:
		return storage.Document(t)
	}
	return nil
}

// referenceIDs reads a reference field value as identifiers: a single value
// or a list of them.
func referenceIDs(v any) []string {
	switch t := v.(type) {
	case bson.A:
		ids := make([]string, 0, len(t))
		for _, el := range t {
			if id, ok := docpath.CanonicalID(el); ok {
				ids = append(ids, id)
			}
		}
		return ids
	case []any:
		return referenceIDs(bson.A(t))
	case []string:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return referenceIDs(out)
	default:
		if id, ok := docpath.CanonicalID(v); ok {
			return []string{id}
		}
		return nil
	}
}

// identifierForms returns the filter values a canonical identifier may be
// stored as: the string itself, plus the native ObjectID when the string is
// its hex form.
func identifierForms(id string) bson.A {
	forms := bson.A{id}
	if oid, err := bson.ObjectIDFromHex(id); err == nil {
		forms = append(forms, oid)
	}
	return forms
}

// expandDotted builds a nested document from a flat $set document whose keys
// may be dotted. Nested values are deep-copied so resolution never mutates
// the caller's update in place.
func expandDotted(set storage.Document) storage.Document {
	out := storage.Document{}
	for key, v := range set {
		parts := strings.Split(key, ".")
		cur := out
		for _, part := range parts[:len(parts)-1] {
			child, ok := cur[part].(storage.Document)
			if !ok {
				child = storage.Document{}
				cur[part] = child
			}
			cur = child
		}
		cur[parts[len(parts)-1]] = deepCopy(v)
	}
	return out
}

// valueAt reads a dotted path through nested documents.
func valueAt(doc storage.Document, path string) (any, bool) {
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

func deepCopy(v any) any {
	switch t := v.(type) {
	case storage.Document:
		out := make(storage.Document, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case map[string]any:
		out := make(storage.Document, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = deepCopy(el)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = deepCopy(el)
		}
		return out
	default:
		return v
	}
}
