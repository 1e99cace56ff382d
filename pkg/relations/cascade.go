package relations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/docrel/docrel/pkg/docpath"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

// Cascader applies the delete actions dependent relations declare when one
// of their source documents is removed.
type Cascader struct {
	registry *schema.Registry
	writer   storage.DocumentWriter
	logger   logger.Logger
}

// CascaderOpt configures a Cascader.
type CascaderOpt func(*Cascader)

// WithCascaderLogger overrides the cascader's noop logger.
func WithCascaderLogger(l logger.Logger) CascaderOpt {
	return func(c *Cascader) {
		c.logger = l
	}
}

// NewCascader builds a cascader issuing deletes and updates through writer.
func NewCascader(registry *schema.Registry, writer storage.DocumentWriter, opts ...CascaderOpt) *Cascader {
	c := &Cascader{
		registry: registry,
		writer:   writer,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnDelete applies every dependent relation's delete action after doc was
// durably removed from the source collection. Call it only when the delete
// actually removed a document. Actions are best effort: a failing target is
// logged and the rest are still attempted, with the failures aggregated into
// the returned error. The source delete is durable either way.
func (c *Cascader) OnDelete(ctx context.Context, source string, doc storage.Document) error {
	entries := c.registry.ReverseEntries(source)
	if len(entries) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "cascade.OnDelete", trace.WithAttributes(
		attribute.String("source_collection", source),
	))
	defer span.End()

	var errs error
	for _, entry := range entries {
		e := entry.Relation.Embed
		if e.OnDelete == "" {
			continue
		}

		id, ok := docpath.CanonicalID(doc[e.IDField])
		if !ok {
			c.logger.Warn("deleted source document carries no identifier, skipping delete action",
				zap.String("source_collection", source),
				zap.String("collection", entry.Dependent.Name),
				zap.String("relation", entry.Relation.Name),
			)
			continue
		}

		if err := c.applyAction(ctx, entry, id); err != nil {
			c.logger.Error("delete action failed",
				zap.String("source_collection", source),
				zap.String("collection", entry.Dependent.Name),
				zap.String("relation", entry.Relation.Name),
				zap.String("action", string(e.OnDelete)),
				zap.String("id", id),
				zap.Error(err),
			)
			errs = multierr.Append(errs, fmt.Errorf("%s on %s.%s: %w", e.OnDelete, entry.Dependent.Name, entry.Relation.Name, err))
		}
	}

	if errs != nil {
		telemetry.TraceError(span, errs)
	}
	return errs
}

func (c *Cascader) applyAction(ctx context.Context, entry schema.ReverseEntry, id string) error {
	e := entry.Relation.Embed
	dependent := entry.Dependent.Name
	forms := identifierForms(id)

	// Dependents are matched on the reference field the caller wrote, which
	// may hold either identifier form, not on the snapshot.
	refFilter := storage.Document{e.Path().FieldPath(): storage.Document{"$in": forms}}

	switch e.OnDelete {
	case schema.DeleteCascade:
		_, err := c.writer.DeleteMany(ctx, dependent, refFilter)
		return err
	case schema.DeleteNullify:
		return c.nullify(ctx, dependent, e, id, forms, refFilter)
	case schema.DeleteClear:
		return c.clear(ctx, entry, dependent, e, id, refFilter)
	}
	return nil
}

// nullify clears both the reference field and the snapshot. Array embeds
// drop the matching element from both arrays instead.
func (c *Cascader) nullify(ctx context.Context, dependent string, e *schema.EmbedRelation, id string, forms bson.A, refFilter storage.Document) error {
	path := e.Path()

	switch path.Strategy {
	case docpath.StrategyArray:
		field, cond := pullCondition(path, forms)
		pull := storage.Document{field: cond}
		if e.TargetField != "" && e.TargetField != field {
			pull[e.TargetField] = storage.Document{e.IDField: id}
		}
		_, err := c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{"$pull": pull}, storage.UpdateOptions{})
		return err

	case docpath.StrategyInPlace:
		// Identifier and snapshot share the nested object; null the object.
		_, err := c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{
			"$set": storage.Document{path.Base(): nil},
		}, storage.UpdateOptions{})
		return err

	default:
		_, err := c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{
			"$set": storage.Document{
				path.FieldPath(): nil,
				e.TargetField:    nil,
			},
		}, storage.UpdateOptions{})
		return err
	}
}

// clear drops the snapshot and leaves the reference field untouched.
func (c *Cascader) clear(ctx context.Context, entry schema.ReverseEntry, dependent string, e *schema.EmbedRelation, id string, refFilter storage.Document) error {
	path := e.Path()

	switch path.Strategy {
	case docpath.StrategyArray:
		_, err := c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{
			"$pull": storage.Document{e.TargetField: storage.Document{e.IDField: id}},
		}, storage.UpdateOptions{})
		return err

	case docpath.StrategyInPlace:
		source, err := c.registry.Collection(entry.Relation.Collection)
		if err != nil {
			return err
		}
		unset := storage.Document{}
		for _, field := range e.ClearableFields(source) {
			unset[path.Base()+"."+field] = ""
		}
		if len(unset) == 0 {
			return nil
		}
		_, err = c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{"$unset": unset}, storage.UpdateOptions{})
		return err

	default:
		_, err := c.writer.UpdateMany(ctx, dependent, refFilter, storage.Document{
			"$unset": storage.Document{e.TargetField: ""},
		}, storage.UpdateOptions{})
		return err
	}
}

// pullCondition expresses "remove the reference to this identifier" as a
// $pull field and condition: plain identifier arrays pull matching values,
// fan-out paths pull the array elements whose nested field matches.
func pullCondition(path docpath.Path, forms bson.A) (string, any) {
	for i, seg := range path.Segments {
		if !seg.FanOut {
			continue
		}
		outer := segmentPath(path.Segments[:i+1])
		inner := segmentPath(path.Segments[i+1:])
		if inner == "" {
			return outer, storage.Document{"$in": forms}
		}
		return outer, storage.Document{inner: storage.Document{"$in": forms}}
	}
	return path.FieldPath(), storage.Document{"$in": forms}
}

func segmentPath(segs []docpath.Segment) string {
	fields := make([]string, 0, len(segs))
	for _, seg := range segs {
		fields = append(fields, seg.Field)
	}
	return strings.Join(fields, ".")
}
