package relations

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/docrel/docrel/pkg/docpath"
	"github.com/docrel/docrel/pkg/logger"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
	"github.com/docrel/docrel/pkg/telemetry"
)

// PropagationError reports a dependent collection whose embedded snapshots
// could not be refreshed after a source update.
type PropagationError struct {
	Dependent string
	Relation  string
	Err       error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagating to %s.%s: %v", e.Dependent, e.Relation, e.Err)
}

func (e *PropagationError) Unwrap() error {
	return e.Err
}

// Propagator pushes fresh snapshots of an updated source document into every
// dependent collection embedding it. Sync relations are updated inline, in
// parallel, before Propagate returns; async relations are handed to the
// dispatcher and their failures are only logged and counted.
type Propagator struct {
	registry   *schema.Registry
	writer     storage.DocumentWriter
	dispatcher Dispatcher
	logger     logger.Logger
}

// PropagatorOpt configures a Propagator.
type PropagatorOpt func(*Propagator)

// WithPropagatorLogger overrides the propagator's noop logger.
func WithPropagatorLogger(l logger.Logger) PropagatorOpt {
	return func(p *Propagator) {
		p.logger = l
	}
}

// WithDispatcher provides the queue async relations detach through. Without
// one, async relations still propagate inline, but their failures stay
// logged and counted instead of surfacing to the triggering write.
func WithDispatcher(d Dispatcher) PropagatorOpt {
	return func(p *Propagator) {
		p.dispatcher = d
	}
}

// NewPropagator builds a propagator issuing updates through writer.
func NewPropagator(registry *schema.Registry, writer storage.DocumentWriter, opts ...PropagatorOpt) *Propagator {
	p := &Propagator{
		registry: registry,
		writer:   writer,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Propagate refreshes the persisted snapshots of doc across every dependent
// collection, given the names of the source fields the update touched.
// Collections without dependents return immediately. An error from a sync
// relation must fail the caller's write; async relations never surface
// errors here. Propagation stops at one level: dependents embedding the
// refreshed dependents are not touched.
func (p *Propagator) Propagate(ctx context.Context, source string, doc storage.Document, updatedFields []string) error {
	entries := p.registry.ReverseEntries(source)
	if len(entries) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "reverse.Propagate", trace.WithAttributes(
		attribute.String("source_collection", source),
	))
	defer span.End()

	var group *errgroup.Group
	groupCtx := ctx

	for _, entry := range entries {
		e := entry.Relation.Embed
		if !e.ReverseEnabled() || !e.Watches(updatedFields) {
			continue
		}

		id, ok := docpath.CanonicalID(doc[e.IDField])
		if !ok {
			p.logger.Warn("updated source document carries no identifier, skipping propagation",
				zap.String("source_collection", source),
				zap.String("collection", entry.Dependent.Name),
				zap.String("relation", entry.Relation.Name),
			)
			continue
		}
		snap := BuildSnapshot(e, doc)

		if e.Reverse.Strategy == schema.ReverseAsync {
			if p.dispatcher != nil {
				p.dispatchEntry(entry, id, snap)
			} else {
				p.propagateInlineAsync(ctx, entry, id, snap)
			}
			continue
		}

		if group == nil {
			group, groupCtx = errgroup.WithContext(ctx)
		}
		group.Go(func() error {
			if err := p.propagateEntry(groupCtx, entry, id, snap, "sync"); err != nil {
				return &PropagationError{
					Dependent: entry.Dependent.Name,
					Relation:  entry.Relation.Name,
					Err:       err,
				}
			}
			return nil
		})
	}

	if group != nil {
		if err := group.Wait(); err != nil {
			telemetry.TraceError(span, err)
			return err
		}
	}
	return nil
}

// propagateInlineAsync covers async relations when no dispatcher is
// configured: the update runs inline, but keeps the async contract — a
// failure is logged and counted, never surfaced to the caller's write.
func (p *Propagator) propagateInlineAsync(ctx context.Context, entry schema.ReverseEntry, id string, snap storage.Document) {
	if err := p.propagateEntry(ctx, entry, id, snap, "async"); err != nil {
		propagationFailures.WithLabelValues(string(entry.Relation.Embed.Path().Strategy), "async").Inc()
		p.logger.Error("async propagation failed",
			zap.String("collection", entry.Dependent.Name),
			zap.String("relation", entry.Relation.Name),
			zap.Error(err),
		)
	}
}

func (p *Propagator) dispatchEntry(entry schema.ReverseEntry, id string, snap storage.Document) {
	strategy := string(entry.Relation.Embed.Path().Strategy)
	name := "reverse:" + entry.Dependent.Name + "." + entry.Relation.Name

	accepted := p.dispatcher.Dispatch(name, func(taskCtx context.Context) error {
		if err := p.propagateEntry(taskCtx, entry, id, snap, "async"); err != nil {
			propagationFailures.WithLabelValues(strategy, "async").Inc()
			return &PropagationError{
				Dependent: entry.Dependent.Name,
				Relation:  entry.Relation.Name,
				Err:       err,
			}
		}
		return nil
	})
	if !accepted {
		propagationFailures.WithLabelValues(strategy, "async").Inc()
	}
}

// propagateEntry issues the one batched update refreshing every stale copy
// held by the dependent collection, shaped by the embed storage strategy.
func (p *Propagator) propagateEntry(ctx context.Context, entry schema.ReverseEntry, id string, snap storage.Document, mode string) error {
	e := entry.Relation.Embed
	path := e.Path()
	dependent := entry.Dependent.Name
	propagationsTotal.WithLabelValues(string(path.Strategy), mode).Inc()

	switch path.Strategy {
	case docpath.StrategyArray:
		// Rewrite only the array elements snapshotting this source.
		filter := storage.Document{e.TargetField + "." + e.IDField: id}
		update := storage.Document{"$set": storage.Document{e.TargetField + ".$[elem]": snap}}
		opts := storage.UpdateOptions{ArrayFilters: []storage.Document{
			{"elem." + e.IDField: id},
		}}
		_, err := p.writer.UpdateMany(ctx, dependent, filter, update, opts)
		return err

	case docpath.StrategyInPlace:
		// The nested object keeps the caller-written identifier, which may
		// be either form; the snapshot fields are merged around it.
		base := path.Base()
		fields := storage.Document{}
		for k, v := range snap {
			if k == e.IDField {
				continue
			}
			fields[base+"."+k] = v
		}
		if len(fields) == 0 {
			return nil
		}
		filter := storage.Document{base + "." + e.IDField: storage.Document{"$in": identifierForms(id)}}
		_, err := p.writer.UpdateMany(ctx, dependent, filter, storage.Document{"$set": fields}, storage.UpdateOptions{})
		return err

	default:
		filter := storage.Document{e.TargetField + "." + e.IDField: id}
		update := storage.Document{"$set": storage.Document{e.TargetField: snap}}
		_, err := p.writer.UpdateMany(ctx, dependent, filter, update, storage.UpdateOptions{})
		return err
	}
}
