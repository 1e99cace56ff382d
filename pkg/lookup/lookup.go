// Package lookup compiles declarative include trees into MongoDB aggregation
// pipelines resolving the lookup and reference relations of a collection.
//
// The compiler is pure: it reads relation metadata from the schema registry
// and emits ordered stage documents without touching storage. Every joined
// relation becomes one $lookup stage in the let+pipeline form, binding the
// local field value to a variable the sub-pipeline matches the foreign field
// against. Embed relations never produce stages since their data is already
// persisted on the document.
//
// Stage shapes and key order are stable: the same registry and tree always
// compile to byte-identical pipelines.
package lookup

import (
	"sort"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/schema"
)

// localVar is the let-binding name carrying the local field value into each
// join sub-pipeline.
const localVar = "docrel_local"

// Tree selects the relations a query joins, keyed by relation name. A nil
// node joins the relation with its declared defaults.
type Tree map[string]*Node

// Node overrides one relation's join behavior at query time. Zero-valued
// members fall back to the relation's declared defaults.
type Node struct {
	// Select narrows the fields of the joined documents.
	Select schema.FieldSelection

	// Where filters the joined documents. It is combined with the
	// relation's default filter by logical AND when both are present.
	Where bson.M

	// Sort orders the joined documents.
	Sort []schema.SortKey

	// Limit caps the joined documents.
	Limit int64

	// Include joins relations of the joined collection, recursively.
	Include Tree
}

// FromNames builds a tree joining the named relations with their defaults.
func FromNames(names ...string) Tree {
	if len(names) == 0 {
		return nil
	}
	tree := make(Tree, len(names))
	for _, name := range names {
		tree[name] = nil
	}
	return tree
}

// Build compiles the include tree against the named collection into
// aggregation pipeline stages, one $lookup per joined relation in relation
// name order. Cardinality-one lookups and references are flattened to a
// single value-or-null by a trailing $unwind. Naming a relation the
// collection does not declare is an error; naming an embed relation is not,
// it simply contributes no stages.
func Build(reg *schema.Registry, collection string, tree Tree) ([]bson.D, error) {
	coll, err := reg.Collection(collection)
	if err != nil {
		return nil, err
	}
	return build(reg, coll, tree)
}

func build(reg *schema.Registry, coll *schema.Collection, tree Tree) ([]bson.D, error) {
	if len(tree) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)

	var stages []bson.D
	for _, name := range names {
		rel, ok := coll.Relation(name)
		if !ok {
			return nil, schema.UnknownRelationError(coll.Name, name)
		}

		node := tree[name]
		if node == nil {
			node = &Node{}
		}

		switch rel.Kind {
		case schema.KindEmbed:
			// Already persisted on the document.
			continue

		case schema.KindLookup:
			joined, err := lookupStages(reg, coll, rel, node)
			if err != nil {
				return nil, err
			}
			stages = append(stages, joined...)

		case schema.KindReference:
			joined, err := referenceStages(reg, coll, rel, node)
			if err != nil {
				return nil, err
			}
			stages = append(stages, joined...)
		}
	}
	return stages, nil
}

// lookupStages emits the join for one lookup relation: the $lookup stage and,
// for cardinality one, the flattening $unwind.
func lookupStages(reg *schema.Registry, coll *schema.Collection, rel *schema.Relation, node *Node) ([]bson.D, error) {
	l := rel.Lookup
	target, err := reg.Collection(rel.Collection)
	if err != nil {
		return nil, err
	}

	limit := node.Limit
	if limit <= 0 {
		limit = l.DefaultLimit
	}
	if limit <= 0 && l.Cardinality == schema.CardinalityOne {
		// Flattening promises at most one joined value.
		limit = 1
	}

	sortKeys := node.Sort
	if len(sortKeys) == 0 {
		sortKeys = l.DefaultSort
	}

	selection := node.Select
	if selection.IsZero() {
		selection = l.DefaultProjection
	}

	pipeline, err := subPipeline(reg, target, joinSpec{
		foreignField: l.ForeignField,
		localIsArray: fieldIsArray(coll, l.LocalField),
		where:        mergeWhere(l.DefaultWhere, node.Where),
		sort:         sortKeys,
		limit:        limit,
		selection:    selection,
		include:      node.Include,
	})
	if err != nil {
		return nil, err
	}

	stages := []bson.D{lookupStage(rel.Collection, l.LocalField, pipeline, rel.Name)}
	if l.Cardinality == schema.CardinalityOne {
		stages = append(stages, unwindStage(rel.Name))
	}
	return stages, nil
}

// referenceStages emits the join for one reference relation. References have
// no declared defaults and always flatten, mirroring a cardinality-one
// lookup.
func referenceStages(reg *schema.Registry, coll *schema.Collection, rel *schema.Relation, node *Node) ([]bson.D, error) {
	ref := rel.Reference
	target, err := reg.Collection(rel.Collection)
	if err != nil {
		return nil, err
	}

	limit := node.Limit
	if limit <= 0 {
		limit = 1
	}

	pipeline, err := subPipeline(reg, target, joinSpec{
		foreignField: ref.ForeignField,
		localIsArray: fieldIsArray(coll, ref.LocalField),
		where:        node.Where,
		sort:         node.Sort,
		limit:        limit,
		selection:    node.Select,
		include:      node.Include,
	})
	if err != nil {
		return nil, err
	}

	return []bson.D{
		lookupStage(rel.Collection, ref.LocalField, pipeline, rel.Name),
		unwindStage(rel.Name),
	}, nil
}

// joinSpec carries the resolved (defaults already applied) parameters of one
// join sub-pipeline.
type joinSpec struct {
	foreignField string
	localIsArray bool
	where        bson.M
	sort         []schema.SortKey
	limit        int64
	selection    schema.FieldSelection
	include      Tree
}

// subPipeline assembles the stages running inside a $lookup, in fixed order:
// the foreign-field join match, the merged filter, $sort, $limit, $project,
// then the stages of nested includes. Filtering precedes projection so the
// filter can still see fields the projection drops, and limiting precedes
// projection to keep projection work proportional to the final result.
func subPipeline(reg *schema.Registry, target *schema.Collection, spec joinSpec) ([]bson.D, error) {
	pipeline := []bson.D{joinMatch(spec.foreignField, spec.localIsArray)}

	if len(spec.where) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: spec.where}})
	}
	if len(spec.sort) > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$sort", Value: sortDoc(spec.sort)}})
	}
	if spec.limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: spec.limit}})
	}
	if !spec.selection.IsZero() {
		pipeline = append(pipeline, bson.D{{Key: "$project", Value: projectionDoc(spec.selection, target.IDField)}})
	}

	nested, err := build(reg, target, spec.include)
	if err != nil {
		return nil, err
	}
	return append(pipeline, nested...), nil
}

// joinMatch matches the foreign field against the bound local value: equality
// for scalar local fields, membership when the local field is declared as an
// array of identifiers.
func joinMatch(foreignField string, localIsArray bool) bson.D {
	op := "$eq"
	if localIsArray {
		op = "$in"
	}
	return bson.D{{Key: "$match", Value: bson.D{{Key: "$expr", Value: bson.D{
		{Key: op, Value: bson.A{"$" + foreignField, "$$" + localVar}},
	}}}}}
}

func lookupStage(from, localField string, pipeline []bson.D, as string) bson.D {
	return bson.D{{Key: "$lookup", Value: bson.D{
		{Key: "from", Value: from},
		{Key: "let", Value: bson.D{{Key: localVar, Value: "$" + localField}}},
		{Key: "pipeline", Value: pipeline},
		{Key: "as", Value: as},
	}}}
}

func unwindStage(field string) bson.D {
	return bson.D{{Key: "$unwind", Value: bson.D{
		{Key: "path", Value: "$" + field},
		{Key: "preserveNullAndEmptyArrays", Value: true},
	}}}
}

// mergeWhere combines a relation's default filter with a query-time one.
// Either alone passes through unchanged; both present are joined by $and so
// neither can relax the other.
func mergeWhere(def, override bson.M) bson.M {
	switch {
	case len(def) == 0:
		return override
	case len(override) == 0:
		return def
	}
	return bson.M{"$and": bson.A{def, override}}
}

func sortDoc(keys []schema.SortKey) bson.D {
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

// projectionDoc renders a field selection as a $project document. The
// identifier field rides along in inclusion projections unless the selection
// explicitly excludes it; map-form selections are emitted in sorted field
// order.
func projectionDoc(sel schema.FieldSelection, idField string) bson.D {
	if len(sel.Names) > 0 {
		out := make(bson.D, 0, len(sel.Names)+1)
		listed := false
		for _, name := range sel.Names {
			if name == idField {
				listed = true
			}
		}
		if !listed {
			out = append(out, bson.E{Key: idField, Value: 1})
		}
		for _, name := range sel.Names {
			out = append(out, bson.E{Key: name, Value: 1})
		}
		return out
	}

	fields := make([]string, 0, len(sel.Include))
	inclusion := false
	for field, on := range sel.Include {
		fields = append(fields, field)
		if on {
			inclusion = true
		}
	}
	sort.Strings(fields)

	out := make(bson.D, 0, len(fields)+1)
	if inclusion {
		if on, explicit := sel.Include[idField]; !explicit {
			out = append(out, bson.E{Key: idField, Value: 1})
		} else if !on && idField == "_id" {
			// The only exclusion an inclusion projection may carry.
			out = append(out, bson.E{Key: "_id", Value: 0})
		}
		for _, field := range fields {
			if sel.Include[field] {
				out = append(out, bson.E{Key: field, Value: 1})
			}
		}
		return out
	}

	for _, field := range fields {
		out = append(out, bson.E{Key: field, Value: 0})
	}
	return out
}

// fieldIsArray reports whether the collection declares the field as an array,
// which switches the join match from equality to membership.
func fieldIsArray(coll *schema.Collection, field string) bool {
	f, ok := coll.Field(field)
	return ok && f.Type == schema.TypeArray
}
