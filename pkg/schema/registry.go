package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docrel/docrel/pkg/docpath"
)

// ReverseEntry records that a dependent collection denormalizes documents of
// a source collection through one of its embed relations.
type ReverseEntry struct {
	Dependent *Collection
	Relation  *Relation
}

// Registry is the validated, immutable view of a schema. It owns the
// collections passed to New and precomputes the reverse dependency index
// consumed by reverse propagation and delete cascade. Build it once during
// startup and inject it into every component that needs it.
type Registry struct {
	collections map[string]*Collection
	reverse     map[string][]ReverseEntry
}

// New validates the given collections, applies defaults (id fields, foreign
// fields, lookup cardinality, reverse strategy), parses every embed source
// path, and builds the reverse dependency index. It takes ownership of the
// collections; they must not be mutated afterwards.
func New(collections ...*Collection) (*Registry, error) {
	if len(collections) == 0 {
		return nil, ErrNoCollections
	}

	r := &Registry{
		collections: make(map[string]*Collection, len(collections)),
		reverse:     make(map[string][]ReverseEntry),
	}

	for _, c := range collections {
		if c == nil || c.Name == "" {
			return nil, errors.New("collection without a name")
		}
		if _, ok := r.collections[c.Name]; ok {
			return nil, DuplicateCollectionError(c.Name)
		}
		if c.IDField == "" {
			c.IDField = "_id"
		}
		r.collections[c.Name] = c
	}

	for _, c := range collections {
		names := make([]string, 0, len(c.Relations))
		for name := range c.Relations {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			rel := c.Relations[name]
			if rel == nil {
				return nil, InvalidRelationError(c.Name, name, "empty declaration")
			}
			if err := r.validateRelation(c, name, rel); err != nil {
				return nil, err
			}
			switch rel.Kind {
			case KindEmbed:
				c.embeds = append(c.embeds, rel)
				r.reverse[rel.Collection] = append(r.reverse[rel.Collection], ReverseEntry{
					Dependent: c,
					Relation:  rel,
				})
			case KindReference:
				c.references = append(c.references, rel)
			}
		}
	}

	for _, entries := range r.reverse {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Dependent.Name != entries[j].Dependent.Name {
				return entries[i].Dependent.Name < entries[j].Dependent.Name
			}
			return entries[i].Relation.Name < entries[j].Relation.Name
		})
	}

	return r, nil
}

func (r *Registry) validateRelation(c *Collection, name string, rel *Relation) error {
	rel.Name = name

	set := 0
	if rel.Reference != nil {
		set++
		if rel.Kind == "" {
			rel.Kind = KindReference
		}
	}
	if rel.Lookup != nil {
		set++
		if rel.Kind == "" {
			rel.Kind = KindLookup
		}
	}
	if rel.Embed != nil {
		set++
		if rel.Kind == "" {
			rel.Kind = KindEmbed
		}
	}
	if set != 1 {
		return InvalidRelationError(c.Name, name, "exactly one of reference, lookup, or embed must be set")
	}

	if rel.Collection == "" {
		return InvalidRelationError(c.Name, name, "missing collection")
	}
	target, ok := r.collections[rel.Collection]
	if !ok {
		return InvalidRelationError(c.Name, name, fmt.Sprintf("unknown collection %q", rel.Collection))
	}

	switch rel.Kind {
	case KindReference:
		if rel.Reference == nil {
			return InvalidRelationError(c.Name, name, "kind does not match the config that is set")
		}
		if rel.Reference.LocalField == "" {
			return InvalidRelationError(c.Name, name, "reference requires localField")
		}
		if rel.Reference.ForeignField == "" {
			rel.Reference.ForeignField = target.IDField
		}

	case KindLookup:
		if rel.Lookup == nil {
			return InvalidRelationError(c.Name, name, "kind does not match the config that is set")
		}
		l := rel.Lookup
		if l.LocalField == "" {
			return InvalidRelationError(c.Name, name, "lookup requires localField")
		}
		if l.ForeignField == "" {
			l.ForeignField = target.IDField
		}
		switch l.Cardinality {
		case "":
			l.Cardinality = CardinalityMany
		case CardinalityOne, CardinalityMany:
		default:
			return InvalidRelationError(c.Name, name, fmt.Sprintf("unknown cardinality %q", l.Cardinality))
		}
		if l.DefaultLimit < 0 {
			return InvalidRelationError(c.Name, name, "defaultLimit must not be negative")
		}

	case KindEmbed:
		if rel.Embed == nil {
			return InvalidRelationError(c.Name, name, "kind does not match the config that is set")
		}
		e := rel.Embed
		if e.SourcePath == "" {
			return InvalidRelationError(c.Name, name, "embed requires sourcePath")
		}
		if e.IDField == "" {
			e.IDField = target.IDField
		}

		p, err := docpath.Parse(e.SourcePath, e.IDField)
		if err != nil {
			return InvalidRelationError(c.Name, name, err.Error())
		}
		if p.Strategy == docpath.StrategySeparate {
			// A field declared as an array holds a list of identifiers
			// even though the path itself does not fan out.
			if f, ok := c.Field(e.SourcePath); ok && f.Type == TypeArray {
				p.Strategy = docpath.StrategyArray
			}
		}
		if p.Strategy == docpath.StrategyInPlace {
			if p.FansOut() {
				return InvalidRelationError(c.Name, name, "in-place source paths cannot cross arrays")
			}
		} else if e.TargetField == "" {
			return InvalidRelationError(c.Name, name, "embed requires targetField")
		}
		if strings.Contains(e.TargetField, ".") {
			return InvalidRelationError(c.Name, name, "targetField must be a plain field name")
		}

		if e.Reverse != nil && e.Reverse.Enabled {
			switch e.Reverse.Strategy {
			case "":
				e.Reverse.Strategy = ReverseSync
			case ReverseSync, ReverseAsync:
			default:
				return InvalidRelationError(c.Name, name, fmt.Sprintf("unknown reverse strategy %q", e.Reverse.Strategy))
			}
			// The snapshot identifier is the join key propagation matches
			// stale copies by.
			if e.Fields.Excluded(e.IDField) {
				return InvalidRelationError(c.Name, name, "reverse propagation requires the snapshot identifier field")
			}
		}

		switch e.OnDelete {
		case "", DeleteCascade, DeleteNullify, DeleteClear:
		default:
			return InvalidRelationError(c.Name, name, fmt.Sprintf("unknown onDelete action %q", e.OnDelete))
		}
		if e.OnDelete == DeleteClear && p.Strategy == docpath.StrategyInPlace {
			if len(e.ClearableFields(target)) == 0 {
				return InvalidRelationError(c.Name, name, "clear on an in-place embed requires a field selection or declared source fields")
			}
		}

		e.path = p

	default:
		return InvalidRelationError(c.Name, name, fmt.Sprintf("unknown kind %q", rel.Kind))
	}

	return nil
}

// Collection returns the named collection.
func (r *Registry) Collection(name string) (*Collection, error) {
	c, ok := r.collections[name]
	if !ok {
		return nil, UnknownCollectionError(name)
	}
	return c, nil
}

// CollectionNames returns the names of all declared collections, sorted.
func (r *Registry) CollectionNames() []string {
	names := make([]string, 0, len(r.collections))
	for name := range r.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReverseEntries returns the dependents embedding documents of the source
// collection, ordered by dependent and relation name. The returned slice is
// shared and must not be mutated.
func (r *Registry) ReverseEntries(source string) []ReverseEntry {
	return r.reverse[source]
}

// EmbedRelation resolves a named embed relation declared on a collection.
func (r *Registry) EmbedRelation(collection, relation string) (*Collection, *Relation, error) {
	c, err := r.Collection(collection)
	if err != nil {
		return nil, nil, err
	}
	rel, ok := c.Relation(relation)
	if !ok {
		return nil, nil, UnknownRelationError(collection, relation)
	}
	if rel.Kind != KindEmbed {
		return nil, nil, InvalidRelationError(collection, relation, "not an embed relation")
	}
	return c, rel, nil
}
