package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/docpath"
)

// Kind discriminates the relation union. Every relation is exactly one of
// reference, lookup, or embed.
type Kind string

const (
	// KindReference is an existence-validated foreign key with no storage
	// side effect.
	KindReference Kind = "reference"

	// KindLookup is resolved at query time via an aggregation join, never
	// persisted.
	KindLookup Kind = "lookup"

	// KindEmbed is resolved at write time and persisted inside the
	// referencing document.
	KindEmbed Kind = "embed"
)

// Cardinality of a lookup relation's join result.
type Cardinality string

const (
	CardinalityOne  Cardinality = "one"
	CardinalityMany Cardinality = "many"
)

// ReverseStrategy controls when refreshed snapshots reach dependents after a
// source document changes.
type ReverseStrategy string

const (
	// ReverseSync propagates inline: the triggering write does not return
	// until every dependent update has completed.
	ReverseSync ReverseStrategy = "sync"

	// ReverseAsync defers propagation to a background worker. Failures are
	// logged, never surfaced to the triggering write, and never retried.
	ReverseAsync ReverseStrategy = "async"
)

// DeleteAction says what happens to dependents when a source document is
// deleted.
type DeleteAction string

const (
	// DeleteCascade removes every dependent document referencing the
	// source.
	DeleteCascade DeleteAction = "cascade"

	// DeleteNullify nulls both the embedded snapshot and the originating
	// reference field. For array embeds the matching element is removed
	// from both arrays.
	DeleteNullify DeleteAction = "nullify"

	// DeleteClear removes only the embedded snapshot, leaving the
	// reference field intact.
	DeleteClear DeleteAction = "clear"
)

// Relation declares a named relationship to another collection. Kind selects
// which of the three config structs is set; New infers an empty Kind from
// the one config that is present.
type Relation struct {
	// Name is filled from the declaring collection's relation map key.
	Name string `json:"-"`

	Kind Kind `json:"kind,omitempty"`

	// Collection names the other side: the joined collection for lookups
	// and references, the snapshot source for embeds.
	Collection string `json:"collection"`

	Reference *ReferenceRelation `json:"reference,omitempty"`
	Lookup    *LookupRelation    `json:"lookup,omitempty"`
	Embed     *EmbedRelation     `json:"embed,omitempty"`
}

// ReferenceRelation validates that the identifier stored in LocalField
// exists in the target collection before a write is accepted.
type ReferenceRelation struct {
	LocalField string `json:"localField"`

	// ForeignField defaults to the target collection's id field.
	ForeignField string `json:"foreignField,omitempty"`
}

// SortKey is one key of an ordered sort specification.
type SortKey struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// LookupRelation is a virtual join resolved by the aggregation pipeline
// builder. Defaults apply when the query-time include tree does not
// override them.
type LookupRelation struct {
	LocalField string `json:"localField"`

	// ForeignField defaults to the target collection's id field.
	ForeignField string `json:"foreignField,omitempty"`

	// Cardinality defaults to many. CardinalityOne relations are flattened
	// to a single value-or-null after the join.
	Cardinality Cardinality `json:"cardinality,omitempty"`

	DefaultWhere      bson.M         `json:"defaultWhere,omitempty"`
	DefaultSort       []SortKey      `json:"defaultSort,omitempty"`
	DefaultLimit      int64          `json:"defaultLimit,omitempty"`
	DefaultProjection FieldSelection `json:"defaultProjection,omitempty"`
}

// ReverseSpec configures reverse propagation for an embed relation: whether
// changes to the source document flow back into persisted snapshots, and
// when.
type ReverseSpec struct {
	Enabled bool `json:"enabled"`

	// Strategy defaults to sync when Enabled is set.
	Strategy ReverseStrategy `json:"strategy,omitempty"`

	// WatchFields restricts propagation to updates touching at least one
	// of the listed source fields. Empty means every update propagates.
	WatchFields []string `json:"watchFields,omitempty"`
}

// EmbedRelation denormalizes a snapshot of the source document into the
// referencing document at write time.
type EmbedRelation struct {
	// SourcePath locates the source identifier(s) inside the referencing
	// document, in docpath syntax.
	SourcePath string `json:"sourcePath"`

	// TargetField is where the snapshot is stored. Unused for in-place
	// paths.
	TargetField string `json:"targetField,omitempty"`

	// Fields selects the source fields carried into the snapshot. Empty
	// carries every field of the source document.
	Fields FieldSelection `json:"fields,omitempty"`

	// IDField is the unique source field the SourcePath values identify
	// documents by, and the normalized identifier key snapshots carry.
	// Defaults to the source collection's id field.
	IDField string `json:"idField,omitempty"`

	Reverse  *ReverseSpec `json:"reverse,omitempty"`
	OnDelete DeleteAction `json:"onDelete,omitempty"`

	// path is parsed once by New.
	path docpath.Path
}

// Path returns the parsed source path. Only valid after the declaring
// collections went through New.
func (e *EmbedRelation) Path() docpath.Path {
	return e.path
}

// ReverseEnabled reports whether source updates propagate into persisted
// snapshots of this relation.
func (e *EmbedRelation) ReverseEnabled() bool {
	return e.Reverse != nil && e.Reverse.Enabled
}

// Watches reports whether an update touching the given source fields passes
// the relation's watch gate. Fields match as paths, so a watch on
// "profile.avatar" is triggered by an update to "profile.avatar", to any
// field below it, or to the whole "profile" object, but not by a sibling
// like "profile.banner".
func (e *EmbedRelation) Watches(updatedFields []string) bool {
	if e.Reverse == nil || len(e.Reverse.WatchFields) == 0 {
		return true
	}
	for _, watched := range e.Reverse.WatchFields {
		for _, updated := range updatedFields {
			if pathsOverlap(watched, updated) {
				return true
			}
		}
	}
	return false
}

// pathsOverlap reports whether two dotted field paths address the same value
// or one addresses a value nested inside the other.
func pathsOverlap(a, b string) bool {
	return a == b || strings.HasPrefix(a, b+".") || strings.HasPrefix(b, a+".")
}

// ProjectedFields statically enumerates the source field names a snapshot of
// this relation carries: the selection's include list, the true entries of
// its inclusion map, or the source collection's declared fields when the
// selection is empty. The identifier field is not filtered here.
func (e *EmbedRelation) ProjectedFields(source *Collection) []string {
	if len(e.Fields.Names) > 0 {
		return append([]string(nil), e.Fields.Names...)
	}
	if len(e.Fields.Include) > 0 {
		fields := make([]string, 0, len(e.Fields.Include))
		for field, on := range e.Fields.Include {
			if on {
				fields = append(fields, field)
			}
		}
		sort.Strings(fields)
		return fields
	}
	fields := make([]string, 0, len(source.Fields))
	for _, f := range source.Fields {
		fields = append(fields, f.Name)
	}
	return fields
}

// ClearableFields enumerates the snapshot fields, identifier excluded, that
// a clear delete action unsets for an in-place embed.
func (e *EmbedRelation) ClearableFields(source *Collection) []string {
	fields := e.ProjectedFields(source)
	out := fields[:0]
	for _, f := range fields {
		if f != e.IDField {
			out = append(out, f)
		}
	}
	return out
}

// FieldSelection selects the fields carried into a snapshot or projection:
// either an ordered include list or an inclusion/exclusion map. A zero
// selection selects every field.
//
// In schema documents it accepts both shapes:
//
//	fields: [name, slug]
//	fields: {name: 1, internal: 0}
type FieldSelection struct {
	Names   []string
	Include map[string]bool
}

// IsZero reports whether the selection selects every field.
func (s FieldSelection) IsZero() bool {
	return len(s.Names) == 0 && len(s.Include) == 0
}

// Excluded reports whether field is explicitly excluded by the map form.
func (s FieldSelection) Excluded(field string) bool {
	on, ok := s.Include[field]
	return ok && !on
}

func (s *FieldSelection) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		s.Names = names
		s.Include = nil
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("field selection must be a list of names or an inclusion map: %w", err)
	}
	include := make(map[string]bool, len(raw))
	for field, v := range raw {
		switch t := v.(type) {
		case bool:
			include[field] = t
		case float64:
			include[field] = t != 0
		default:
			return fmt.Errorf("field selection entry %q must be a boolean or 0/1, got %T", field, v)
		}
	}
	s.Include = include
	s.Names = nil
	return nil
}

func (s FieldSelection) MarshalJSON() ([]byte, error) {
	if len(s.Include) > 0 {
		return json.Marshal(s.Include)
	}
	return json.Marshal(s.Names)
}
