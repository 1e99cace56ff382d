// Package docpath implements the dotted-path mini-language embed relations
// use to locate source identifiers inside a document and to merge resolved
// snapshots back in.
//
// Paths are parsed once, at schema-load time, into an explicit segment list
// plus a storage strategy. A segment suffixed with `[]` fans out across the
// elements of an array field:
//
//	authorId           one identifier in a top-level field
//	tagIds             a field holding a list of identifiers
//	items[].productId  one identifier per element of the items array
//	directory._id      identifier inside a nested object (in-place embed)
package docpath

import (
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

const fanOutMarker = "[]"

// Strategy describes how an embed snapshot is stored relative to the
// referencing document. It is inferred from the shape of the source path.
type Strategy string

const (
	// StrategySeparate stores a single snapshot object under the relation's
	// target field.
	StrategySeparate Strategy = "separate"

	// StrategyArray stores one snapshot per source identifier as an array
	// under the relation's target field, each element keyed by the
	// identifier field.
	StrategyArray Strategy = "array"

	// StrategyInPlace merges the snapshot's fields into the nested object
	// holding the identifier instead of writing a separate field.
	StrategyInPlace Strategy = "in-place"
)

// Segment is a single step of a parsed path.
type Segment struct {
	Field string

	// FanOut is set when the segment was suffixed with `[]`, meaning the
	// walk continues through each element of the array stored at Field.
	FanOut bool
}

// Path is the parsed form of an embed source path.
type Path struct {
	Raw      string
	Segments []Segment

	// Strategy is inferred at parse time. Callers that know the path's
	// field is declared as an array may upgrade StrategySeparate to
	// StrategyArray.
	Strategy Strategy

	// IDField is the canonical identifier key carried by snapshots. It is
	// also the terminal segment of in-place paths.
	IDField string
}

// ErrInvalidPath is returned by Parse for paths the mini-language cannot
// express.
var ErrInvalidPath = errors.New("invalid path")

// Parse splits a dotted source path into segments and infers its storage
// strategy. idField is the identifier key embedded snapshots carry; a path
// terminating in idField below at least one other segment is in-place.
func Parse(raw, idField string) (Path, error) {
	if raw == "" {
		return Path{}, fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	if idField == "" {
		idField = "_id"
	}

	parts := strings.Split(raw, ".")
	segments := make([]Segment, 0, len(parts))
	fanOut := false
	for _, part := range parts {
		seg := Segment{Field: part}
		if strings.HasSuffix(part, fanOutMarker) {
			seg.Field = strings.TrimSuffix(part, fanOutMarker)
			seg.FanOut = true
			fanOut = true
		}
		if seg.Field == "" {
			return Path{}, fmt.Errorf("path %q has an empty segment: %w", raw, ErrInvalidPath)
		}
		segments = append(segments, seg)
	}

	p := Path{
		Raw:      raw,
		Segments: segments,
		Strategy: StrategySeparate,
		IDField:  idField,
	}

	terminal := segments[len(segments)-1]
	switch {
	case len(segments) > 1 && terminal.Field == idField && !terminal.FanOut:
		p.Strategy = StrategyInPlace
	case fanOut:
		p.Strategy = StrategyArray
	}

	return p, nil
}

func (p Path) String() string { return p.Raw }

// FansOut reports whether any segment of the path crosses an array.
func (p Path) FansOut() bool {
	for _, seg := range p.Segments {
		if seg.FanOut {
			return true
		}
	}
	return false
}

// FieldPath returns the dotted field path with fan-out markers stripped,
// which is the form filters address the path by.
func (p Path) FieldPath() string {
	fields := make([]string, 0, len(p.Segments))
	for _, seg := range p.Segments {
		fields = append(fields, seg.Field)
	}
	return strings.Join(fields, ".")
}

// Base returns the dotted path of the object an in-place snapshot merges
// into: the raw path minus its terminal identifier segment. It returns ""
// for single-segment paths.
func (p Path) Base() string {
	if len(p.Segments) < 2 {
		return ""
	}
	fields := make([]string, 0, len(p.Segments)-1)
	for _, seg := range p.Segments[:len(p.Segments)-1] {
		fields = append(fields, seg.Field)
	}
	return strings.Join(fields, ".")
}

// ExtractIDs walks doc and returns every identifier found at the path, in
// document order, converted to canonical string form. Missing or mistyped
// intermediate fields skip that branch rather than failing. A terminal array
// value contributes one identifier per element, which is what gives a plain
// field holding a list of identifiers its array cardinality.
func (p Path) ExtractIDs(doc bson.M) []string {
	if doc == nil {
		return nil
	}

	values := []any{any(doc)}
	for _, seg := range p.Segments {
		next := make([]any, 0, len(values))
		for _, v := range values {
			d, ok := asDocument(v)
			if !ok {
				continue
			}
			child, ok := d[seg.Field]
			if !ok || child == nil {
				continue
			}
			if seg.FanOut {
				if arr, ok := asArray(child); ok {
					next = append(next, arr...)
				}
				continue
			}
			next = append(next, child)
		}
		values = next
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if arr, ok := asArray(v); ok {
			for _, el := range arr {
				if id, ok := CanonicalID(el); ok {
					ids = append(ids, id)
				}
			}
			continue
		}
		if id, ok := CanonicalID(v); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Merge writes resolved snapshots back into doc.
//
// For StrategySeparate the snapshot of the single resolved identifier is
// stored under target; if the path resolved several identifiers the
// snapshots are stored as an array instead, mirroring the value shape. For
// StrategyArray snapshots are stored under target as an array following the
// identifier order of ids. For StrategyInPlace the snapshot's fields,
// identifier excluded, are merged into the object holding the identifier,
// preserving that object's other fields; target is unused.
//
// Identifiers without a snapshot are skipped. When nothing resolves, doc is
// left untouched.
func (p Path) Merge(doc bson.M, target string, ids []string, snaps map[string]bson.M) {
	if doc == nil || len(ids) == 0 || len(snaps) == 0 {
		return
	}

	switch p.Strategy {
	case StrategyInPlace:
		p.mergeInPlace(doc, snaps)
	case StrategyArray:
		if arr := orderedSnapshots(ids, snaps); len(arr) > 0 {
			doc[target] = arr
		}
	default:
		arr := orderedSnapshots(ids, snaps)
		switch {
		case len(arr) == 1:
			doc[target] = arr[0]
		case len(arr) > 1:
			doc[target] = arr
		}
	}
}

func (p Path) mergeInPlace(doc bson.M, snaps map[string]bson.M) {
	values := []any{any(doc)}
	for _, seg := range p.Segments[:len(p.Segments)-1] {
		next := make([]any, 0, len(values))
		for _, v := range values {
			d, ok := asMutableDocument(v)
			if !ok {
				continue
			}
			child, ok := d[seg.Field]
			if !ok || child == nil {
				continue
			}
			if seg.FanOut {
				if arr, ok := asArray(child); ok {
					next = append(next, arr...)
				}
				continue
			}
			next = append(next, child)
		}
		values = next
	}

	for _, v := range values {
		obj, ok := asMutableDocument(v)
		if !ok {
			continue
		}
		id, ok := CanonicalID(obj[p.IDField])
		if !ok {
			continue
		}
		snap, ok := snaps[id]
		if !ok {
			continue
		}
		for k, val := range snap {
			if k == p.IDField {
				continue
			}
			obj[k] = val
		}
	}
}

func orderedSnapshots(ids []string, snaps map[string]bson.M) bson.A {
	out := make(bson.A, 0, len(ids))
	for _, id := range ids {
		if snap, ok := snaps[id]; ok {
			out = append(out, snap)
		}
	}
	return out
}

// CanonicalID renders an identifier value in its canonical string form:
// ObjectIDs render as hex, strings pass through. Empty and zero identifiers
// report false.
func CanonicalID(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", false
		}
		return t, true
	case bson.ObjectID:
		if t.IsZero() {
			return "", false
		}
		return t.Hex(), true
	}
	return "", false
}

// asDocument reads v as a document. The returned map may be a converted
// copy, so it is only safe for read access.
func asDocument(v any) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return bson.M(t), true
	case bson.D:
		m := make(bson.M, len(t))
		for _, e := range t {
			m[e.Key] = e.Value
		}
		return m, true
	}
	return nil, false
}

// asMutableDocument reads v as a document that shares storage with the
// original, so writes are visible to the caller.
func asMutableDocument(v any) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return bson.M(t), true
	}
	return nil, false
}

func asArray(v any) (bson.A, bool) {
	switch t := v.(type) {
	case bson.A:
		return t, true
	case []any:
		return bson.A(t), true
	case []bson.M:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out, true
	case []string:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out, true
	case []bson.ObjectID:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = el
		}
		return out, true
	}
	return nil, false
}
