package memory

import (
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// applyUpdate mutates doc according to the update document and reports
// whether anything actually changed. The supported operator set is the one
// the engine emits plus $inc: $set (with one positional `$[<identifier>]`
// per path), $unset, $pull, and $inc.
func applyUpdate(doc, update storage.Document, arrayFilters []storage.Document) (bool, error) {
	if len(update) == 0 {
		return false, storage.InvalidUpdateError("empty update document")
	}

	changed := false
	for op, specAny := range update {
		spec, ok := asDoc(specAny)
		if !ok {
			return changed, storage.InvalidUpdateError(fmt.Sprintf("%s expects a document", op))
		}

		for path, value := range spec {
			var (
				c   bool
				err error
			)
			switch op {
			case "$set":
				c, err = setPath(doc, path, value, arrayFilters)
			case "$unset":
				c, err = unsetPath(doc, path)
			case "$pull":
				c, err = pullPath(doc, path, value)
			case "$inc":
				c, err = incPath(doc, path, value)
			default:
				return changed, storage.InvalidUpdateError(fmt.Sprintf("unsupported operator %q", op))
			}
			if err != nil {
				return changed, err
			}
			changed = changed || c
		}
	}
	return changed, nil
}

func setPath(doc storage.Document, path string, value any, arrayFilters []storage.Document) (bool, error) {
	segs := strings.Split(path, ".")
	if idx, ident := findPositional(segs); idx >= 0 {
		return setPositional(doc, segs[:idx], ident, segs[idx+1:], value, arrayFilters)
	}
	return setStatic(doc, segs, value)
}

// findPositional locates a `$[<identifier>]` segment.
func findPositional(segs []string) (int, string) {
	for i, seg := range segs {
		if strings.HasPrefix(seg, "$[") && strings.HasSuffix(seg, "]") {
			return i, seg[2 : len(seg)-1]
		}
	}
	return -1, ""
}

// setStatic walks a plain dotted path, creating intermediate documents as
// needed, and sets the terminal field.
func setStatic(doc storage.Document, segs []string, value any) (bool, error) {
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg]
		if !ok || child == nil {
			next := storage.Document{}
			cur[seg] = next
			cur = next
			continue
		}
		childDoc, ok := asMutableDoc(child)
		if !ok {
			return false, storage.InvalidUpdateError(fmt.Sprintf("cannot create field below non-document value at %q", seg))
		}
		cur = childDoc
	}

	last := segs[len(segs)-1]
	old, existed := cur[last]
	if existed && equalValues(old, value) {
		return false, nil
	}
	cur[last] = copyValue(value)
	return true, nil
}

// setPositional applies `prefix.$[ident].suffix = value` to every array
// element matched by the identifier's array filter.
func setPositional(doc storage.Document, prefix []string, ident string, suffix []string, value any, arrayFilters []storage.Document) (bool, error) {
	cond, ok := filterForIdentifier(ident, arrayFilters)
	if !ok {
		return false, storage.InvalidUpdateError(fmt.Sprintf("no array filter found for identifier %q", ident))
	}

	cur := any(doc)
	for _, seg := range prefix {
		d, ok := asMutableDoc(cur)
		if !ok {
			return false, storage.InvalidUpdateError(fmt.Sprintf("positional path prefix %q does not resolve to a document", strings.Join(prefix, ".")))
		}
		cur = d[seg]
	}
	arr, ok := cur.(bson.A)
	if !ok {
		return false, storage.InvalidUpdateError(fmt.Sprintf("positional path %q does not resolve to an array", strings.Join(prefix, ".")))
	}

	changed := false
	for i, elem := range arr {
		match, err := elementMatches(elem, ident, cond)
		if err != nil {
			return changed, err
		}
		if !match {
			continue
		}

		if len(suffix) == 0 {
			if !equalValues(arr[i], value) {
				arr[i] = copyValue(value)
				changed = true
			}
			continue
		}

		elemDoc, ok := asMutableDoc(elem)
		if !ok {
			return changed, storage.InvalidUpdateError("cannot set a field on a non-document array element")
		}
		c, err := setStatic(elemDoc, suffix, value)
		if err != nil {
			return changed, err
		}
		changed = changed || c
	}
	return changed, nil
}

// filterForIdentifier finds the array filter document whose conditions are
// keyed by ident, either bare (scalar elements) or as an `ident.` prefix
// (document elements).
func filterForIdentifier(ident string, arrayFilters []storage.Document) (storage.Document, bool) {
	for _, f := range arrayFilters {
		for key := range f {
			if key == ident || strings.HasPrefix(key, ident+".") {
				return f, true
			}
		}
	}
	return nil, false
}

func elementMatches(elem any, ident string, cond storage.Document) (bool, error) {
	for key, c := range cond {
		if key == ident {
			ok, err := scalarMatches(elem, c)
			if err != nil || !ok {
				return false, err
			}
			continue
		}

		sub := strings.TrimPrefix(key, ident+".")
		elemDoc, ok := asDoc(elem)
		if !ok {
			return false, nil
		}
		match, err := matchField(elemDoc, sub, c)
		if err != nil || !match {
			return false, err
		}
	}
	return true, nil
}

// scalarMatches applies an equality or operator condition directly to a
// single value.
func scalarMatches(v any, cond any) (bool, error) {
	if condDoc, ok := asDoc(cond); ok && isOperatorDoc(condDoc) {
		return matchOperators([]any{v}, true, condDoc)
	}
	return equalValues(v, cond), nil
}

func unsetPath(doc storage.Document, path string) (bool, error) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		childDoc, ok := asMutableDoc(cur[seg])
		if !ok {
			return false, nil
		}
		cur = childDoc
	}

	last := segs[len(segs)-1]
	if _, existed := cur[last]; !existed {
		return false, nil
	}
	delete(cur, last)
	return true, nil
}

// pullPath removes every element matching cond from the array at path.
// Missing and null fields are a no-op.
func pullPath(doc storage.Document, path string, cond any) (bool, error) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		childDoc, ok := asMutableDoc(cur[seg])
		if !ok {
			return false, nil
		}
		cur = childDoc
	}

	last := segs[len(segs)-1]
	val, existed := cur[last]
	if !existed || val == nil {
		return false, nil
	}
	arr, ok := val.(bson.A)
	if !ok {
		return false, storage.InvalidUpdateError(fmt.Sprintf("cannot apply $pull to non-array field %q", path))
	}

	kept := make(bson.A, 0, len(arr))
	for _, elem := range arr {
		match, err := pullMatches(elem, cond)
		if err != nil {
			return false, err
		}
		if !match {
			kept = append(kept, elem)
		}
	}
	if len(kept) == len(arr) {
		return false, nil
	}
	cur[last] = kept
	return true, nil
}

func pullMatches(elem any, cond any) (bool, error) {
	condDoc, ok := asDoc(cond)
	if !ok {
		return equalValues(elem, cond), nil
	}
	if isOperatorDoc(condDoc) {
		return matchOperators([]any{elem}, true, condDoc)
	}

	// A field-condition document matches document elements the way a
	// filter matches documents.
	elemDoc, ok := asDoc(elem)
	if !ok {
		return false, nil
	}
	return matchDocument(elemDoc, condDoc, nil)
}

func incPath(doc storage.Document, path string, deltaAny any) (bool, error) {
	delta, ok := toFloat(deltaAny)
	if !ok {
		return false, storage.InvalidUpdateError("$inc expects a numeric amount")
	}

	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		child, ok := cur[seg]
		if !ok || child == nil {
			next := storage.Document{}
			cur[seg] = next
			cur = next
			continue
		}
		childDoc, ok := asMutableDoc(child)
		if !ok {
			return false, storage.InvalidUpdateError(fmt.Sprintf("cannot create field below non-document value at %q", seg))
		}
		cur = childDoc
	}

	last := segs[len(segs)-1]
	old, existed := cur[last]
	if !existed || old == nil {
		cur[last] = normalizeNumber(delta, deltaAny, nil)
		return true, nil
	}

	base, ok := toFloat(old)
	if !ok {
		return false, storage.InvalidUpdateError(fmt.Sprintf("cannot apply $inc to non-numeric field %q", path))
	}
	next := normalizeNumber(base+delta, deltaAny, old)
	if equalValues(old, next) {
		return false, nil
	}
	cur[last] = next
	return true, nil
}

// normalizeNumber keeps integer fields integer when both operands are
// integers, mirroring the server's behavior closely enough for tests.
func normalizeNumber(v float64, delta, old any) any {
	if isInteger(delta) && (old == nil || isInteger(old)) {
		return int64(v)
	}
	return v
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int32, int64:
		return true
	}
	return false
}

// asMutableDoc reads v as a document sharing storage with the original, so
// writes land in the stored document.
func asMutableDoc(v any) (storage.Document, bool) {
	switch t := v.(type) {
	case storage.Document:
		return t, true
	case map[string]any:
		return storage.Document(t), true
	}
	return nil, false
}
