package relations

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/docpath"
	"github.com/docrel/docrel/pkg/schema"
	"github.com/docrel/docrel/pkg/storage"
)

// BuildSnapshot projects a source document into the embedded snapshot shape
// of the relation: the selected fields plus the normalized string identifier
// under the relation's identifier field, unless the selection explicitly
// excludes it. Values are deep copies, so a snapshot never aliases the
// source document. It returns nil when the source carries no usable
// identifier.
func BuildSnapshot(e *schema.EmbedRelation, source storage.Document) storage.Document {
	id, ok := docpath.CanonicalID(source[e.IDField])
	if !ok {
		return nil
	}

	snap := storage.Document{}
	switch {
	case len(e.Fields.Names) > 0:
		for _, name := range e.Fields.Names {
			if name == e.IDField {
				continue
			}
			if v, ok := source[name]; ok {
				snap[name] = copyValue(v)
			}
		}

	case len(e.Fields.Include) > 0:
		if inclusionMap(e.Fields.Include) {
			for name, on := range e.Fields.Include {
				if !on || name == e.IDField {
					continue
				}
				if v, ok := source[name]; ok {
					snap[name] = copyValue(v)
				}
			}
		} else {
			for name, v := range source {
				if name == e.IDField || e.Fields.Excluded(name) {
					continue
				}
				snap[name] = copyValue(v)
			}
		}

	default:
		for name, v := range source {
			if name == e.IDField {
				continue
			}
			snap[name] = copyValue(v)
		}
	}

	if !e.Fields.Excluded(e.IDField) {
		snap[e.IDField] = id
	}
	return snap
}

// inclusionMap reports whether the map form selects fields to include
// rather than fields to drop.
func inclusionMap(m map[string]bool) bool {
	for _, on := range m {
		if on {
			return true
		}
	}
	return false
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

// uniqueIDs drops duplicates while keeping first-seen order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func cloneDocument(doc storage.Document) storage.Document {
	if doc == nil {
		return nil
	}
	return copyValue(doc).(storage.Document)
}

func copyValue(v any) any {
	switch t := v.(type) {
	case storage.Document:
		out := make(storage.Document, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case map[string]any:
		out := make(storage.Document, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case bson.D:
		out := make(storage.Document, len(t))
		for _, e := range t {
			out[e.Key] = copyValue(e.Value)
		}
		return out
	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = copyValue(el)
		}
		return out
	case []any:
		out := make(bson.A, len(t))
		for i, el := range t {
			out[i] = copyValue(el)
		}
		return out
	default:
		return v
	}
}
