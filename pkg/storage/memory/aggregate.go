package memory

import (
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// runPipeline executes the aggregation stage subset emitted by the lookup
// pipeline builder over docs: $match, $sort, $skip, $limit, $project,
// $lookup (let+pipeline form), and $unwind. The datastore read lock must be
// held because $lookup stages read other collections directly.
func (d *Datastore) runPipeline(docs []storage.Document, pipeline []bson.D, env map[string]any) ([]storage.Document, error) {
	for _, stage := range pipeline {
		if len(stage) != 1 {
			return nil, storage.InvalidPipelineError("each stage must contain exactly one operator")
		}
		op, spec := stage[0].Key, stage[0].Value

		var err error
		switch op {
		case "$match":
			docs, err = d.stageMatch(docs, spec, env)
		case "$sort":
			err = stageSort(docs, spec)
		case "$skip":
			docs, err = stageSkip(docs, spec)
		case "$limit":
			docs, err = stageLimit(docs, spec)
		case "$project":
			docs, err = stageProject(docs, spec)
		case "$lookup":
			docs, err = d.stageLookup(docs, spec, env)
		case "$unwind":
			docs, err = stageUnwind(docs, spec)
		default:
			err = storage.InvalidPipelineError(fmt.Sprintf("unsupported stage %q", op))
		}
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (d *Datastore) stageMatch(docs []storage.Document, spec any, env map[string]any) ([]storage.Document, error) {
	filter, ok := asDoc(spec)
	if !ok {
		return nil, storage.InvalidPipelineError("$match expects a filter document")
	}
	out := docs[:0]
	for _, doc := range docs {
		ok, err := matchDocument(doc, filter, env)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func stageSort(docs []storage.Document, spec any) error {
	keys, err := sortSpec(spec)
	if err != nil {
		return err
	}
	return sortDocuments(docs, keys)
}

// sortSpec normalizes a $sort stage value into an ordered key list.
func sortSpec(spec any) (bson.D, error) {
	switch t := spec.(type) {
	case bson.D:
		return t, nil
	case storage.Document:
		if len(t) > 1 {
			return nil, storage.InvalidPipelineError("multi-key $sort requires ordered keys")
		}
		out := make(bson.D, 0, len(t))
		for k, v := range t {
			out = append(out, bson.E{Key: k, Value: v})
		}
		return out, nil
	}
	return nil, storage.InvalidPipelineError("$sort expects a document")
}

// sortDocuments stable-sorts docs by the ordered keys, 1 ascending and -1
// descending, with missing values ordered first.
func sortDocuments(docs []storage.Document, keys bson.D) error {
	if len(keys) == 0 {
		return nil
	}
	for _, key := range keys {
		dir, ok := toFloat(key.Value)
		if !ok || (dir != 1 && dir != -1) {
			return storage.InvalidPipelineError(fmt.Sprintf("sort key %q must be 1 or -1", key.Key))
		}
	}

	sort.SliceStable(docs, func(i, j int) bool {
		for _, key := range keys {
			dir, _ := toFloat(key.Value)
			cmp := compareForSort(firstPathValue(docs[i], key.Key), firstPathValue(docs[j], key.Key))
			if cmp == 0 {
				continue
			}
			if dir < 0 {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return nil
}

// compareForSort orders values across types: nil first, then numbers,
// strings, documents, arrays, ObjectIDs, booleans, and dates.
func compareForSort(a, b any) int {
	ra, rb := sortRank(a), sortRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if cmp, ok := compareValues(a, b); ok {
		return cmp
	}
	return 0
}

func sortRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := toFloat(v); ok {
		return 1
	}
	switch v.(type) {
	case string:
		return 2
	}
	if _, ok := asDoc(v); ok {
		return 3
	}
	if _, ok := asList(v); ok {
		return 4
	}
	switch v.(type) {
	case bson.ObjectID:
		return 5
	case bool:
		return 6
	}
	return 7
}

func stageSkip(docs []storage.Document, spec any) ([]storage.Document, error) {
	n, ok := toFloat(spec)
	if !ok || n < 0 {
		return nil, storage.InvalidPipelineError("$skip expects a non-negative number")
	}
	return window(docs, int64(n), 0), nil
}

func stageLimit(docs []storage.Document, spec any) ([]storage.Document, error) {
	n, ok := toFloat(spec)
	if !ok || n < 0 {
		return nil, storage.InvalidPipelineError("$limit expects a non-negative number")
	}
	return window(docs, 0, int64(n)), nil
}

func stageProject(docs []storage.Document, spec any) ([]storage.Document, error) {
	projection, ok := asDoc(spec)
	if !ok || len(projection) == 0 {
		return nil, storage.InvalidPipelineError("$project expects a non-empty document")
	}
	for i, doc := range docs {
		docs[i] = project(doc, projection)
	}
	return docs, nil
}

// project applies an inclusion or exclusion projection. Inclusion
// projections carry _id unless it is explicitly excluded.
func project(doc storage.Document, projection storage.Document) storage.Document {
	inclusion := false
	for field, v := range projection {
		if field != "_id" && truthy(v) {
			inclusion = true
			break
		}
	}

	if !inclusion {
		out := copyDocument(doc)
		for field, v := range projection {
			if !truthy(v) {
				delete(out, field)
			}
		}
		return out
	}

	out := storage.Document{}
	if idSpec, ok := projection["_id"]; !ok || truthy(idSpec) {
		if id, ok := doc["_id"]; ok {
			out["_id"] = id
		}
	}
	for field, v := range projection {
		if field == "_id" || !truthy(v) {
			continue
		}
		if value, ok := doc[field]; ok {
			out[field] = value
		}
	}
	return out
}

// stageLookup implements the let+pipeline form of $lookup: for every input
// document it binds the let variables, runs the sub-pipeline over the
// foreign collection, and stores the joined documents under "as".
func (d *Datastore) stageLookup(docs []storage.Document, specAny any, env map[string]any) ([]storage.Document, error) {
	spec, ok := asDoc(specAny)
	if !ok {
		return nil, storage.InvalidPipelineError("$lookup expects a document")
	}
	from, _ := spec["from"].(string)
	as, _ := spec["as"].(string)
	if from == "" || as == "" {
		return nil, storage.InvalidPipelineError("$lookup requires from and as")
	}
	letDoc, _ := asDoc(spec["let"])
	pipeline, err := normalizePipeline(spec["pipeline"])
	if err != nil {
		return nil, err
	}

	for _, doc := range docs {
		subEnv := make(map[string]any, len(env)+len(letDoc))
		for k, v := range env {
			subEnv[k] = v
		}
		for name, expr := range letDoc {
			v, err := evalExpr(doc, expr, env)
			if err != nil {
				return nil, err
			}
			subEnv[name] = v
		}

		joined, err := d.runPipeline(copyDocuments(d.collections[from]), pipeline, subEnv)
		if err != nil {
			return nil, err
		}
		asValue := make(bson.A, len(joined))
		for i, j := range joined {
			asValue[i] = j
		}
		doc[as] = asValue
	}
	return docs, nil
}

func normalizePipeline(v any) ([]bson.D, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []bson.D:
		return t, nil
	}

	list, ok := asList(v)
	if !ok {
		return nil, storage.InvalidPipelineError("$lookup pipeline must be an array of stages")
	}
	out := make([]bson.D, 0, len(list))
	for _, el := range list {
		switch stage := el.(type) {
		case bson.D:
			out = append(out, stage)
		default:
			doc, ok := asDoc(el)
			if !ok || len(doc) != 1 {
				return nil, storage.InvalidPipelineError("each stage must contain exactly one operator")
			}
			for k, v := range doc {
				out = append(out, bson.D{{Key: k, Value: v}})
			}
		}
	}
	return out, nil
}

// stageUnwind expands the array under the given path into one output
// document per element. With preserveNullAndEmptyArrays, documents with a
// missing, null, or empty value pass through instead of being dropped.
func stageUnwind(docs []storage.Document, specAny any) ([]storage.Document, error) {
	var (
		path     string
		preserve bool
	)
	switch t := specAny.(type) {
	case string:
		path = t
	default:
		spec, ok := asDoc(specAny)
		if !ok {
			return nil, storage.InvalidPipelineError("$unwind expects a path or a document")
		}
		path, _ = spec["path"].(string)
		preserve = truthy(spec["preserveNullAndEmptyArrays"])
	}
	if !strings.HasPrefix(path, "$") {
		return nil, storage.InvalidPipelineError("$unwind path must start with $")
	}
	field := strings.TrimPrefix(path, "$")

	out := make([]storage.Document, 0, len(docs))
	for _, doc := range docs {
		value, exists := doc[field]
		if !exists || value == nil {
			if preserve {
				out = append(out, doc)
			}
			continue
		}

		arr, ok := asList(value)
		if !ok {
			out = append(out, doc)
			continue
		}
		if len(arr) == 0 {
			if preserve {
				delete(doc, field)
				out = append(out, doc)
			}
			continue
		}

		for _, elem := range arr {
			expanded := make(storage.Document, len(doc))
			for k, v := range doc {
				expanded[k] = v
			}
			expanded[field] = elem
			out = append(out, expanded)
		}
	}
	return out, nil
}
