package memory

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/docrel/docrel/pkg/storage"
)

// matchDocument reports whether doc satisfies filter. env carries the
// `$$`-variables visible inside $expr expressions of $lookup sub-pipelines;
// it is nil for plain queries.
func matchDocument(doc, filter storage.Document, env map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and":
			subs, ok := filterList(cond)
			if !ok {
				return false, storage.InvalidFilterError("$and expects an array of filter documents")
			}
			for _, sub := range subs {
				ok, err := matchDocument(doc, sub, env)
				if err != nil || !ok {
					return false, err
				}
			}

		case "$or":
			subs, ok := filterList(cond)
			if !ok {
				return false, storage.InvalidFilterError("$or expects an array of filter documents")
			}
			matched := false
			for _, sub := range subs {
				ok, err := matchDocument(doc, sub, env)
				if err != nil {
					return false, err
				}
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}

		case "$expr":
			v, err := evalExpr(doc, cond, env)
			if err != nil {
				return false, err
			}
			if !truthy(v) {
				return false, nil
			}

		default:
			if strings.HasPrefix(key, "$") {
				return false, storage.InvalidFilterError(fmt.Sprintf("unsupported operator %q", key))
			}
			ok, err := matchField(doc, key, cond)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func matchField(doc storage.Document, path string, cond any) (bool, error) {
	values, exists := lookupPath(doc, path)

	if condDoc, ok := asDoc(cond); ok && isOperatorDoc(condDoc) {
		return matchOperators(values, exists, condDoc)
	}

	if !exists {
		// An equality filter on null matches missing fields too.
		return cond == nil, nil
	}
	return anyValueMatches(values, cond), nil
}

// matchOperators applies an operator condition document to the candidate
// values of a path. All operators must hold.
func matchOperators(values []any, exists bool, ops storage.Document) (bool, error) {
	for op, arg := range ops {
		switch op {
		case "$eq":
			if !exists {
				if arg != nil {
					return false, nil
				}
				continue
			}
			if !anyValueMatches(values, arg) {
				return false, nil
			}

		case "$ne":
			if exists && anyValueMatches(values, arg) {
				return false, nil
			}
			if !exists && arg == nil {
				return false, nil
			}

		case "$in":
			list, ok := asList(arg)
			if !ok {
				return false, storage.InvalidFilterError("$in expects an array")
			}
			matched := false
			for _, candidate := range list {
				if exists && anyValueMatches(values, candidate) {
					matched = true
					break
				}
				if !exists && candidate == nil {
					matched = true
					break
				}
			}
			if !matched {
				return false, nil
			}

		case "$nin":
			list, ok := asList(arg)
			if !ok {
				return false, storage.InvalidFilterError("$nin expects an array")
			}
			for _, candidate := range list {
				if exists && anyValueMatches(values, candidate) {
					return false, nil
				}
				if !exists && candidate == nil {
					return false, nil
				}
			}

		case "$exists":
			if truthy(arg) != exists {
				return false, nil
			}

		case "$gt", "$gte", "$lt", "$lte":
			if !anyValueCompares(values, arg, op) {
				return false, nil
			}

		default:
			return false, storage.InvalidFilterError(fmt.Sprintf("unsupported operator %q", op))
		}
	}
	return true, nil
}

// isOperatorDoc reports whether every key of the condition document is an
// operator, which distinguishes `{$in: [...]}` conditions from embedded
// document equality like `{name: "x"}`.
func isOperatorDoc(doc storage.Document) bool {
	if len(doc) == 0 {
		return false
	}
	for key := range doc {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// anyValueMatches reports whether any candidate value equals target, where
// an array candidate also matches if it contains target.
func anyValueMatches(values []any, target any) bool {
	for _, v := range values {
		if equalValues(v, target) {
			return true
		}
		if arr, ok := asList(v); ok {
			for _, el := range arr {
				if equalValues(el, target) {
					return true
				}
			}
		}
	}
	return false
}

func anyValueCompares(values []any, bound any, op string) bool {
	check := func(v any) bool {
		cmp, ok := compareValues(v, bound)
		if !ok {
			return false
		}
		switch op {
		case "$gt":
			return cmp > 0
		case "$gte":
			return cmp >= 0
		case "$lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	}

	for _, v := range values {
		if check(v) {
			return true
		}
		if arr, ok := asList(v); ok {
			for _, el := range arr {
				if check(el) {
					return true
				}
			}
		}
	}
	return false
}

// lookupPath returns the values at a dotted path, fanning out across arrays
// the way MongoDB dotted queries do, and whether the path resolved at all.
func lookupPath(doc storage.Document, path string) ([]any, bool) {
	values := []any{any(doc)}
	for _, seg := range strings.Split(path, ".") {
		next := make([]any, 0, len(values))
		for _, v := range values {
			if arr, ok := asList(v); ok {
				for _, el := range arr {
					if d, ok := asDoc(el); ok {
						if child, ok := d[seg]; ok {
							next = append(next, child)
						}
					}
				}
				continue
			}
			if d, ok := asDoc(v); ok {
				if child, ok := d[seg]; ok {
					next = append(next, child)
				}
			}
		}
		values = next
	}
	return values, len(values) > 0
}

// firstPathValue returns the first value at path, or nil.
func firstPathValue(doc storage.Document, path string) any {
	values, ok := lookupPath(doc, path)
	if !ok {
		return nil
	}
	return values[0]
}

// evalExpr evaluates the aggregation expression subset used by the lookup
// pipeline builder: literals, "$field" paths, "$$variable" references, and
// the $eq/$in/$and/$or operators.
func evalExpr(doc storage.Document, expr any, env map[string]any) (any, error) {
	switch t := expr.(type) {
	case string:
		if strings.HasPrefix(t, "$$") {
			return env[strings.TrimPrefix(t, "$$")], nil
		}
		if strings.HasPrefix(t, "$") {
			values, ok := lookupPath(doc, strings.TrimPrefix(t, "$"))
			if !ok {
				return nil, nil
			}
			if len(values) == 1 {
				return values[0], nil
			}
			return bson.A(values), nil
		}
		return t, nil

	case bson.A:
		out := make(bson.A, len(t))
		for i, el := range t {
			v, err := evalExpr(doc, el, env)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case []any:
		return evalExpr(doc, bson.A(t), env)
	}

	opDoc, ok := asDoc(expr)
	if !ok {
		return expr, nil
	}
	if len(opDoc) != 1 {
		return nil, storage.InvalidFilterError("expression documents must contain exactly one operator")
	}

	for op, argAny := range opDoc {
		args, ok := asList(argAny)
		if !ok {
			return nil, storage.InvalidFilterError(fmt.Sprintf("expression %q expects an array of operands", op))
		}

		switch op {
		case "$eq":
			if len(args) != 2 {
				return nil, storage.InvalidFilterError("$eq expects two operands")
			}
			a, err := evalExpr(doc, args[0], env)
			if err != nil {
				return nil, err
			}
			b, err := evalExpr(doc, args[1], env)
			if err != nil {
				return nil, err
			}
			return equalValues(a, b), nil

		case "$in":
			if len(args) != 2 {
				return nil, storage.InvalidFilterError("$in expects two operands")
			}
			needle, err := evalExpr(doc, args[0], env)
			if err != nil {
				return nil, err
			}
			haystackAny, err := evalExpr(doc, args[1], env)
			if err != nil {
				return nil, err
			}
			haystack, ok := asList(haystackAny)
			if !ok {
				return false, nil
			}
			for _, el := range haystack {
				if equalValues(el, needle) {
					return true, nil
				}
			}
			return false, nil

		case "$and":
			for _, arg := range args {
				v, err := evalExpr(doc, arg, env)
				if err != nil {
					return nil, err
				}
				if !truthy(v) {
					return false, nil
				}
			}
			return true, nil

		case "$or":
			for _, arg := range args {
				v, err := evalExpr(doc, arg, env)
				if err != nil {
					return nil, err
				}
				if truthy(v) {
					return true, nil
				}
			}
			return false, nil

		default:
			return nil, storage.InvalidFilterError(fmt.Sprintf("unsupported expression operator %q", op))
		}
	}
	return nil, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case int, int32, int64, float32, float64:
		f, _ := toFloat(t)
		return f != 0
	default:
		return true
	}
}

// equalValues compares two values the way MongoDB equality does: numbers
// compare across integer and float representations, documents and arrays
// compare structurally.
func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		return ok && ta == tb
	case bool:
		tb, ok := b.(bool)
		return ok && ta == tb
	case bson.ObjectID:
		tb, ok := b.(bson.ObjectID)
		return ok && ta == tb
	case time.Time:
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}

	if da, ok := asDoc(a); ok {
		db, ok := asDoc(b)
		if !ok || len(da) != len(db) {
			return false
		}
		for k, va := range da {
			vb, ok := db[k]
			if !ok || !equalValues(va, vb) {
				return false
			}
		}
		return true
	}

	if aa, ok := asList(a); ok {
		ab, ok := asList(b)
		if !ok || len(aa) != len(ab) {
			return false
		}
		for i := range aa {
			if !equalValues(aa[i], ab[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}

// compareValues orders two values of the same kind. It reports false when
// the values are not mutually comparable.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}

	switch ta := a.(type) {
	case string:
		tb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(ta, tb), true
	case time.Time:
		tb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		switch {
		case ta.Before(tb):
			return -1, true
		case ta.After(tb):
			return 1, true
		default:
			return 0, true
		}
	case bson.ObjectID:
		tb, ok := b.(bson.ObjectID)
		if !ok {
			return 0, false
		}
		return strings.Compare(ta.Hex(), tb.Hex()), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// asDoc reads v as a document for matching purposes.
func asDoc(v any) (storage.Document, bool) {
	switch t := v.(type) {
	case storage.Document:
		return t, true
	case map[string]any:
		return storage.Document(t), true
	case bson.D:
		out := make(storage.Document, len(t))
		for _, e := range t {
			out[e.Key] = e.Value
		}
		return out, true
	}
	return nil, false
}

func asList(v any) (bson.A, bool) {
	switch t := v.(type) {
	case bson.A:
		return t, true
	case []any:
		return bson.A(t), true
	case []storage.Document:
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

func filterList(v any) ([]storage.Document, bool) {
	list, ok := asList(v)
	if !ok {
		return nil, false
	}
	out := make([]storage.Document, 0, len(list))
	for _, el := range list {
		doc, ok := asDoc(el)
		if !ok {
			return nil, false
		}
		out = append(out, doc)
	}
	return out, true
}
