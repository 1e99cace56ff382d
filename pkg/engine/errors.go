package engine

import (
	"fmt"
	"strings"
)

// InvalidReferenceError rejects a write whose reference relation points at
// identifiers the target collection does not contain. Nothing was persisted.
type InvalidReferenceError struct {
	// Collection declares the relation; Target is the collection the
	// missing identifiers were looked up in.
	Collection string
	Relation   string
	Field      string
	Target     string
	Missing    []string
}

func (e *InvalidReferenceError) Error() string {
	return fmt.Sprintf("invalid reference %s.%s: field %q points at missing %s document(s): %s",
		e.Collection, e.Relation, e.Field, e.Target, strings.Join(e.Missing, ", "))
}

// HookError wraps an error returned by a registered hook, identifying which
// hook aborted the operation.
type HookError struct {
	Collection string
	Hook       string
	Err        error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("%s hook on collection %q: %v", e.Hook, e.Collection, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
