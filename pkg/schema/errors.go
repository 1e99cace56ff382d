package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCollections is returned by New when called without collections.
	ErrNoCollections = errors.New("schema must declare at least one collection")

	// ErrDuplicateCollection is returned when two collections share a name.
	ErrDuplicateCollection = errors.New("duplicate collection name")

	// ErrUnknownCollection is returned when a name does not resolve to a
	// declared collection.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrUnknownRelation is returned when a name does not resolve to a
	// relation declared on the collection.
	ErrUnknownRelation = errors.New("unknown relation")

	// ErrInvalidRelation is returned by New for relation declarations the
	// engine cannot honor.
	ErrInvalidRelation = errors.New("invalid relation")
)

// DuplicateCollectionError constructs an ErrDuplicateCollection for name.
func DuplicateCollectionError(name string) error {
	return fmt.Errorf("collection %q: %w", name, ErrDuplicateCollection)
}

// UnknownCollectionError constructs an ErrUnknownCollection for name.
func UnknownCollectionError(name string) error {
	return fmt.Errorf("collection %q: %w", name, ErrUnknownCollection)
}

// UnknownRelationError constructs an ErrUnknownRelation for the named
// relation on the named collection.
func UnknownRelationError(collection, relation string) error {
	return fmt.Errorf("relation %q on collection %q: %w", relation, collection, ErrUnknownRelation)
}

// InvalidRelationError constructs an ErrInvalidRelation carrying the reason
// the declaration was rejected.
func InvalidRelationError(collection, relation, reason string) error {
	return fmt.Errorf("relation %q on collection %q: %s: %w", relation, collection, reason, ErrInvalidRelation)
}
