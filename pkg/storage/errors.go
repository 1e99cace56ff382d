package storage

import (
	"errors"
	"fmt"
)

var (
	// Read errors

	// ErrNotFound is returned when no document matches the filter.
	ErrNotFound = errors.New("document not found")

	// Write errors

	// ErrDuplicateKey is returned when a write violates a unique index.
	ErrDuplicateKey = errors.New("duplicate key")

	// Grammar errors, returned by implementations that interpret filter,
	// update, and pipeline documents themselves.

	ErrInvalidFilter   = errors.New("invalid filter document")
	ErrInvalidUpdate   = errors.New("invalid update document")
	ErrInvalidPipeline = errors.New("invalid aggregation pipeline")
)

// InvalidFilterError constructs an ErrInvalidFilter carrying the offending
// operator or shape.
func InvalidFilterError(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrInvalidFilter)
}

// InvalidUpdateError constructs an ErrInvalidUpdate carrying the offending
// operator or shape.
func InvalidUpdateError(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrInvalidUpdate)
}

// InvalidPipelineError constructs an ErrInvalidPipeline carrying the
// offending stage.
func InvalidPipelineError(detail string) error {
	return fmt.Errorf("%s: %w", detail, ErrInvalidPipeline)
}
