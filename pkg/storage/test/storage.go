// Package test contains the storage conformance suite. Every
// [storage.DocumentStore] implementation must pass it.
package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/docrel/docrel/pkg/storage"
)

// RunAllTests runs the full conformance suite against ds. Every test works
// in collections of its own, so a single store instance hosts the whole run.
func RunAllTests(t *testing.T, ds storage.DocumentStore) {
	t.Run("TestDatastoreIsReady", func(t *testing.T) {
		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	// Documents.
	t.Run("TestWriteAndRead", func(t *testing.T) { DocumentWritingAndReadingTest(t, ds) })
	t.Run("TestFilters", func(t *testing.T) { FilterTest(t, ds) })
	t.Run("TestFindOptions", func(t *testing.T) { FindOptionsTest(t, ds) })

	// Updates and deletes.
	t.Run("TestUpdates", func(t *testing.T) { UpdateTest(t, ds) })
	t.Run("TestDeletes", func(t *testing.T) { DeleteTest(t, ds) })

	// Pipelines.
	t.Run("TestAggregate", func(t *testing.T) { AggregateTest(t, ds) })

	// Indexes.
	t.Run("TestIndexes", func(t *testing.T) { IndexingTest(t, ds) })
}

// identifiers collects the string _id of each document, in order.
func identifiers(docs []storage.Document) []string {
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc["_id"].(string); ok {
			out = append(out, id)
		}
	}
	return out
}
