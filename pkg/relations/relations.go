// Package relations implements the denormalization-consistency engine:
// forward resolution of embed relations at write time, reverse propagation
// of source updates into persisted snapshots, delete actions for removed
// sources, and query-time and batch refresh of stale embeds.
//
// Every component is built around the read-only reverse index the schema
// registry computes at load time, takes its collaborators through its
// constructor, and holds no state of its own beyond them.
package relations

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"

	"github.com/docrel/docrel/internal/build"
)

var tracer = otel.Tracer("docrel/pkg/relations")

var (
	propagationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "reverse_propagations_total_count",
		Help:      "The total number of reverse propagation updates issued, labeled by embed storage strategy and timing mode.",
	}, []string{"strategy", "mode"})

	propagationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "reverse_propagation_failures_total_count",
		Help:      "The total number of reverse propagation updates that failed or were dropped before running.",
	}, []string{"strategy", "mode"})
)

// Dispatcher detaches async propagation from the triggering write. Dispatch
// reports whether the task was accepted; a rejected task will never run.
// *dispatch.Dispatcher satisfies this.
type Dispatcher interface {
	Dispatch(name string, fn func(context.Context) error) bool
}
