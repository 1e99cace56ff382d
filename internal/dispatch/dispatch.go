// Package dispatch provides the bounded background queue that runs
// asynchronous propagation work. Tasks are accepted at most once: when the
// queue is full they are dropped and counted rather than blocking the
// caller.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/docrel/docrel/internal/build"
	"github.com/docrel/docrel/pkg/logger"
)

const (
	// DefaultWorkers is the number of goroutines draining the queue.
	DefaultWorkers = 4

	// DefaultQueueSize bounds the number of tasks waiting to run.
	DefaultQueueSize = 1024
)

var (
	queuedTasksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_queued_tasks_total_count",
		Help:      "The total number of background tasks accepted onto the queue.",
	}, []string{"task"})

	droppedTasksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_dropped_tasks_total_count",
		Help:      "The total number of background tasks dropped because the queue was full.",
	}, []string{"task"})

	failedTasksCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_failed_tasks_total_count",
		Help:      "The total number of background tasks that returned an error or panicked.",
	}, []string{"task"})

	taskDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: build.ProjectName,
		Name:      "dispatch_task_duration_ms",
		Help:      "The amount of time a background task took to run, in milliseconds.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	}, []string{"task"})
)

type task struct {
	id   string
	name string
	run  func(context.Context) error
}

type Option func(*Dispatcher)

// WithLogger sets the logger tasks report through.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// Dispatcher runs background tasks on a fixed pool of workers fed from a
// bounded queue.
type Dispatcher struct {
	queue  chan task
	pool   *pool.ContextPool
	cancel context.CancelFunc
	logger logger.Logger

	// mu guards closed, which flips once Close starts. GUARDED_BY(mu).
	mu     sync.RWMutex
	closed bool
}

// New starts workers goroutines draining a queue of queueSize tasks.
// Non-positive arguments fall back to the defaults.
func New(workers, queueSize int, opts ...Option) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		queue:  make(chan task, queueSize),
		cancel: cancel,
		logger: logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(d)
	}

	d.pool = pool.New().WithContext(ctx).WithMaxGoroutines(workers)
	for i := 0; i < workers; i++ {
		d.pool.Go(func(ctx context.Context) error {
			for t := range d.queue {
				d.execute(ctx, t)
			}
			return nil
		})
	}
	return d
}

// Dispatch offers fn to the queue and reports whether it was accepted.
// It never blocks: when the queue is full or the dispatcher is closed the
// task is dropped.
func (d *Dispatcher) Dispatch(name string, fn func(context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		droppedTasksCounter.WithLabelValues(name).Inc()
		return false
	}

	t := task{id: uuid.NewString(), name: name, run: fn}
	select {
	case d.queue <- t:
		queuedTasksCounter.WithLabelValues(name).Inc()
		return true
	default:
		droppedTasksCounter.WithLabelValues(name).Inc()
		d.logger.Warn("dropping background task, queue is full",
			zap.String("task_id", t.id),
			zap.String("task", name))
		return false
	}
}

// Close stops accepting tasks, drains the queue, and waits for in-flight
// tasks to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	_ = d.pool.Wait()
	d.cancel()
}

func (d *Dispatcher) execute(ctx context.Context, t task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			failedTasksCounter.WithLabelValues(t.name).Inc()
			d.logger.Error("background task panicked",
				zap.String("task_id", t.id),
				zap.String("task", t.name),
				zap.Any("panic", r))
		}
	}()

	if err := t.run(ctx); err != nil {
		failedTasksCounter.WithLabelValues(t.name).Inc()
		d.logger.Error("background task failed",
			zap.String("task_id", t.id),
			zap.String("task", t.name),
			zap.Error(err))
		return
	}
	taskDurationHistogram.WithLabelValues(t.name).Observe(float64(time.Since(start).Milliseconds()))
}
