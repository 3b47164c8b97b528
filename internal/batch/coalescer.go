// Package batch coalesces individually submitted operations into batches,
// flushing a queue when it reaches its size threshold or when the flush
// interval elapses after the first pending submission.
package batch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/types"
)

// Result is the outcome of one operation within an executed batch.
type Result[R any] struct {
	Value R
	Err   error
}

// Executor runs a flushed batch. Results must map 1:1 onto ops in submission
// order; a non-nil error aborts the whole batch and resolves every operation
// in it with that error.
type Executor[O, R any] interface {
	ExecuteBatch(ctx context.Context, queue string, ops []O) ([]Result[R], error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc[O, R any] func(ctx context.Context, queue string, ops []O) ([]Result[R], error)

// ExecuteBatch calls f.
func (f ExecutorFunc[O, R]) ExecuteBatch(ctx context.Context, queue string, ops []O) ([]Result[R], error) {
	return f(ctx, queue, ops)
}

// Future is the pending result of a submitted operation. It is fulfilled
// exactly once, when the batch containing the operation executes.
type Future[R any] struct {
	done  chan struct{}
	value R
	err   error
}

func newFuture[R any]() *Future[R] {
	return &Future[R]{done: make(chan struct{})}
}

// Done is closed once the future is resolved.
func (f *Future[R]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx is canceled.
func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (f *Future[R]) resolve(value R, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

type pendingOp[O, R any] struct {
	op     O
	future *Future[R]
}

type queue[O, R any] struct {
	name    string
	pending []pendingOp[O, R]
	timer   clock.Timer
}

// Coalescer accumulates operations into named queues and hands full or
// timed-out queues to the Executor as single batches.
type Coalescer[O, R any] struct {
	executor      Executor[O, R]
	flushInterval time.Duration
	maxBatchSize  int
	maxPending    int

	clk      clock.Clock
	logger   *zap.Logger
	recorder types.BatchRecorder

	mu      sync.Mutex
	queues  map[string]*queue[O, R]
	closed  bool
	stats   types.BatchStats
	flushed int64 // total operations across all flushes, for the average

	wg sync.WaitGroup
}

// Options configures a Coalescer.
type Options struct {
	// FlushInterval is the longest an operation waits before its queue is
	// flushed. Defaults to 100ms.
	FlushInterval time.Duration
	// MaxBatchSize triggers an immediate flush when a queue reaches it.
	// Defaults to 500.
	MaxBatchSize int
	// MaxPending bounds operations waiting per queue. Defaults to
	// 10 * MaxBatchSize.
	MaxPending int
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Recorder publishes metrics events; nil disables publication.
	Recorder types.BatchRecorder
}

// New creates a Coalescer that hands flushed batches to executor.
func New[O, R any](executor Executor[O, R], opts Options) *Coalescer[O, R] {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 100 * time.Millisecond
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 500
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 10 * opts.MaxBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Coalescer[O, R]{
		executor:      executor,
		flushInterval: opts.FlushInterval,
		maxBatchSize:  opts.MaxBatchSize,
		maxPending:    opts.MaxPending,
		clk:           opts.Clock,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		queues:        make(map[string]*queue[O, R]),
	}
}

// Submit enqueues op on the named queue and returns its future. The queue
// flushes immediately on reaching the batch size, otherwise within the flush
// interval of its first pending submission. A full queue rejects the
// submission rather than blocking.
//
// ctx gates the submission itself; a flushed batch carries operations from
// many submitters, so executors run detached from any one submitter's
// context. Callers observe cancellation through Future.Wait.
func (c *Coalescer[O, R]) Submit(ctx context.Context, queueName string, op O) (*Future[R], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queueName == "" {
		return nil, errors.New(errors.ErrCodeValidationFailed, "queue name cannot be empty").
			WithComponent("batch")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New(errors.ErrCodeComponentStopped, "coalescer is closed").
			WithComponent("batch").WithOperation("submit")
	}

	q, ok := c.queues[queueName]
	if !ok {
		q = &queue[O, R]{name: queueName}
		c.queues[queueName] = q
	}

	if len(q.pending) >= c.maxPending {
		c.stats.Rejected++
		c.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeCapacityExceeded,
			"queue %q is full (%d pending)", queueName, c.maxPending).
			WithComponent("batch").WithOperation("submit")
	}

	future := newFuture[R]()
	q.pending = append(q.pending, pendingOp[O, R]{op: op, future: future})
	c.stats.Submitted++

	if len(q.pending) >= c.maxBatchSize {
		batch := c.takeLocked(q)
		c.stats.SizeFlushes++
		c.countFlushLocked(len(batch))
		c.mu.Unlock()

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.execute(queueName, batch, "size")
		}()
		return future, nil
	}

	if q.timer == nil {
		q.timer = c.clk.AfterFunc(c.flushInterval, func() {
			c.flushTimed(queueName)
		})
	}
	c.mu.Unlock()

	return future, nil
}

// Flush executes the named queue's pending operations immediately.
func (c *Coalescer[O, R]) Flush(queueName string) {
	c.mu.Lock()
	q, ok := c.queues[queueName]
	if !ok || len(q.pending) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked(q)
	c.countFlushLocked(len(batch))
	c.mu.Unlock()

	c.execute(queueName, batch, "manual")
}

// FlushAll executes every queue's pending operations immediately.
func (c *Coalescer[O, R]) FlushAll() {
	c.mu.Lock()
	type flushItem struct {
		name  string
		batch []pendingOp[O, R]
	}
	var items []flushItem
	for name, q := range c.queues {
		if len(q.pending) == 0 {
			continue
		}
		batch := c.takeLocked(q)
		c.countFlushLocked(len(batch))
		items = append(items, flushItem{name: name, batch: batch})
	}
	c.mu.Unlock()

	for _, item := range items {
		c.execute(item.name, item.batch, "manual")
	}
}

// Close flushes every queue, waits for in-flight batches, and rejects all
// further submissions.
func (c *Coalescer[O, R]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, q := range c.queues {
		if q.timer != nil {
			q.timer.Stop()
			q.timer = nil
		}
	}
	c.mu.Unlock()

	c.FlushAll()
	c.wg.Wait()
}

// Pending reports the number of operations waiting on the named queue.
func (c *Coalescer[O, R]) Pending(queueName string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[queueName]; ok {
		return len(q.pending)
	}
	return 0
}

// Stats returns a snapshot of coalescer statistics.
func (c *Coalescer[O, R]) Stats() types.BatchStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	if stats.Flushes > 0 {
		stats.AverageBatchSize = float64(c.flushed) / float64(stats.Flushes)
	}
	for _, q := range c.queues {
		if len(q.pending) > 0 {
			stats.PendingQueues++
		}
	}
	return stats
}

// flushTimed is the flush-timer callback.
func (c *Coalescer[O, R]) flushTimed(queueName string) {
	c.mu.Lock()
	q, ok := c.queues[queueName]
	if !ok || len(q.pending) == 0 {
		if ok {
			q.timer = nil
		}
		c.mu.Unlock()
		return
	}
	batch := c.takeLocked(q)
	c.stats.TimerFlushes++
	c.countFlushLocked(len(batch))
	c.mu.Unlock()

	c.execute(queueName, batch, "timer")
}

// takeLocked detaches the queue's pending batch and disarms its timer.
func (c *Coalescer[O, R]) takeLocked(q *queue[O, R]) []pendingOp[O, R] {
	batch := q.pending
	q.pending = nil
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	return batch
}

func (c *Coalescer[O, R]) countFlushLocked(size int) {
	c.stats.Flushes++
	c.flushed += int64(size)
}

// execute runs one detached batch and resolves its futures.
func (c *Coalescer[O, R]) execute(queueName string, batch []pendingOp[O, R], trigger string) {
	ops := make([]O, len(batch))
	for i, p := range batch {
		ops[i] = p.op
	}

	results, err := c.executor.ExecuteBatch(context.Background(), queueName, ops)
	if err != nil {
		abort := errors.Wrap(err, errors.ErrCodeBatchAborted, "batch execution failed").
			WithComponent("batch").WithOperation(queueName)
		c.logger.Warn("batch aborted",
			zap.String("queue", queueName), zap.Int("size", len(batch)), zap.Error(err))
		c.countFailure()
		c.record(func(r types.BatchRecorder) { r.BatchError(queueName) })
		for _, p := range batch {
			var zero R
			p.future.resolve(zero, abort)
		}
		return
	}

	if len(results) != len(batch) {
		mismatch := errors.Newf(errors.ErrCodeInternalError,
			"executor returned %d results for %d operations", len(results), len(batch)).
			WithComponent("batch").WithOperation(queueName)
		c.logger.Error("batch result count mismatch",
			zap.String("queue", queueName),
			zap.Int("ops", len(batch)), zap.Int("results", len(results)))
		c.countFailure()
		c.record(func(r types.BatchRecorder) { r.BatchError(queueName) })
		for _, p := range batch {
			var zero R
			p.future.resolve(zero, mismatch)
		}
		return
	}

	failed := 0
	for i, p := range batch {
		if results[i].Err != nil {
			failed++
		}
		p.future.resolve(results[i].Value, results[i].Err)
	}
	if failed > 0 {
		c.logger.Warn("batch completed with item failures",
			zap.String("queue", queueName),
			zap.Int("failed", failed), zap.Int("size", len(batch)))
		c.countFailure()
		c.record(func(r types.BatchRecorder) { r.BatchError(queueName) })
	}

	c.record(func(r types.BatchRecorder) { r.BatchFlush(queueName, len(batch), trigger) })
}

func (c *Coalescer[O, R]) countFailure() {
	c.mu.Lock()
	c.stats.Failures++
	c.mu.Unlock()
}

func (c *Coalescer[O, R]) record(fn func(types.BatchRecorder)) {
	if c.recorder != nil {
		fn(c.recorder)
	}
}
