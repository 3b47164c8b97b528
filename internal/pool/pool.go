// Package pool implements a connection-admission pool that bounds the number
// of concurrent operations against a shared backend. Waiters are granted
// admission in strict FIFO order.
package pool

import (
	"container/list"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/types"
)

// Pool bounds concurrent admissions and queues excess acquirers fairly.
type Pool struct {
	mu      sync.Mutex
	max     int
	active  int
	waiters *list.List
	closed  bool

	stats    types.PoolStats
	clk      clock.Clock
	logger   *zap.Logger
	recorder types.PoolRecorder
}

type waiter struct {
	ready chan struct{}
	// granted and err are written before ready is closed, under the pool
	// lock.
	granted bool
	err     error
}

// Token represents the right to issue one operation against the bounded
// resource. It must be released exactly once; double release is a counted
// no-op.
type Token struct {
	pool     *Pool
	released bool
}

// Options configures a Pool.
type Options struct {
	// MaxConnections bounds concurrent admissions. Defaults to 10.
	MaxConnections int
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Recorder publishes metrics events; nil disables publication.
	Recorder types.PoolRecorder
}

// New creates a connection pool.
func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 10
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Pool{
		max:      opts.MaxConnections,
		waiters:  list.New(),
		clk:      opts.Clock,
		logger:   opts.Logger,
		recorder: opts.Recorder,
		stats:    types.PoolStats{MaxConnections: opts.MaxConnections},
	}
}

// Acquire obtains a token, suspending the caller in FIFO order when the pool
// is at capacity. Cancelling the context removes the waiter without
// disturbing the active count.
func (p *Pool) Acquire(ctx context.Context) (*Token, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, errors.New(errors.ErrCodeComponentStopped, "pool is closed").
			WithComponent("pool").WithOperation("acquire")
	}

	// Fast path: capacity available and nobody queued ahead.
	if p.active < p.max && p.waiters.Len() == 0 {
		p.active++
		p.stats.Acquired++
		p.publishLocked()
		p.mu.Unlock()
		p.record(func(r types.PoolRecorder) { r.PoolAcquire(0) })
		return &Token{pool: p}, nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.publishLocked()
	start := p.clk.Now()
	p.mu.Unlock()

	select {
	case <-w.ready:
		if w.err != nil {
			return nil, w.err
		}
		waited := p.clk.Since(start)
		p.record(func(r types.PoolRecorder) { r.PoolAcquire(waited) })
		return &Token{pool: p}, nil

	case <-ctx.Done():
		p.mu.Lock()
		if w.granted {
			// The grant raced with cancellation; hand the slot straight
			// back so no waiter is starved.
			p.mu.Unlock()
			t := &Token{pool: p}
			t.Release()
			return nil, ctx.Err()
		}
		if w.err == nil {
			// Close already detached the waiter when err is set; removing
			// it again would drive the list length negative.
			p.waiters.Remove(elem)
			p.stats.Canceled++
			p.publishLocked()
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns the token's slot to the pool, waking the head of the wait
// queue if any. Releasing twice is a counted no-op.
func (t *Token) Release() {
	p := t.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.released {
		p.stats.DoubleReleases++
		p.logger.Warn("connection token released twice")
		return
	}
	t.released = true
	p.active--
	p.stats.Released++
	p.record(func(r types.PoolRecorder) { r.PoolRelease() })
	p.promoteLocked()
	p.publishLocked()
}

// Release is a convenience for callers holding the pool rather than the
// token.
func (p *Pool) Release(t *Token) {
	if t != nil {
		t.Release()
	}
}

// Do runs fn while holding a token, releasing it when fn returns.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	token, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer token.Release()
	return fn(ctx)
}

// SetMaxConnections changes the admission bound. Growing wakes queued
// waiters; shrinking below the current active count only constrains future
// acquisitions.
func (p *Pool) SetMaxConnections(n int) error {
	if n <= 0 {
		return errors.Newf(errors.ErrCodeValidationFailed, "max connections must be positive, got %d", n).
			WithComponent("pool")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.max = n
	p.stats.MaxConnections = n
	p.promoteLocked()
	p.publishLocked()
	return nil
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.Active = p.active
	stats.Waiting = p.waiters.Len()
	return stats
}

// Close fails all pending waiters and rejects future acquisitions. Tokens
// already held may still be released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		w := elem.Value.(*waiter)
		w.err = errors.New(errors.ErrCodeComponentStopped, "pool closed while waiting").
			WithComponent("pool").WithOperation("acquire")
		close(w.ready)
	}
	p.waiters.Init()
	p.publishLocked()
}

// promoteLocked grants slots to queued waiters in FIFO order while capacity
// allows. Requires p.mu.
func (p *Pool) promoteLocked() {
	for p.active < p.max && p.waiters.Len() > 0 {
		elem := p.waiters.Front()
		w := elem.Value.(*waiter)
		p.waiters.Remove(elem)
		w.granted = true
		p.active++
		p.stats.Acquired++
		close(w.ready)
	}
}

func (p *Pool) publishLocked() {
	p.record(func(r types.PoolRecorder) { r.PoolUsage(p.active, p.waiters.Len()) })
}

func (p *Pool) record(fn func(types.PoolRecorder)) {
	if p.recorder != nil {
		fn(p.recorder)
	}
}
