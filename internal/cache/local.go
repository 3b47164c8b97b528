package cache

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/types"
)

// entryOverhead approximates the bookkeeping cost of one entry beyond its
// payload.
const entryOverhead = 64

// LocalCache is a thread-safe in-process cache with per-entry TTL expiry and
// budget-driven eviction. Victims are ranked by lowest hit count, then oldest
// storedAt, then insertion order.
type LocalCache[V any] struct {
	mu          sync.Mutex
	entries     map[string]*localEntry[V]
	currentSize int64
	seq         uint64

	maxBytes   int64
	maxEntries int
	defaultTTL time.Duration
	sizer      func(V) int64

	clk      clock.Clock
	logger   *zap.Logger
	recorder types.CacheRecorder

	stats  types.CacheStats
	sweep  clock.Ticker
	done   chan struct{}
	closed bool
}

type localEntry[V any] struct {
	value    V
	storedAt time.Time
	ttl      time.Duration
	hits     int64
	size     int64
	seq      uint64
}

// LocalOptions configures a LocalCache.
type LocalOptions[V any] struct {
	// MaxBytes bounds the total approximate payload size; 0 disables the
	// byte budget.
	MaxBytes int64
	// MaxEntries bounds the entry count; 0 disables the count budget.
	MaxEntries int
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration
	// SweepInterval drives the advisory background expiry pass; 0 disables
	// the sweep (expiry is still enforced lazily on access).
	SweepInterval time.Duration
	// Sizer computes the approximate size of a value. Defaults to a
	// best-effort estimator.
	Sizer func(V) int64
	// Clock defaults to the system clock.
	Clock clock.Clock
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Recorder publishes metrics events; nil disables publication.
	Recorder types.CacheRecorder
}

// NewLocal creates a new local cache and starts its expiry sweep if a sweep
// interval is configured.
func NewLocal[V any](opts LocalOptions[V]) *LocalCache[V] {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sizer == nil {
		opts.Sizer = estimateSize[V]
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}

	c := &LocalCache[V]{
		entries:    make(map[string]*localEntry[V]),
		maxBytes:   opts.MaxBytes,
		maxEntries: opts.MaxEntries,
		defaultTTL: opts.DefaultTTL,
		sizer:      opts.Sizer,
		clk:        opts.Clock,
		logger:     opts.Logger,
		recorder:   opts.Recorder,
		done:       make(chan struct{}),
		stats:      types.CacheStats{Capacity: opts.MaxBytes},
	}

	if opts.SweepInterval > 0 {
		c.sweep = c.clk.NewTicker(opts.SweepInterval)
		go c.sweepLoop()
	}

	return c
}

// Get returns the value for key if present and not expired, incrementing the
// entry's hit counter on success.
func (c *LocalCache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		c.record(func(r types.CacheRecorder) { r.CacheMiss("local") })
		return zero, false
	}

	if c.expired(e) {
		c.removeLocked(key, true)
		c.stats.Misses++
		c.record(func(r types.CacheRecorder) { r.CacheMiss("local") })
		return zero, false
	}

	e.hits++
	c.stats.Hits++
	c.record(func(r types.CacheRecorder) { r.CacheHit("local") })
	return e.value, true
}

// Set inserts or replaces the entry for key. A ttl <= 0 uses the cache's
// default TTL. If the insert would exceed a configured budget, entries are
// evicted in ranking order until it fits.
func (c *LocalCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := c.sizer(value) + entryOverhead

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && size > c.maxBytes {
		c.logger.Warn("value larger than cache budget, not cached",
			zap.String("key", key), zap.Int64("size", size))
		return
	}

	if old, ok := c.entries[key]; ok {
		c.currentSize -= old.size
		delete(c.entries, key)
	}

	c.seq++
	c.entries[key] = &localEntry[V]{
		value:    value,
		storedAt: c.clk.Now(),
		ttl:      ttl,
		size:     size,
		seq:      c.seq,
	}
	c.currentSize += size

	c.evictToBudgetLocked()
	c.publishSizeLocked()
}

// Invalidate removes the entry for key, reporting whether it was present.
func (c *LocalCache[V]) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.removeLocked(key, false)
	c.publishSizeLocked()
	return true
}

// InvalidatePattern removes every entry whose key satisfies the predicate,
// returning the number removed.
func (c *LocalCache[V]) InvalidatePattern(pred func(key string) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []string
	for key := range c.entries {
		if pred(key) {
			victims = append(victims, key)
		}
	}
	for _, key := range victims {
		c.removeLocked(key, false)
	}
	c.publishSizeLocked()
	return len(victims)
}

// Keys returns the keys of all resident entries, including any not yet
// swept past their TTL.
func (c *LocalCache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of resident entries.
func (c *LocalCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// SizeBytes returns the approximate total payload size.
func (c *LocalCache[V]) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Stats returns a snapshot of cache statistics.
func (c *LocalCache[V]) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Size = c.currentSize
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if c.maxBytes > 0 {
		stats.Utilization = float64(c.currentSize) / float64(c.maxBytes)
	}
	return stats
}

// EntryAges returns per-entry introspection data for all resident entries.
func (c *LocalCache[V]) EntryAges() []types.EntryInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	infos := make([]types.EntryInfo, 0, len(c.entries))
	for key, e := range c.entries {
		infos = append(infos, types.EntryInfo{
			Key:      key,
			Size:     e.size,
			Hits:     e.hits,
			Age:      now.Sub(e.storedAt),
			StoredAt: e.storedAt,
		})
	}
	return infos
}

// Clear removes all entries.
func (c *LocalCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*localEntry[V])
	c.currentSize = 0
	c.publishSizeLocked()
}

// Close stops the expiry sweep. The cache remains usable for in-memory
// operations afterwards.
func (c *LocalCache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	if c.sweep != nil {
		c.sweep.Stop()
	}
}

// Sweep removes all expired entries immediately and returns the number
// removed. The background sweep calls this on its interval.
func (c *LocalCache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for key, e := range c.entries {
		if c.expired(e) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.removeLocked(key, true)
	}
	if len(expired) > 0 {
		c.publishSizeLocked()
	}
	return len(expired)
}

// Internal helpers. All *Locked methods require c.mu to be held.

func (c *LocalCache[V]) expired(e *localEntry[V]) bool {
	if e.ttl <= 0 {
		return false
	}
	return c.clk.Now().Sub(e.storedAt) >= e.ttl
}

func (c *LocalCache[V]) removeLocked(key string, expiry bool) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.currentSize -= e.size
	if expiry {
		c.stats.Expirations++
	}
}

// evictToBudgetLocked evicts single victims in ranking order until both
// budgets are satisfied.
func (c *LocalCache[V]) evictToBudgetLocked() {
	for c.overBudgetLocked() {
		key, ok := c.victimLocked()
		if !ok {
			return
		}
		c.logger.Debug("evicting cache entry", zap.String("key", key))
		c.removeLocked(key, false)
		c.stats.Evictions++
		c.record(func(r types.CacheRecorder) { r.CacheEviction("local") })
	}
}

func (c *LocalCache[V]) overBudgetLocked() bool {
	if c.maxBytes > 0 && c.currentSize > c.maxBytes {
		return true
	}
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		return true
	}
	return false
}

// victimLocked picks the entry with the lowest hit count, breaking ties by
// oldest storedAt, then by insertion order.
func (c *LocalCache[V]) victimLocked() (string, bool) {
	var (
		victimKey string
		victim    *localEntry[V]
	)
	for key, e := range c.entries {
		if victim == nil || ranksBefore(e, victim) {
			victimKey = key
			victim = e
		}
	}
	return victimKey, victim != nil
}

func ranksBefore[V any](a, b *localEntry[V]) bool {
	if a.hits != b.hits {
		return a.hits < b.hits
	}
	if !a.storedAt.Equal(b.storedAt) {
		return a.storedAt.Before(b.storedAt)
	}
	return a.seq < b.seq
}

func (c *LocalCache[V]) publishSizeLocked() {
	c.record(func(r types.CacheRecorder) {
		r.CacheSize("local", c.currentSize, len(c.entries))
	})
}

func (c *LocalCache[V]) record(fn func(types.CacheRecorder)) {
	if c.recorder != nil {
		fn(c.recorder)
	}
}

func (c *LocalCache[V]) sweepLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.sweep.C():
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("expiry sweep removed entries", zap.Int("count", n))
			}
		}
	}
}

// estimateSize is the default approximate sizer. Byte slices and strings are
// measured exactly; other values fall back to their printed length.
func estimateSize[V any](v V) int64 {
	switch val := any(v).(type) {
	case []byte:
		return int64(len(val))
	case string:
		return int64(len(val))
	case nil:
		return 0
	default:
		return int64(len(fmt.Sprintf("%v", val)))
	}
}
