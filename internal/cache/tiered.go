package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/datakit/datacache/internal/circuit"
	"github.com/datakit/datacache/internal/pool"
	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/types"
)

// maxKeyLength bounds cache keys; longer keys are rejected as malformed.
const maxKeyLength = 512

// FetchFunc loads a value from the system of record on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// TieredCache composes the local cache with an optional remote tier behind a
// single contract. Remote-tier failures are logged and treated as a miss or
// no-op for that tier only; they never fail the overall operation.
type TieredCache[V any] struct {
	local   *LocalCache[V]
	remote  types.RemoteStore
	codec   Codec[V]
	breaker *circuit.Breaker
	pool    *pool.Pool

	keyPrefix     string
	remoteTimeout time.Duration
	defaultTTL    time.Duration

	logger   *zap.Logger
	recorder types.CacheRecorder

	sf           *singleflight.Group
	singleFlight bool

	statsMu sync.Mutex
	stats   types.TieredStats
}

// TieredOptions configures a TieredCache.
type TieredOptions[V any] struct {
	// Local is the required in-process tier.
	Local *LocalCache[V]
	// Remote is the optional shared tier; nil means local-only operation.
	Remote types.RemoteStore
	// Codec converts values for remote storage. Defaults to JSONCodec.
	Codec Codec[V]
	// Breaker guards remote calls; nil disables circuit breaking.
	Breaker *circuit.Breaker
	// Pool, when set, gates GetOrSet fetches through the connection pool.
	Pool *pool.Pool
	// KeyPrefix namespaces keys in the shared remote tier.
	KeyPrefix string
	// RemoteTimeout bounds each remote operation. Defaults to 2s.
	RemoteTimeout time.Duration
	// DefaultTTL applies when a TTL of 0 is passed. Defaults to 5m.
	DefaultTTL time.Duration
	// SingleFlight collapses concurrent GetOrSet fetches for the same key.
	SingleFlight bool
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Recorder publishes metrics events; nil disables publication.
	Recorder types.CacheRecorder
}

// NewTiered creates a tiered cache facade.
func NewTiered[V any](opts TieredOptions[V]) *TieredCache[V] {
	if opts.Local == nil {
		panic("cache: TieredOptions.Local is required")
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec[V]{}
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 2 * time.Second
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &TieredCache[V]{
		local:         opts.Local,
		remote:        opts.Remote,
		codec:         opts.Codec,
		breaker:       opts.Breaker,
		pool:          opts.Pool,
		keyPrefix:     opts.KeyPrefix,
		remoteTimeout: opts.RemoteTimeout,
		defaultTTL:    opts.DefaultTTL,
		logger:        opts.Logger,
		recorder:      opts.Recorder,
		sf:            &singleflight.Group{},
		singleFlight:  opts.SingleFlight,
		stats:         types.TieredStats{RemoteReachable: opts.Remote != nil},
	}
}

// Get returns the cached value for key, checking the local tier first and
// falling back to the remote tier. A remote hit back-fills the local tier.
func (t *TieredCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	if err := validateKey(key); err != nil {
		return zero, false, err
	}

	if v, ok := t.local.Get(key); ok {
		t.recordHit(true)
		return v, true, nil
	}

	if t.remote == nil {
		t.recordMiss()
		return zero, false, nil
	}

	var (
		data  []byte
		found bool
	)
	err := t.withRemote(ctx, "get", func(rctx context.Context) error {
		var rErr error
		data, found, rErr = t.remote.Get(rctx, t.remoteKey(key))
		return rErr
	})
	if err != nil || !found {
		t.recordMiss()
		return zero, false, nil
	}

	v, decErr := t.codec.Unmarshal(data)
	if decErr != nil {
		t.logger.Warn("failed to decode remote cache value",
			zap.String("key", key), zap.Error(decErr))
		t.recordMiss()
		return zero, false, nil
	}

	t.local.Set(key, v, t.defaultTTL)
	t.recordHit(false)
	t.record(func(r types.CacheRecorder) { r.CacheHit("remote") })
	return v, true, nil
}

// Set writes to the local tier unconditionally and attempts a remote write.
// It returns an error only when the key is malformed; a remote failure alone
// never fails the operation because the local tier accepted the write.
func (t *TieredCache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = t.defaultTTL
	}

	t.local.Set(key, value, ttl)

	if t.remote == nil {
		return nil
	}

	data, encErr := t.codec.Marshal(value)
	if encErr != nil {
		t.logger.Warn("failed to encode value for remote cache",
			zap.String("key", key), zap.Error(encErr))
		return nil
	}

	_ = t.withRemote(ctx, "set", func(rctx context.Context) error {
		return t.remote.Set(rctx, t.remoteKey(key), data, ttl)
	})
	return nil
}

// GetOrSet returns the cached value for key, invoking fetch on a miss and
// caching the result. Fetch failures propagate to the caller and nothing is
// cached. With SingleFlight enabled, concurrent fetches for the same key
// collapse into one in-flight call.
func (t *TieredCache[V]) GetOrSet(ctx context.Context, key string, fetch FetchFunc[V], ttl time.Duration) (V, error) {
	var zero V
	if err := validateKey(key); err != nil {
		return zero, err
	}

	if v, ok, err := t.Get(ctx, key); err != nil {
		return zero, err
	} else if ok {
		return v, nil
	}

	if !t.singleFlight {
		return t.fetchAndStore(ctx, key, fetch, ttl)
	}

	v, err, _ := t.sf.Do(key, func() (interface{}, error) {
		return t.fetchAndStore(ctx, key, fetch, ttl)
	})
	if err != nil {
		return zero, err
	}
	return v.(V), nil
}

func (t *TieredCache[V]) fetchAndStore(ctx context.Context, key string, fetch FetchFunc[V], ttl time.Duration) (V, error) {
	var (
		v   V
		err error
	)

	if t.pool != nil {
		err = t.pool.Do(ctx, func(pctx context.Context) error {
			v, err = fetch(pctx)
			return err
		})
	} else {
		v, err = fetch(ctx)
	}
	if err != nil {
		var zero V
		return zero, err
	}

	if setErr := t.Set(ctx, key, v, ttl); setErr != nil {
		return v, setErr
	}
	return v, nil
}

// GetMany returns the cached values for keys, resolving local hits first and
// fetching the remainder from the remote tier in one pipelined round trip.
// Absent keys are simply missing from the result.
func (t *TieredCache[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	result := make(map[string]V, len(keys))

	var remoteKeys []string
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return nil, err
		}
		if v, ok := t.local.Get(key); ok {
			t.recordHit(true)
			result[key] = v
		} else {
			remoteKeys = append(remoteKeys, key)
		}
	}

	if t.remote == nil || len(remoteKeys) == 0 {
		for range remoteKeys {
			t.recordMiss()
		}
		return result, nil
	}

	prefixed := make([]string, len(remoteKeys))
	for i, key := range remoteKeys {
		prefixed[i] = t.remoteKey(key)
	}

	var fetched map[string][]byte
	err := t.withRemote(ctx, "get_many", func(rctx context.Context) error {
		var rErr error
		fetched, rErr = t.remote.PipelineGet(rctx, prefixed)
		return rErr
	})
	if err != nil {
		for range remoteKeys {
			t.recordMiss()
		}
		return result, nil
	}

	for _, key := range remoteKeys {
		data, ok := fetched[t.remoteKey(key)]
		if !ok {
			t.recordMiss()
			continue
		}
		v, decErr := t.codec.Unmarshal(data)
		if decErr != nil {
			t.logger.Warn("failed to decode remote cache value",
				zap.String("key", key), zap.Error(decErr))
			t.recordMiss()
			continue
		}
		t.local.Set(key, v, t.defaultTTL)
		t.recordHit(false)
		result[key] = v
	}

	return result, nil
}

// Delete removes key from both tiers, reporting whether at least one tier
// held the value.
func (t *TieredCache[V]) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	hadLocal := t.local.Invalidate(key)

	if t.remote == nil {
		return hadLocal, nil
	}

	var hadRemote bool
	_ = t.withRemote(ctx, "delete", func(rctx context.Context) error {
		var rErr error
		hadRemote, rErr = t.remote.Delete(rctx, t.remoteKey(key))
		return rErr
	})

	return hadLocal || hadRemote, nil
}

// InvalidatePattern removes every local entry whose key satisfies the
// predicate and deletes the same keys from the remote tier, returning the
// number of local entries removed.
func (t *TieredCache[V]) InvalidatePattern(ctx context.Context, pred func(key string) bool) int {
	var matched []string
	for _, key := range t.local.Keys() {
		if pred(key) {
			matched = append(matched, key)
		}
	}

	for _, key := range matched {
		t.local.Invalidate(key)
	}

	if t.remote != nil && len(matched) > 0 {
		_ = t.withRemote(ctx, "invalidate_pattern", func(rctx context.Context) error {
			for _, key := range matched {
				if _, err := t.remote.Delete(rctx, t.remoteKey(key)); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return len(matched)
}

// Clear removes every locally resident entry from both tiers.
func (t *TieredCache[V]) Clear(ctx context.Context) {
	t.InvalidatePattern(ctx, func(string) bool { return true })
	t.local.Clear()
}

// Stats returns a snapshot of tiered cache statistics.
func (t *TieredCache[V]) Stats() types.TieredStats {
	t.statsMu.Lock()
	defer t.statsMu.Unlock()

	stats := t.stats
	stats.TotalKeys = t.local.Len()
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	if t.breaker != nil {
		stats.RemoteReachable = t.remote != nil && t.breaker.State() != circuit.StateOpen
	}
	return stats
}

// Local exposes the underlying local tier.
func (t *TieredCache[V]) Local() *LocalCache[V] {
	return t.local
}

// withRemote runs a remote-tier operation under the configured timeout and
// circuit breaker, logging and counting failures. The returned error is for
// control flow only; callers treat it as a miss or no-op.
func (t *TieredCache[V]) withRemote(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if t.breaker != nil && !t.breaker.Allow() {
		t.remoteFailure(op, circuit.ErrOpen)
		return circuit.ErrOpen
	}

	rctx, cancel := context.WithTimeout(ctx, t.remoteTimeout)
	err := fn(rctx)
	cancel()

	if t.breaker != nil {
		t.breaker.RecordResult(err)
	}

	if err != nil {
		t.remoteFailure(op, err)
		return err
	}

	t.statsMu.Lock()
	t.stats.RemoteReachable = true
	t.statsMu.Unlock()
	return nil
}

func (t *TieredCache[V]) remoteFailure(op string, err error) {
	t.logger.Warn("remote cache tier failure, degrading to local-only",
		zap.String("operation", op), zap.Error(err))

	t.statsMu.Lock()
	t.stats.RemoteErrors++
	t.stats.RemoteReachable = false
	t.statsMu.Unlock()
}

func (t *TieredCache[V]) remoteKey(key string) string {
	return t.keyPrefix + key
}

func (t *TieredCache[V]) recordHit(local bool) {
	t.statsMu.Lock()
	t.stats.Hits++
	if local {
		t.stats.LocalHits++
	} else {
		t.stats.RemoteHits++
	}
	t.statsMu.Unlock()
}

func (t *TieredCache[V]) recordMiss() {
	t.statsMu.Lock()
	t.stats.Misses++
	t.statsMu.Unlock()
}

func (t *TieredCache[V]) record(fn func(types.CacheRecorder)) {
	if t.recorder != nil {
		fn(t.recorder)
	}
}

// validateKey rejects malformed cache keys.
func validateKey(key string) error {
	if key == "" {
		return errors.New(errors.ErrCodeValidationFailed, "cache key cannot be empty").
			WithComponent("tiered_cache")
	}
	if len(key) > maxKeyLength {
		return errors.Newf(errors.ErrCodeValidationFailed, "cache key exceeds %d bytes", maxKeyLength).
			WithComponent("tiered_cache")
	}
	return nil
}
