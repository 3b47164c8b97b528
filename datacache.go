// Package datacache wires the caching and coordination components into one
// client: a TTL/ranked local cache fronted by an optional Redis remote tier,
// a FIFO-fair connection pool, a batch write coalescer, and a push
// subscription manager.
package datacache

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/datakit/datacache/internal/backend/rediskv"
	"github.com/datakit/datacache/internal/batch"
	"github.com/datakit/datacache/internal/cache"
	"github.com/datakit/datacache/internal/circuit"
	"github.com/datakit/datacache/internal/config"
	"github.com/datakit/datacache/internal/metrics"
	"github.com/datakit/datacache/internal/pool"
	"github.com/datakit/datacache/internal/subscription"
	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/health"
	"github.com/datakit/datacache/pkg/types"
)

// Client is the assembled facade over every component. The value type V
// flows through the local tier as-is and through the remote tier via the
// configured codec.
type Client[V any] struct {
	cfg    *config.Configuration
	logger *zap.Logger
	clk    clock.Clock

	collector *metrics.Collector
	local     *cache.LocalCache[V]
	tiered    *cache.TieredCache[V]
	pool      *pool.Pool
	writes    *batch.Coalescer[rediskv.WriteOp, bool]
	subs      *subscription.Manager
	push      types.PushBackend
	health    *health.Tracker

	redisClient redis.UniversalClient
}

// Options customizes construction beyond what the configuration covers.
// Every field is optional.
type Options[V any] struct {
	// Logger overrides the logger built from the monitoring config.
	Logger *zap.Logger
	// Clock substitutes a fake clock in tests.
	Clock clock.Clock
	// Codec overrides the remote-tier value codec. Defaults to JSON.
	Codec cache.Codec[V]
	// Remote substitutes the remote store; when set, no Redis connection
	// is dialed even if the config enables one.
	Remote types.RemoteStore
	// Push substitutes the push transport used for subscriptions.
	Push types.PushBackend
	// Sizer overrides the per-value size estimate for the memory budget.
	Sizer func(value V) int64
}

// New assembles a client from cfg. A nil cfg uses the documented defaults.
func New[V any](ctx context.Context, cfg *config.Configuration, opts Options[V]) (*Client[V], error) {
	if cfg == nil {
		cfg = config.NewDefault()
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigValidation, "invalid configuration").
			WithComponent("client")
	}

	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = newLogger(cfg.Monitoring.LogLevel)
		if err != nil {
			return nil, err
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var collector *metrics.Collector
	if cfg.Monitoring.MetricsEnabled {
		collector = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Namespace: cfg.Monitoring.Namespace,
		}, logger)
	}

	maxBytes, err := cfg.MaxMemoryBytes()
	if err != nil {
		return nil, err
	}

	c := &Client[V]{
		cfg:       cfg,
		logger:    logger,
		clk:       clk,
		collector: collector,
	}

	c.local = cache.NewLocal(cache.LocalOptions[V]{
		MaxBytes:      maxBytes,
		MaxEntries:    cfg.Cache.MaxEntries,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SweepInterval: cfg.Cache.SweepInterval,
		Sizer:         opts.Sizer,
		Clock:         clk,
		Logger:        logger.Named("local"),
		Recorder:      recorderOrNil(collector),
	})

	c.pool = pool.New(pool.Options{
		MaxConnections: cfg.Pool.MaxConnections,
		Clock:          clk,
		Logger:         logger.Named("pool"),
		Recorder:       poolRecorderOrNil(collector),
	})

	remote := opts.Remote
	push := opts.Push
	if remote == nil && cfg.Remote.Enabled {
		client, dialErr := rediskv.Dial(ctx, cfg.Remote)
		if dialErr != nil {
			c.local.Close()
			c.pool.Close()
			return nil, dialErr
		}
		c.redisClient = client
		remote = rediskv.NewStore(client, logger.Named("rediskv"))
		if push == nil {
			push = rediskv.NewListener(client, logger.Named("rediskv"))
		}
		c.writes = batch.New[rediskv.WriteOp, bool](
			rediskv.NewBulkWriter(client, logger.Named("rediskv")),
			batch.Options{
				FlushInterval: cfg.Batch.FlushInterval,
				MaxBatchSize:  cfg.Batch.MaxBatchSize,
				MaxPending:    cfg.Batch.MaxPending,
				Clock:         clk,
				Logger:        logger.Named("batch"),
				Recorder:      batchRecorderOrNil(collector),
			})
	}
	c.push = push

	var breaker *circuit.Breaker
	if remote != nil && cfg.Remote.Breaker.Enabled {
		breaker = circuit.New(circuit.Config{
			FailureThreshold: cfg.Remote.Breaker.FailureThreshold,
			Interval:         cfg.Remote.Breaker.Interval,
			Timeout:          cfg.Remote.Breaker.Timeout,
			Clock:            clk,
			OnStateChange: func(from, to circuit.State) {
				logger.Warn("remote tier circuit state changed",
					zap.String("from", from.String()), zap.String("to", to.String()))
			},
		})
	}

	c.tiered = cache.NewTiered(cache.TieredOptions[V]{
		Local:         c.local,
		Remote:        remote,
		Codec:         opts.Codec,
		Breaker:       breaker,
		Pool:          c.pool,
		KeyPrefix:     cfg.Cache.KeyPrefix,
		RemoteTimeout: cfg.Remote.OperationTimeout,
		DefaultTTL:    cfg.Cache.DefaultTTL,
		SingleFlight:  cfg.Cache.SingleFlight,
		Logger:        logger.Named("cache"),
		Recorder:      recorderOrNil(collector),
	})

	c.subs = subscription.New(subscription.Options{
		MaxSubscriptions: cfg.Subscriptions.MaxSubscriptions,
		Logger:           logger.Named("subscription"),
		Recorder:         subRecorderOrNil(collector),
	})

	c.health = health.NewTracker(clk)
	c.health.Register("local_cache", func() (health.State, string) {
		return health.StateHealthy, ""
	})
	if remote != nil {
		c.health.Register("remote_tier", func() (health.State, string) {
			if c.tiered.Stats().RemoteReachable {
				return health.StateHealthy, ""
			}
			return health.StateDegraded, "remote tier unreachable, serving local-only"
		})
	}
	c.health.Register("connection_pool", func() (health.State, string) {
		stats := c.pool.Stats()
		if stats.Waiting > stats.MaxConnections*4 {
			return health.StateDegraded, "connection pool saturated"
		}
		return health.StateHealthy, ""
	})

	if collector != nil {
		collector.Start()
	}

	return c, nil
}

// Get returns the cached value for key from the nearest tier that has it.
func (c *Client[V]) Get(ctx context.Context, key string) (V, bool, error) {
	return c.tiered.Get(ctx, key)
}

// Set writes key through both tiers.
func (c *Client[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) error {
	return c.tiered.Set(ctx, key, value, ttl)
}

// GetOrSet returns the cached value for key, fetching and caching it on a
// miss. The fetch is admitted through the connection pool.
func (c *Client[V]) GetOrSet(ctx context.Context, key string, fetch cache.FetchFunc[V], ttl time.Duration) (V, error) {
	return c.tiered.GetOrSet(ctx, key, fetch, ttl)
}

// GetMany returns the cached values for keys; absent keys are missing from
// the result.
func (c *Client[V]) GetMany(ctx context.Context, keys []string) (map[string]V, error) {
	return c.tiered.GetMany(ctx, keys)
}

// Delete removes key from both tiers.
func (c *Client[V]) Delete(ctx context.Context, key string) (bool, error) {
	return c.tiered.Delete(ctx, key)
}

// InvalidatePrefix removes every locally known key with the given prefix
// from both tiers, returning the number of local entries removed.
func (c *Client[V]) InvalidatePrefix(ctx context.Context, prefix string) int {
	return c.tiered.InvalidatePattern(ctx, func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// Clear empties the local tier and removes its keys from the remote tier.
func (c *Client[V]) Clear(ctx context.Context) {
	c.tiered.Clear(ctx)
}

// SubmitWrite queues a remote-tier write for the next coalesced batch and
// returns its future. Requires the remote tier.
func (c *Client[V]) SubmitWrite(ctx context.Context, key string, value []byte, ttl time.Duration) (*batch.Future[bool], error) {
	if c.writes == nil {
		return nil, errNoRemote("submit_write")
	}
	return c.writes.Submit(ctx, "writes", rediskv.WriteOp{
		Kind:  rediskv.WriteSet,
		Key:   c.cfg.Cache.KeyPrefix + key,
		Value: value,
		TTL:   ttl,
	})
}

// SubmitDelete queues a remote-tier delete for the next coalesced batch and
// returns its future. Requires the remote tier.
func (c *Client[V]) SubmitDelete(ctx context.Context, key string) (*batch.Future[bool], error) {
	if c.writes == nil {
		return nil, errNoRemote("submit_delete")
	}
	return c.writes.Submit(ctx, "writes", rediskv.WriteOp{
		Kind: rediskv.WriteDelete,
		Key:  c.cfg.Cache.KeyPrefix + key,
	})
}

// FlushWrites executes all queued remote writes immediately.
func (c *Client[V]) FlushWrites() {
	if c.writes != nil {
		c.writes.FlushAll()
	}
}

// Subscribe registers a push subscription for topic, replacing any existing
// subscription with the same topic. Requires a push transport.
func (c *Client[V]) Subscribe(ctx context.Context, topic string, onEvent func(payload []byte)) error {
	if c.push == nil {
		return errNoRemote("subscribe")
	}
	return c.subs.Subscribe(topic, func(key string) (subscription.Teardown, error) {
		teardown, err := c.push.Listen(ctx, key, onEvent)
		if err != nil {
			return nil, err
		}
		return subscription.Teardown(teardown), nil
	})
}

// Unsubscribe tears down the subscription for topic.
func (c *Client[V]) Unsubscribe(topic string) bool {
	return c.subs.Unsubscribe(topic)
}

// Acquire admits the caller to the connection pool; the returned token must
// be released.
func (c *Client[V]) Acquire(ctx context.Context) (*pool.Token, error) {
	return c.pool.Acquire(ctx)
}

// Stats aggregates the statistics of every component.
type Stats struct {
	Local         types.CacheStats        `json:"local"`
	Tiered        types.TieredStats       `json:"tiered"`
	Pool          types.PoolStats         `json:"pool"`
	Batch         types.BatchStats        `json:"batch"`
	Subscriptions types.SubscriptionStats `json:"subscriptions"`
}

// Stats returns a snapshot across all components.
func (c *Client[V]) Stats() Stats {
	s := Stats{
		Local:         c.local.Stats(),
		Tiered:        c.tiered.Stats(),
		Pool:          c.pool.Stats(),
		Subscriptions: c.subs.Stats(),
	}
	if c.writes != nil {
		s.Batch = c.writes.Stats()
	}
	return s
}

// HealthHandler serves the aggregate readiness report.
func (c *Client[V]) HealthHandler() http.Handler {
	return c.health.Handler()
}

// MetricsHandler serves the Prometheus registry, or 404 when metrics are
// disabled.
func (c *Client[V]) MetricsHandler() http.Handler {
	if c.collector == nil {
		return http.NotFoundHandler()
	}
	return c.collector.Handler()
}

// Close tears down every component: subscriptions first, then queued writes,
// then the pool, caches, and the Redis connection.
func (c *Client[V]) Close(ctx context.Context) error {
	c.subs.UnsubscribeAll()
	if c.writes != nil {
		c.writes.Close()
	}
	c.pool.Close()
	c.local.Close()

	var firstErr error
	if c.redisClient != nil {
		if err := c.redisClient.Close(); err != nil {
			firstErr = err
		}
	}
	if c.collector != nil {
		if err := c.collector.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func errNoRemote(op string) error {
	return errors.New(errors.ErrCodeInvalidState, "remote tier is not configured").
		WithComponent("client").WithOperation(op)
}

// newLogger builds a zap logger at the configured level.
func newLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	switch strings.ToUpper(level) {
	case "", "INFO":
		lvl = zapcore.InfoLevel
	case "DEBUG":
		lvl = zapcore.DebugLevel
	case "WARN", "WARNING":
		lvl = zapcore.WarnLevel
	case "ERROR":
		lvl = zapcore.ErrorLevel
	default:
		return nil, errors.Newf(errors.ErrCodeConfigValidation, "unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func recorderOrNil(c *metrics.Collector) types.CacheRecorder {
	if c == nil {
		return nil
	}
	return c
}

func poolRecorderOrNil(c *metrics.Collector) types.PoolRecorder {
	if c == nil {
		return nil
	}
	return c
}

func batchRecorderOrNil(c *metrics.Collector) types.BatchRecorder {
	if c == nil {
		return nil
	}
	return c
}

func subRecorderOrNil(c *metrics.Collector) types.SubscriptionRecorder {
	if c == nil {
		return nil
	}
	return c
}
