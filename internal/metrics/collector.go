// Package metrics publishes cache, pool, batch, and subscription metrics
// through a dedicated Prometheus registry. The Collector implements every
// recorder interface in pkg/types, so components depend only on the small
// recorder contracts.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/datakit/datacache/pkg/types"
)

// Collector owns the Prometheus registry and metric vectors. A nil or
// disabled Collector is safe to call; every method becomes a no-op.
type Collector struct {
	enabled  bool
	registry *prometheus.Registry
	logger   *zap.Logger

	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cacheBytes     *prometheus.GaugeVec
	cacheEntries   *prometheus.GaugeVec

	poolAcquires prometheus.Counter
	poolReleases prometheus.Counter
	poolWait     prometheus.Histogram
	poolActive   prometheus.Gauge
	poolWaiting  prometheus.Gauge

	batchFlushes  *prometheus.CounterVec
	batchSizes    prometheus.Histogram
	batchErrors   *prometheus.CounterVec
	subscriptions prometheus.Gauge

	server *http.Server
}

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector(config *Config, logger *zap.Logger) *Collector {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9190,
			Path:      "/metrics",
			Namespace: "datacache",
		}
	}
	if config.Namespace == "" {
		config.Namespace = "datacache"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !config.Enabled {
		return &Collector{logger: logger}
	}

	ns := config.Namespace
	c := &Collector{
		enabled:  true,
		registry: prometheus.NewRegistry(),
		logger:   logger,

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_misses_total",
			Help:      "Cache misses by tier.",
		}, []string{"tier"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_evictions_total",
			Help:      "Entries evicted by tier.",
		}, []string{"tier"}),
		cacheBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_size_bytes",
			Help:      "Resident cache size in bytes by tier.",
		}, []string{"tier"}),
		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "cache_entries",
			Help:      "Resident cache entries by tier.",
		}, []string{"tier"}),

		poolAcquires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pool_acquires_total",
			Help:      "Connection slots granted.",
		}),
		poolReleases: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pool_releases_total",
			Help:      "Connection slots returned.",
		}),
		poolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "pool_wait_seconds",
			Help:      "Time spent waiting for a connection slot.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_active_connections",
			Help:      "Connection slots currently held.",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pool_waiting",
			Help:      "Callers queued for a connection slot.",
		}),

		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batch_flushes_total",
			Help:      "Batch flushes by queue and trigger.",
		}, []string{"queue", "trigger"}),
		batchSizes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "batch_size",
			Help:      "Operations per flushed batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		batchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "batch_errors_total",
			Help:      "Batches that failed or contained failed items, by queue.",
		}, []string{"queue"}),

		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "subscriptions_active",
			Help:      "Live push subscriptions.",
		}),
	}

	c.registry.MustRegister(
		c.cacheHits, c.cacheMisses, c.cacheEvictions, c.cacheBytes, c.cacheEntries,
		c.poolAcquires, c.poolReleases, c.poolWait, c.poolActive, c.poolWaiting,
		c.batchFlushes, c.batchSizes, c.batchErrors,
		c.subscriptions,
	)

	if config.Port > 0 {
		path := config.Path
		if path == "" {
			path = "/metrics"
		}
		mux := http.NewServeMux()
		mux.Handle(path, c.Handler())
		c.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.Port),
			Handler:           mux,
			ReadHeaderTimeout: 30 * time.Second,
		}
	}

	return c
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil || !c.enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start() {
	if c == nil || c.server == nil {
		return
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// CacheHit implements types.CacheRecorder.
func (c *Collector) CacheHit(tier string) {
	if c == nil || !c.enabled {
		return
	}
	c.cacheHits.WithLabelValues(tier).Inc()
}

// CacheMiss implements types.CacheRecorder.
func (c *Collector) CacheMiss(tier string) {
	if c == nil || !c.enabled {
		return
	}
	c.cacheMisses.WithLabelValues(tier).Inc()
}

// CacheEviction implements types.CacheRecorder.
func (c *Collector) CacheEviction(tier string) {
	if c == nil || !c.enabled {
		return
	}
	c.cacheEvictions.WithLabelValues(tier).Inc()
}

// CacheSize implements types.CacheRecorder.
func (c *Collector) CacheSize(tier string, bytes int64, entries int) {
	if c == nil || !c.enabled {
		return
	}
	c.cacheBytes.WithLabelValues(tier).Set(float64(bytes))
	c.cacheEntries.WithLabelValues(tier).Set(float64(entries))
}

// PoolAcquire implements types.PoolRecorder.
func (c *Collector) PoolAcquire(waited time.Duration) {
	if c == nil || !c.enabled {
		return
	}
	c.poolAcquires.Inc()
	c.poolWait.Observe(waited.Seconds())
}

// PoolRelease implements types.PoolRecorder.
func (c *Collector) PoolRelease() {
	if c == nil || !c.enabled {
		return
	}
	c.poolReleases.Inc()
}

// PoolUsage implements types.PoolRecorder.
func (c *Collector) PoolUsage(active, waiting int) {
	if c == nil || !c.enabled {
		return
	}
	c.poolActive.Set(float64(active))
	c.poolWaiting.Set(float64(waiting))
}

// BatchFlush implements types.BatchRecorder.
func (c *Collector) BatchFlush(queue string, size int, trigger string) {
	if c == nil || !c.enabled {
		return
	}
	c.batchFlushes.WithLabelValues(queue, trigger).Inc()
	c.batchSizes.Observe(float64(size))
}

// BatchError implements types.BatchRecorder.
func (c *Collector) BatchError(queue string) {
	if c == nil || !c.enabled {
		return
	}
	c.batchErrors.WithLabelValues(queue).Inc()
}

// SubscriptionsActive implements types.SubscriptionRecorder.
func (c *Collector) SubscriptionsActive(count int) {
	if c == nil || !c.enabled {
		return
	}
	c.subscriptions.Set(float64(count))
}

var (
	_ types.CacheRecorder        = (*Collector)(nil)
	_ types.PoolRecorder         = (*Collector)(nil)
	_ types.BatchRecorder        = (*Collector)(nil)
	_ types.SubscriptionRecorder = (*Collector)(nil)
)
