package types

import (
	"context"
	"time"
)

// RemoteStore defines the interface for the shared remote key-value tier.
// Implementations must report an absent key as (nil, false, nil), never as
// an error.
type RemoteStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)

	// PipelineGet fetches many keys in one round trip. Keys that are absent
	// are simply missing from the returned map.
	PipelineGet(ctx context.Context, keys []string) (map[string][]byte, error)
}

// PushBackend defines the interface for a push/subscription transport.
// Listen returns a teardown callback that stops delivery for the topic.
type PushBackend interface {
	Listen(ctx context.Context, topic string, onEvent func(payload []byte)) (func() error, error)
}

// CacheRecorder receives local-cache events for metrics publication.
type CacheRecorder interface {
	CacheHit(tier string)
	CacheMiss(tier string)
	CacheEviction(tier string)
	CacheSize(tier string, bytes int64, entries int)
}

// PoolRecorder receives connection pool events for metrics publication.
type PoolRecorder interface {
	PoolAcquire(waited time.Duration)
	PoolRelease()
	PoolUsage(active, waiting int)
}

// BatchRecorder receives batch coalescer events for metrics publication.
type BatchRecorder interface {
	BatchFlush(queue string, size int, trigger string)
	BatchError(queue string)
}

// SubscriptionRecorder receives subscription manager events for metrics
// publication.
type SubscriptionRecorder interface {
	SubscriptionsActive(count int)
}
