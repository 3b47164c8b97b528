package types

import "time"

// CacheStats represents cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// TieredStats represents combined statistics for a tiered cache.
type TieredStats struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	LocalHits       uint64  `json:"local_hits"`
	RemoteHits      uint64  `json:"remote_hits"`
	RemoteErrors    uint64  `json:"remote_errors"`
	HitRate         float64 `json:"hit_rate"`
	TotalKeys       int     `json:"total_keys"`
	RemoteReachable bool    `json:"remote_reachable"`
}

// EntryInfo describes a single cache entry for introspection.
type EntryInfo struct {
	Key      string        `json:"key"`
	Size     int64         `json:"size"`
	Hits     int64         `json:"hits"`
	Age      time.Duration `json:"age"`
	StoredAt time.Time     `json:"stored_at"`
}

// PoolStats represents connection pool statistics.
type PoolStats struct {
	Active         int    `json:"active"`
	Waiting        int    `json:"waiting"`
	MaxConnections int    `json:"max_connections"`
	Acquired       uint64 `json:"acquired"`
	Released       uint64 `json:"released"`
	Canceled       uint64 `json:"canceled"`
	DoubleReleases uint64 `json:"double_releases"`
}

// BatchStats represents batch coalescer statistics.
type BatchStats struct {
	Submitted        uint64  `json:"submitted"`
	Flushes          uint64  `json:"flushes"`
	SizeFlushes      uint64  `json:"size_flushes"`
	TimerFlushes     uint64  `json:"timer_flushes"`
	Failures         uint64  `json:"failures"`
	Rejected         uint64  `json:"rejected"`
	AverageBatchSize float64 `json:"average_batch_size"`
	PendingQueues    int     `json:"pending_queues"`
}

// SubscriptionStats represents subscription manager statistics.
type SubscriptionStats struct {
	Active           int    `json:"active"`
	MaxSubscriptions int    `json:"max_subscriptions"`
	Created          uint64 `json:"created"`
	Replaced         uint64 `json:"replaced"`
	Evicted          uint64 `json:"evicted"`
	TornDown         uint64 `json:"torn_down"`
}
