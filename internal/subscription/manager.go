// Package subscription tracks live push subscriptions by key, owning their
// teardown callbacks so that replacement, capacity eviction, and shutdown
// never leak a listener.
package subscription

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/types"
)

// Teardown stops delivery for one subscription.
type Teardown func() error

// Factory establishes a subscription for key and returns its teardown.
type Factory func(key string) (Teardown, error)

type record struct {
	key      string
	teardown Teardown
	seq      uint64
}

// Manager owns at most maxSubscriptions live subscriptions. When full, the
// oldest subscription by creation order is torn down to admit the new one.
type Manager struct {
	maxSubscriptions int
	logger           *zap.Logger
	recorder         types.SubscriptionRecorder

	mu      sync.Mutex
	records map[string]*record
	nextSeq uint64
	stats   types.SubscriptionStats
}

// Options configures a Manager.
type Options struct {
	// MaxSubscriptions bounds concurrent live subscriptions. Defaults to 10.
	MaxSubscriptions int
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// Recorder publishes metrics events; nil disables publication.
	Recorder types.SubscriptionRecorder
}

// New creates a subscription Manager.
func New(opts Options) *Manager {
	if opts.MaxSubscriptions <= 0 {
		opts.MaxSubscriptions = 10
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Manager{
		maxSubscriptions: opts.MaxSubscriptions,
		logger:           opts.Logger,
		recorder:         opts.Recorder,
		records:          make(map[string]*record),
	}
}

// Subscribe establishes a subscription for key via factory. An existing
// subscription for the same key is torn down first; at capacity the oldest
// subscription is evicted. A factory error propagates and nothing is
// registered.
func (m *Manager) Subscribe(key string, factory Factory) error {
	if key == "" {
		return errors.New(errors.ErrCodeValidationFailed, "subscription key cannot be empty").
			WithComponent("subscription")
	}

	m.mu.Lock()

	if existing, ok := m.records[key]; ok {
		delete(m.records, key)
		m.stats.Replaced++
		m.runTeardownLocked(existing, "replace")
	}

	for len(m.records) >= m.maxSubscriptions {
		oldest := m.oldestLocked()
		if oldest == nil {
			break
		}
		delete(m.records, oldest.key)
		m.stats.Evicted++
		m.logger.Info("evicting oldest subscription at capacity",
			zap.String("evicted", oldest.key), zap.String("new", key))
		m.runTeardownLocked(oldest, "evict")
	}
	m.mu.Unlock()

	// The factory runs outside the lock; it may block on network setup.
	teardown, err := factory(key)
	if err != nil {
		m.logger.Warn("subscription factory failed",
			zap.String("key", key), zap.Error(err))
		return err
	}

	m.mu.Lock()
	// A concurrent Subscribe for the same key may have won; the older of the
	// two is torn down.
	if existing, ok := m.records[key]; ok {
		delete(m.records, key)
		m.stats.Replaced++
		m.runTeardownLocked(existing, "replace")
	}
	m.records[key] = &record{key: key, teardown: teardown, seq: m.nextSeq}
	m.nextSeq++
	m.stats.Created++
	active := len(m.records)
	m.mu.Unlock()

	m.recordActive(active)
	return nil
}

// Unsubscribe tears down the subscription for key, reporting whether one
// existed. Absent keys are a no-op.
func (m *Manager) Unsubscribe(key string) bool {
	m.mu.Lock()
	rec, ok := m.records[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.records, key)
	m.stats.TornDown++
	m.runTeardownLocked(rec, "unsubscribe")
	active := len(m.records)
	m.mu.Unlock()

	m.recordActive(active)
	return true
}

// UnsubscribeAll tears down every subscription.
func (m *Manager) UnsubscribeAll() {
	m.mu.Lock()
	for key, rec := range m.records {
		delete(m.records, key)
		m.stats.TornDown++
		m.runTeardownLocked(rec, "unsubscribe_all")
	}
	m.mu.Unlock()

	m.recordActive(0)
}

// UnsubscribePattern tears down every subscription whose key contains
// substring, returning the number removed.
func (m *Manager) UnsubscribePattern(substring string) int {
	m.mu.Lock()
	removed := 0
	for key, rec := range m.records {
		if strings.Contains(key, substring) {
			delete(m.records, key)
			m.stats.TornDown++
			m.runTeardownLocked(rec, "unsubscribe_pattern")
			removed++
		}
	}
	active := len(m.records)
	m.mu.Unlock()

	if removed > 0 {
		m.recordActive(active)
	}
	return removed
}

// Len reports the number of live subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Keys returns the keys of all live subscriptions in unspecified order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.records))
	for key := range m.records {
		keys = append(keys, key)
	}
	return keys
}

// Stats returns a snapshot of subscription statistics.
func (m *Manager) Stats() types.SubscriptionStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	stats.Active = len(m.records)
	stats.MaxSubscriptions = m.maxSubscriptions
	return stats
}

func (m *Manager) oldestLocked() *record {
	var oldest *record
	for _, rec := range m.records {
		if oldest == nil || rec.seq < oldest.seq {
			oldest = rec
		}
	}
	return oldest
}

// runTeardownLocked invokes a teardown while holding the manager lock.
// Panics and errors are contained; a broken teardown must not take the
// manager down with it.
func (m *Manager) runTeardownLocked(rec *record, reason string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription teardown panicked",
				zap.String("key", rec.key), zap.String("reason", reason),
				zap.Any("panic", r))
		}
	}()

	if err := rec.teardown(); err != nil {
		m.logger.Warn("subscription teardown failed",
			zap.String("key", rec.key), zap.String("reason", reason),
			zap.Error(err))
	}
}

func (m *Manager) recordActive(count int) {
	if m.recorder != nil {
		m.recorder.SubscriptionsActive(count)
	}
}
