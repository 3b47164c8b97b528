package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/datakit/datacache/pkg/clock"
)

func newTestLocal(opts LocalOptions[string]) (*LocalCache[string], *clock.Fake) {
	fake := clock.NewFake()
	opts.Clock = fake
	c := NewLocal(opts)
	return c, fake
}

func TestLocalSetGetRoundTrip(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("k1", "v1", 60*time.Second)

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit for freshly set key")
	}
	if got != "v1" {
		t.Errorf("got %q, want v1", got)
	}
}

func TestLocalGetAbsent(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for absent key")
	}
	stats := c.Stats()
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
}

func TestLocalTTLExpiry(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("k", "v", time.Second)

	fake.Advance(500 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	fake.Advance(time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry still valid after TTL elapsed")
	}

	stats := c.Stats()
	if stats.Expirations != 1 {
		t.Errorf("expirations = %d, want 1", stats.Expirations)
	}
}

func TestLocalDefaultTTLApplied(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{DefaultTTL: 10 * time.Second})
	defer c.Close()

	c.Set("k", "v", 0)

	fake.Advance(9 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired before default TTL")
	}
	fake.Advance(2 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry outlived default TTL")
	}
}

func TestLocalEvictionRanking(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{MaxEntries: 2})
	defer c.Close()

	c.Set("a", "1", time.Hour)
	fake.Advance(time.Millisecond)
	c.Set("b", "2", time.Hour)

	// b now has one hit; a has none.
	if _, ok := c.Get("b"); !ok {
		t.Fatal("expected hit for b")
	}

	fake.Advance(time.Millisecond)
	c.Set("c", "3", time.Hour)

	if _, ok := c.Get("a"); ok {
		t.Error("a should have been evicted (lowest hits, oldest)")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("b should have survived eviction")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("c should be resident")
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestLocalEvictionTieBreakByAge(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{MaxEntries: 2})
	defer c.Close()

	c.Set("old", "1", time.Hour)
	fake.Advance(time.Second)
	c.Set("new", "2", time.Hour)
	fake.Advance(time.Second)

	// Equal hit counts: the older entry loses.
	c.Set("third", "3", time.Hour)

	if _, ok := c.Get("old"); ok {
		t.Error("oldest zero-hit entry should have been evicted")
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("newer entry should have survived")
	}
}

func TestLocalEvictionTieBreakByInsertionOrder(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{MaxEntries: 2})
	defer c.Close()

	// Same fake-clock instant, so storedAt ties; insertion order decides.
	c.Set("first", "1", time.Hour)
	c.Set("second", "2", time.Hour)
	c.Set("third", "3", time.Hour)

	if _, ok := c.Get("first"); ok {
		t.Error("first-inserted entry should lose the tie")
	}
	if _, ok := c.Get("second"); !ok {
		t.Error("second entry should survive")
	}
}

func TestLocalByteBudgetEviction(t *testing.T) {
	payload := strings.Repeat("x", 100)
	budget := int64(3 * (100 + entryOverhead))
	c, fake := newTestLocal(LocalOptions[string]{MaxBytes: budget})
	defer c.Close()

	c.Set("a", payload, time.Hour)
	fake.Advance(time.Millisecond)
	c.Set("b", payload, time.Hour)
	fake.Advance(time.Millisecond)
	c.Set("c", payload, time.Hour)

	if c.Len() != 3 {
		t.Fatalf("entries = %d, want 3", c.Len())
	}

	fake.Advance(time.Millisecond)
	c.Set("d", payload, time.Hour)

	if c.Len() != 3 {
		t.Errorf("entries = %d after overflow, want 3", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("oldest entry should have been evicted on byte overflow")
	}
	if c.SizeBytes() > budget {
		t.Errorf("size %d exceeds budget %d", c.SizeBytes(), budget)
	}
}

func TestLocalOversizedValueNotCached(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{MaxBytes: 50})
	defer c.Close()

	c.Set("big", strings.Repeat("x", 1000), time.Hour)
	if _, ok := c.Get("big"); ok {
		t.Error("value larger than the whole budget should not be cached")
	}
}

func TestLocalReplaceExistingKey(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("k", "old", time.Hour)
	c.Set("k", "new", time.Hour)

	got, ok := c.Get("k")
	if !ok || got != "new" {
		t.Errorf("got %q/%v, want new/true", got, ok)
	}
	if c.Len() != 1 {
		t.Errorf("entries = %d, want 1", c.Len())
	}
}

func TestLocalInvalidate(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("k", "v", time.Hour)
	if !c.Invalidate("k") {
		t.Error("Invalidate should report true for a present key")
	}
	if c.Invalidate("k") {
		t.Error("Invalidate should report false for an absent key")
	}
	if _, ok := c.Get("k"); ok {
		t.Error("invalidated key still readable")
	}
}

func TestLocalInvalidatePattern(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("user:1", "a", time.Hour)
	c.Set("user:2", "b", time.Hour)
	c.Set("trip:1", "c", time.Hour)

	n := c.InvalidatePattern(func(key string) bool {
		return strings.HasPrefix(key, "user:")
	})
	if n != 2 {
		t.Errorf("removed %d entries, want 2", n)
	}
	if _, ok := c.Get("trip:1"); !ok {
		t.Error("non-matching key should survive")
	}
}

func TestLocalSweepRemovesExpired(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("short", "v", time.Second)
	c.Set("long", "v", time.Hour)

	fake.Advance(2 * time.Second)

	if n := c.Sweep(); n != 1 {
		t.Errorf("sweep removed %d entries, want 1", n)
	}
	if c.Len() != 1 {
		t.Errorf("entries = %d after sweep, want 1", c.Len())
	}
}

func TestLocalBackgroundSweep(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{SweepInterval: time.Minute})
	defer c.Close()

	c.Set("short", "v", time.Second)
	fake.Advance(time.Minute)

	// The sweep goroutine drains the ticker asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.Len() != 0 {
		t.Error("background sweep did not remove the expired entry")
	}
}

func TestLocalStats(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{MaxBytes: 10000})
	defer c.Close()

	c.Set("a", "1", time.Hour)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	stats := c.Stats()
	if stats.Hits != 2 {
		t.Errorf("hits = %d, want 2", stats.Hits)
	}
	if stats.Misses != 1 {
		t.Errorf("misses = %d, want 1", stats.Misses)
	}
	if want := 2.0 / 3.0; stats.HitRate < want-0.001 || stats.HitRate > want+0.001 {
		t.Errorf("hit rate = %f, want %f", stats.HitRate, want)
	}
	if stats.Entries != 1 {
		t.Errorf("entries = %d, want 1", stats.Entries)
	}
	if stats.Utilization <= 0 {
		t.Error("utilization should be positive with a byte budget")
	}
}

func TestLocalEntryAges(t *testing.T) {
	c, fake := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("k", "v", time.Hour)
	fake.Advance(30 * time.Second)
	c.Get("k")

	infos := c.EntryAges()
	if len(infos) != 1 {
		t.Fatalf("got %d entries, want 1", len(infos))
	}
	if infos[0].Age != 30*time.Second {
		t.Errorf("age = %v, want 30s", infos[0].Age)
	}
	if infos[0].Hits != 1 {
		t.Errorf("hits = %d, want 1", infos[0].Hits)
	}
}

func TestLocalClear(t *testing.T) {
	c, _ := newTestLocal(LocalOptions[string]{})
	defer c.Close()

	c.Set("a", "1", time.Hour)
	c.Set("b", "2", time.Hour)
	c.Clear()

	if c.Len() != 0 {
		t.Errorf("entries = %d after clear, want 0", c.Len())
	}
	if c.SizeBytes() != 0 {
		t.Errorf("size = %d after clear, want 0", c.SizeBytes())
	}
}

func TestLocalConcurrentAccess(t *testing.T) {
	c := NewLocal(LocalOptions[string]{MaxEntries: 100})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("key-%d", j%50)
				c.Set(key, "value", time.Minute)
				c.Get(key)
				if j%10 == 0 {
					c.Invalidate(key)
				}
			}
		}(i)
	}
	wg.Wait()

	if c.Len() > 100 {
		t.Errorf("entries = %d, exceeds budget 100", c.Len())
	}
}

func TestEstimateSize(t *testing.T) {
	if got := estimateSize([]byte("12345")); got != 5 {
		t.Errorf("bytes size = %d, want 5", got)
	}
	if got := estimateSize("1234"); got != 4 {
		t.Errorf("string size = %d, want 4", got)
	}
	if got := estimateSize(12345); got != 5 {
		t.Errorf("int size = %d, want 5", got)
	}
}
