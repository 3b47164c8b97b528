package datacache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/datakit/datacache/internal/config"
	"github.com/datakit/datacache/pkg/clock"
	"github.com/datakit/datacache/pkg/errors"
)

// memRemote is an in-memory remote tier for wiring tests.
type memRemote struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemRemote() *memRemote {
	return &memRemote{data: make(map[string][]byte)}
}

func (m *memRemote) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	return data, ok, nil
}

func (m *memRemote) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memRemote) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	delete(m.data, key)
	return ok, nil
}

func (m *memRemote) PipelineGet(_ context.Context, keys []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte)
	for _, key := range keys {
		if data, ok := m.data[key]; ok {
			out[key] = data
		}
	}
	return out, nil
}

// memPush is an in-memory push transport for wiring tests.
type memPush struct {
	mu       sync.Mutex
	handlers map[string]func([]byte)
}

func newMemPush() *memPush {
	return &memPush{handlers: make(map[string]func([]byte))}
}

func (p *memPush) Listen(_ context.Context, topic string, onEvent func(payload []byte)) (func() error, error) {
	p.mu.Lock()
	p.handlers[topic] = onEvent
	p.mu.Unlock()

	return func() error {
		p.mu.Lock()
		delete(p.handlers, topic)
		p.mu.Unlock()
		return nil
	}, nil
}

func (p *memPush) publish(topic string, payload []byte) {
	p.mu.Lock()
	handler := p.handlers[topic]
	p.mu.Unlock()
	if handler != nil {
		handler(payload)
	}
}

func testConfig() *config.Configuration {
	cfg := config.NewDefault()
	cfg.Monitoring.MetricsEnabled = false
	return cfg
}

func newTestClient(t *testing.T, cfg *config.Configuration, opts Options[string]) *Client[string] {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewFake()
	}

	c, err := New(context.Background(), cfg, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestClientLocalOnlyRoundTrip(t *testing.T) {
	c := newTestClient(t, testConfig(), Options[string]{})
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	v, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("get = (%q, %v, %v)", v, ok, err)
	}
}

func TestClientWithInjectedRemote(t *testing.T) {
	remote := newMemRemote()
	cfg := testConfig()
	cfg.Cache.KeyPrefix = "app:"

	c := newTestClient(t, cfg, Options[string]{Remote: remote})
	ctx := context.Background()

	if err := c.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, ok := remote.data["app:k"]; !ok {
		t.Error("write should reach the remote tier under the key prefix")
	}

	// A fresh client sharing the remote tier sees the value.
	c2 := newTestClient(t, cfg, Options[string]{Remote: remote})
	v, ok, err := c2.Get(ctx, "k")
	if err != nil || !ok || v != "v" {
		t.Errorf("cross-client get = (%q, %v, %v)", v, ok, err)
	}
}

func TestClientGetOrSet(t *testing.T) {
	c := newTestClient(t, testConfig(), Options[string]{})
	ctx := context.Background()

	calls := 0
	fetch := func(context.Context) (string, error) {
		calls++
		return "loaded", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrSet(ctx, "k", fetch, time.Minute)
		if err != nil || v != "loaded" {
			t.Fatalf("GetOrSet = (%q, %v)", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("fetch calls = %d, want 1", calls)
	}
}

func TestClientInvalidatePrefix(t *testing.T) {
	c := newTestClient(t, testConfig(), Options[string]{})
	ctx := context.Background()

	c.Set(ctx, "user:1", "a", time.Minute)
	c.Set(ctx, "user:2", "b", time.Minute)
	c.Set(ctx, "trip:1", "c", time.Minute)

	if n := c.InvalidatePrefix(ctx, "user:"); n != 2 {
		t.Errorf("invalidated = %d, want 2", n)
	}
	if _, ok, _ := c.Get(ctx, "trip:1"); !ok {
		t.Error("unmatched key should survive")
	}
}

func TestClientSubscribe(t *testing.T) {
	push := newMemPush()
	c := newTestClient(t, testConfig(), Options[string]{Push: push})
	ctx := context.Background()

	var mu sync.Mutex
	var got []string
	err := c.Subscribe(ctx, "events:orders", func(payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	push.publish("events:orders", []byte("created"))

	mu.Lock()
	if len(got) != 1 || got[0] != "created" {
		t.Errorf("events = %v", got)
	}
	mu.Unlock()

	if !c.Unsubscribe("events:orders") {
		t.Error("unsubscribe should report the subscription existed")
	}
	push.publish("events:orders", []byte("late"))
	mu.Lock()
	if len(got) != 1 {
		t.Error("no delivery after unsubscribe")
	}
	mu.Unlock()
}

func TestClientBatchRequiresRemote(t *testing.T) {
	c := newTestClient(t, testConfig(), Options[string]{})

	_, err := c.SubmitWrite(context.Background(), "k", []byte("v"), time.Minute)
	if !errors.IsCode(err, errors.ErrCodeInvalidState) {
		t.Errorf("err = %v, want INVALID_STATE", err)
	}
	_, err = c.SubmitDelete(context.Background(), "k")
	if !errors.IsCode(err, errors.ErrCodeInvalidState) {
		t.Errorf("err = %v, want INVALID_STATE", err)
	}
}

func TestClientSubscribeRequiresPush(t *testing.T) {
	c := newTestClient(t, testConfig(), Options[string]{})

	err := c.Subscribe(context.Background(), "topic", func([]byte) {})
	if !errors.IsCode(err, errors.ErrCodeInvalidState) {
		t.Errorf("err = %v, want INVALID_STATE", err)
	}
}

func TestClientPoolAcquire(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConnections = 1
	c := newTestClient(t, cfg, Options[string]{})

	token, err := c.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx); err == nil {
		t.Error("second acquire should block until timeout")
	}

	token.Release()
}

func TestClientStats(t *testing.T) {
	remote := newMemRemote()
	c := newTestClient(t, testConfig(), Options[string]{Remote: remote})
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	c.Get(ctx, "k")
	c.Get(ctx, "missing")

	s := c.Stats()
	if s.Tiered.Hits != 1 || s.Tiered.Misses != 1 {
		t.Errorf("tiered hits/misses = %d/%d, want 1/1", s.Tiered.Hits, s.Tiered.Misses)
	}
	if s.Local.Entries != 1 {
		t.Errorf("local entries = %d, want 1", s.Local.Entries)
	}
	if s.Pool.MaxConnections != 10 {
		t.Errorf("pool max = %d, want 10", s.Pool.MaxConnections)
	}
}

func TestClientMetricsHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Monitoring.MetricsEnabled = true
	c := newTestClient(t, cfg, Options[string]{})
	ctx := context.Background()

	c.Set(ctx, "k", "v", time.Minute)
	c.Get(ctx, "k")

	rec := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "datacache_cache_hits_total") {
		t.Error("scrape should include cache hit counter")
	}

	// Disabled metrics serve 404.
	plain := newTestClient(t, testConfig(), Options[string]{})
	rec = httptest.NewRecorder()
	plain.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled metrics status = %d, want 404", rec.Code)
	}
}

func TestClientHealthHandler(t *testing.T) {
	remote := newMemRemote()
	c := newTestClient(t, testConfig(), Options[string]{Remote: remote})

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"local_cache", "remote_tier", "connection_pool", `"overall":"healthy"`} {
		if !strings.Contains(body, want) {
			t.Errorf("health body missing %q: %s", want, body)
		}
	}
}

func TestClientRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pool.MaxConnections = -1

	_, err := New(context.Background(), cfg, Options[string]{Logger: zap.NewNop()})
	if !errors.IsCode(err, errors.ErrCodeConfigValidation) {
		t.Errorf("err = %v, want CONFIG_VALIDATION", err)
	}
}

func TestClientDefaultConfig(t *testing.T) {
	c, err := New(context.Background(), nil, Options[string]{
		Logger: zap.NewNop(),
		Clock:  clock.NewFake(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close(context.Background())

	// Defaults: no remote tier, metrics enabled.
	if _, err := c.SubmitWrite(context.Background(), "k", nil, 0); err == nil {
		t.Error("default config has no remote tier")
	}
	if err := c.Set(context.Background(), "k", "v", 0); err != nil {
		t.Error(err)
	}
}
