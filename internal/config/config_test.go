package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Cache.DefaultTTL != 5*time.Minute {
		t.Errorf("default TTL = %v, want 5m", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.MaxMemory != "50MB" {
		t.Errorf("default max memory = %s, want 50MB", cfg.Cache.MaxMemory)
	}
	if cfg.Pool.MaxConnections != 10 {
		t.Errorf("default max connections = %d, want 10", cfg.Pool.MaxConnections)
	}
	if cfg.Batch.FlushInterval != 100*time.Millisecond {
		t.Errorf("default flush interval = %v, want 100ms", cfg.Batch.FlushInterval)
	}
	if cfg.Batch.MaxBatchSize != 500 {
		t.Errorf("default max batch size = %d, want 500", cfg.Batch.MaxBatchSize)
	}
	if cfg.Subscriptions.MaxSubscriptions != 10 {
		t.Errorf("default max subscriptions = %d, want 10", cfg.Subscriptions.MaxSubscriptions)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default configuration should validate: %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"50MB", 50 * 1024 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{"1.5GB", int64(1.5 * 1024 * 1024 * 1024), false},
		{"512KB", 512 * 1024, false},
		{"100B", 100, false},
		{"2048", 2048, false},
		{"10mb", 10 * 1024 * 1024, false},
		{" 4 MB ", 4 * 1024 * 1024, false},
		{"", 0, true},
		{"abc", 0, true},
		{"-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseSize(%q) expected error, got %d", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSize(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{"zero max connections", func(c *Configuration) { c.Pool.MaxConnections = 0 }},
		{"zero flush interval", func(c *Configuration) { c.Batch.FlushInterval = 0 }},
		{"zero batch size", func(c *Configuration) { c.Batch.MaxBatchSize = 0 }},
		{"pending below batch size", func(c *Configuration) { c.Batch.MaxPending = 10 }},
		{"zero max subscriptions", func(c *Configuration) { c.Subscriptions.MaxSubscriptions = 0 }},
		{"bad max memory", func(c *Configuration) { c.Cache.MaxMemory = "lots" }},
		{"remote enabled without addr", func(c *Configuration) {
			c.Remote.Enabled = true
			c.Remote.Addr = ""
		}},
		{"bad log level", func(c *Configuration) { c.Monitoring.LogLevel = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefault()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	content := `
cache:
  default_ttl: 30s
  key_prefix: "trip:"
  max_entries: 2000
  max_memory: "10MB"
pool:
  max_connections: 4
batch:
  flush_interval: 50ms
  max_batch_size: 100
subscriptions:
  max_subscriptions: 3
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Cache.DefaultTTL != 30*time.Second {
		t.Errorf("TTL = %v, want 30s", cfg.Cache.DefaultTTL)
	}
	if cfg.Cache.KeyPrefix != "trip:" {
		t.Errorf("key prefix = %q, want trip:", cfg.Cache.KeyPrefix)
	}
	if cfg.Pool.MaxConnections != 4 {
		t.Errorf("max connections = %d, want 4", cfg.Pool.MaxConnections)
	}
	if cfg.Batch.MaxBatchSize != 100 {
		t.Errorf("max batch size = %d, want 100", cfg.Batch.MaxBatchSize)
	}

	// Untouched sections keep their defaults.
	if cfg.Remote.OperationTimeout != 2*time.Second {
		t.Errorf("remote timeout = %v, want default 2s", cfg.Remote.OperationTimeout)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DATACACHE_DEFAULT_TTL", "45s")
	t.Setenv("DATACACHE_MAX_CONNECTIONS", "7")
	t.Setenv("DATACACHE_MAX_BATCH_SIZE", "250")
	t.Setenv("DATACACHE_SINGLE_FLIGHT", "true")
	t.Setenv("DATACACHE_REMOTE_ADDR", "redis.internal:6379")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Cache.DefaultTTL != 45*time.Second {
		t.Errorf("TTL = %v, want 45s", cfg.Cache.DefaultTTL)
	}
	if cfg.Pool.MaxConnections != 7 {
		t.Errorf("max connections = %d, want 7", cfg.Pool.MaxConnections)
	}
	if cfg.Batch.MaxBatchSize != 250 {
		t.Errorf("max batch size = %d, want 250", cfg.Batch.MaxBatchSize)
	}
	if !cfg.Cache.SingleFlight {
		t.Error("single flight should be enabled")
	}
	if cfg.Remote.Addr != "redis.internal:6379" {
		t.Errorf("remote addr = %s", cfg.Remote.Addr)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := NewDefault()
	cfg.Cache.KeyPrefix = "itinerary:"
	cfg.Batch.MaxBatchSize = 42

	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Cache.KeyPrefix != "itinerary:" {
		t.Errorf("key prefix = %q after round trip", loaded.Cache.KeyPrefix)
	}
	if loaded.Batch.MaxBatchSize != 42 {
		t.Errorf("max batch size = %d after round trip", loaded.Batch.MaxBatchSize)
	}
}
