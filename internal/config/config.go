package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete datacache configuration.
type Configuration struct {
	Cache         CacheConfig         `yaml:"cache"`
	Remote        RemoteConfig        `yaml:"remote"`
	Pool          PoolConfig          `yaml:"pool"`
	Batch         BatchConfig         `yaml:"batch"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Monitoring    MonitoringConfig    `yaml:"monitoring"`
}

// CacheConfig represents local and tiered cache settings.
type CacheConfig struct {
	DefaultTTL    time.Duration `yaml:"default_ttl"`
	KeyPrefix     string        `yaml:"key_prefix"`
	MaxEntries    int           `yaml:"max_entries"`
	MaxMemory     string        `yaml:"max_memory"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SingleFlight  bool          `yaml:"single_flight"`
}

// RemoteConfig represents the optional remote cache tier settings.
type RemoteConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Addr             string        `yaml:"addr"`
	Password         string        `yaml:"password"`
	DB               int           `yaml:"db"`
	OperationTimeout time.Duration `yaml:"operation_timeout"`
	Breaker          BreakerConfig `yaml:"circuit_breaker"`
}

// BreakerConfig represents circuit breaker settings for the remote tier.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
}

// PoolConfig represents connection pool settings.
type PoolConfig struct {
	MaxConnections int `yaml:"max_connections"`
}

// BatchConfig represents batch coalescer settings.
type BatchConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxPending    int           `yaml:"max_pending"`
}

// SubscriptionsConfig represents subscription manager settings.
type SubscriptionsConfig struct {
	MaxSubscriptions int `yaml:"max_subscriptions"`
}

// MonitoringConfig represents metrics and logging settings.
type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	Namespace      string `yaml:"namespace"`
	LogLevel       string `yaml:"log_level"`
}

// NewDefault returns a configuration with the documented defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			KeyPrefix:     "",
			MaxEntries:    0,
			MaxMemory:     "50MB",
			SweepInterval: time.Minute,
			SingleFlight:  false,
		},
		Remote: RemoteConfig{
			Enabled:          false,
			Addr:             "localhost:6379",
			DB:               0,
			OperationTimeout: 2 * time.Second,
			Breaker: BreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Interval:         time.Minute,
				Timeout:          30 * time.Second,
			},
		},
		Pool: PoolConfig{
			MaxConnections: 10,
		},
		Batch: BatchConfig{
			FlushInterval: 100 * time.Millisecond,
			MaxBatchSize:  500,
			MaxPending:    10000,
		},
		Subscriptions: SubscriptionsConfig{
			MaxSubscriptions: 10,
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: true,
			Namespace:      "datacache",
			LogLevel:       "INFO",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration overrides from environment variables.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("DATACACHE_DEFAULT_TTL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.DefaultTTL = d
		}
	}
	if val := os.Getenv("DATACACHE_KEY_PREFIX"); val != "" {
		c.Cache.KeyPrefix = val
	}
	if val := os.Getenv("DATACACHE_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if val := os.Getenv("DATACACHE_MAX_MEMORY"); val != "" {
		c.Cache.MaxMemory = val
	}
	if val := os.Getenv("DATACACHE_SWEEP_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Cache.SweepInterval = d
		}
	}
	if val := os.Getenv("DATACACHE_SINGLE_FLIGHT"); val != "" {
		c.Cache.SingleFlight = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("DATACACHE_REMOTE_ENABLED"); val != "" {
		c.Remote.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATACACHE_REMOTE_ADDR"); val != "" {
		c.Remote.Addr = val
	}
	if val := os.Getenv("DATACACHE_REMOTE_PASSWORD"); val != "" {
		c.Remote.Password = val
	}
	if val := os.Getenv("DATACACHE_REMOTE_DB"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Remote.DB = n
		}
	}
	if val := os.Getenv("DATACACHE_REMOTE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Remote.OperationTimeout = d
		}
	}

	if val := os.Getenv("DATACACHE_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxConnections = n
		}
	}

	if val := os.Getenv("DATACACHE_FLUSH_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Batch.FlushInterval = d
		}
	}
	if val := os.Getenv("DATACACHE_MAX_BATCH_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Batch.MaxBatchSize = n
		}
	}

	if val := os.Getenv("DATACACHE_MAX_SUBSCRIPTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Subscriptions.MaxSubscriptions = n
		}
	}

	if val := os.Getenv("DATACACHE_METRICS_ENABLED"); val != "" {
		c.Monitoring.MetricsEnabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("DATACACHE_LOG_LEVEL"); val != "" {
		c.Monitoring.LogLevel = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file.
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration.
func (c *Configuration) Validate() error {
	if c.Cache.DefaultTTL < 0 {
		return fmt.Errorf("default_ttl cannot be negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("max_entries cannot be negative")
	}
	if c.Cache.MaxMemory != "" {
		if _, err := ParseSize(c.Cache.MaxMemory); err != nil {
			return fmt.Errorf("invalid max_memory: %w", err)
		}
	}

	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be greater than 0")
	}

	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be greater than 0")
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be greater than 0")
	}
	if c.Batch.MaxPending > 0 && c.Batch.MaxPending < c.Batch.MaxBatchSize {
		return fmt.Errorf("max_pending must be at least max_batch_size")
	}

	if c.Subscriptions.MaxSubscriptions <= 0 {
		return fmt.Errorf("max_subscriptions must be greater than 0")
	}

	if c.Remote.Enabled && c.Remote.Addr == "" {
		return fmt.Errorf("remote addr is required when the remote tier is enabled")
	}
	if c.Remote.OperationTimeout <= 0 {
		return fmt.Errorf("remote operation_timeout must be greater than 0")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Monitoring.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Monitoring.LogLevel, strings.Join(validLogLevels, ", "))
	}

	return nil
}

// MaxMemoryBytes returns the cache memory budget in bytes.
func (c *Configuration) MaxMemoryBytes() (int64, error) {
	if c.Cache.MaxMemory == "" {
		return 0, nil
	}
	return ParseSize(c.Cache.MaxMemory)
}

// ParseSize parses a human-readable size string like "50MB" or "1.5GB" into
// a number of bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multipliers := []struct {
		suffix string
		factor float64
	}{
		{"TB", 1 << 40},
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size %q: %w", s, err)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %q", s)
			}
			return int64(num * m.factor), nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %q", s)
	}
	return num, nil
}
