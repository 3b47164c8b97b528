// Package rediskv adapts a Redis client to the remote-tier contracts: the
// key-value store behind the tiered cache, a pipelined bulk writer for the
// batch coalescer, and a pub/sub listener for the subscription manager.
package rediskv

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/datakit/datacache/internal/config"
	"github.com/datakit/datacache/pkg/errors"
	"github.com/datakit/datacache/pkg/retry"
)

// Store implements types.RemoteStore over Redis. An absent key is reported
// as (nil, false, nil), never as an error.
type Store struct {
	client  redis.UniversalClient
	logger  *zap.Logger
	retrier *retry.Retryer
}

// NewStore wraps an existing Redis client. Transient transport failures are
// retried with a short backoff before surfacing to the caller.
func NewStore(client redis.UniversalClient, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{client: client, logger: logger}
	s.retrier = retry.New(retry.Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		Jitter:       true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Debug("retrying redis operation",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	})
	return s
}

// Dial connects to Redis per the remote configuration and verifies the
// connection with a ping. The caller owns the returned client.
func Dial(ctx context.Context, cfg config.RemoteConfig) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, mapErr(err, "connect")
	}
	return client, nil
}

// Connect dials Redis per the remote configuration and wraps the client in
// a Store.
func Connect(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (*Store, error) {
	client, err := Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewStore(client, logger), nil
}

// Get fetches the raw value for key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	var found bool
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			data, found = nil, false
			return nil
		}
		if err != nil {
			return mapErr(err, "get")
		}
		data, found = b, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, found, nil
}

// Set stores value under key with the given TTL. A non-positive TTL stores
// the key without expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.retrier.Do(ctx, func(ctx context.Context) error {
		if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return mapErr(err, "set")
		}
		return nil
	})
}

// Delete removes key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := s.retrier.Do(ctx, func(ctx context.Context) error {
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return mapErr(err, "delete")
		}
		removed = n > 0
		return nil
	})
	return removed, err
}

// PipelineGet fetches many keys in one round trip. Absent keys are simply
// missing from the returned map.
func (s *Store) PipelineGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, mapErr(err, "pipeline_get")
	}

	result := make(map[string][]byte, len(keys))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			s.logger.Warn("pipelined get failed for key",
				zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		result[keys[i]] = data
	}
	return result, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// mapErr translates a transport failure into the remote-tier error taxonomy.
func mapErr(err error, op string) error {
	code := errors.ErrCodeRemoteUnavailable
	if stderrors.Is(err, context.DeadlineExceeded) {
		code = errors.ErrCodeRemoteTimeout
	}
	return errors.Wrap(err, code, "redis operation failed").
		WithComponent("rediskv").WithOperation(op)
}
