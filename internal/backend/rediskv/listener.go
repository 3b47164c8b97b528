package rediskv

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Listener implements types.PushBackend over Redis pub/sub. Its Listen
// method returns a teardown that fits the subscription manager's factory
// contract.
type Listener struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewListener wraps an existing Redis client.
func NewListener(client redis.UniversalClient, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{client: client, logger: logger}
}

// Listen subscribes to topic and delivers each message payload to onEvent
// from a dedicated goroutine. The returned teardown closes the subscription
// and stops delivery; it is safe to call once.
func (l *Listener) Listen(ctx context.Context, topic string, onEvent func(payload []byte)) (func() error, error) {
	sub := l.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so setup failures surface here rather
	// than on the delivery goroutine.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, mapErr(err, "subscribe")
	}

	go func() {
		for msg := range sub.Channel() {
			onEvent([]byte(msg.Payload))
		}
		l.logger.Debug("pubsub delivery stopped", zap.String("topic", topic))
	}()

	return func() error {
		if err := sub.Close(); err != nil {
			return mapErr(err, "unsubscribe")
		}
		return nil
	}, nil
}
