package rediskv

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/datakit/datacache/internal/batch"
)

// WriteKind selects the Redis command a WriteOp issues.
type WriteKind int

const (
	// WriteSet stores Value under Key with TTL.
	WriteSet WriteKind = iota
	// WriteDelete removes Key.
	WriteDelete
)

// WriteOp is one remote write destined for a pipelined batch.
type WriteOp struct {
	Kind  WriteKind
	Key   string
	Value []byte
	TTL   time.Duration
}

// BulkWriter executes coalesced write batches over a single Redis pipeline.
// It implements batch.Executor[WriteOp, bool]; the boolean result reports
// whether a delete removed an existing key (always true for sets).
type BulkWriter struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewBulkWriter wraps an existing Redis client.
func NewBulkWriter(client redis.UniversalClient, logger *zap.Logger) *BulkWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkWriter{client: client, logger: logger}
}

// ExecuteBatch issues every op in one pipeline round trip and maps each
// command's outcome onto its result slot.
func (w *BulkWriter) ExecuteBatch(ctx context.Context, queue string, ops []WriteOp) ([]batch.Result[bool], error) {
	pipe := w.client.Pipeline()
	cmds := make([]redis.Cmder, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case WriteDelete:
			cmds[i] = pipe.Del(ctx, op.Key)
		default:
			ttl := op.TTL
			if ttl < 0 {
				ttl = 0
			}
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		// Pipeline transport failure: no command reached the server.
		if allFailed(cmds) {
			return nil, mapErr(err, "bulk_"+queue)
		}
	}

	results := make([]batch.Result[bool], len(ops))
	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case *redis.IntCmd:
			n, err := c.Result()
			if err != nil {
				results[i] = batch.Result[bool]{Err: mapErr(err, "bulk_delete")}
			} else {
				results[i] = batch.Result[bool]{Value: n > 0}
			}
		case *redis.StatusCmd:
			if err := c.Err(); err != nil {
				results[i] = batch.Result[bool]{Err: mapErr(err, "bulk_set")}
			} else {
				results[i] = batch.Result[bool]{Value: true}
			}
		}
	}
	return results, nil
}

func allFailed(cmds []redis.Cmder) bool {
	for _, cmd := range cmds {
		if cmd.Err() == nil {
			return false
		}
	}
	return true
}
