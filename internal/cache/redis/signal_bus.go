package redis

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketkeeper/internal/domain"
)

// DefaultStreamMaxLen caps event streams, trimmed approximately on append.
const DefaultStreamMaxLen int64 = 10_000

const payloadField = "payload"

// SignalBus publishes keeper events on Pub/Sub for live listeners and into
// a capped stream that consumers can replay after a reconnect.
type SignalBus struct {
	rdb    *redis.Client
	maxLen int64
}

// NewSignalBus creates a SignalBus whose streams keep about maxLen entries.
// maxLen <= 0 uses DefaultStreamMaxLen.
func NewSignalBus(c *Client, maxLen int64) *SignalBus {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &SignalBus{rdb: c.rdb, maxLen: maxLen}
}

func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapErr("publish "+channel, sb.rdb.Publish(ctx, channel, payload).Err())
}

func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: sb.maxLen,
		Approx: true,
		Values: []any{payloadField, payload},
	}).Err()
	return wrapErr("stream append "+stream, err)
}

// StreamRead returns up to count entries after lastID ("0" for the start)
// without blocking. Entries lacking a payload field are skipped.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	res, err := sb.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("stream read "+stream, err)
	}

	var out []domain.StreamMessage
	for _, s := range res {
		for _, msg := range s.Messages {
			if raw, ok := msg.Values[payloadField].(string); ok {
				out = append(out, domain.StreamMessage{ID: msg.ID, Payload: []byte(raw)})
			}
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
