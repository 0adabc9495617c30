package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/steward/internal/domain"
)

var _ domain.SignalBus = (*SignalBus)(nil)

// streamMaxLen bounds streams through XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// SignalBus implements domain.SignalBus: Pub/Sub for live fan-out and
// Streams for replayable history.
type SignalBus struct {
	client *Client
}

// NewSignalBus creates a SignalBus backed by c.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends payload on a Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.Underlying().Publish(ctx, sb.client.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel (glob patterns allowed)
// until ctx is cancelled, at which point the channel is closed.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	rdb := sb.client.Underlying()
	name := sb.client.Key(channel)
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = rdb.PSubscribe(ctx, name)
	} else {
		pubsub = rdb.Subscribe(ctx, name)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// StreamAppend appends payload to a stream, trimming it to about
// streamMaxLen entries.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.client.Underlying().XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.Key(stream),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

// StreamRead returns up to count entries after lastID ("0" reads from the
// start) without blocking. No entries yields an empty result.
func (sb *SignalBus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	results, err := sb.client.Underlying().XRead(ctx, &redis.XReadArgs{
		Streams: []string{sb.client.Key(stream), lastID},
		Count:   int64(count),
		Block:   -1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis: stream read %s: %w", stream, err)
	}

	var messages []domain.StreamMessage
	for _, s := range results {
		for _, msg := range s.Messages {
			if data, ok := payloadBytes(msg.Values["payload"]); ok {
				messages = append(messages, domain.StreamMessage{ID: msg.ID, Payload: data})
			}
		}
	}
	return messages, nil
}

func payloadBytes(v any) ([]byte, bool) {
	switch p := v.(type) {
	case string:
		return []byte(p), true
	case []byte:
		return p, true
	default:
		return nil, false
	}
}
