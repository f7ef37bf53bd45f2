package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/evtrade/bidcore/internal/domain"
)

// subscriberBuffer is the per-subscription channel capacity. Messages for a
// slow consumer are dropped by go-redis once its own buffer fills.
const subscriberBuffer = 256

// SignalBus implements domain.SignalBus using Redis Pub/Sub, so every
// instance's WebSocket hub sees events published by any instance.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish sends a raw byte payload to a Redis Pub/Sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe creates a Pub/Sub subscription and returns a channel of raw
// payloads. Patterns such as "auction:*" use PSUBSCRIBE. The subscription and
// the returned channel are closed when ctx is cancelled.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = sb.rdb.Subscribe(ctx, channel)
	}

	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel(redis.WithChannelSize(subscriberBuffer))
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

// hasPattern reports whether channel contains glob wildcards.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

// Compile-time interface check.
var _ domain.SignalBus = (*SignalBus)(nil)
