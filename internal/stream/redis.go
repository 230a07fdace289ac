package stream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/kioskpay/kioskpay/internal/payment"
)

// redisChannel carries the event envelope between processes.
const redisChannel = "kioskpay:events"

// Bridge fans events out across processes through Redis pub/sub. The engine
// publishes to Redis only; every process, including the publisher, receives
// the event on its subscription and delivers it to the local hub. Local
// ordering per client is preserved because Redis delivers channel messages
// in publish order.
type Bridge struct {
	rdb *redis.Client
	hub *Hub
}

// NewBridge connects to Redis using a URL (redis://...).
func NewBridge(redisURL string, hub *Hub) (*Bridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &Bridge{rdb: redis.NewClient(opts), hub: hub}, nil
}

// Publish sends the event to the shared channel. Delivery to local
// subscribers happens through Run's subscription.
func (b *Bridge) Publish(evt *payment.Event) {
	raw, err := json.Marshal(evt)
	if err != nil {
		slog.Error("encoding event for redis", "error", err)
		return
	}
	if err := b.rdb.Publish(context.Background(), redisChannel, raw).Err(); err != nil {
		slog.Error("publishing event to redis", "seq", evt.Seq, "error", err)
		// Fall back to local delivery so this process's subscribers still
		// see the event.
		b.hub.Publish(evt)
	}
}

// Run consumes the shared channel and feeds the local hub until ctx is done.
func (b *Bridge) Run(ctx context.Context) {
	pubsub := b.rdb.Subscribe(ctx, redisChannel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			var evt payment.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				slog.Warn("dropping malformed redis event", "error", err)
				continue
			}
			b.hub.Publish(&evt)
		}
	}
}

// Ping verifies the Redis connection.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Close releases the Redis connection.
func (b *Bridge) Close() error {
	return b.rdb.Close()
}
