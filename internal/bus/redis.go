package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"marketplace-live/internal/realtime"
)

// RedisConfig configures a Redis Pub/Sub bus.
type RedisConfig struct {
	Client  redis.UniversalClient
	Channel string
	Buffer  int
	Logger  *slog.Logger
}

// RedisBus carries update events over Redis Pub/Sub. Delivery is at most
// once: an instance that is not subscribed when an event is published never
// sees it and relies on replay.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	buffer  int
	logger  *slog.Logger
	subs    subscriptionSet
}

// NewRedisBus constructs a bus on cfg.Client. The caller owns the client.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	b := &RedisBus{
		client:  cfg.Client,
		channel: strings.TrimSpace(cfg.Channel),
		buffer:  cfg.Buffer,
		logger:  cfg.Logger,
	}
	if b.channel == "" {
		b.channel = DefaultChannel
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b, nil
}

func (b *RedisBus) Publish(ctx context.Context, event realtime.UpdateEvent) error {
	if b.subs.isClosed() {
		return realtime.ErrBusClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe waits for Redis to confirm the subscription before returning so
// events published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context) (realtime.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	sub := newSubscription(b.buffer, func() { _ = pubsub.Close() })
	if !b.subs.add(sub) {
		sub.Close()
		return nil, realtime.ErrBusClosed
	}
	messages := pubsub.Channel()
	go func() {
		defer close(sub.events)
		defer b.subs.remove(sub)
		for {
			select {
			case <-sub.done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if !sub.forward([]byte(msg.Payload), b.logger) {
					return
				}
			}
		}
	}()
	return sub, nil
}

// Close ends every subscription. The Redis client stays open.
func (b *RedisBus) Close() error {
	b.subs.closeAll()
	return nil
}
