package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is used when a redis recipient names no channel
const DefaultRedisChannel = "perimeter:events"

// RedisNotifier publishes the JSON payload on a pub/sub channel. A publish
// that reaches no subscriber still counts as delivered to redis.
type RedisNotifier struct {
	name    string
	channel string
	client  *redis.Client
}

// NewRedisNotifier creates a redis notifier. The client connects lazily.
func NewRedisNotifier(r Recipient) (*RedisNotifier, error) {
	if r.Addr == "" {
		return nil, fmt.Errorf("recipient %s: redis addr is required", r.DisplayName())
	}
	channel := r.RedisChannel
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisNotifier{
		name:    r.DisplayName(),
		channel: channel,
		client: redis.NewClient(&redis.Options{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
		}),
	}, nil
}

func (n *RedisNotifier) Name() string     { return n.name }
func (n *RedisNotifier) Channel() Channel { return ChannelRedis }

func (n *RedisNotifier) Notify(ctx context.Context, msg *Message) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

// Close releases the connection pool
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
