package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisNotifier fans notifications out over Redis pub/sub, for deployments
// that already run Redis next to the mediator. Pub/sub delivery is fire-and-
// forget per connected subscriber, which matches the contract: a missed
// notification is healed by the recipient's next poll.
type RedisNotifier struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisNotifier connects and verifies the connection.
func NewRedisNotifier(ctx context.Context, redisURL string, logger zerolog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisNotifier{
		client: client,
		logger: logger.With().Str("component", "redis-notifier").Logger(),
	}, nil
}

// Publish sends the connection id to every subscribed instance.
func (n *RedisNotifier) Publish(ctx context.Context, connectionID string) error {
	if err := n.client.Publish(ctx, Channel, connectionID).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel, err)
	}
	return nil
}

// Subscribe consumes the channel until ctx is done. go-redis reconnects the
// pub/sub connection internally.
func (n *RedisNotifier) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := n.client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	// Force the subscription onto the wire before returning control to the
	// message loop, so publishes racing startup are not silently dropped.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel, err)
	}
	n.logger.Info().Str("channel", Channel).Msg("subscribed for queue notifications")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription channel %s closed", Channel)
			}
			n.logger.Debug().Str("connection_id", msg.Payload).Msg("queue notification received")
			handler(ctx, msg.Payload)
		}
	}
}

// Ping checks the Redis connection.
func (n *RedisNotifier) Ping(ctx context.Context) error {
	return n.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
