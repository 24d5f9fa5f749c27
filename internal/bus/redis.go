package bus

import (
	"context"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

// Redis carries messages over redis pub/sub.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

var _ Bus = (*Redis)(nil)

// NewRedis wraps an existing client. Close does not close the client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger.With("component", "bus", "transport", "redis")}
}

// Publish sends msg on its channel.
func (r *Redis) Publish(ctx context.Context, msg Message) error {
	channel, payload, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("bus: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe pattern-subscribes to every message channel until ctx is done.
func (r *Redis) Subscribe(ctx context.Context, handle Handler) error {
	ps := r.client.PSubscribe(ctx, patterns...)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("bus: subscribe: %w", err)
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := Decode(raw.Channel, []byte(raw.Payload))
			if err != nil {
				r.logger.Warn("dropping undecodable message", "channel", raw.Channel, "error", err)
				continue
			}
			handle(ctx, msg)
		}
	}
}

// Close is a no-op; the owner closes the redis client.
func (r *Redis) Close() error { return nil }
