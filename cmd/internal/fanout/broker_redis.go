package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker is a Broker on Redis pub/sub.
//
// Ownership model: RedisBroker does NOT own the client; Close is a no-op.
type RedisBroker struct {
	rdb redis.UniversalClient
}

// NewRedisBroker constructs a RedisBroker.
func NewRedisBroker(rdb redis.UniversalClient) (*RedisBroker, error) {
	if rdb == nil {
		return nil, errors.New("fanout: nil redis client")
	}
	return &RedisBroker{rdb: rdb}, nil
}

// Publish implements Broker.
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe implements Broker. It returns once the server confirmed the
// subscription, so frames published afterwards are not missed.
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &redisSubscription{ps: ps}, nil
}

// Close is a no-op because the client is owned by the caller.
func (b *RedisBroker) Close() error { return nil }

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s *redisSubscription) Close() error { return s.ps.Close() }
