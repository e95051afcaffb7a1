package fanout

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// NATSBroker is a Broker on NATS core subjects. The channel name is used as
// the subject verbatim.
//
// Ownership model: NATSBroker does NOT own the connection; Close is a no-op.
type NATSBroker struct {
	nc *nats.Conn
}

// NewNATSBroker constructs a NATSBroker.
func NewNATSBroker(nc *nats.Conn) (*NATSBroker, error) {
	if nc == nil {
		return nil, errors.New("fanout: nil nats connection")
	}
	return &NATSBroker{nc: nc}, nil
}

// Publish implements Broker.
func (b *NATSBroker) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe implements Broker. The subscription is flushed to the server
// before returning.
func (b *NATSBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	sub, err := b.nc.SubscribeSync(channel)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := b.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	return &natsSubscription{sub: sub}, nil
}

// Close is a no-op because the connection is owned by the caller.
func (b *NATSBroker) Close() error { return nil }

type natsSubscription struct {
	sub *nats.Subscription
}

func (s *natsSubscription) Next(ctx context.Context) ([]byte, error) {
	msg, err := s.sub.NextMsgWithContext(ctx)
	if err != nil {
		if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	return msg.Data, nil
}

func (s *natsSubscription) Close() error {
	err := s.sub.Unsubscribe()
	if errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
		return nil
	}
	return err
}
