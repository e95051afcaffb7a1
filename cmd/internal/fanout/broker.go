// Package fanout carries realtime events between gateway processes that share
// no memory. Every process publishes {roomId, payload} frames to one channel
// and runs a listener that hands each frame to its local connections.
package fanout

import "context"

// Broker is a named-channel publish/subscribe transport. Delivery is
// at-most-once; a process that is not subscribed misses the frame.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

// Subscription yields payloads published on one channel.
type Subscription interface {
	// Next blocks until a payload arrives, ctx is done, or the subscription
	// fails. A failed subscription is not reusable.
	Next(ctx context.Context) ([]byte, error)
	Close() error
}
