package fanout

import "errors"

var (
	// ErrSubscriptionClosed is returned by Next after Close or broker shutdown.
	ErrSubscriptionClosed = errors.New("fanout: subscription closed")

	// ErrBrokerClosed is returned by operations on a closed broker.
	ErrBrokerClosed = errors.New("fanout: broker closed")

	// ErrInvalidFrame is returned for frames that cannot be routed.
	ErrInvalidFrame = errors.New("fanout: invalid frame")
)
