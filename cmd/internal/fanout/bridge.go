package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"papyris/cmd/internal/metrics"
)

const (
	// DefaultChannel is the well-known broker channel shared by all gateways.
	DefaultChannel = "papyris:ws:events"

	// GlobalRoom addresses every locally registered connection (presence).
	GlobalRoom = "__global__"
)

// Frame is the broker wire unit.
type Frame struct {
	RoomID  string          `json:"roomId"`
	Payload json.RawMessage `json:"payload"`
}

// Deliverer hands a payload to local connections. Implementations must not
// block on a slow connection.
type Deliverer interface {
	DeliverRoom(room string, payload []byte) (delivered, dropped int)
	DeliverAll(payload []byte) (delivered, dropped int)
}

// BridgeOptions configures a Bridge.
type BridgeOptions struct {
	Channel string
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// Listener restart backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Bridge publishes frames for this process and runs the listener that routes
// frames from every process to the local Deliverer.
type Bridge struct {
	broker  Broker
	deliver Deliverer
	channel string
	log     *slog.Logger
	metrics *metrics.Metrics

	initialBackoff time.Duration
	maxBackoff     time.Duration

	readyOnce sync.Once
	ready     chan struct{}
}

// NewBridge constructs a Bridge.
func NewBridge(broker Broker, deliver Deliverer, opts BridgeOptions) (*Bridge, error) {
	if broker == nil {
		return nil, errors.New("fanout: nil broker")
	}
	if deliver == nil {
		return nil, errors.New("fanout: nil deliverer")
	}
	if strings.TrimSpace(opts.Channel) == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 200 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	return &Bridge{
		broker:         broker,
		deliver:        deliver,
		channel:        opts.Channel,
		log:            opts.Logger,
		metrics:        opts.Metrics,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		ready:          make(chan struct{}),
	}, nil
}

// Publish sends payload to room on every gateway, including this one.
// payload must be a JSON document.
func (b *Bridge) Publish(ctx context.Context, room string, payload []byte) error {
	if strings.TrimSpace(room) == "" || !json.Valid(payload) {
		return ErrInvalidFrame
	}
	frame, err := json.Marshal(Frame{RoomID: room, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	err = b.broker.Publish(ctx, b.channel, frame)
	b.metrics.FanoutPublished(err)
	return err
}

// PublishGlobal sends payload to every connection on every gateway.
func (b *Bridge) PublishGlobal(ctx context.Context, payload []byte) error {
	return b.Publish(ctx, GlobalRoom, payload)
}

// Ready is closed once the listener holds its first subscription.
func (b *Bridge) Ready() <-chan struct{} { return b.ready }

// Run supervises the listener until ctx is done, resubscribing with
// exponential backoff after every failure.
func (b *Bridge) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.initialBackoff
	bo.MaxInterval = b.maxBackoff

	for {
		err := b.listen(ctx, bo)
		if ctx.Err() != nil {
			return nil
		}

		wait := bo.NextBackOff()
		b.metrics.ListenerRestarted()
		b.log.Warn("fanout.listener.restart", "channel", b.channel, "err", err, "backoff", wait.String())

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (b *Bridge) listen(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	sub, err := b.broker.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	bo.Reset()
	b.readyOnce.Do(func() { close(b.ready) })
	b.log.Info("fanout.listener.subscribed", "channel", b.channel)

	for {
		raw, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := b.route(raw); err != nil {
			b.log.Warn("fanout.frame.invalid", "err", err)
		}
	}
}

func (b *Bridge) route(raw []byte) error {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.RoomID == "" || len(f.Payload) == 0 {
		return ErrInvalidFrame
	}

	var delivered, dropped int
	if f.RoomID == GlobalRoom {
		delivered, dropped = b.deliver.DeliverAll(f.Payload)
	} else {
		delivered, dropped = b.deliver.DeliverRoom(f.RoomID, f.Payload)
	}
	b.metrics.FanoutDelivered(delivered, dropped)
	return nil
}
