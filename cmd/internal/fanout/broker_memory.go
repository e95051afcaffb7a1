package fanout

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 4096

// MemoryBroker is an in-process Broker. Gateways sharing one MemoryBroker
// behave like processes sharing a Redis channel.
type MemoryBroker struct {
	mu     sync.RWMutex
	closed bool
	subs   map[string]map[*memorySubscription]struct{}
}

// NewMemoryBroker constructs a MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySubscription]struct{})}
}

// Publish implements Broker. A subscriber whose buffer is full misses the
// payload.
func (b *MemoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}

	for s := range b.subs[channel] {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case s.ch <- cp:
		default:
		}
	}
	return nil
}

// Subscribe implements Broker.
func (b *MemoryBroker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}

	s := &memorySubscription{
		broker:  b,
		channel: channel,
		ch:      make(chan []byte, memorySubscriptionBuffer),
		done:    make(chan struct{}),
	}
	set := b.subs[channel]
	if set == nil {
		set = make(map[*memorySubscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Close ends every subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, set := range b.subs {
		for s := range set {
			s.closeOnce.Do(func() { close(s.done) })
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	return nil
}

// Subscribers reports the number of live subscriptions on channel.
func (b *MemoryBroker) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *MemoryBroker) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.channel)
		}
	}
}

type memorySubscription struct {
	broker    *MemoryBroker
	channel   string
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case p := <-s.ch:
		return p, nil
	case <-s.done:
		return nil, ErrSubscriptionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	s.broker.remove(s)
	return nil
}
