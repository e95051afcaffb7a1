package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process Log with the same consumer-group semantics as
// RedisLog. It backs the dev-mode gateway (embedded worker) and tests.
type MemoryLog struct {
	mu      sync.Mutex
	now     func() time.Time
	maxLen  int
	closed  bool
	entries []memEntry
	next    int // index into entries of the first never-delivered entry
	seq     uint64
	lastMS  int64
	pending map[string]*memPending
	dead    []DeadEntry
	notify  chan struct{}
}

type memEntry struct {
	id      string
	payload []byte
}

type memPending struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

// DeadEntry is a quarantined entry as stored in the dead-letter topic.
type DeadEntry struct {
	Entry
	Reason string
}

// MemoryOption configures MemoryLog.
type MemoryOption func(*MemoryLog)

// WithClock overrides the clock used for idle accounting.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLog) {
		if now != nil {
			l.now = now
		}
	}
}

// WithMaxLen bounds retention approximately; the oldest entries are trimmed
// first.
func WithMaxLen(n int) MemoryOption {
	return func(l *MemoryLog) {
		if n > 0 {
			l.maxLen = n
		}
	}
}

// NewMemoryLog constructs a MemoryLog.
func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		now:     time.Now,
		maxLen:  DefaultMaxLen,
		pending: make(map[string]*memPending),
		notify:  make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Init implements Log.
func (l *MemoryLog) Init(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return ctx.Err()
}

// Close wakes blocked consumers and rejects further calls.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notify)
	}
	return nil
}

// Append implements Log.
func (l *MemoryLog) Append(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}

	ms := l.now().UnixMilli()
	if ms <= l.lastMS {
		ms = l.lastMS
		l.seq++
	} else {
		l.lastMS = ms
		l.seq = 0
	}
	id := fmt.Sprintf("%d-%d", ms, l.seq)

	cp := make([]byte, len(payload))
	copy(cp, payload)
	l.entries = append(l.entries, memEntry{id: id, payload: cp})

	// Trimming is approximate like XADD MAXLEN ~: the log may run up to a
	// tenth over maxLen, so the copy happens once per chunk of appends.
	if len(l.entries) > l.maxLen+l.maxLen/10 {
		l.trimLocked(len(l.entries) - l.maxLen)
	}

	close(l.notify)
	l.notify = make(chan struct{})
	return id, nil
}

// trimLocked drops the oldest n entries. Pending records of trimmed entries
// go with them; they can no longer be reclaimed.
func (l *MemoryLog) trimLocked(n int) {
	for _, e := range l.entries[:n] {
		delete(l.pending, e.id)
	}
	l.entries = append([]memEntry(nil), l.entries[n:]...)
	l.next -= n
	if l.next < 0 {
		l.next = 0
	}
}

// Consume implements Log.
func (l *MemoryLog) Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}

	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		if l.next < len(l.entries) {
			out := l.deliverLocked(consumer, count)
			l.mu.Unlock()
			return out, nil
		}
		wait := l.notify
		l.mu.Unlock()

		if timer == nil {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer:
			return nil, nil
		case <-wait:
		}
	}
}

func (l *MemoryLog) deliverLocked(consumer string, count int) []Entry {
	end := l.next + count
	if end > len(l.entries) {
		end = len(l.entries)
	}
	now := l.now()
	out := make([]Entry, 0, end-l.next)
	for _, e := range l.entries[l.next:end] {
		l.pending[e.id] = &memPending{consumer: consumer, deliveredAt: now, deliveries: 1}
		out = append(out, Entry{ID: e.id, Payload: e.payload, Deliveries: 1})
	}
	l.next = end
	return out
}

// Reclaim implements Log.
func (l *MemoryLog) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	now := l.now()
	var out []Entry
	for _, e := range l.entries[:l.next] {
		if len(out) == count {
			break
		}
		p, ok := l.pending[e.id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
		p.deliveries++
		out = append(out, Entry{ID: e.id, Payload: e.payload, Deliveries: p.deliveries})
	}
	return out, nil
}

// Ack implements Log.
func (l *MemoryLog) Ack(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, id := range ids {
		delete(l.pending, id)
	}
	return nil
}

// DeadLetter implements Log.
func (l *MemoryLog) DeadLetter(ctx context.Context, e Entry, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.dead = append(l.dead, DeadEntry{Entry: e, Reason: reason})
	delete(l.pending, e.ID)
	return nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (l *MemoryLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Len returns the number of retained entries.
func (l *MemoryLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Dead returns a copy of the dead-letter topic.
func (l *MemoryLog) Dead() []DeadEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeadEntry(nil), l.dead...)
}
