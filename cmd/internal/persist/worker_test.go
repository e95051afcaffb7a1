package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"papyris/cmd/internal/chat"
	"papyris/cmd/internal/ingest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// flakyStore fails the first n PersistMessage calls.
type flakyStore struct {
	chat.MessageStore
	failures atomic.Int64
	calls    atomic.Int64
}

func (s *flakyStore) PersistMessage(ctx context.Context, env chat.Envelope) (chat.PersistResult, error) {
	s.calls.Add(1)
	if s.failures.Add(-1) >= 0 {
		return chat.PersistResult{}, errors.New("connection refused")
	}
	return s.MessageStore.PersistMessage(ctx, env)
}

type workerFixture struct {
	clock *fakeClock
	log   *ingest.MemoryLog
	store *chat.InMemoryStore
	room  uuid.UUID
	alice uuid.UUID
	bob   uuid.UUID
	carol uuid.UUID
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	f := &workerFixture{
		clock: &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store: chat.NewInMemoryStore(),
		room:  uuid.New(),
		alice: uuid.New(),
		bob:   uuid.New(),
		carol: uuid.New(),
	}
	f.log = ingest.NewMemoryLog(ingest.WithClock(f.clock.Now))
	t.Cleanup(func() { _ = f.log.Close() })

	for _, u := range []uuid.UUID{f.alice, f.bob, f.carol} {
		f.store.AddMember(f.room, u)
	}
	return f
}

func (f *workerFixture) newWorker(t *testing.T, store chat.MessageStore, cfg Config) *Worker {
	t.Helper()
	if cfg.Block == 0 {
		cfg.Block = time.Millisecond
	}
	w, err := New(cfg, Deps{
		Log:    f.log,
		Store:  store,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func (f *workerFixture) appendMessage(t *testing.T, text string) chat.Envelope {
	t.Helper()
	env, err := chat.NewEnvelope(f.room, f.alice, text, f.clock.Now())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	f.appendEnvelope(t, env)
	return env
}

func (f *workerFixture) appendEnvelope(t *testing.T, env chat.Envelope) {
	t.Helper()
	b, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := f.log.Append(context.Background(), b); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func assertDeliveredReceipts(t *testing.T, store *chat.InMemoryStore, messageID uuid.UUID, want ...uuid.UUID) {
	t.Helper()
	rs := store.Receipts(messageID)
	if len(rs) != len(want) {
		t.Fatalf("receipts=%d want %d", len(rs), len(want))
	}
	got := make(map[uuid.UUID]chat.ReceiptStatus, len(rs))
	for _, r := range rs {
		got[r.UserID] = r.Status
	}
	for _, u := range want {
		if got[u] != chat.ReceiptDelivered {
			t.Fatalf("receipt for %s = %q", u, got[u])
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}, Deps{Store: chat.NewInMemoryStore()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil log err=%v", err)
	}
	if _, err := New(Config{}, Deps{Log: ingest.NewMemoryLog()}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil store err=%v", err)
	}
}

func TestNewConsumerName(t *testing.T) {
	t.Parallel()

	a, b := NewConsumerName(), NewConsumerName()
	if !strings.HasPrefix(a, "worker-") || len(a) != len("worker-")+8 {
		t.Fatalf("name=%q", a)
	}
	if a == b {
		t.Fatalf("names collide: %q", a)
	}
}

func TestWorker_PersistsAndAcks(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	w := f.newWorker(t, f.store, Config{Consumer: "w1"})

	env := f.appendMessage(t, "hi")

	n, err := w.ProcessOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("ProcessOnce n=%d err=%v", n, err)
	}

	if got, ok := f.store.Message(env.MessageID); !ok || got.Text != "hi" {
		t.Fatalf("message row=%+v ok=%v", got, ok)
	}
	assertDeliveredReceipts(t, f.store, env.MessageID, f.bob, f.carol)
	if f.log.Pending() != 0 {
		t.Fatalf("entry not acked")
	}
}

func TestWorker_RedeliveryCreatesNoDuplicates(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	w := f.newWorker(t, f.store, Config{Consumer: "w1"})

	env := f.appendMessage(t, "once")
	f.appendEnvelope(t, env)

	n, err := w.ProcessOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("ProcessOnce n=%d err=%v", n, err)
	}
	if f.store.MessageCount() != 1 {
		t.Fatalf("message rows=%d", f.store.MessageCount())
	}
	assertDeliveredReceipts(t, f.store, env.MessageID, f.bob, f.carol)
	if f.log.Pending() != 0 {
		t.Fatalf("duplicate entry not acked")
	}
}

func TestWorker_ResumesAfterCrashBetweenMessageAndReceipts(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	w := f.newWorker(t, f.store, Config{Consumer: "w1"})

	env := f.appendMessage(t, "half done")
	f.store.SeedMessage(env)

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if f.store.MessageCount() != 1 {
		t.Fatalf("message rows=%d", f.store.MessageCount())
	}
	assertDeliveredReceipts(t, f.store, env.MessageID, f.bob, f.carol)
}

func TestWorker_PoisonEntryIsDeadLetteredImmediately(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	w := f.newWorker(t, f.store, Config{Consumer: "w1"})

	if _, err := f.log.Append(context.Background(), []byte(`{"messageId":"nope"`)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}

	dead := f.log.Dead()
	if len(dead) != 1 || !strings.HasPrefix(dead[0].Reason, "decode:") {
		t.Fatalf("dead=%+v", dead)
	}
	if f.log.Pending() != 0 {
		t.Fatalf("poison entry still pending")
	}
	if f.store.MessageCount() != 0 {
		t.Fatalf("poison entry persisted")
	}
}

func TestWorker_FailedEntryIsRetriedThenDeadLettered(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	store := &flakyStore{MessageStore: f.store}
	store.failures.Store(100)

	w := f.newWorker(t, store, Config{
		Consumer:      "w1",
		ClaimIdle:     time.Second,
		ClaimInterval: time.Millisecond,
		MaxDeliveries: 3,
	})
	f.appendMessage(t, "doomed")

	ctx := context.Background()
	for round := 1; round <= 3; round++ {
		if _, err := w.ProcessOnce(ctx); err != nil {
			t.Fatalf("round %d: %v", round, err)
		}
		if round < 3 {
			if f.log.Pending() != 1 || len(f.log.Dead()) != 0 {
				t.Fatalf("round %d: pending=%d dead=%d", round, f.log.Pending(), len(f.log.Dead()))
			}
		}
		f.clock.Advance(2 * time.Second)
	}

	if got := store.calls.Load(); got != 3 {
		t.Fatalf("persist calls=%d", got)
	}
	dead := f.log.Dead()
	if len(dead) != 1 || dead[0].Deliveries != 3 || !strings.HasPrefix(dead[0].Reason, "persist:") {
		t.Fatalf("dead=%+v", dead)
	}
	if f.log.Pending() != 0 {
		t.Fatalf("dead-lettered entry still pending")
	}
}

func TestWorker_RecoversAfterTransientStoreFailure(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	store := &flakyStore{MessageStore: f.store}
	store.failures.Store(1)

	w := f.newWorker(t, store, Config{
		Consumer:      "w1",
		ClaimIdle:     time.Second,
		ClaimInterval: time.Millisecond,
	})
	env := f.appendMessage(t, "eventually")

	ctx := context.Background()
	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("first round: %v", err)
	}
	if f.store.MessageCount() != 0 || f.log.Pending() != 1 {
		t.Fatalf("failed entry must stay pending")
	}

	f.clock.Advance(2 * time.Second)
	if _, err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("second round: %v", err)
	}
	assertDeliveredReceipts(t, f.store, env.MessageID, f.bob, f.carol)
	if f.log.Pending() != 0 || len(f.log.Dead()) != 0 {
		t.Fatalf("pending=%d dead=%d", f.log.Pending(), len(f.log.Dead()))
	}
}

func TestWorker_ReclaimsEntriesOfCrashedConsumer(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	env := f.appendMessage(t, "orphan")

	// A consumer that read the entry and died without acking.
	if es, err := f.log.Consume(context.Background(), "crashed", 10, 0); err != nil || len(es) != 1 {
		t.Fatalf("crashed consume n=%d err=%v", len(es), err)
	}

	w := f.newWorker(t, f.store, Config{Consumer: "w2", ClaimIdle: 30 * time.Second})

	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if f.store.MessageCount() != 0 {
		t.Fatalf("entry reclaimed before the visibility window elapsed")
	}

	f.clock.Advance(time.Minute)
	if _, err := w.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	assertDeliveredReceipts(t, f.store, env.MessageID, f.bob, f.carol)
	if f.log.Pending() != 0 {
		t.Fatalf("reclaimed entry not acked")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newWorkerFixture(t)
	w := f.newWorker(t, f.store, Config{Consumer: "w1", Block: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	env := f.appendMessage(t, "live")

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, ok := f.store.Message(env.MessageID); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("message not persisted by Run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop")
	}
}
