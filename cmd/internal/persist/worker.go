// Package persist drains the ingest log into the relational store.
//
// Delivery is at-least-once: an entry is acknowledged only after its message
// row and receipts are committed, and the store treats the message id as an
// idempotency key, so redelivery never duplicates rows.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"papyris/cmd/internal/chat"
	"papyris/cmd/internal/ingest"
	"papyris/cmd/internal/metrics"
)

const (
	defaultBatch         = 10
	defaultBlock         = 5 * time.Second
	defaultClaimIdle     = 30 * time.Second
	defaultMaxDeliveries = 5
	defaultOpTimeout     = 10 * time.Second
)

// Config tunes a Worker. Zero values take defaults.
type Config struct {
	// Consumer is this worker's name inside the consumer group.
	Consumer string
	// Batch is the maximum number of entries read per round.
	Batch int
	// Block bounds how long a round waits for new entries.
	Block time.Duration
	// ClaimIdle is the visibility window: entries pending longer than this on
	// any consumer are reclaimed.
	ClaimIdle time.Duration
	// ClaimInterval is how often stale entries are looked for.
	ClaimInterval time.Duration
	// MaxDeliveries is the delivery count at which a failing entry is
	// dead-lettered instead of being left for redelivery.
	MaxDeliveries int64
	// OpTimeout bounds one store call.
	OpTimeout time.Duration
}

// DefaultConfig returns the production defaults with a fresh consumer name.
func DefaultConfig() Config {
	return Config{
		Consumer:      NewConsumerName(),
		Batch:         defaultBatch,
		Block:         defaultBlock,
		ClaimIdle:     defaultClaimIdle,
		ClaimInterval: defaultClaimIdle / 2,
		MaxDeliveries: defaultMaxDeliveries,
		OpTimeout:     defaultOpTimeout,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.Consumer) == "" {
		c.Consumer = d.Consumer
	}
	if c.Batch <= 0 {
		c.Batch = d.Batch
	}
	if c.Block <= 0 {
		c.Block = d.Block
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = d.ClaimIdle
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = c.ClaimIdle / 2
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = d.MaxDeliveries
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}
	return c
}

// NewConsumerName returns "worker-<8 hex>".
func NewConsumerName() string {
	return "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Deps are the worker's collaborators.
type Deps struct {
	Log     ingest.Log
	Store   chat.MessageStore
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Worker is a single-threaded consume-process-ack loop. Scale out by running
// more workers in the same consumer group.
type Worker struct {
	cfg     Config
	log     ingest.Log
	store   chat.MessageStore
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	lastClaim time.Time
}

// New constructs a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("%w: nil log", ErrInvalidConfig)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	cfg = cfg.normalized()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Worker{
		cfg:     cfg,
		log:     deps.Log,
		store:   deps.Store,
		logger:  logger.With("consumer", cfg.Consumer),
		metrics: deps.Metrics,
		now:     now,
	}, nil
}

// Consumer returns the worker's consumer name.
func (w *Worker) Consumer() string { return w.cfg.Consumer }

// Run initializes the consumer group and processes entries until ctx is
// done. Log errors are retried with exponential backoff.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := w.log.Init(ctx)
		if errors.Is(err, ingest.ErrClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithNotify(func(err error, wait time.Duration) {
		w.logger.Warn("worker.init.retry", "err", err, "backoff", wait.String())
	})); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("init ingest log: %w", err)
	}
	w.logger.Info("worker.start", "batch", w.cfg.Batch, "claim_idle", w.cfg.ClaimIdle.String())

	bo := backoff.NewExponentialBackOff()
	for {
		_, err := w.ProcessOnce(ctx)
		if ctx.Err() != nil {
			w.logger.Info("worker.stop")
			return nil
		}
		if err == nil {
			bo.Reset()
			continue
		}
		if errors.Is(err, ingest.ErrClosed) {
			w.logger.Info("worker.stop", "reason", "log closed")
			return nil
		}

		wait := bo.NextBackOff()
		w.logger.Warn("worker.consume.fail", "err", err, "backoff", wait.String())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			w.logger.Info("worker.stop")
			return nil
		case <-t.C:
		}
	}
}

// ProcessOnce runs one round: reclaim stale entries when due, then read and
// process up to one batch of new entries. It returns how many entries were
// handled.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	handled := 0

	if now := w.now(); now.Sub(w.lastClaim) >= w.cfg.ClaimInterval {
		stale, err := w.log.Reclaim(ctx, w.cfg.Consumer, w.cfg.ClaimIdle, w.cfg.Batch)
		if err != nil {
			return 0, fmt.Errorf("reclaim: %w", err)
		}
		w.lastClaim = now
		if len(stale) > 0 {
			w.logger.Info("worker.reclaim", "entries", len(stale))
		}
		for _, e := range stale {
			w.process(ctx, e)
		}
		handled += len(stale)
	}

	entries, err := w.log.Consume(ctx, w.cfg.Consumer, w.cfg.Batch, w.cfg.Block)
	if err != nil {
		return handled, fmt.Errorf("consume: %w", err)
	}
	for _, e := range entries {
		w.process(ctx, e)
	}
	return handled + len(entries), nil
}

// process persists one entry. It acks only after a successful commit; a
// failure leaves the entry pending for redelivery.
func (w *Worker) process(ctx context.Context, e ingest.Entry) {
	log := w.logger.With("entry_id", e.ID, "deliveries", e.Deliveries)

	env, err := chat.DecodeEnvelope(e.Payload)
	if err != nil {
		w.deadLetter(ctx, log, e, "decode: "+err.Error())
		return
	}
	log = log.With("message_id", env.MessageID.String(), "room_id", env.ConversationID.String())

	sctx, cancel := context.WithTimeout(ctx, w.cfg.OpTimeout)
	res, err := w.store.PersistMessage(sctx, env)
	cancel()
	if err != nil {
		if errors.Is(err, chat.ErrInvalidEnvelope) {
			w.deadLetter(ctx, log, e, "invalid: "+err.Error())
			return
		}
		w.metrics.WorkerEntry(metrics.OutcomeFailed)
		if e.Deliveries >= w.cfg.MaxDeliveries {
			w.deadLetter(ctx, log, e, "persist: "+err.Error())
			return
		}
		log.Warn("worker.entry.fail", "err", err)
		return
	}

	if err := w.log.Ack(ctx, e.ID); err != nil {
		// Redelivery is harmless: the store skips the existing row.
		log.Warn("worker.entry.ack.fail", "err", err)
	}

	outcome := metrics.OutcomePersisted
	if res.Duplicate {
		outcome = metrics.OutcomeDuplicate
	}
	w.metrics.WorkerEntry(outcome)
	log.Info("worker.entry."+outcome, "recipients", res.Recipients, "receipts_created", res.ReceiptsCreated)
}

func (w *Worker) deadLetter(ctx context.Context, log *slog.Logger, e ingest.Entry, reason string) {
	if err := w.log.DeadLetter(ctx, e, reason); err != nil {
		log.Error("worker.entry.dead_letter.fail", "reason", reason, "err", err)
		return
	}
	w.metrics.WorkerEntry(metrics.OutcomeDead)
	log.Error("worker.entry.dead_lettered", "reason", reason)
}
