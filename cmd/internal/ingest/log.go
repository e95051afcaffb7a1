// Package ingest implements the durable ingest log: an append-only topic read
// through a consumer group with per-entry acknowledgement and redelivery of
// entries that stay unacknowledged past a visibility window.
package ingest

import (
	"context"
	"time"
)

// Entry is one log record handed to a consumer.
type Entry struct {
	// ID is the log-assigned sequence id ("<ms>-<seq>").
	ID string
	// Payload is the serialized envelope as appended.
	Payload []byte
	// Deliveries counts how many times the entry was handed to a consumer,
	// including this one.
	Deliveries int64
}

// Log is the durable ingest log boundary shared by the gateway (Append) and
// the persistence worker (everything else).
type Log interface {
	// Init creates the topic and consumer group. Calling it again is a no-op.
	Init(ctx context.Context) error

	// Append stores payload and returns its sequence id.
	Append(ctx context.Context, payload []byte) (string, error)

	// Consume returns up to count never-delivered entries for consumer, waiting
	// at most block when none are available. An empty result is not an error.
	Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error)

	// Reclaim transfers to consumer up to count entries that have been pending
	// for at least minIdle on any consumer and returns them.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Entry, error)

	// Ack removes entries from the pending set. Unknown ids are ignored.
	Ack(ctx context.Context, ids ...string) error

	// DeadLetter copies e to the dead-letter topic with reason and acks it in
	// one step.
	DeadLetter(ctx context.Context, e Entry, reason string) error

	Close() error
}

const (
	// DefaultStreamKey is the ingest topic.
	DefaultStreamKey = "papyris:messages"
	// DefaultGroup is the persistence worker consumer group.
	DefaultGroup = "papyris-workers"
	// DefaultDeadKey receives quarantined entries.
	DefaultDeadKey = "papyris:messages:dead"
	// DefaultMaxLen bounds retention (approximate trimming).
	DefaultMaxLen = 100_000

	fieldData       = "data"
	fieldReason     = "reason"
	fieldSourceID   = "source_id"
	fieldDeliveries = "deliveries"
)
