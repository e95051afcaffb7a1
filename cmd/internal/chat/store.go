package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MembershipStore is the authorization boundary for conversation membership.
type MembershipStore interface {
	// IsMember reports whether userID belongs to conversationID.
	IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	// Members lists the members of conversationID.
	Members(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
}

// ReceiptStore records read state on behalf of a connected user.
type ReceiptStore interface {
	MarkRead(ctx context.Context, in MarkReadInput) error
}

// MessageStore is the persistence sink drained by the worker.
//
// Requirements:
//   - At most one message row per MessageID.
//   - At most one receipt per (MessageID, UserID).
//   - Re-persisting an existing message still creates missing receipts.
type MessageStore interface {
	PersistMessage(ctx context.Context, env Envelope) (PersistResult, error)
}

// Store is the full relational collaborator.
type Store interface {
	MembershipStore
	ReceiptStore
	MessageStore
	Close() error
}

// MarkReadInput describes a read watermark.
type MarkReadInput struct {
	ConversationID uuid.UUID
	UserID         uuid.UUID
	MessageID      uuid.UUID
	Now            time.Time
}

// PersistResult is the outcome of PersistMessage.
type PersistResult struct {
	// Duplicate is true when the message row already existed.
	Duplicate bool
	// Recipients is the number of non-sender members at persistence time.
	Recipients int
	// ReceiptsCreated counts receipts inserted by this call.
	ReceiptsCreated int
}
