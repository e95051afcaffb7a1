// Package chat holds the canonical message envelope and the relational store
// boundary used by the gateway (membership, read receipts) and the
// persistence worker (messages, delivery receipts).
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the canonical message record moving through the ingest log.
// MessageID is the persistence idempotency key.
type Envelope struct {
	MessageID      uuid.UUID `json:"messageId"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       uuid.UUID `json:"senderId"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"timestamp"`
}

// NewEnvelope stamps a fresh message id onto an accepted message.
func NewEnvelope(conversationID, senderID uuid.UUID, text string, now time.Time) (Envelope, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Envelope{}, fmt.Errorf("message id: %w", err)
	}
	if now.IsZero() {
		now = time.Now()
	}
	return Envelope{
		MessageID:      id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      now.UTC(),
	}, nil
}

// Validate reports whether the envelope can ever be persisted.
func (e Envelope) Validate() error {
	switch {
	case e.MessageID == uuid.Nil:
		return fmt.Errorf("%w: missing messageId", ErrInvalidEnvelope)
	case e.ConversationID == uuid.Nil:
		return fmt.Errorf("%w: missing conversationId", ErrInvalidEnvelope)
	case e.SenderID == uuid.Nil:
		return fmt.Errorf("%w: missing senderId", ErrInvalidEnvelope)
	case strings.TrimSpace(e.Text) == "":
		return fmt.Errorf("%w: empty text", ErrInvalidEnvelope)
	}
	return nil
}

// Encode serializes the envelope as a log payload.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a log payload.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e, nil
}
