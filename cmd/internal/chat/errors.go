package chat

import "errors"

var (
	// ErrInvalidEnvelope is returned for payloads that will never persist.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrForeignMessage is returned by MarkRead when the message is persisted
	// in another conversation.
	ErrForeignMessage = errors.New("chat: message belongs to another conversation")

	// ErrNilStore is returned when a store method is called on a nil receiver.
	ErrNilStore = errors.New("chat: nil store")
)
