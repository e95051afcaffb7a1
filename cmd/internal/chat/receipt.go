package chat

import (
	"time"

	"github.com/google/uuid"
)

// ReceiptStatus is the per-user delivery state of a message.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptRead      ReceiptStatus = "read"
)

// Receipt is one (message, user) delivery record.
type Receipt struct {
	MessageID   uuid.UUID
	UserID      uuid.UUID
	Status      ReceiptStatus
	DeliveredAt time.Time
	ReadAt      *time.Time
}
