// Package presence tracks which users have at least one open connection on
// any gateway. Entries are reference-counted by connection so a user with two
// devices goes offline only when the last one disconnects.
package presence

import (
	"context"

	"github.com/google/uuid"
)

// DefaultKey is the shared online-users set.
const DefaultKey = "papyris:online_users"

// Store is the shared presence boundary mutated by every gateway.
type Store interface {
	// Connect counts one more connection of userID and reports whether it is
	// the user's first.
	Connect(ctx context.Context, userID uuid.UUID) (first bool, err error)

	// Disconnect counts one connection less and reports whether it was the
	// user's last. Extra calls never report last twice.
	Disconnect(ctx context.Context, userID uuid.UUID) (last bool, err error)

	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)

	// Online lists online users in no particular order.
	Online(ctx context.Context) ([]uuid.UUID, error)
}
