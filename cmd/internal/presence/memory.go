package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for dev mode and tests.
type MemoryStore struct {
	mu    sync.Mutex
	conns map[uuid.UUID]int
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[uuid.UUID]int)}
}

// Connect implements Store.
func (s *MemoryStore) Connect(ctx context.Context, userID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[userID]++
	return s.conns[userID] == 1, nil
}

// Disconnect implements Store.
func (s *MemoryStore) Disconnect(ctx context.Context, userID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.conns[userID]
	if !ok {
		return false, nil
	}
	if n <= 1 {
		delete(s.conns, userID)
		return true, nil
	}
	s.conns[userID] = n - 1
	return false, nil
}

// IsOnline implements Store.
func (s *MemoryStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[userID] > 0, nil
}

// Online implements Store.
func (s *MemoryStore) Online(ctx context.Context) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out, nil
}
