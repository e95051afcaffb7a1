package chat

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It follows PostgresStore semantics so tests can exercise the worker and
// the gateway without Postgres.
type InMemoryStore struct {
	mu       sync.Mutex
	open     bool
	members  map[uuid.UUID]map[uuid.UUID]struct{}
	messages map[uuid.UUID]Envelope
	receipts map[receiptKey]Receipt
}

type receiptKey struct {
	message uuid.UUID
	user    uuid.UUID
}

// MemoryOption configures InMemoryStore.
type MemoryOption func(*InMemoryStore)

// WithOpenMembership makes every membership check succeed and records the
// caller as a member, so a dev gateway works without seeded conversations.
func WithOpenMembership() MemoryOption {
	return func(s *InMemoryStore) { s.open = true }
}

// NewInMemoryStore constructs an in-memory Store.
func NewInMemoryStore(opts ...MemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		members:  make(map[uuid.UUID]map[uuid.UUID]struct{}),
		messages: make(map[uuid.UUID]Envelope),
		receipts: make(map[receiptKey]Receipt),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AddMember seeds conversation membership.
func (s *InMemoryStore) AddMember(conversationID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addMemberLocked(conversationID, userID)
}

func (s *InMemoryStore) addMemberLocked(conversationID, userID uuid.UUID) {
	m := s.members[conversationID]
	if m == nil {
		m = make(map[uuid.UUID]struct{})
		s.members[conversationID] = m
	}
	m[userID] = struct{}{}
}

// SeedMessage stores a message row without receipts. It reproduces a worker
// that crashed between the message insert and the receipt upserts.
func (s *InMemoryStore) SeedMessage(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[env.MessageID] = env
}

// IsMember implements MembershipStore.
func (s *InMemoryStore) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	if s == nil {
		return false, ErrNilStore
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if conversationID == uuid.Nil || userID == uuid.Nil {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.open {
		s.addMemberLocked(conversationID, userID)
		return true, nil
	}
	_, ok := s.members[conversationID][userID]
	return ok, nil
}

// Members implements MembershipStore.
func (s *InMemoryStore) Members(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if s == nil {
		return nil, ErrNilStore
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.membersLocked(conversationID, uuid.Nil), nil
}

func (s *InMemoryStore) membersLocked(conversationID, exclude uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.members[conversationID]))
	for uid := range s.members[conversationID] {
		if uid == exclude {
			continue
		}
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// PersistMessage implements MessageStore.
func (s *InMemoryStore) PersistMessage(ctx context.Context, env Envelope) (PersistResult, error) {
	if s == nil {
		return PersistResult{}, ErrNilStore
	}
	if err := env.Validate(); err != nil {
		return PersistResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PersistResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.messages[env.MessageID]
	if !exists {
		s.messages[env.MessageID] = env
	}

	recipients := s.membersLocked(env.ConversationID, env.SenderID)
	out := PersistResult{Duplicate: exists, Recipients: len(recipients)}

	now := time.Now().UTC()
	for _, uid := range recipients {
		k := receiptKey{message: env.MessageID, user: uid}
		if _, ok := s.receipts[k]; ok {
			continue
		}
		s.receipts[k] = Receipt{MessageID: env.MessageID, UserID: uid, Status: ReceiptDelivered, DeliveredAt: now}
		out.ReceiptsCreated++
	}
	return out, nil
}

// MarkRead implements ReceiptStore.
func (s *InMemoryStore) MarkRead(ctx context.Context, in MarkReadInput) error {
	if s == nil {
		return ErrNilStore
	}
	if in.MessageID == uuid.Nil || in.UserID == uuid.Nil || in.ConversationID == uuid.Nil {
		return errors.New("chat: invalid read input")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last, persisted := s.messages[in.MessageID]
	if persisted && last.ConversationID != in.ConversationID {
		return ErrForeignMessage
	}

	k := receiptKey{message: in.MessageID, user: in.UserID}
	r, ok := s.receipts[k]
	if !ok {
		r = Receipt{MessageID: in.MessageID, UserID: in.UserID, DeliveredAt: now}
	}
	r.Status = ReceiptRead
	if r.ReadAt == nil {
		r.ReadAt = &now
	}
	s.receipts[k] = r

	if !persisted {
		return nil
	}
	for rk, rr := range s.receipts {
		if rk.user != in.UserID || rr.Status != ReceiptDelivered {
			continue
		}
		m, ok := s.messages[rk.message]
		if !ok || m.ConversationID != in.ConversationID || m.CreatedAt.After(last.CreatedAt) {
			continue
		}
		rr.Status = ReceiptRead
		rr.ReadAt = &now
		s.receipts[rk] = rr
	}
	return nil
}

// Message returns a stored message row.
func (s *InMemoryStore) Message(id uuid.UUID) (Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	return m, ok
}

// MessageCount returns the number of stored message rows.
func (s *InMemoryStore) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Receipts returns the receipts of a message ordered by user id.
func (s *InMemoryStore) Receipts(messageID uuid.UUID) []Receipt {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Receipt
	for k, r := range s.receipts {
		if k.message == messageID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i].UserID[:], out[j].UserID[:]) < 0 })
	return out
}
