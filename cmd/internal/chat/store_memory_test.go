package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestInMemoryStore_PersistIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	conv, alice, bob, carol := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	st.AddMember(conv, alice)
	st.AddMember(conv, bob)
	st.AddMember(conv, carol)

	env, err := NewEnvelope(conv, alice, "hi", time.Now())
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	first, err := st.PersistMessage(ctx, env)
	if err != nil {
		t.Fatalf("persist first: %v", err)
	}
	if first.Duplicate || first.Recipients != 2 || first.ReceiptsCreated != 2 {
		t.Fatalf("first=%+v", first)
	}

	second, err := st.PersistMessage(ctx, env)
	if err != nil {
		t.Fatalf("persist second: %v", err)
	}
	if !second.Duplicate || second.ReceiptsCreated != 0 {
		t.Fatalf("second=%+v", second)
	}

	if n := st.MessageCount(); n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
	rs := st.Receipts(env.MessageID)
	if len(rs) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(rs))
	}
	for _, r := range rs {
		if r.UserID == alice {
			t.Fatalf("sender must not get a receipt")
		}
		if r.Status != ReceiptDelivered {
			t.Fatalf("status=%q want delivered", r.Status)
		}
	}
}

func TestInMemoryStore_ResumeAfterCrashCreatesReceipts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	st.AddMember(conv, alice)
	st.AddMember(conv, bob)

	env, _ := NewEnvelope(conv, alice, "hi", time.Now())
	st.SeedMessage(env)

	res, err := st.PersistMessage(ctx, env)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !res.Duplicate {
		t.Fatalf("expected existing row to be detected")
	}
	if res.ReceiptsCreated != 1 {
		t.Fatalf("expected the missing receipt to be created, got %+v", res)
	}
	if n := st.MessageCount(); n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
}

func TestInMemoryStore_MarkReadWatermark(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	st.AddMember(conv, alice)
	st.AddMember(conv, bob)

	base := time.Now().UTC()
	older, _ := NewEnvelope(conv, alice, "one", base)
	newer, _ := NewEnvelope(conv, alice, "two", base.Add(time.Second))
	latest, _ := NewEnvelope(conv, alice, "three", base.Add(2*time.Second))
	for _, e := range []Envelope{older, newer, latest} {
		if _, err := st.PersistMessage(ctx, e); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	if err := st.MarkRead(ctx, MarkReadInput{ConversationID: conv, UserID: bob, MessageID: newer.MessageID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	want := map[uuid.UUID]ReceiptStatus{
		older.MessageID:  ReceiptRead,
		newer.MessageID:  ReceiptRead,
		latest.MessageID: ReceiptDelivered,
	}
	for mid, status := range want {
		rs := st.Receipts(mid)
		if len(rs) != 1 {
			t.Fatalf("message %s: expected 1 receipt, got %d", mid, len(rs))
		}
		if rs[0].Status != status {
			t.Fatalf("message %s: status=%q want=%q", mid, rs[0].Status, status)
		}
	}
}

func TestInMemoryStore_ReadBeforePersistIsKept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	st.AddMember(conv, alice)
	st.AddMember(conv, bob)

	env, _ := NewEnvelope(conv, alice, "fast reader", time.Now())
	if err := st.MarkRead(ctx, MarkReadInput{ConversationID: conv, UserID: bob, MessageID: env.MessageID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	res, err := st.PersistMessage(ctx, env)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if res.ReceiptsCreated != 0 {
		t.Fatalf("read receipt must not be replaced, got %+v", res)
	}
	rs := st.Receipts(env.MessageID)
	if len(rs) != 1 || rs[0].Status != ReceiptRead {
		t.Fatalf("receipts=%+v", rs)
	}
}

func TestInMemoryStore_MarkReadRejectsMessageOfAnotherRoom(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := NewInMemoryStore()

	general, secret := uuid.New(), uuid.New()
	alice, mallory := uuid.New(), uuid.New()
	st.AddMember(general, mallory)
	st.AddMember(secret, alice)

	env, _ := NewEnvelope(secret, alice, "private", time.Now())
	if _, err := st.PersistMessage(ctx, env); err != nil {
		t.Fatalf("persist: %v", err)
	}

	err := st.MarkRead(ctx, MarkReadInput{ConversationID: general, UserID: mallory, MessageID: env.MessageID})
	if !errors.Is(err, ErrForeignMessage) {
		t.Fatalf("MarkRead err=%v want ErrForeignMessage", err)
	}
	if rs := st.Receipts(env.MessageID); len(rs) != 0 {
		t.Fatalf("unexpected receipts %+v", rs)
	}
}

func TestInMemoryStore_Membership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conv, alice, mallory := uuid.New(), uuid.New(), uuid.New()

	st := NewInMemoryStore()
	st.AddMember(conv, alice)

	if ok, err := st.IsMember(ctx, conv, alice); err != nil || !ok {
		t.Fatalf("alice: ok=%v err=%v", ok, err)
	}
	if ok, err := st.IsMember(ctx, conv, mallory); err != nil || ok {
		t.Fatalf("mallory: ok=%v err=%v", ok, err)
	}

	open := NewInMemoryStore(WithOpenMembership())
	if ok, _ := open.IsMember(ctx, conv, mallory); !ok {
		t.Fatalf("open membership must admit any user")
	}
	members, err := open.Members(ctx, conv)
	if err != nil || len(members) != 1 || members[0] != mallory {
		t.Fatalf("members=%v err=%v", members, err)
	}
}
