package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when PAPYRIS_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Persist_RedeliveryIsIdempotent(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	st := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, alice, bob, carol := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	mustAddMembers(t, pool, schema, conv, alice, bob, carol)

	env, err := NewEnvelope(conv, alice, "hello", time.Now())
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
		t.Fatalf("persist redelivered: %v", err)
	}
	if !second.Duplicate || second.ReceiptsCreated != 0 {
		t.Fatalf("second=%+v", second)
	}

	if n := mustCount(t, pool, `SELECT COUNT(*) FROM `+pgIdent(schema, "messages")+` WHERE id = $1`, env.MessageID.String()); n != 1 {
		t.Fatalf("expected 1 message row, got %d", n)
	}
	if n := mustCount(t, pool, `SELECT COUNT(*) FROM `+pgIdent(schema, "message_receipts")+` WHERE message_id = $1`, env.MessageID.String()); n != 2 {
		t.Fatalf("expected 2 receipts, got %d", n)
	}
}

func TestPostgresStore_Persist_ExistingRowStillGetsReceipts(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	st := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, alice, bob := uuid.New(), uuid.New(), uuid.New()
	mustAddMembers(t, pool, schema, conv, alice, bob)

	env, _ := NewEnvelope(conv, alice, "crash window", time.Now())
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+pgIdent(schema, "messages")+` (id, conversation_id, sender_id, text, created_at) VALUES ($1, $2, $3, $4, $5)`,
		env.MessageID.String(), conv.String(), alice.String(), env.Text, env.CreatedAt,
	); err != nil {
		t.Fatalf("seed message: %v", err)
	}

	res, err := st.PersistMessage(ctx, env)
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if !res.Duplicate || res.ReceiptsCreated != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestPostgresStore_MembershipAndRead(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })
	mustApplySchema(t, pool, schema)

	st := mustNewStore(t, pool, schema)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conv, alice, bob, mallory := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	mustAddMembers(t, pool, schema, conv, alice, bob)

	if ok, err := st.IsMember(ctx, conv, bob); err != nil || !ok {
		t.Fatalf("bob: ok=%v err=%v", ok, err)
	}
	if ok, err := st.IsMember(ctx, conv, mallory); err != nil || ok {
		t.Fatalf("mallory: ok=%v err=%v", ok, err)
	}
	members, err := st.Members(ctx, conv)
	if err != nil || len(members) != 2 {
		t.Fatalf("members=%v err=%v", members, err)
	}

	base := time.Now().UTC()
	older, _ := NewEnvelope(conv, alice, "one", base)
	newer, _ := NewEnvelope(conv, alice, "two", base.Add(time.Second))
	for _, e := range []Envelope{older, newer} {
		if _, err := st.PersistMessage(ctx, e); err != nil {
			t.Fatalf("persist: %v", err)
		}
	}

	if err := st.MarkRead(ctx, MarkReadInput{ConversationID: conv, UserID: bob, MessageID: newer.MessageID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if err := st.MarkRead(ctx, MarkReadInput{ConversationID: conv, UserID: bob, MessageID: newer.MessageID}); err != nil {
		t.Fatalf("MarkRead again: %v", err)
	}

	n := mustCount(t, pool,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "message_receipts")+` WHERE user_id = $1 AND status = 'read'`,
		bob.String(),
	)
	if n != 2 {
		t.Fatalf("expected both receipts read, got %d", n)
	}

	other := uuid.New()
	mustAddMembers(t, pool, schema, other, mallory)
	err = st.MarkRead(ctx, MarkReadInput{ConversationID: other, UserID: mallory, MessageID: newer.MessageID})
	if !errors.Is(err, ErrForeignMessage) {
		t.Fatalf("MarkRead from another room err=%v want ErrForeignMessage", err)
	}
	n = mustCount(t, pool,
		`SELECT COUNT(*) FROM `+pgIdent(schema, "message_receipts")+` WHERE user_id = $1`,
		mallory.String(),
	)
	if n != 0 {
		t.Fatalf("expected no receipts for mallory, got %d", n)
	}

	unseen := uuid.New()
	if err := st.MarkRead(ctx, MarkReadInput{ConversationID: conv, UserID: bob, MessageID: unseen}); err != nil {
		t.Fatalf("MarkRead before persist: %v", err)
	}
}

func mustNewStore(t *testing.T, pool *pgxpool.Pool, schema string) *PostgresStore {
	t.Helper()
	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("PAPYRIS_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: PAPYRIS_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "papyris_it_" + hex.EncodeToString(b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

// mustApplySchema creates the minimal tables PostgresStore relies on.
// Migrations are owned by the REST service; this mirrors their shape.
func mustApplySchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
	defer cancel()

	members := pgIdent(schema, "conversation_members")
	messages := pgIdent(schema, "messages")
	receipts := pgIdent(schema, "message_receipts")

	schemaSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  conversation_id UUID NOT NULL,
  user_id         UUID NOT NULL,
  is_admin        BOOLEAN NOT NULL DEFAULT false,
  PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS %s (
  id              UUID PRIMARY KEY,
  conversation_id UUID NOT NULL,
  sender_id       UUID NOT NULL,
  text            TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id           BIGSERIAL PRIMARY KEY,
  message_id   UUID NOT NULL,
  user_id      UUID NOT NULL,
  status       TEXT NOT NULL CHECK (status IN ('delivered', 'read')),
  delivered_at TIMESTAMPTZ,
  read_at      TIMESTAMPTZ,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT uq_message_user_receipt UNIQUE (message_id, user_id)
);
`, members, messages, receipts)

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
}

func mustAddMembers(t *testing.T, pool *pgxpool.Pool, schema string, conv uuid.UUID, users ...uuid.UUID) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, u := range users {
		if _, err := pool.Exec(ctx,
			`INSERT INTO `+pgIdent(schema, "conversation_members")+` (conversation_id, user_id) VALUES ($1, $2)`,
			conv.String(), u.String(),
		); err != nil {
			t.Fatalf("add member: %v", err)
		}
	}
}

func mustCount(t *testing.T, pool *pgxpool.Pool, query string, args ...any) int {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n int
	if err := pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}
