package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Every method runs in its own short transaction; nothing is held across
// calls to the ingest log or the broker.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// IsMember checks conversation_members for (conversationID, userID).
func (s *PostgresStore) IsMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrNilStore
	}
	if conversationID == uuid.Nil || userID == uuid.Nil {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	members := pgIdent(s.schema, "conversation_members")

	var one int
	err := s.pool.QueryRow(ctx,
		`SELECT 1 FROM `+members+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID.String(), userID.String(),
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Members lists user ids of conversationID ordered by id.
func (s *PostgresStore) Members(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNilStore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id::text FROM `+pgIdent(s.schema, "conversation_members")+`
		  WHERE conversation_id = $1
		  ORDER BY user_id`,
		conversationID.String(),
	)
	if err != nil {
		return nil, err
	}
	return collectUUIDs(rows)
}

// PersistMessage inserts the message row unless it already exists, then
// upserts one delivered receipt per non-sender member, in one transaction.
func (s *PostgresStore) PersistMessage(ctx context.Context, env Envelope) (PersistResult, error) {
	if s == nil || s.pool == nil {
		return PersistResult{}, ErrNilStore
	}
	if err := env.Validate(); err != nil {
		return PersistResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return PersistResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return PersistResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	members := pgIdent(s.schema, "conversation_members")
	receipts := pgIdent(s.schema, "message_receipts")

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+messages+` WHERE id = $1)`,
		env.MessageID.String(),
	).Scan(&exists); err != nil {
		return PersistResult{}, fmt.Errorf("message lookup: %w", err)
	}

	out := PersistResult{Duplicate: exists}

	if !exists {
		// ON CONFLICT covers a concurrent worker racing on a redelivered entry.
		ct, err := tx.Exec(ctx,
			`INSERT INTO `+messages+` (id, conversation_id, sender_id, text, created_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (id) DO NOTHING`,
			env.MessageID.String(), env.ConversationID.String(), env.SenderID.String(), env.Text, env.CreatedAt,
		)
		if err != nil {
			return PersistResult{}, fmt.Errorf("insert message: %w", err)
		}
		out.Duplicate = ct.RowsAffected() == 0
	}

	rows, err := tx.Query(ctx,
		`SELECT user_id::text FROM `+members+`
		  WHERE conversation_id = $1 AND user_id <> $2
		  ORDER BY user_id`,
		env.ConversationID.String(), env.SenderID.String(),
	)
	if err != nil {
		return PersistResult{}, fmt.Errorf("list members: %w", err)
	}
	recipients, err := collectUUIDs(rows)
	if err != nil {
		return PersistResult{}, fmt.Errorf("list members: %w", err)
	}
	out.Recipients = len(recipients)

	if len(recipients) > 0 {
		now := time.Now().UTC()
		b := &pgx.Batch{}
		for _, uid := range recipients {
			// DO NOTHING keeps a read receipt that raced ahead of the worker.
			b.Queue(
				`INSERT INTO `+receipts+` (message_id, user_id, status, delivered_at)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (message_id, user_id) DO NOTHING`,
				env.MessageID.String(), uid.String(), string(ReceiptDelivered), now,
			)
		}
		br := tx.SendBatch(ctx, b)
		for range recipients {
			ct, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return PersistResult{}, fmt.Errorf("upsert receipt: %w", err)
			}
			out.ReceiptsCreated += int(ct.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return PersistResult{}, fmt.Errorf("upsert receipt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PersistResult{}, err
	}
	return out, nil
}

// MarkRead upserts a read receipt for MessageID and promotes earlier
// delivered receipts of the same user in the conversation.
func (s *PostgresStore) MarkRead(ctx context.Context, in MarkReadInput) error {
	if s == nil || s.pool == nil {
		return ErrNilStore
	}
	if in.MessageID == uuid.Nil || in.UserID == uuid.Nil || in.ConversationID == uuid.Nil {
		return errors.New("chat: invalid read input")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	messages := pgIdent(s.schema, "messages")
	receipts := pgIdent(s.schema, "message_receipts")

	// A message not persisted yet is accepted; one persisted in another
	// conversation inserts nothing.
	ct, err := tx.Exec(ctx,
		`INSERT INTO `+receipts+` AS r (message_id, user_id, status, delivered_at, read_at)
		 SELECT $1::uuid, $2::uuid, $3::text, $4::timestamptz, $4::timestamptz
		  WHERE NOT EXISTS (
		        SELECT 1 FROM `+messages+` WHERE id = $1::uuid AND conversation_id <> $5::uuid)
		 ON CONFLICT (message_id, user_id) DO UPDATE
		    SET status = EXCLUDED.status,
		        read_at = COALESCE(r.read_at, EXCLUDED.read_at)`,
		in.MessageID.String(), in.UserID.String(), string(ReceiptRead), now, in.ConversationID.String(),
	)
	if err != nil {
		return fmt.Errorf("upsert read receipt: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrForeignMessage
	}

	// Watermark: a no-op while the referenced message is not persisted yet.
	if _, err := tx.Exec(ctx,
		`UPDATE `+receipts+` AS r
		    SET status = $1, read_at = $2
		   FROM `+messages+` AS m, `+messages+` AS last
		  WHERE r.message_id = m.id
		    AND last.id = $3
		    AND m.conversation_id = $4
		    AND r.user_id = $5
		    AND r.status = $6
		    AND m.created_at <= last.created_at`,
		string(ReceiptRead), now, in.MessageID.String(), in.ConversationID.String(), in.UserID.String(), string(ReceiptDelivered),
	); err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}

	return tx.Commit(ctx)
}

func collectUUIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse uuid %q: %w", raw, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
