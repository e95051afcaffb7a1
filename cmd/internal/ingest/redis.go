package ingest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig names the stream, group and retention of a RedisLog.
type RedisConfig struct {
	StreamKey string
	Group     string
	DeadKey   string
	MaxLen    int64
}

func (c RedisConfig) withDefaults() RedisConfig {
	if strings.TrimSpace(c.StreamKey) == "" {
		c.StreamKey = DefaultStreamKey
	}
	if strings.TrimSpace(c.Group) == "" {
		c.Group = DefaultGroup
	}
	if strings.TrimSpace(c.DeadKey) == "" {
		c.DeadKey = DefaultDeadKey
	}
	if c.MaxLen <= 0 {
		c.MaxLen = DefaultMaxLen
	}
	return c
}

// RedisLog is a Log on Redis Streams.
//
// Ownership model: RedisLog does NOT own the client; Close is a no-op.
type RedisLog struct {
	rdb redis.UniversalClient
	cfg RedisConfig
}

// NewRedisLog constructs a RedisLog.
func NewRedisLog(rdb redis.UniversalClient, cfg RedisConfig) (*RedisLog, error) {
	if rdb == nil {
		return nil, fmt.Errorf("%w: nil redis client", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if cfg.DeadKey == cfg.StreamKey {
		return nil, fmt.Errorf("%w: dead-letter key equals stream key", ErrInvalidConfig)
	}
	return &RedisLog{rdb: rdb, cfg: cfg}, nil
}

// Config returns the effective configuration.
func (l *RedisLog) Config() RedisConfig { return l.cfg }

// Close is a no-op because the client is owned by the caller.
func (l *RedisLog) Close() error { return nil }

// Init creates the consumer group from the start of the stream, creating the
// stream if needed. An existing group is not an error.
func (l *RedisLog) Init(ctx context.Context) error {
	err := l.rdb.XGroupCreateMkStream(ctx, l.cfg.StreamKey, l.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s/%s: %w", l.cfg.StreamKey, l.cfg.Group, err)
	}
	return nil
}

// Append implements Log.
func (l *RedisLog) Append(ctx context.Context, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", ErrEmptyPayload
	}
	id, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.cfg.StreamKey,
		MaxLen: l.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{fieldData: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Consume implements Log.
func (l *RedisLog) Consume(ctx context.Context, consumer string, count int, block time.Duration) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		// go-redis treats Block=0 as "block forever".
		block = time.Millisecond
	}
	streams, err := l.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.cfg.Group,
		Consumer: consumer,
		Streams:  []string{l.cfg.StreamKey, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, entryFromMessage(m, 1))
		}
	}
	return out, nil
}

// Reclaim implements Log.
func (l *RedisLog) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]Entry, error) {
	if count <= 0 {
		count = 1
	}
	pending, err := l.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: l.cfg.StreamKey,
		Group:  l.cfg.Group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(count),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	counts := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		counts[p.ID] = p.RetryCount
	}

	msgs, err := l.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   l.cfg.StreamKey,
		Group:    l.cfg.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xclaim: %w", err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		// XCLAIM increments the delivery counter reported by XPENDING.
		out = append(out, entryFromMessage(m, counts[m.ID]+1))
	}
	return out, nil
}

// Ack implements Log.
func (l *RedisLog) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.rdb.XAck(ctx, l.cfg.StreamKey, l.cfg.Group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

// DeadLetter implements Log. The copy and the ack run in one MULTI/EXEC.
func (l *RedisLog) DeadLetter(ctx context.Context, e Entry, reason string) error {
	pipe := l.rdb.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: l.cfg.DeadKey,
		MaxLen: l.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{
			fieldData:       string(e.Payload),
			fieldReason:     reason,
			fieldSourceID:   e.ID,
			fieldDeliveries: strconv.FormatInt(e.Deliveries, 10),
		},
	})
	pipe.XAck(ctx, l.cfg.StreamKey, l.cfg.Group, e.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dead-letter %s: %w", e.ID, err)
	}
	return nil
}

func entryFromMessage(m redis.XMessage, deliveries int64) Entry {
	var payload []byte
	switch v := m.Values[fieldData].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	}
	return Entry{ID: m.ID, Payload: payload, Deliveries: deliveries}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
