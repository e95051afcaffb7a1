package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// The online set holds user ids; the companion hash holds per-user
// connection counts. Both change in one script so they never disagree.
var (
	connectScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
if n == 1 then
  redis.call('SADD', KEYS[1], ARGV[1])
end
return n
`)

	disconnectScript = redis.NewScript(`
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('SREM', KEYS[1], ARGV[1])
  if n < 0 then
    return -1
  end
end
return n
`)
)

// RedisStore is a Store on a Redis set plus a counter hash.
//
// Ownership model: RedisStore does NOT own the client.
type RedisStore struct {
	rdb      redis.UniversalClient
	setKey   string
	countKey string
}

// NewRedisStore constructs a RedisStore rooted at key (DefaultKey when empty).
func NewRedisStore(rdb redis.UniversalClient, key string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &RedisStore{rdb: rdb, setKey: key, countKey: key + ":conns"}, nil
}

// Connect implements Store.
func (s *RedisStore) Connect(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := connectScript.Run(ctx, s.rdb, []string{s.setKey, s.countKey}, userID.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("presence connect: %w", err)
	}
	return n == 1, nil
}

// Disconnect implements Store.
func (s *RedisStore) Disconnect(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := disconnectScript.Run(ctx, s.rdb, []string{s.setKey, s.countKey}, userID.String()).Int64()
	if err != nil {
		return false, fmt.Errorf("presence disconnect: %w", err)
	}
	return n == 0, nil
}

// IsOnline implements Store.
func (s *RedisStore) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, s.setKey, userID.String()).Result()
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	return ok, nil
}

// Online implements Store. Members that are not UUIDs are skipped.
func (s *RedisStore) Online(ctx context.Context) ([]uuid.UUID, error) {
	raw, err := s.rdb.SMembers(ctx, s.setKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence list: %w", err)
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
