package tombstone

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces tombstone keys in a shared Redis database.
const DefaultKeyPrefix = "sockjs:closed:"

// RedisStore keeps marks as expiring Redis keys. Marks outlive a process
// restart, so clients reconnecting to a restarted server with an old id are
// still told to go away.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a RedisStore writing keys prefix+id. An empty prefix
// uses DefaultKeyPrefix.
//
// Parameters:
//   - client: A connected go-redis client
//   - prefix: Key prefix
//   - ttl: Lifetime of each mark
//
// Returns:
//   - A RedisStore
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// Mark implements Store by setting prefix+id with the store's TTL.
func (s *RedisStore) Mark(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.prefix+id, 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark session %s closed: %w", id, err)
	}

	return nil
}

// IsClosed implements Store.
func (s *RedisStore) IsClosed(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check session %s: %w", id, err)
	}

	return n > 0, nil
}

// Count implements Store by scanning for prefix keys. Keys that expire
// during the scan may or may not be counted.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	count := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		count++
	}

	if err := iter.Err(); err != nil {
		return count, fmt.Errorf("failed to scan tombstones: %w", err)
	}

	return count, nil
}
