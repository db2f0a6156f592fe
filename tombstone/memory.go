package tombstone

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps marks in process memory using go-cache.
type MemoryStore struct {
	cache *cache.Cache
}

// NewMemoryStore creates a MemoryStore whose marks expire after ttl. Expired
// marks are purged every cleanupInterval.
func NewMemoryStore(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &MemoryStore{cache: cache.New(ttl, cleanupInterval)}
}

// Mark implements Store. The mark expires after the store's TTL.
func (s *MemoryStore) Mark(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.cache.SetDefault(id, struct{}{})
	return nil
}

// IsClosed implements Store.
func (s *MemoryStore) IsClosed(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, found := s.cache.Get(id)
	return found, nil
}

// Count implements Store. It may include marks that expired but were not yet purged.
func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return s.cache.ItemCount(), nil
}
