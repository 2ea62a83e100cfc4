package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cryptosim/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Writes go to the primary store first and then
// refresh the cache; reads check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// SaveSnapshot writes through to the primary. A save is only durable once
// the primary accepted it; cache errors never fail the save.
func (s *CachedStore) SaveSnapshot(ctx context.Context, snap *model.Snapshot) error {
	if err := s.primary.SaveSnapshot(ctx, snap); err != nil {
		// Stale entries must not outlive a failed write.
		s.rdb.Del(ctx, snapshotKey(snap.UserID))
		return err
	}
	s.cacheSnapshot(ctx, snap)
	return nil
}

func (s *CachedStore) LoadSnapshot(ctx context.Context, userID string) (*model.Snapshot, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap, nil
		}
	}

	// Cache miss: read from primary.
	snap, err := s.primary.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.cacheSnapshot(ctx, snap)
	return snap, nil
}

// Invalidate drops the cached snapshot for userID.
func (s *CachedStore) Invalidate(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, snapshotKey(userID)).Err()
}

func (s *CachedStore) cacheSnapshot(ctx context.Context, snap *model.Snapshot) {
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey(snap.UserID), data, s.ttl)
	}
}

func snapshotKey(userID string) string { return fmt.Sprintf("ledger:snapshot:%s", userID) }
