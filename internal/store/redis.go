package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/perps-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and refresh or invalidate the
// cache; reads check Redis first then fall back to the primary.
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

// --- Write-through (write to primary, refresh cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, snap *model.MarketSnapshot) error {
	if err := s.primary.UpsertMarket(ctx, snap); err != nil {
		return err
	}
	s.cacheJSON(ctx, marketCacheKey(snap.MarketKey), snap)
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, snap *model.PositionSnapshot) error {
	if err := s.primary.UpsertPosition(ctx, snap); err != nil {
		return err
	}
	s.cacheJSON(ctx, positionCacheKey(snap.MarketKey, snap.Account), snap)
	return nil
}

func (s *CachedStore) AppendJournal(ctx context.Context, entry *model.JournalEntry) error {
	return s.primary.AppendJournal(ctx, entry)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, marketKey string) (*model.MarketSnapshot, error) {
	data, err := s.rdb.Get(ctx, marketCacheKey(marketKey)).Bytes()
	if err == nil {
		var m model.MarketSnapshot
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, marketKey)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, marketCacheKey(marketKey), m)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, marketKey, account string) (*model.PositionSnapshot, error) {
	data, err := s.rdb.Get(ctx, positionCacheKey(marketKey, account)).Bytes()
	if err == nil {
		var p model.PositionSnapshot
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, marketKey, account)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionCacheKey(marketKey, account), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.MarketSnapshot, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context, marketKey string) ([]model.PositionSnapshot, error) {
	return s.primary.ListPositions(ctx, marketKey)
}

func (s *CachedStore) GetJournalByMarket(ctx context.Context, marketKey string, limit int) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByMarket(ctx, marketKey, limit)
}

func (s *CachedStore) GetJournalByAccount(ctx context.Context, account string, limit int) ([]model.JournalEntry, error) {
	return s.primary.GetJournalByAccount(ctx, account, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketCacheKey(marketKey string) string { return fmt.Sprintf("market:%s", marketKey) }
func positionCacheKey(marketKey, account string) string {
	return fmt.Sprintf("position:%s:%s", marketKey, account)
}
