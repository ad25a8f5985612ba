package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/perps-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.MarketSnapshot
	positions map[string]*model.PositionSnapshot
	journal   []model.JournalEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.MarketSnapshot),
		positions: make(map[string]*model.PositionSnapshot),
	}
}

func positionMapKey(marketKey, account string) string {
	return marketKey + "|" + account
}

func (s *MemoryStore) UpsertMarket(_ context.Context, snap *model.MarketSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy to avoid external mutation.
	copy := *snap
	s.markets[snap.MarketKey] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, marketKey string) (*model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[marketKey]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketKey)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.MarketSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketSnapshot, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, snap *model.PositionSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *snap
	s.positions[positionMapKey(snap.MarketKey, snap.Account)] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketKey, account string) (*model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionMapKey(marketKey, account)]
	if !ok {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, marketKey, account)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, marketKey string) ([]model.PositionSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.PositionSnapshot
	for _, p := range s.positions {
		if p.MarketKey == marketKey {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) AppendJournal(_ context.Context, entry *model.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.journal = append(s.journal, *entry)
	return nil
}

func (s *MemoryStore) GetJournalByMarket(_ context.Context, marketKey string, limit int) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.MarketKey == marketKey {
			result = append(result, e)
		}
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) GetJournalByAccount(_ context.Context, account string, limit int) ([]model.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.JournalEntry
	for _, e := range s.journal {
		if e.Account == account {
			result = append(result, e)
		}
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}
