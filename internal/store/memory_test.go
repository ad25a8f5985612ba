package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/model"
)

func TestMemoryStore_MarketRoundtrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.GetMarket(ctx, "hBTC-PERP"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	snap := &model.MarketSnapshot{
		MarketKey: "hBTC-PERP",
		BaseAsset: "hBTC",
		State: model.MarketState{
			LongSize:            decimal.NewFromInt(50),
			ShortSize:           decimal.NewFromInt(30),
			EntryDebtCorrection: decimal.NewFromInt(-4015),
			LastPositionID:      7,
		},
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertMarket(ctx, snap); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Mutating the caller's copy must not affect the stored one.
	snap.State.LongSize = decimal.NewFromInt(999)

	got, err := s.GetMarket(ctx, "hBTC-PERP")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.State.LongSize.Equal(decimal.NewFromInt(50)) {
		t.Errorf("long size = %s, want stored 50", got.State.LongSize)
	}
	if got.State.LastPositionID != 7 {
		t.Errorf("last position id = %d, want 7", got.State.LastPositionID)
	}

	// Upsert replaces.
	snap.MarketKey = "hBTC-PERP"
	if err := s.UpsertMarket(ctx, snap); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, _ = s.GetMarket(ctx, "hBTC-PERP")
	if !got.State.LongSize.Equal(decimal.NewFromInt(999)) {
		t.Errorf("long size after replace = %s, want 999", got.State.LongSize)
	}

	markets, err := s.ListMarkets(ctx)
	if err != nil || len(markets) != 1 {
		t.Errorf("list = %d markets (%v), want 1", len(markets), err)
	}
}

func TestMemoryStore_Positions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, account := range []string{"alice", "bob"} {
		err := s.UpsertPosition(ctx, &model.PositionSnapshot{
			MarketKey: "hBTC-PERP",
			Account:   account,
			Position:  model.Position{ID: 1, Margin: decimal.NewFromInt(100)},
		})
		if err != nil {
			t.Fatalf("upsert %s: %v", account, err)
		}
	}
	if err := s.UpsertPosition(ctx, &model.PositionSnapshot{
		MarketKey: "hETH-PERP",
		Account:   "alice",
		Position:  model.Position{ID: 1},
	}); err != nil {
		t.Fatalf("upsert other market: %v", err)
	}

	p, err := s.GetPosition(ctx, "hBTC-PERP", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.Position.Margin.Equal(decimal.NewFromInt(100)) {
		t.Errorf("margin = %s, want 100", p.Position.Margin)
	}

	positions, err := s.ListPositions(ctx, "hBTC-PERP")
	if err != nil || len(positions) != 2 {
		t.Errorf("list = %d positions (%v), want 2", len(positions), err)
	}

	if _, err := s.GetPosition(ctx, "hBTC-PERP", "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_Journal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	entries := []model.JournalEntry{
		{ID: "1", Kind: model.JournalMarginModified, MarketKey: "hBTC-PERP", Account: "alice"},
		{ID: "2", Kind: model.JournalPositionModified, MarketKey: "hBTC-PERP", Account: "alice"},
		{ID: "3", Kind: model.JournalPositionModified, MarketKey: "hETH-PERP", Account: "bob"},
	}
	for i := range entries {
		if err := s.AppendJournal(ctx, &entries[i]); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byMarket, err := s.GetJournalByMarket(ctx, "hBTC-PERP", 0)
	if err != nil || len(byMarket) != 2 {
		t.Fatalf("by market = %d entries (%v), want 2", len(byMarket), err)
	}
	if byMarket[0].ID != "1" || byMarket[1].ID != "2" {
		t.Errorf("order = %s,%s, want oldest first", byMarket[0].ID, byMarket[1].ID)
	}

	limited, err := s.GetJournalByMarket(ctx, "hBTC-PERP", 1)
	if err != nil || len(limited) != 1 {
		t.Errorf("limited = %d entries (%v), want 1", len(limited), err)
	}

	byAccount, err := s.GetJournalByAccount(ctx, "bob", 0)
	if err != nil || len(byAccount) != 1 || byAccount[0].MarketKey != "hETH-PERP" {
		t.Errorf("by account = %+v (%v), want bob's single entry", byAccount, err)
	}
}
