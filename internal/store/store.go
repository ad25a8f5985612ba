// Package store defines the persistence interface for the perps engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/perps-engine/internal/model"
)

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine itself is the source of
// truth at runtime; the store is written through after each mutation and
// read back only at boot.
type Store interface {
	// --- Market snapshots ---

	// UpsertMarket persists a market's aggregate state.
	UpsertMarket(ctx context.Context, snap *model.MarketSnapshot) error

	// GetMarket retrieves a market snapshot by its key.
	GetMarket(ctx context.Context, marketKey string) (*model.MarketSnapshot, error)

	// ListMarkets returns all persisted markets.
	ListMarkets(ctx context.Context) ([]model.MarketSnapshot, error)

	// --- Position snapshots ---

	// UpsertPosition persists one account's position record.
	UpsertPosition(ctx context.Context, snap *model.PositionSnapshot) error

	// GetPosition retrieves a position snapshot.
	GetPosition(ctx context.Context, marketKey, account string) (*model.PositionSnapshot, error)

	// ListPositions returns all position records of a market.
	ListPositions(ctx context.Context, marketKey string) ([]model.PositionSnapshot, error)

	// --- Immutable journal ---

	// AppendJournal appends an immutable event record.
	AppendJournal(ctx context.Context, entry *model.JournalEntry) error

	// GetJournalByMarket returns a market's events, oldest first.
	GetJournalByMarket(ctx context.Context, marketKey string, limit int) ([]model.JournalEntry, error)

	// GetJournalByAccount returns an account's events across markets,
	// oldest first.
	GetJournalByAccount(ctx context.Context, account string, limit int) ([]model.JournalEntry, error)
}
