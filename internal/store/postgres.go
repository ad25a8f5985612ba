package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, m *model.MarketSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (market_key, base_asset, long_size, short_size, entry_debt_correction, funding, funding_at, last_position_id, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, $9)
		 ON CONFLICT (market_key) DO UPDATE SET
		   long_size = EXCLUDED.long_size,
		   short_size = EXCLUDED.short_size,
		   entry_debt_correction = EXCLUDED.entry_debt_correction,
		   funding = EXCLUDED.funding,
		   funding_at = EXCLUDED.funding_at,
		   last_position_id = EXCLUDED.last_position_id,
		   updated_at = EXCLUDED.updated_at`,
		m.MarketKey, m.BaseAsset,
		m.State.LongSize.String(), m.State.ShortSize.String(),
		m.State.EntryDebtCorrection.String(),
		m.State.LastFundingEntry.Funding.String(), m.State.LastFundingEntry.Timestamp,
		m.State.LastPositionID, m.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, marketKey string) (*model.MarketSnapshot, error) {
	var m model.MarketSnapshot
	var longSize, shortSize, correction, funding string

	err := s.pool.QueryRow(ctx,
		`SELECT market_key, base_asset,
		        long_size::TEXT, short_size::TEXT, entry_debt_correction::TEXT,
		        funding::TEXT, funding_at, last_position_id, updated_at
		 FROM markets WHERE market_key = $1`, marketKey).
		Scan(&m.MarketKey, &m.BaseAsset,
			&longSize, &shortSize, &correction,
			&funding, &m.State.LastFundingEntry.Timestamp,
			&m.State.LastPositionID, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, marketKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", marketKey, err)
	}

	m.State.LongSize, _ = decimal.NewFromString(longSize)
	m.State.ShortSize, _ = decimal.NewFromString(shortSize)
	m.State.EntryDebtCorrection, _ = decimal.NewFromString(correction)
	m.State.LastFundingEntry.Funding, _ = decimal.NewFromString(funding)

	return &m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.MarketSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_key, base_asset,
		        long_size::TEXT, short_size::TEXT, entry_debt_correction::TEXT,
		        funding::TEXT, funding_at, last_position_id, updated_at
		 FROM markets ORDER BY market_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketSnapshot
	for rows.Next() {
		var m model.MarketSnapshot
		var longSize, shortSize, correction, funding string
		if err := rows.Scan(&m.MarketKey, &m.BaseAsset,
			&longSize, &shortSize, &correction,
			&funding, &m.State.LastFundingEntry.Timestamp,
			&m.State.LastPositionID, &m.UpdatedAt); err != nil {
			return nil, err
		}
		m.State.LongSize, _ = decimal.NewFromString(longSize)
		m.State.ShortSize, _ = decimal.NewFromString(shortSize)
		m.State.EntryDebtCorrection, _ = decimal.NewFromString(correction)
		m.State.LastFundingEntry.Funding, _ = decimal.NewFromString(funding)
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.PositionSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_key, account, position_id, margin, locked_margin, size, last_price, last_funding_index, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)
		 ON CONFLICT (market_key, account) DO UPDATE SET
		   position_id = EXCLUDED.position_id,
		   margin = EXCLUDED.margin,
		   locked_margin = EXCLUDED.locked_margin,
		   size = EXCLUDED.size,
		   last_price = EXCLUDED.last_price,
		   last_funding_index = EXCLUDED.last_funding_index,
		   updated_at = EXCLUDED.updated_at`,
		p.MarketKey, p.Account, p.Position.ID,
		p.Position.Margin.String(), p.Position.LockedMargin.String(),
		p.Position.Size.String(), p.Position.LastPrice.String(),
		p.Position.LastFundingIndex.String(), p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketKey, account string) (*model.PositionSnapshot, error) {
	var p model.PositionSnapshot
	var margin, locked, size, lastPrice, lastFunding string

	err := s.pool.QueryRow(ctx,
		`SELECT market_key, account, position_id,
		        margin::TEXT, locked_margin::TEXT, size::TEXT,
		        last_price::TEXT, last_funding_index::TEXT, updated_at
		 FROM positions WHERE market_key = $1 AND account = $2`, marketKey, account).
		Scan(&p.MarketKey, &p.Account, &p.Position.ID,
			&margin, &locked, &size, &lastPrice, &lastFunding, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s/%s", ErrNotFound, marketKey, account)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", marketKey, account, err)
	}

	p.Position.Margin, _ = decimal.NewFromString(margin)
	p.Position.LockedMargin, _ = decimal.NewFromString(locked)
	p.Position.Size, _ = decimal.NewFromString(size)
	p.Position.LastPrice, _ = decimal.NewFromString(lastPrice)
	p.Position.LastFundingIndex, _ = decimal.NewFromString(lastFunding)

	return &p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, marketKey string) ([]model.PositionSnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_key, account, position_id,
		        margin::TEXT, locked_margin::TEXT, size::TEXT,
		        last_price::TEXT, last_funding_index::TEXT, updated_at
		 FROM positions WHERE market_key = $1 ORDER BY position_id`, marketKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PositionSnapshot
	for rows.Next() {
		var p model.PositionSnapshot
		var margin, locked, size, lastPrice, lastFunding string
		if err := rows.Scan(&p.MarketKey, &p.Account, &p.Position.ID,
			&margin, &locked, &size, &lastPrice, &lastFunding, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Position.Margin, _ = decimal.NewFromString(margin)
		p.Position.LockedMargin, _ = decimal.NewFromString(locked)
		p.Position.Size, _ = decimal.NewFromString(size)
		p.Position.LastPrice, _ = decimal.NewFromString(lastPrice)
		p.Position.LastFundingIndex, _ = decimal.NewFromString(lastFunding)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) AppendJournal(ctx context.Context, e *model.JournalEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal (id, kind, market_key, account, position_id, margin, size, size_delta, price, fee, funding, liquidator, tracking, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13, $14)`,
		e.ID, e.Kind, e.MarketKey, e.Account, e.PositionID,
		e.Margin.String(), e.Size.String(), e.SizeDelta.String(),
		e.Price.String(), e.Fee.String(), e.Funding.String(),
		e.Liquidator, e.Tracking, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) GetJournalByMarket(ctx context.Context, marketKey string, limit int) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market_key, account, position_id,
		        margin::TEXT, size::TEXT, size_delta::TEXT,
		        price::TEXT, fee::TEXT, funding::TEXT,
		        liquidator, tracking, timestamp
		 FROM journal WHERE market_key = $1 ORDER BY timestamp LIMIT $2`,
		marketKey, journalLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

func (s *PostgresStore) GetJournalByAccount(ctx context.Context, account string, limit int) ([]model.JournalEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, market_key, account, position_id,
		        margin::TEXT, size::TEXT, size_delta::TEXT,
		        price::TEXT, fee::TEXT, funding::TEXT,
		        liquidator, tracking, timestamp
		 FROM journal WHERE account = $1 ORDER BY timestamp LIMIT $2`,
		account, journalLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJournalEntries(rows)
}

const defaultJournalLimit = 1000

func journalLimit(limit int) int {
	if limit <= 0 {
		return defaultJournalLimit
	}
	return limit
}

// scanJournalEntries reads pgx rows into JournalEntry slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanJournalEntries(rows pgxRows) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	for rows.Next() {
		var e model.JournalEntry
		var margin, size, sizeDelta, price, fee, funding string

		if err := rows.Scan(&e.ID, &e.Kind, &e.MarketKey, &e.Account, &e.PositionID,
			&margin, &size, &sizeDelta, &price, &fee, &funding,
			&e.Liquidator, &e.Tracking, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Margin, _ = decimal.NewFromString(margin)
		e.Size, _ = decimal.NewFromString(size)
		e.SizeDelta, _ = decimal.NewFromString(sizeDelta)
		e.Price, _ = decimal.NewFromString(price)
		e.Fee, _ = decimal.NewFromString(fee)
		e.Funding, _ = decimal.NewFromString(funding)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}
