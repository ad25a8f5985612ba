package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
)

// AssetPrice returns the oracle price for the market's base asset. invalid
// is true for stale prices and for uninitialized markets.
func (e *Engine) AssetPrice(marketKey string) (decimal.Decimal, bool) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, true
	}
	return e.prices.AssetPrice(m.baseAsset)
}

// PositionIDToAccount resolves a position id to its owning account. Ids of
// liquidated positions remain resolvable.
func (e *Engine) PositionIDToAccount(marketKey string, id uint64) (string, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.idOwner[id]
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrNoPositionOpen, id)
	}
	return account, nil
}

// Position returns the raw position record.
func (e *Engine) Position(marketKey, account string) (model.Position, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return model.Position{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return model.Position{}, ErrNoPositionOpen
	}
	return *pos, nil
}

// PositionSummary returns the position with every derived quantity at the
// current price. With an invalid price the derived fields are computed from
// the last known values and PriceInvalid is set.
func (e *Engine) PositionSummary(marketKey, account string) (model.PositionSummary, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return model.PositionSummary{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return model.PositionSummary{}, ErrNoPositionOpen
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return model.PositionSummary{}, err
	}

	price, invalid := e.prices.AssetPrice(m.baseAsset)
	funding := m.state.LastFundingEntry.Funding
	if !invalid {
		funding, err = e.fundingNow(m, cfg, price)
		if err != nil {
			return model.PositionSummary{}, err
		}
	}

	remaining := remainingMargin(*pos, price, funding)
	leverage := decimal.Zero
	if !pos.Size.IsZero() && remaining.IsPositive() {
		leverage = fixed.DivDown(fixed.MulDown(pos.Size.Abs(), price), remaining)
	}
	eligible, err := e.canLiquidate(cfg, *pos, price, funding, invalid)
	if err != nil {
		return model.PositionSummary{}, err
	}

	liqFee := decimal.Zero
	if !pos.Size.IsZero() {
		liqFee = liquidationFee(cfg, pos.Size, price)
	}

	return model.PositionSummary{
		MarketKey:              marketKey,
		Account:                account,
		Position:               *pos,
		RemainingMargin:        remaining,
		AccruedFunding:         accruedFunding(*pos, funding),
		ProfitLoss:             profitLoss(*pos, price),
		CurrentLeverage:        leverage,
		CanLiquidate:           eligible,
		ApproxLiquidationPrice: approxLiquidationPrice(cfg, *pos, price, funding),
		ApproxLiquidationFee:   liqFee,
		PriceInvalid:           invalid,
	}, nil
}

// MarketSummary returns the aggregate market view. marketDebt is
// skew*(price+funding) + entryDebtCorrection, clamped to zero, which
// reconciles against the sum of remaining margins.
func (e *Engine) MarketSummary(marketKey string) (model.MarketSummary, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return model.MarketSummary{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return model.MarketSummary{}, err
	}

	summary := model.MarketSummary{
		MarketKey:  marketKey,
		BaseAsset:  m.baseAsset,
		MarketSize: m.state.TotalSize(),
		MarketSkew: m.state.Skew(),
	}

	price, invalid := e.prices.AssetPrice(m.baseAsset)
	summary.PriceInvalid = invalid
	if invalid {
		return summary, nil
	}

	rate, err := currentFundingRate(cfg, m.state.Skew(), price)
	if err != nil {
		return model.MarketSummary{}, err
	}
	unrecorded, err := e.unrecordedFunding(m, cfg, price)
	if err != nil {
		return model.MarketSummary{}, err
	}
	funding := m.state.LastFundingEntry.Funding.Add(unrecorded)

	debt := fixed.MulDown(m.state.Skew(), price.Add(funding)).
		Add(m.state.EntryDebtCorrection)

	summary.CurrentFundingRate = rate
	summary.UnrecordedFunding = unrecorded
	summary.MarketDebt = fixed.FloorZero(debt)
	return summary, nil
}

// Snapshot exports a market's state and positions for persistence. The API
// layer write-throughs these after each mutation.
func (e *Engine) Snapshot(marketKey string) (model.MarketSnapshot, []model.PositionSnapshot, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return model.MarketSnapshot{}, nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := model.MarketSnapshot{
		MarketKey: marketKey,
		BaseAsset: m.baseAsset,
		State:     m.state,
		UpdatedAt: e.now(),
	}
	positions := make([]model.PositionSnapshot, 0, len(m.positions))
	for account, pos := range m.positions {
		positions = append(positions, model.PositionSnapshot{
			MarketKey: marketKey,
			Account:   account,
			Position:  *pos,
			UpdatedAt: snap.UpdatedAt,
		})
	}
	return snap, positions, nil
}

// Restore loads a market and its positions from persisted snapshots,
// bypassing the manager permission check (boot-time only). The id reverse
// index is rebuilt from live positions; ids of previously liquidated
// positions resolve through the journal instead.
func (e *Engine) Restore(snap model.MarketSnapshot, positions []model.PositionSnapshot) error {
	if snap.MarketKey == "" {
		return ErrEmptyMarketKey
	}
	if snap.BaseAsset == "" {
		return ErrEmptyAssetKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m := &market{
		key:       snap.MarketKey,
		baseAsset: snap.BaseAsset,
		state:     snap.State,
		positions: make(map[string]*model.Position, len(positions)),
		idOwner:   make(map[uint64]string, len(positions)),
	}
	for _, ps := range positions {
		pos := ps.Position
		m.positions[ps.Account] = &pos
		if pos.ID != 0 {
			m.idOwner[pos.ID] = ps.Account
		}
	}
	e.markets[snap.MarketKey] = m
	return nil
}
