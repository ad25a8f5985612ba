package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
)

// secondsPerDay converts elapsed time into the per-day funding rate's unit.
var secondsPerDay = decimal.NewFromInt(86400)

// proportionalSkew returns skew*price/skewScaleUSD. The two degenerate
// configurations fail explicitly instead of producing infinity.
func proportionalSkew(cfg model.MarketConfig, skew, price decimal.Decimal) (decimal.Decimal, error) {
	if cfg.SkewScaleUSD.Sign() <= 0 {
		return decimal.Zero, ErrZeroSkewScale
	}
	if price.IsZero() {
		if skew.IsZero() {
			return decimal.Zero, nil
		}
		return decimal.Zero, ErrZeroPrice
	}
	return fixed.DivDown(fixed.MulDown(skew, price), cfg.SkewScaleUSD), nil
}

// currentFundingRate is the instantaneous per-day funding rate, clamped to
// ±maxFundingRate. Positive skew (net long) produces a negative rate: longs
// pay shorts.
func currentFundingRate(cfg model.MarketConfig, skew, price decimal.Decimal) (decimal.Decimal, error) {
	pSkew, err := proportionalSkew(cfg, skew, price)
	if err != nil {
		return decimal.Zero, err
	}
	rate := fixed.MulDown(pSkew.Neg(), cfg.MaxFundingRate)
	return fixed.Clamp(rate, cfg.MaxFundingRate.Neg(), cfg.MaxFundingRate), nil
}

// unrecordedFunding is the per-base-unit funding accrued since the last
// recorded entry:
//
//	rate * price * elapsed/1d
//
// Funding does not accrue while the market is paused: the contribution is
// zero and only the next recompute's timestamp stamp restarts accrual.
// Caller holds the market lock.
func (e *Engine) unrecordedFunding(m *market, cfg model.MarketConfig, price decimal.Decimal) (decimal.Decimal, error) {
	if e.gate.MarketSuspended(m.key) {
		return decimal.Zero, nil
	}
	rate, err := currentFundingRate(cfg, m.state.Skew(), price)
	if err != nil {
		return decimal.Zero, err
	}
	elapsed := decimal.NewFromInt(int64(e.now().Sub(m.state.LastFundingEntry.Timestamp) / time.Second))
	if elapsed.Sign() <= 0 {
		return decimal.Zero, nil
	}
	return fixed.MulDown(fixed.MulDown(rate, price), fixed.DivDown(elapsed, secondsPerDay)), nil
}

// recomputeFunding folds unrecorded funding into the cumulative entry and
// stamps the timestamp. It is the first step of every mutating operation so
// funding is never stale when invariants are checked. Caller holds the
// market write lock.
func (e *Engine) recomputeFunding(m *market, cfg model.MarketConfig, price decimal.Decimal) error {
	unrecorded, err := e.unrecordedFunding(m, cfg, price)
	if err != nil {
		return err
	}
	m.state.LastFundingEntry = model.FundingEntry{
		Funding:   m.state.LastFundingEntry.Funding.Add(unrecorded),
		Timestamp: e.now(),
	}
	e.sink.FundingUpdated(m.key, m.state.LastFundingEntry.Funding, m.state.LastFundingEntry.Timestamp)
	return nil
}

// RecomputeFunding books funding up to now. Manager-only; also allowed
// while suspended (it then contributes zero but moves the timestamp, which
// is what freezes accrual across a pause window).
func (e *Engine) RecomputeFunding(caller, marketKey string) (model.FundingEntry, error) {
	if caller != e.manager {
		return model.FundingEntry{}, ErrNotPermitted
	}
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return model.FundingEntry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	price, err := e.validPrice(m)
	if err != nil {
		return model.FundingEntry{}, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return model.FundingEntry{}, err
	}
	if err := e.recomputeFunding(m, cfg, price); err != nil {
		return model.FundingEntry{}, err
	}
	return m.state.LastFundingEntry, nil
}

// fundingNow is the cumulative funding value including the unrecorded tail.
// Caller holds at least the market read lock.
func (e *Engine) fundingNow(m *market, cfg model.MarketConfig, price decimal.Decimal) (decimal.Decimal, error) {
	unrecorded, err := e.unrecordedFunding(m, cfg, price)
	if err != nil {
		return decimal.Zero, err
	}
	return m.state.LastFundingEntry.Funding.Add(unrecorded), nil
}

// accruedFunding is what the position has earned (positive) or owes
// (negative) since its last modification.
func accruedFunding(p model.Position, fundingNow decimal.Decimal) decimal.Decimal {
	return fixed.MulDown(p.Size, fundingNow.Sub(p.LastFundingIndex))
}

// profitLoss is the price P&L since the position's last modification.
func profitLoss(p model.Position, price decimal.Decimal) decimal.Decimal {
	return fixed.MulDown(p.Size, price.Sub(p.LastPrice))
}

// remainingMargin is margin plus P&L plus accrued funding, clamped to zero.
func remainingMargin(p model.Position, price, fundingNow decimal.Decimal) decimal.Decimal {
	return fixed.FloorZero(p.Margin.Add(profitLoss(p, price)).Add(accruedFunding(p, fundingNow)))
}

// CurrentFundingRate is the public funding-rate view.
func (e *Engine) CurrentFundingRate(marketKey string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	price, err := e.validPrice(m)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return decimal.Zero, err
	}
	return currentFundingRate(cfg, m.state.Skew(), price)
}

// ProportionalSkew is the public skew-ratio view.
func (e *Engine) ProportionalSkew(marketKey string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	price, err := e.validPrice(m)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return decimal.Zero, err
	}
	return proportionalSkew(cfg, m.state.Skew(), price)
}

// UnrecordedFunding is the public view of funding accrued since the last
// recorded entry.
func (e *Engine) UnrecordedFunding(marketKey string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	price, err := e.validPrice(m)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return decimal.Zero, err
	}
	return e.unrecordedFunding(m, cfg, price)
}

// AccruedFunding is the public view of one position's funding since its
// last modification.
func (e *Engine) AccruedFunding(marketKey, account string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return decimal.Zero, ErrNoPositionOpen
	}
	price, err := e.validPrice(m)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return decimal.Zero, err
	}
	funding, err := e.fundingNow(m, cfg, price)
	if err != nil {
		return decimal.Zero, err
	}
	return accruedFunding(*pos, funding), nil
}
