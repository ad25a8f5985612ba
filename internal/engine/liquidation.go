package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/synth"
)

// liquidationFee is the keeper incentive term: the proportional fee on the
// position's notional, floored by the minimum keeper fee.
func liquidationFee(cfg model.MarketConfig, size, price decimal.Decimal) decimal.Decimal {
	proportional := fixed.MulDown(fixed.MulDown(size.Abs(), price), cfg.LiquidationFeeRatio)
	return fixed.Max(cfg.MinKeeperFee, proportional)
}

// liquidationMargin is the remaining margin below which a position becomes
// eligible for forced closure: the keeper fee term plus the buffer term.
func liquidationMargin(cfg model.MarketConfig, size, price decimal.Decimal) (decimal.Decimal, error) {
	if size.IsZero() {
		return decimal.Zero, ErrZeroSizePosition
	}
	buffer := fixed.MulDown(fixed.MulDown(size.Abs(), price), cfg.LiquidationBufferRatio)
	return liquidationFee(cfg, size, price).Add(buffer), nil
}

// canLiquidate reports eligibility at the given price. An invalid price is
// treated as liquidatable for safety; the mutating path independently
// refuses to execute on an invalid price.
func (e *Engine) canLiquidate(cfg model.MarketConfig, p model.Position, price, fundingNow decimal.Decimal, priceInvalid bool) (bool, error) {
	if p.Size.IsZero() {
		return false, nil
	}
	if priceInvalid {
		return true, nil
	}
	liqMargin, err := liquidationMargin(cfg, p.Size, price)
	if err != nil {
		return false, err
	}
	return remainingMargin(p, price, fundingNow).LessThanOrEqual(liqMargin), nil
}

// approxLiquidationPrice solves remainingMargin(price) = liquidationMargin
// analytically, holding the funding and fee terms at the current price.
// The result is exact only if the liquidating transaction executes at that
// same price — an intentional, documented approximation.
func approxLiquidationPrice(cfg model.MarketConfig, p model.Position, price, fundingNow decimal.Decimal) decimal.Decimal {
	if p.Size.IsZero() {
		return decimal.Zero
	}
	liqMargin, err := liquidationMargin(cfg, p.Size, price)
	if err != nil {
		return decimal.Zero
	}
	// margin + size*(P - lastPrice) + accruedFunding = liqMargin
	// P = lastPrice + (liqMargin - margin - accruedFunding) / size
	num := liqMargin.Sub(p.Margin).Sub(accruedFunding(p, fundingNow))
	return fixed.FloorZero(p.LastPrice.Add(fixed.DivDown(num, p.Size)))
}

// LiquidationMargin is the public view of the liquidation threshold at the
// current price.
func (e *Engine) LiquidationMargin(marketKey, account string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return decimal.Zero, ErrZeroSizePosition
	}
	price, err := e.validPrice(m)
	if err != nil {
		return decimal.Zero, err
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return decimal.Zero, err
	}
	return liquidationMargin(cfg, pos.Size, price)
}

// CanLiquidate is the public eligibility view.
func (e *Engine) CanLiquidate(marketKey, account string) (bool, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return false, nil
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return false, err
	}
	price, invalid := e.prices.AssetPrice(m.baseAsset)
	funding := m.state.LastFundingEntry.Funding
	if !invalid {
		funding, err = e.fundingNow(m, cfg, price)
		if err != nil {
			return false, err
		}
	}
	return e.canLiquidate(cfg, *pos, price, funding, invalid)
}

// LiquidatePosition forcibly closes an eligible position. Callable by
// anyone; the keeper fee goes to the liquidator and any remaining-margin
// surplus goes to the fee pool, never back to the liquidated account.
// Locked margin survives untouched.
func (e *Engine) LiquidatePosition(liquidator, marketKey, account string) error {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, price, err := e.mutationPrologue(m)
	if err != nil {
		return err
	}
	if err := e.recomputeFunding(m, cfg, price); err != nil {
		return err
	}
	funding := m.state.LastFundingEntry.Funding

	pos, ok := m.positions[account]
	if !ok || pos.Size.IsZero() {
		return ErrCannotLiquidate
	}
	eligible, err := e.canLiquidate(cfg, *pos, price, funding, false)
	if err != nil {
		return err
	}
	if !eligible {
		return ErrCannotLiquidate
	}

	oldPos := *pos
	remaining := remainingMargin(oldPos, price, funding)
	liqFee := liquidationFee(cfg, oldPos.Size, price)

	if err := e.synth.PayFee(liqFee, liquidator); err != nil {
		return err
	}
	if surplus := remaining.Sub(liqFee); surplus.IsPositive() {
		if err := e.synth.PayFee(surplus, synth.FeePool); err != nil {
			return err
		}
	}

	// The id stays in the reverse index; the record's id is cleared so the
	// next deposit allocates a fresh, strictly larger one.
	newPos := model.Position{
		LockedMargin:     oldPos.LockedMargin,
		LastPrice:        price,
		LastFundingIndex: funding,
	}

	m.applySizeDelta(oldPos.Size, decimal.Zero)
	m.applyDebtCorrection(oldPos, newPos)
	*pos = newPos

	e.sink.PositionModified(m.key, account, newPos, decimal.Zero, price, decimal.Zero)
	e.sink.PositionLiquidated(m.key, account, liquidator, oldPos.Size, price, liqFee)
	return nil
}
