package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
)

// realizePosition folds P&L and accrued funding into margin and rebases
// lastPrice/lastFundingIndex on the current values. Margin transfers, locks,
// and trades all realize first so every subsequent check runs against settled
// margin. The returned margin may be negative; callers decide how to reject.
func realizePosition(p model.Position, price, fundingNow decimal.Decimal) model.Position {
	p.Margin = p.Margin.Add(profitLoss(p, price)).Add(accruedFunding(p, fundingNow))
	p.LastPrice = price
	p.LastFundingIndex = fundingNow
	return p
}

// checkOpenPositionMargin applies the margin constraints for a non-flat
// position after a margin-only change (transfer or lock): the position must
// not be immediately liquidatable, must keep the minimum initial margin, and
// must stay within the leverage cap.
func checkOpenPositionMargin(cfg model.MarketConfig, p model.Position, price decimal.Decimal) error {
	liqMargin, err := liquidationMargin(cfg, p.Size, price)
	if err != nil {
		return err
	}
	remaining := fixed.FloorZero(p.Margin)
	if remaining.LessThanOrEqual(liqMargin) {
		return ErrCanLiquidate
	}
	if remaining.LessThan(cfg.MinInitialMargin) {
		return ErrInsufficientMargin
	}
	notional := fixed.MulDown(p.Size.Abs(), price)
	if fixed.DivDown(notional, remaining).GreaterThan(cfg.MaxLeverage) {
		return ErrInsufficientMargin
	}
	return nil
}

// TransferMargin moves settlement synth between the account's wallet and its
// margin. Positive deltas burn synth into margin; negative deltas mint it
// back out. Router-only.
func (e *Engine) TransferMargin(caller, marketKey, account string, marginDelta decimal.Decimal) error {
	if caller != e.router {
		return ErrNotPermitted
	}
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

	oldPos := m.positionCopy(account)

	newPos := realizePosition(oldPos, price, funding)
	newPos.Margin = newPos.Margin.Add(marginDelta)

	// A withdrawal that would leave a flat position with negative margin is
	// an insufficient-margin rejection, never a liquidation condition.
	if newPos.Margin.IsNegative() {
		return ErrInsufficientMargin
	}
	if !newPos.Size.IsZero() {
		if err := checkOpenPositionMargin(cfg, newPos, price); err != nil {
			return err
		}
	}

	// Realize the synth movement before committing; a failed burn (e.g.
	// insufficient wallet balance) aborts with no position change.
	switch marginDelta.Sign() {
	case 1:
		if err := e.synth.Burn(account, marginDelta); err != nil {
			return err
		}
	case -1:
		if err := e.synth.Mint(account, marginDelta.Neg()); err != nil {
			return err
		}
	}

	if newPos.ID == 0 {
		newPos.ID = m.allocateID(account)
	}

	m.applyDebtCorrection(oldPos, newPos)
	m.storePosition(account, newPos)

	e.sink.MarginModified(m.key, account, marginDelta)
	e.sink.PositionModified(m.key, account, newPos, decimal.Zero, price, decimal.Zero)
	return nil
}

// ModifyLockedMargin moves margin into or out of the locked bucket
// (lockDelta) and/or burns locked margin out of the market's accounting
// entirely (burnDelta, collateral seizure). Router-only.
func (e *Engine) ModifyLockedMargin(caller, marketKey, account string, lockDelta, burnDelta decimal.Decimal) error {
	if caller != e.router {
		return ErrNotPermitted
	}
	if lockDelta.IsZero() && burnDelta.IsZero() {
		return ErrZeroModification
	}
	if burnDelta.IsNegative() {
		return ErrNegativeBurn
	}
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
	if !ok || pos.ID == 0 {
		return ErrNoPositionOpen
	}
	oldPos := *pos

	newPos := realizePosition(oldPos, price, funding)
	newPos.LockedMargin = newPos.LockedMargin.Add(lockDelta).Sub(burnDelta)
	if newPos.LockedMargin.IsNegative() {
		return ErrNegativeLockedMargin
	}
	newPos.Margin = newPos.Margin.Sub(lockDelta)
	if newPos.Margin.IsNegative() {
		return ErrInsufficientMargin
	}
	if !newPos.Size.IsZero() {
		if err := checkOpenPositionMargin(cfg, newPos, price); err != nil {
			return err
		}
	}

	// Locking is debt-neutral (value moves between buckets); burning drops
	// the correction by exactly burnDelta via the position transition.
	m.applyDebtCorrection(oldPos, newPos)
	m.storePosition(account, newPos)

	e.sink.PositionModified(m.key, account, newPos, decimal.Zero, price, decimal.Zero)
	return nil
}

// WithdrawableMargin is the largest amount transferable out without
// violating the minimum-initial-margin, leverage, or liquidation
// constraints for the current position. The entire margin is withdrawable
// when the position is flat.
func (e *Engine) WithdrawableMargin(marketKey, account string) (decimal.Decimal, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return decimal.Zero, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, ok := m.positions[account]
	if !ok {
		return decimal.Zero, nil
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

	remaining := remainingMargin(*pos, price, funding)
	if pos.Size.IsZero() {
		return remaining, nil
	}

	liqMargin, err := liquidationMargin(cfg, pos.Size, price)
	if err != nil {
		return decimal.Zero, err
	}
	// The liquidation bound is strict: a position resting at exactly
	// liqMargin is already liquidatable, so the lowest margin a withdrawal
	// may leave behind is one step above it. The min-initial-margin and
	// leverage bounds are inclusive.
	notional := fixed.MulDown(pos.Size.Abs(), price)
	floor := fixed.Max(cfg.MinInitialMargin,
		fixed.Max(liqMargin.Add(fixed.Step), fixed.DivDown(notional, cfg.MaxLeverage)))

	return fixed.FloorZero(remaining.Sub(floor)), nil
}
