package engine

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/synth"
)

// ExecOptions carries the orders router's pre-determined execution terms.
// The engine is agnostic to how the fill price was derived: spot and
// next-price orders differ only in FeeRate and PriceDelta.
type ExecOptions struct {
	FeeRate      decimal.Decimal
	PriceDelta   decimal.Decimal
	TrackingCode string
}

// TradeDetails is the outcome of a trade or its simulation. On a non-Ok
// Status the numeric fields are zero; only Status carries information.
type TradeDetails struct {
	Margin           decimal.Decimal `json:"margin"`
	Size             decimal.Decimal `json:"size"`
	Fee              decimal.Decimal `json:"fee"`
	Price            decimal.Decimal `json:"price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	Status           Status          `json:"status"`
}

// tradeDetails runs the shared trade algorithm against a copy of the
// position. The mutating and simulation paths both call it, so they compute
// identical numbers from identical inputs. Caller holds the market lock.
func (e *Engine) tradeDetails(m *market, cfg model.MarketConfig, pos model.Position,
	price, fundingNow, sizeDelta decimal.Decimal, opts ExecOptions) (model.Position, TradeDetails) {

	reject := func(s Status) (model.Position, TradeDetails) {
		return pos, TradeDetails{Status: s}
	}

	// A zero size or a negative fee rate is a malformed order.
	if sizeDelta.IsZero() || opts.FeeRate.IsNegative() {
		return reject(NilOrder)
	}

	fillPrice := price.Add(opts.PriceDelta)
	fee := fixed.MulDown(fixed.MulDown(sizeDelta.Abs(), fillPrice), opts.FeeRate)

	// Settle funding and P&L into margin at the fill price, then charge the
	// fee. A fee that alone wipes the margin fails before any size checks.
	newPos := realizePosition(pos, fillPrice, fundingNow)
	newPos.Margin = newPos.Margin.Sub(fee)
	if newPos.Margin.IsNegative() {
		return reject(InsufficientMargin)
	}

	// The old position, fee already deducted, must not already be
	// liquidatable at the oracle price.
	if !pos.Size.IsZero() {
		liqMargin, err := liquidationMargin(cfg, pos.Size, price)
		if err != nil {
			return reject(InsufficientMargin)
		}
		if fixed.FloorZero(newPos.Margin).LessThanOrEqual(liqMargin) {
			return reject(CanLiquidate)
		}
	}

	newPos.Size = pos.Size.Add(sizeDelta)

	if !newPos.Size.IsZero() {
		if newPos.Margin.IsZero() {
			return reject(InsufficientMargin)
		}
		notional := fixed.MulDown(newPos.Size.Abs(), fillPrice)
		if fixed.DivDown(notional, newPos.Margin).GreaterThan(cfg.MaxLeverage) {
			return reject(MaxLeverageExceeded)
		}
	}

	// Single-side value cap, skipped for orders that strictly reduce
	// absolute exposure (the reduce-only exemption).
	increasesExposure := newPos.Size.Abs().GreaterThan(pos.Size.Abs()) ||
		!fixed.SameSide(newPos.Size, pos.Size)
	if increasesExposure && cfg.MaxSingleSideValueUSD.IsPositive() {
		long, short := m.state.LongSize, m.state.ShortSize
		if pos.Size.IsPositive() {
			long = long.Sub(pos.Size)
		} else if pos.Size.IsNegative() {
			short = short.Sub(pos.Size.Abs())
		}
		var sideSize decimal.Decimal
		if newPos.Size.IsPositive() {
			sideSize = long.Add(newPos.Size)
		} else {
			sideSize = short.Add(newPos.Size.Abs())
		}
		if fixed.MulDown(sideSize, price).GreaterThan(cfg.MaxSingleSideValueUSD) {
			return reject(MaxMarketSizeExceeded)
		}
	}

	return newPos, TradeDetails{
		Margin:           newPos.Margin,
		Size:             newPos.Size,
		Fee:              fee,
		Price:            fillPrice,
		LiquidationPrice: approxLiquidationPrice(cfg, newPos, price, fundingNow),
		Status:           Ok,
	}
}

// Trade executes an order fill against the current oracle price plus the
// router's price delta. Router-only.
func (e *Engine) Trade(caller, marketKey, account string, sizeDelta decimal.Decimal, opts ExecOptions) (TradeDetails, error) {
	if caller != e.router {
		return TradeDetails{Status: NotPermitted}, ErrNotPermitted
	}
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return TradeDetails{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, price, err := e.mutationPrologue(m)
	if err != nil {
		if err == ErrInvalidPrice {
			return TradeDetails{Status: InvalidPrice}, err
		}
		return TradeDetails{}, err
	}
	if err := e.recomputeFunding(m, cfg, price); err != nil {
		return TradeDetails{}, err
	}
	funding := m.state.LastFundingEntry.Funding

	oldPos := m.positionCopy(account)

	newPos, details := e.tradeDetails(m, cfg, oldPos, price, funding, sizeDelta, opts)
	if details.Status != Ok {
		return details, details.Status.Err()
	}

	if err := e.synth.PayFee(details.Fee, synth.FeePool); err != nil {
		return TradeDetails{}, err
	}

	m.applySizeDelta(oldPos.Size, newPos.Size)
	m.applyDebtCorrection(oldPos, newPos)
	m.storePosition(account, newPos)

	e.sink.PositionModified(m.key, account, newPos, sizeDelta, details.Price, details.Fee)
	if opts.TrackingCode != "" {
		e.sink.Tracking(opts.TrackingCode, m.key, account, sizeDelta, details.Price, details.Fee)
	}
	return details, nil
}

// PostTradeDetails simulates Trade without mutating state. The orders
// router uses it to pre-validate orders; given identical inputs it returns
// exactly the numbers Trade would commit.
func (e *Engine) PostTradeDetails(marketKey, account string, sizeDelta decimal.Decimal, opts ExecOptions) (TradeDetails, error) {
	m, err := e.marketByKey(marketKey)
	if err != nil {
		return TradeDetails{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	price, invalid := e.prices.AssetPrice(m.baseAsset)
	if invalid {
		return TradeDetails{Status: InvalidPrice}, nil
	}
	cfg, err := e.configs.Config(marketKey)
	if err != nil {
		return TradeDetails{}, err
	}
	funding, err := e.fundingNow(m, cfg, price)
	if err != nil {
		return TradeDetails{}, err
	}

	var pos model.Position
	if p, ok := m.positions[account]; ok {
		pos = *p
	}
	_, details := e.tradeDetails(m, cfg, pos, price, funding, sizeDelta, opts)
	return details, nil
}
