// Package model defines the core domain types shared across the perps engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketConfig holds the per-market parameters owned by the external market
// manager. The engine treats these as read-only inputs; they are governable
// at any time, including while the market is suspended.
type MarketConfig struct {
	BaseAsset              string          `json:"base_asset" db:"base_asset"`
	BaseFee                decimal.Decimal `json:"base_fee" db:"base_fee"`
	BaseFeeNextPrice       decimal.Decimal `json:"base_fee_next_price" db:"base_fee_next_price"`
	MaxLeverage            decimal.Decimal `json:"max_leverage" db:"max_leverage"`
	MaxSingleSideValueUSD  decimal.Decimal `json:"max_single_side_value_usd" db:"max_single_side_value_usd"`
	MaxFundingRate         decimal.Decimal `json:"max_funding_rate" db:"max_funding_rate"`
	SkewScaleUSD           decimal.Decimal `json:"skew_scale_usd" db:"skew_scale_usd"`
	MinInitialMargin       decimal.Decimal `json:"min_initial_margin" db:"min_initial_margin"`
	MinKeeperFee           decimal.Decimal `json:"min_keeper_fee" db:"min_keeper_fee"`
	LiquidationFeeRatio    decimal.Decimal `json:"liquidation_fee_ratio" db:"liquidation_fee_ratio"`
	LiquidationBufferRatio decimal.Decimal `json:"liquidation_buffer_ratio" db:"liquidation_buffer_ratio"`
}

// Position is a trader's record in one market, keyed by (marketKey, account).
// The record is never deleted: closing or liquidating a position returns
// Size and Margin to zero while the row persists for history and auditing.
type Position struct {
	// ID is non-zero once the account has ever held margin in the market.
	// It survives modifications and ordinary closure; liquidation clears it
	// so the next deposit allocates a fresh, strictly larger id.
	ID uint64 `json:"id"`

	// Margin is the unlocked margin backing the position, in settlement
	// synth units.
	Margin decimal.Decimal `json:"margin"`

	// LockedMargin is margin carved out by the external collateral manager.
	// It cannot be withdrawn or levered, and survives liquidation untouched.
	LockedMargin decimal.Decimal `json:"locked_margin"`

	// Size is the signed base-asset quantity: positive long, negative short,
	// zero flat.
	Size decimal.Decimal `json:"size"`

	// LastPrice is the fill price at which Size/Margin were last set.
	LastPrice decimal.Decimal `json:"last_price"`

	// LastFundingIndex is the cumulative funding value at last modification.
	LastFundingIndex decimal.Decimal `json:"last_funding_index"`
}

// FundingEntry is the cumulative funding accumulator with its record time.
type FundingEntry struct {
	Funding   decimal.Decimal `json:"funding"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarketState holds the aggregate per-market scalars derived from the sum of
// all positions. Mutated exclusively through the engine.
type MarketState struct {
	LongSize  decimal.Decimal `json:"long_size"`
	ShortSize decimal.Decimal `json:"short_size"`

	// EntryDebtCorrection reconciles price-dependent skew value against the
	// true sum of position margins without an O(n) scan:
	//   marketDebt = skew*(price + funding) + EntryDebtCorrection
	EntryDebtCorrection decimal.Decimal `json:"entry_debt_correction"`

	LastFundingEntry FundingEntry `json:"last_funding_entry"`

	// LastPositionID is a monotonically increasing counter, never decremented.
	LastPositionID uint64 `json:"last_position_id"`
}

// Skew returns longSize - shortSize.
func (s *MarketState) Skew() decimal.Decimal {
	return s.LongSize.Sub(s.ShortSize)
}

// TotalSize returns longSize + shortSize.
func (s *MarketState) TotalSize() decimal.Decimal {
	return s.LongSize.Add(s.ShortSize)
}

// PositionSummary is the read-only view of a position with all derived
// quantities at the current oracle price.
type PositionSummary struct {
	MarketKey              string          `json:"market_key"`
	Account                string          `json:"account"`
	Position               Position        `json:"position"`
	RemainingMargin        decimal.Decimal `json:"remaining_margin"`
	AccruedFunding         decimal.Decimal `json:"accrued_funding"`
	ProfitLoss             decimal.Decimal `json:"profit_loss"`
	CurrentLeverage        decimal.Decimal `json:"current_leverage"`
	CanLiquidate           bool            `json:"can_liquidate"`
	ApproxLiquidationPrice decimal.Decimal `json:"approx_liquidation_price"`
	ApproxLiquidationFee   decimal.Decimal `json:"approx_liquidation_fee"`
	PriceInvalid           bool            `json:"price_invalid"`
}

// MarketSummary is the read-only aggregate view of one market.
type MarketSummary struct {
	MarketKey          string          `json:"market_key"`
	BaseAsset          string          `json:"base_asset"`
	MarketSize         decimal.Decimal `json:"market_size"`
	MarketSkew         decimal.Decimal `json:"market_skew"`
	MarketDebt         decimal.Decimal `json:"market_debt"`
	CurrentFundingRate decimal.Decimal `json:"current_funding_rate"`
	UnrecordedFunding  decimal.Decimal `json:"unrecorded_funding"`
	PriceInvalid       bool            `json:"price_invalid"`
}

// Journal entry kinds, one per observable engine event.
const (
	JournalFundingUpdated     = "funding_updated"
	JournalMarginModified     = "margin_modified"
	JournalPositionModified   = "position_modified"
	JournalPositionLiquidated = "position_liquidated"
	JournalTracking           = "tracking"
)

// JournalEntry is an immutable record of an engine event. Once created,
// these are never modified or deleted.
type JournalEntry struct {
	ID         string          `json:"id" db:"id"`
	Kind       string          `json:"kind" db:"kind"`
	MarketKey  string          `json:"market_key" db:"market_key"`
	Account    string          `json:"account" db:"account"`
	PositionID uint64          `json:"position_id" db:"position_id"`
	Margin     decimal.Decimal `json:"margin" db:"margin"`
	Size       decimal.Decimal `json:"size" db:"size"`
	SizeDelta  decimal.Decimal `json:"size_delta" db:"size_delta"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Fee        decimal.Decimal `json:"fee" db:"fee"`
	Funding    decimal.Decimal `json:"funding" db:"funding"`
	Liquidator string          `json:"liquidator,omitempty" db:"liquidator"`
	Tracking   string          `json:"tracking,omitempty" db:"tracking"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// MarketSnapshot pairs a market's identity with its persisted state.
type MarketSnapshot struct {
	MarketKey string      `json:"market_key" db:"market_key"`
	BaseAsset string      `json:"base_asset" db:"base_asset"`
	State     MarketState `json:"state"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}

// PositionSnapshot pairs a position with its (marketKey, account) key for
// persistence.
type PositionSnapshot struct {
	MarketKey string    `json:"market_key" db:"market_key"`
	Account   string    `json:"account" db:"account"`
	Position  Position  `json:"position"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
