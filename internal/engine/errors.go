package engine

import "errors"

// Engine errors. Every failure is a rejection, never a corruption: no
// operation leaves partial state behind one of these.
var (
	// ErrInvalidPrice is returned when the oracle price is stale or invalid.
	// Blocks every mutating call and liquidation.
	ErrInvalidPrice = errors.New("engine: invalid price")

	// ErrNotPermitted is returned when the caller is not the authorized
	// manager or orders router for a privileged call.
	ErrNotPermitted = errors.New("engine: not permitted")

	// ErrNilOrder is returned for a zero-size trade.
	ErrNilOrder = errors.New("engine: nil order")

	// ErrInsufficientMargin is returned when resulting or pre-existing
	// margin falls below the required minimum.
	ErrInsufficientMargin = errors.New("engine: insufficient margin")

	// ErrMaxLeverageExceeded is returned when post-trade leverage exceeds
	// the market's cap.
	ErrMaxLeverageExceeded = errors.New("engine: max leverage exceeded")

	// ErrMaxMarketSizeExceeded is returned when a side's notional value
	// would exceed the market cap. Orders that strictly reduce exposure
	// are exempt.
	ErrMaxMarketSizeExceeded = errors.New("engine: max market size exceeded")

	// ErrCanLiquidate is returned when an operation would act on a
	// position that is already eligible for liquidation.
	ErrCanLiquidate = errors.New("engine: position can be liquidated")

	// ErrCannotLiquidate is returned when liquidation is requested for a
	// position that is not eligible.
	ErrCannotLiquidate = errors.New("engine: position cannot be liquidated")

	// ErrSystemSuspended gates every mutating call while the whole system
	// is paused.
	ErrSystemSuspended = errors.New("engine: system is suspended")

	// ErrMarketSuspended gates mutating calls against one paused market.
	ErrMarketSuspended = errors.New("engine: market suspended")

	// ErrNoPositionOpen is returned for position operations against an
	// account with no record in the market.
	ErrNoPositionOpen = errors.New("engine: no position open")

	// Configuration / integration errors, surfaced explicitly rather than
	// as undefined arithmetic.
	ErrZeroSkewScale        = errors.New("engine: skew scale is zero")
	ErrZeroPrice            = errors.New("engine: price can't be zero")
	ErrEmptyMarketKey       = errors.New("engine: market key cannot be empty")
	ErrEmptyAssetKey        = errors.New("engine: asset key cannot be empty")
	ErrZeroSizePosition     = errors.New("engine: 0 size position")
	ErrZeroModification     = errors.New("engine: zero modification amounts")
	ErrNegativeBurn         = errors.New("engine: burn amount negative")
	ErrNegativeLockedMargin = errors.New("engine: new locked margin negative")
	ErrMarketNotInitialized = errors.New("engine: market not initialized")
	ErrBaseAssetMismatch    = errors.New("engine: base asset mismatch")
)

// Status is the enumerated outcome of a (simulated) trade, so the orders
// router can distinguish retryable conditions (price staleness) from
// terminal ones without string matching.
type Status int

const (
	Ok Status = iota
	InvalidPrice
	CanLiquidate
	CannotLiquidate
	MaxMarketSizeExceeded
	MaxLeverageExceeded
	InsufficientMargin
	NotPermitted
	NilOrder
	NoPositionOpen
)

var statusNames = map[Status]string{
	Ok:                    "ok",
	InvalidPrice:          "invalid_price",
	CanLiquidate:          "can_liquidate",
	CannotLiquidate:       "cannot_liquidate",
	MaxMarketSizeExceeded: "max_market_size_exceeded",
	MaxLeverageExceeded:   "max_leverage_exceeded",
	InsufficientMargin:    "insufficient_margin",
	NotPermitted:          "not_permitted",
	NilOrder:              "nil_order",
	NoPositionOpen:        "no_position_open",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Err maps a non-Ok status to its engine error. Ok maps to nil.
func (s Status) Err() error {
	switch s {
	case Ok:
		return nil
	case InvalidPrice:
		return ErrInvalidPrice
	case CanLiquidate:
		return ErrCanLiquidate
	case CannotLiquidate:
		return ErrCannotLiquidate
	case MaxMarketSizeExceeded:
		return ErrMaxMarketSizeExceeded
	case MaxLeverageExceeded:
		return ErrMaxLeverageExceeded
	case InsufficientMargin:
		return ErrInsufficientMargin
	case NotPermitted:
		return ErrNotPermitted
	case NilOrder:
		return ErrNilOrder
	case NoPositionOpen:
		return ErrNoPositionOpen
	}
	return errors.New("engine: unknown status")
}

// StatusFor maps a trade-path error to its Status. The trade path only
// produces errors from the taxonomy above; anything else falls back to
// InsufficientMargin rather than the zero Ok value.
func StatusFor(err error) Status {
	switch {
	case err == nil:
		return Ok
	case errors.Is(err, ErrInvalidPrice):
		return InvalidPrice
	case errors.Is(err, ErrCanLiquidate):
		return CanLiquidate
	case errors.Is(err, ErrCannotLiquidate):
		return CannotLiquidate
	case errors.Is(err, ErrMaxMarketSizeExceeded):
		return MaxMarketSizeExceeded
	case errors.Is(err, ErrMaxLeverageExceeded):
		return MaxLeverageExceeded
	case errors.Is(err, ErrInsufficientMargin):
		return InsufficientMargin
	case errors.Is(err, ErrNotPermitted):
		return NotPermitted
	case errors.Is(err, ErrNilOrder):
		return NilOrder
	case errors.Is(err, ErrNoPositionOpen):
		return NoPositionOpen
	}
	return InsufficientMargin
}
