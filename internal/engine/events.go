package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/model"
)

// EventSink receives the engine's observable events. The API layer plugs in
// a sink that journals entries, broadcasts over WebSocket, and bumps
// metrics; a nil sink in Options installs NopSink.
//
// Sinks are invoked synchronously after the state transition has committed,
// while the market lock is still held — implementations must not call back
// into the engine.
type EventSink interface {
	FundingUpdated(marketKey string, funding decimal.Decimal, ts time.Time)
	MarginModified(marketKey, account string, marginDelta decimal.Decimal)
	PositionModified(marketKey, account string, pos model.Position, sizeDelta, fillPrice, fee decimal.Decimal)
	PositionLiquidated(marketKey, account, liquidator string, size, price, fee decimal.Decimal)
	Tracking(code, marketKey, account string, sizeDelta, fillPrice, fee decimal.Decimal)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) FundingUpdated(string, decimal.Decimal, time.Time) {}
func (NopSink) MarginModified(string, string, decimal.Decimal)    {}
func (NopSink) PositionModified(string, string, model.Position, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
}
func (NopSink) PositionLiquidated(string, string, string, decimal.Decimal, decimal.Decimal, decimal.Decimal) {
}
func (NopSink) Tracking(string, string, string, decimal.Decimal, decimal.Decimal, decimal.Decimal) {}
