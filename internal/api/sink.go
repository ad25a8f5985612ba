package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/metrics"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/store"
)

// Sink implements engine.EventSink: every engine event becomes an immutable
// journal entry, a WebSocket broadcast, and a metrics bump.
//
// The engine invokes sinks under the market lock, so nothing here calls
// back into the engine. Journal writes use a short background context
// rather than a request context that may already be cancelled.
type Sink struct {
	store store.Store
	hub   *WSHub
	now   func() time.Time
}

// NewSink creates a sink. hub may be nil when broadcasting is not needed.
func NewSink(st store.Store, hub *WSHub, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{store: st, hub: hub, now: now}
}

func (s *Sink) append(entry model.JournalEntry) {
	entry.ID = uuid.New().String()
	entry.Timestamp = s.now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.AppendJournal(ctx, &entry); err != nil {
		slog.Error("journal append failed", "kind", entry.Kind, "market", entry.MarketKey, "err", err)
	}
}

func (s *Sink) FundingUpdated(marketKey string, funding decimal.Decimal, ts time.Time) {
	metrics.FundingRecomputesTotal.WithLabelValues(marketKey).Inc()
	s.append(model.JournalEntry{
		Kind:      model.JournalFundingUpdated,
		MarketKey: marketKey,
		Funding:   funding,
	})
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:      model.JournalFundingUpdated,
			MarketKey: marketKey,
			Funding:   funding.String(),
		})
	}
}

func (s *Sink) MarginModified(marketKey, account string, marginDelta decimal.Decimal) {
	direction := "deposit"
	if marginDelta.IsNegative() {
		direction = "withdraw"
	}
	metrics.MarginTransfersTotal.WithLabelValues(marketKey, direction).Inc()
	s.append(model.JournalEntry{
		Kind:      model.JournalMarginModified,
		MarketKey: marketKey,
		Account:   account,
		Margin:    marginDelta,
	})
}

func (s *Sink) PositionModified(marketKey, account string, pos model.Position, sizeDelta, fillPrice, fee decimal.Decimal) {
	if !sizeDelta.IsZero() {
		vol, _ := sizeDelta.Abs().Float64()
		metrics.MarketVolume.WithLabelValues(marketKey).Add(vol)
	}
	s.append(model.JournalEntry{
		Kind:       model.JournalPositionModified,
		MarketKey:  marketKey,
		Account:    account,
		PositionID: pos.ID,
		Margin:     pos.Margin,
		Size:       pos.Size,
		SizeDelta:  sizeDelta,
		Price:      fillPrice,
		Fee:        fee,
	})
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       model.JournalPositionModified,
			MarketKey:  marketKey,
			Account:    account,
			PositionID: pos.ID,
			Size:       pos.Size.String(),
			SizeDelta:  sizeDelta.String(),
			Price:      fillPrice.String(),
			Fee:        fee.String(),
		})
	}
}

func (s *Sink) PositionLiquidated(marketKey, account, liquidator string, size, price, fee decimal.Decimal) {
	metrics.LiquidationsTotal.WithLabelValues(marketKey).Inc()
	s.append(model.JournalEntry{
		Kind:       model.JournalPositionLiquidated,
		MarketKey:  marketKey,
		Account:    account,
		Size:       size,
		Price:      price,
		Fee:        fee,
		Liquidator: liquidator,
	})
	if s.hub != nil {
		s.hub.Broadcast(WSMessage{
			Type:       model.JournalPositionLiquidated,
			MarketKey:  marketKey,
			Account:    account,
			Size:       size.String(),
			Price:      price.String(),
			Fee:        fee.String(),
			Liquidator: liquidator,
		})
	}
}

func (s *Sink) Tracking(code, marketKey, account string, sizeDelta, fillPrice, fee decimal.Decimal) {
	s.append(model.JournalEntry{
		Kind:      model.JournalTracking,
		MarketKey: marketKey,
		Account:   account,
		SizeDelta: sizeDelta,
		Price:     fillPrice,
		Fee:       fee,
		Tracking:  code,
	})
}
