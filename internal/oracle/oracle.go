// Package oracle defines the price feed consumed by the perps engine and a
// push-based implementation fed by an external price publisher.
//
// The engine only ever sees (price, invalid): staleness detection and
// circuit-breaking live here, not in the accounting core.
package oracle

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the current price for a base asset. invalid is true
// when the asset is unknown, the price is stale, or the feed has tripped.
type PriceFeed interface {
	AssetPrice(asset string) (price decimal.Decimal, invalid bool)
}

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// Static is an in-memory PriceFeed fed by SetPrice. A price older than the
// staleness window is reported invalid.
type Static struct {
	mu        sync.RWMutex
	quotes    map[string]quote
	staleness time.Duration
	now       func() time.Time
}

// NewStatic creates a feed with the given staleness window. A zero window
// disables staleness checks (prices never expire).
func NewStatic(staleness time.Duration) *Static {
	return &Static{
		quotes:    make(map[string]quote),
		staleness: staleness,
		now:       time.Now,
	}
}

// SetClock overrides the time source. Used by tests to advance time without
// sleeping.
func (s *Static) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetPrice records the current price for an asset.
func (s *Static) SetPrice(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[asset] = quote{price: price, at: s.now()}
}

// Invalidate drops the quote for an asset, forcing invalid reads until the
// next SetPrice. Used by the circuit breaker on price deviation.
func (s *Static) Invalidate(asset string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, asset)
}

// AssetPrice implements PriceFeed.
func (s *Static) AssetPrice(asset string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if asset == "" {
		return decimal.Zero, true
	}
	q, ok := s.quotes[asset]
	if !ok {
		return decimal.Zero, true
	}
	if s.staleness > 0 && s.now().Sub(q.at) > s.staleness {
		return q.price, true
	}
	return q.price, false
}
