// Package engine implements the accounting core of the perps engine: margin
// transfer and locking, trade execution against a given fill price,
// skew-based funding accrual, liquidation, and the read-only summary views.
//
// The engine is a single-writer-per-market state machine. Each mutating
// entry point takes the market's write lock for its whole read-modify-write,
// validates everything up front, and only then commits — a failed call never
// leaves partial state. Read views take the read lock and never mutate.
//
// All monetary values use shopspring/decimal — never float64 for money.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/oracle"
	"github.com/atmx/perps-engine/internal/registry"
	"github.com/atmx/perps-engine/internal/synth"
)

// Options wires the engine to its external collaborators.
type Options struct {
	Configs registry.ConfigSource
	Prices  oracle.PriceFeed
	Synth   synth.Ledger
	Gate    registry.SuspensionGate

	// Sink receives observable events; nil installs NopSink.
	Sink EventSink

	// ManagerKey and RouterKey are the capability tokens validated at the
	// top of privileged entry points.
	ManagerKey string
	RouterKey  string

	// Clock overrides the time source; nil uses time.Now. Funding accrual
	// tests advance it directly.
	Clock func() time.Time
}

// Engine composes the position ledger, per-market state, configuration, and
// the price feed into invariant-preserving state transitions.
type Engine struct {
	configs registry.ConfigSource
	prices  oracle.PriceFeed
	synth   synth.Ledger
	gate    registry.SuspensionGate
	sink    EventSink
	manager string
	router  string
	now     func() time.Time

	mu      sync.RWMutex
	markets map[string]*market
}

// market is one market's owned state behind its single-writer lock.
type market struct {
	mu        sync.RWMutex
	key       string
	baseAsset string
	state     model.MarketState

	// positions holds one record per account that has ever transferred
	// margin in. Records are zeroed, never deleted.
	positions map[string]*model.Position

	// idOwner is the append-only position-id reverse index. Liquidated ids
	// keep their entry.
	idOwner map[uint64]string
}

// New creates an engine. Configs, Prices, Synth, and Gate are required.
func New(opts Options) *Engine {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		configs: opts.Configs,
		prices:  opts.Prices,
		synth:   opts.Synth,
		gate:    opts.Gate,
		sink:    sink,
		manager: opts.ManagerKey,
		router:  opts.RouterKey,
		now:     now,
		markets: make(map[string]*market),
	}
}

// EnsureInitialized registers a market's base asset. Manager-only and
// idempotent: re-initializing with the same asset is a no-op; a different
// asset is rejected.
func (e *Engine) EnsureInitialized(caller, marketKey, baseAsset string) error {
	if caller != e.manager {
		return ErrNotPermitted
	}
	if marketKey == "" {
		return ErrEmptyMarketKey
	}
	if baseAsset == "" {
		return ErrEmptyAssetKey
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if m, ok := e.markets[marketKey]; ok {
		if m.baseAsset != baseAsset {
			return fmt.Errorf("%w: market %s is %s, not %s",
				ErrBaseAssetMismatch, marketKey, m.baseAsset, baseAsset)
		}
		return nil
	}

	e.markets[marketKey] = &market{
		key:       marketKey,
		baseAsset: baseAsset,
		state: model.MarketState{
			LastFundingEntry: model.FundingEntry{Timestamp: e.now()},
		},
		positions: make(map[string]*model.Position),
		idOwner:   make(map[uint64]string),
	}
	return nil
}

// ManagerPayFee forwards a fee payment to the fee pool on behalf of the
// orders router (e.g. next-price order keeper fees).
func (e *Engine) ManagerPayFee(caller string, amount decimal.Decimal) error {
	if caller != e.router {
		return ErrNotPermitted
	}
	return e.synth.PayFee(amount, synth.FeePool)
}

// ManagerIssueSynth mints settlement synth directly to an account on behalf
// of the orders router (order cancellation refunds).
func (e *Engine) ManagerIssueSynth(caller, account string, amount decimal.Decimal) error {
	if caller != e.router {
		return ErrNotPermitted
	}
	return e.synth.Mint(account, amount)
}

// marketByKey returns the market entry, or ErrMarketNotInitialized.
func (e *Engine) marketByKey(marketKey string) (*market, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	m, ok := e.markets[marketKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotInitialized, marketKey)
	}
	return m, nil
}

// MarketKeys returns the keys of all initialized markets.
func (e *Engine) MarketKeys() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	keys := make([]string, 0, len(e.markets))
	for k := range e.markets {
		keys = append(keys, k)
	}
	return keys
}

// checkSuspension rejects mutating calls against a paused system or market.
func (e *Engine) checkSuspension(marketKey string) error {
	if e.gate.SystemSuspended() {
		return ErrSystemSuspended
	}
	if e.gate.MarketSuspended(marketKey) {
		return ErrMarketSuspended
	}
	return nil
}

// validPrice fetches the oracle price for the market's base asset and
// rejects stale or invalid quotes.
func (e *Engine) validPrice(m *market) (decimal.Decimal, error) {
	price, invalid := e.prices.AssetPrice(m.baseAsset)
	if invalid {
		return decimal.Zero, ErrInvalidPrice
	}
	return price, nil
}

// mutationPrologue runs the shared head of every mutating operation:
// suspension gate, price validity, and config lookup.
func (e *Engine) mutationPrologue(m *market) (model.MarketConfig, decimal.Decimal, error) {
	if err := e.checkSuspension(m.key); err != nil {
		return model.MarketConfig{}, decimal.Zero, err
	}
	price, err := e.validPrice(m)
	if err != nil {
		return model.MarketConfig{}, decimal.Zero, err
	}
	cfg, err := e.configs.Config(m.key)
	if err != nil {
		return model.MarketConfig{}, decimal.Zero, err
	}
	return cfg, price, nil
}

// positionCopy returns a copy of the account's record, or a zero record if
// the account has never touched the market. Mutating operations work on the
// copy and only store it back on commit, so a rejected call leaves no trace.
// Caller holds the market lock.
func (m *market) positionCopy(account string) model.Position {
	if pos, ok := m.positions[account]; ok {
		return *pos
	}
	return model.Position{}
}

// storePosition commits a position record. Caller holds the market lock.
func (m *market) storePosition(account string, pos model.Position) {
	if existing, ok := m.positions[account]; ok {
		*existing = pos
		return
	}
	m.positions[account] = &pos
}

// allocateID assigns the next position id to the account and records it in
// the reverse index. Caller holds the market lock.
func (m *market) allocateID(account string) uint64 {
	m.state.LastPositionID++
	id := m.state.LastPositionID
	m.idOwner[id] = account
	return id
}

// positionDebtCorrection is the position's contribution to the market's
// entry debt correction:
//
//	c = margin + lockedMargin - size*(lastPrice + lastFundingIndex)
//
// so that marketDebt = skew*(price + funding) + Σc reconciles to the sum of
// remaining margins (locked margin included) without scanning positions.
func positionDebtCorrection(p model.Position) decimal.Decimal {
	return p.Margin.Add(p.LockedMargin).
		Sub(fixed.MulDown(p.Size, p.LastPrice.Add(p.LastFundingIndex)))
}

// applyDebtCorrection folds a position transition into the market
// accumulator. Caller holds the market lock.
func (m *market) applyDebtCorrection(oldPos, newPos model.Position) {
	delta := positionDebtCorrection(newPos).Sub(positionDebtCorrection(oldPos))
	m.state.EntryDebtCorrection = m.state.EntryDebtCorrection.Add(delta)
}

// applySizeDelta replaces a position's contribution to the long/short
// aggregates. Caller holds the market lock.
func (m *market) applySizeDelta(oldSize, newSize decimal.Decimal) {
	if oldSize.IsPositive() {
		m.state.LongSize = m.state.LongSize.Sub(oldSize)
	} else if oldSize.IsNegative() {
		m.state.ShortSize = m.state.ShortSize.Sub(oldSize.Abs())
	}
	if newSize.IsPositive() {
		m.state.LongSize = m.state.LongSize.Add(newSize)
	} else if newSize.IsNegative() {
		m.state.ShortSize = m.state.ShortSize.Add(newSize.Abs())
	}
}
