package engine_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/engine"
	"github.com/atmx/perps-engine/internal/model"
	"github.com/atmx/perps-engine/internal/oracle"
	"github.com/atmx/perps-engine/internal/registry"
	"github.com/atmx/perps-engine/internal/synth"
)

const (
	managerKey = "manager"
	routerKey  = "router"
	marketKey  = "hBTC-PERP"
	baseAsset  = "hBTC"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// tolerance for debt reconciliation comparisons.
var tolerance = decimal.New(1, -12)

// testClock is a manually advanced time source shared by the engine and the
// oracle.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(dur)
}

// env bundles the engine with its collaborators for tests.
type env struct {
	engine *engine.Engine
	reg    *registry.Registry
	feed   *oracle.Static
	ledger *synth.Memory
	clock  *testClock
}

func defaultConfig() model.MarketConfig {
	return model.MarketConfig{
		BaseAsset:              baseAsset,
		BaseFee:                d(0.003),
		BaseFeeNextPrice:       d(0.0005),
		MaxLeverage:            d(10),
		MaxSingleSideValueUSD:  decimal.Zero, // no cap unless a test sets one
		MaxFundingRate:         d(0.1),
		SkewScaleUSD:           d(100000),
		MinInitialMargin:       d(50),
		MinKeeperFee:           d(2),
		LiquidationFeeRatio:    d(0.0035),
		LiquidationBufferRatio: d(0.0025),
	}
}

// newTestEnv builds an initialized market at the given price with the
// default config, and funds no accounts (tests fund what they need).
func newTestEnv(t *testing.T, cfg model.MarketConfig, price float64) *env {
	t.Helper()

	clock := newTestClock()
	reg := registry.New()
	if err := reg.SetConfig(marketKey, cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	feed := oracle.NewStatic(0)
	feed.SetClock(clock.Now)
	feed.SetPrice(cfg.BaseAsset, d(price))
	ledger := synth.NewMemory()

	eng := engine.New(engine.Options{
		Configs:    reg,
		Prices:     feed,
		Synth:      ledger,
		Gate:       reg,
		ManagerKey: managerKey,
		RouterKey:  routerKey,
		Clock:      clock.Now,
	})
	if err := eng.EnsureInitialized(managerKey, marketKey, cfg.BaseAsset); err != nil {
		t.Fatalf("ensure initialized: %v", err)
	}
	return &env{engine: eng, reg: reg, feed: feed, ledger: ledger, clock: clock}
}

// deposit funds the account's wallet and transfers the amount into margin.
func (e *env) deposit(t *testing.T, account string, amount float64) {
	t.Helper()
	e.ledger.Fund(account, d(amount))
	if err := e.engine.TransferMargin(routerKey, marketKey, account, d(amount)); err != nil {
		t.Fatalf("deposit %v for %s: %v", amount, account, err)
	}
}

// trade executes a fill with the market's base fee and no price delta.
func (e *env) trade(t *testing.T, account string, sizeDelta float64) engine.TradeDetails {
	t.Helper()
	details, err := e.engine.Trade(routerKey, marketKey, account, d(sizeDelta), engine.ExecOptions{
		FeeRate: d(0.003),
	})
	if err != nil {
		t.Fatalf("trade %v for %s: %v", sizeDelta, account, err)
	}
	return details
}

// reconcile asserts marketDebt matches the sum of remaining margins plus
// locked margin across all accounts, within tolerance.
func (e *env) reconcile(t *testing.T, accounts ...string) {
	t.Helper()

	summary, err := e.engine.MarketSummary(marketKey)
	if err != nil {
		t.Fatalf("market summary: %v", err)
	}

	total := decimal.Zero
	for _, account := range accounts {
		ps, err := e.engine.PositionSummary(marketKey, account)
		if err != nil {
			if errors.Is(err, engine.ErrNoPositionOpen) {
				continue
			}
			t.Fatalf("position summary %s: %v", account, err)
		}
		total = total.Add(ps.RemainingMargin).Add(ps.Position.LockedMargin)
	}

	if diff := summary.MarketDebt.Sub(total).Abs(); diff.GreaterThan(tolerance) {
		t.Errorf("debt reconciliation failed: marketDebt=%s sum=%s diff=%s",
			summary.MarketDebt, total, diff)
	}
}

// --- Initialization & permissions ---

func TestEnsureInitialized_ManagerOnly(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	err := e.engine.EnsureInitialized("intruder", "hETH-PERP", "hETH")
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Errorf("expected ErrNotPermitted, got %v", err)
	}
}

func TestEnsureInitialized_EmptyKeys(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	if err := e.engine.EnsureInitialized(managerKey, "", "hETH"); !errors.Is(err, engine.ErrEmptyMarketKey) {
		t.Errorf("empty market key: expected ErrEmptyMarketKey, got %v", err)
	}
	if err := e.engine.EnsureInitialized(managerKey, "hETH-PERP", ""); !errors.Is(err, engine.ErrEmptyAssetKey) {
		t.Errorf("empty asset key: expected ErrEmptyAssetKey, got %v", err)
	}
}

func TestEnsureInitialized_Idempotent(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	if err := e.engine.EnsureInitialized(managerKey, marketKey, baseAsset); err != nil {
		t.Errorf("re-initializing with same asset should succeed, got %v", err)
	}
	if err := e.engine.EnsureInitialized(managerKey, marketKey, "hETH"); !errors.Is(err, engine.ErrBaseAssetMismatch) {
		t.Errorf("expected ErrBaseAssetMismatch, got %v", err)
	}
}

func TestUninitializedMarket_Rejected(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	err := e.engine.TransferMargin(routerKey, "hDOGE-PERP", "alice", d(100))
	if !errors.Is(err, engine.ErrMarketNotInitialized) {
		t.Errorf("expected ErrMarketNotInitialized, got %v", err)
	}
}

func TestManagerPayFee_RouterOnly(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	if err := e.engine.ManagerPayFee("intruder", d(5)); !errors.Is(err, engine.ErrNotPermitted) {
		t.Errorf("expected ErrNotPermitted, got %v", err)
	}
	if err := e.engine.ManagerPayFee(routerKey, d(5)); err != nil {
		t.Fatalf("router pay fee: %v", err)
	}
	if got := e.ledger.Balance(synth.FeePool); !got.Equal(d(5)) {
		t.Errorf("fee pool = %s, want 5", got)
	}
}

func TestManagerIssueSynth_RouterOnly(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	if err := e.engine.ManagerIssueSynth("intruder", "alice", d(5)); !errors.Is(err, engine.ErrNotPermitted) {
		t.Errorf("expected ErrNotPermitted, got %v", err)
	}
	if err := e.engine.ManagerIssueSynth(routerKey, "alice", d(5)); err != nil {
		t.Fatalf("issue synth: %v", err)
	}
	if got := e.ledger.Balance("alice"); !got.Equal(d(5)) {
		t.Errorf("alice balance = %s, want 5", got)
	}
}

func TestAssetPrice_UnknownMarketInvalid(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	if _, invalid := e.engine.AssetPrice("hDOGE-PERP"); !invalid {
		t.Error("unknown market should report invalid price")
	}
	price, invalid := e.engine.AssetPrice(marketKey)
	if invalid || !price.Equal(d(100)) {
		t.Errorf("price = %s invalid=%v, want 100 valid", price, invalid)
	}
}

func TestSnapshotRestore_Roundtrip(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)
	e.trade(t, "alice", 50)

	snap, positions, err := e.engine.Snapshot(marketKey)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position snapshot, got %d", len(positions))
	}

	// Bring up a second engine from the snapshots.
	eng2 := engine.New(engine.Options{
		Configs:    e.reg,
		Prices:     e.feed,
		Synth:      e.ledger,
		Gate:       e.reg,
		ManagerKey: managerKey,
		RouterKey:  routerKey,
		Clock:      e.clock.Now,
	})
	if err := eng2.Restore(snap, positions); err != nil {
		t.Fatalf("restore: %v", err)
	}

	pos, err := eng2.Position(marketKey, "alice")
	if err != nil {
		t.Fatalf("restored position: %v", err)
	}
	if !pos.Size.Equal(d(50)) || !pos.Margin.Equal(d(985)) {
		t.Errorf("restored position = size %s margin %s, want 50/985", pos.Size, pos.Margin)
	}
	if _, err := eng2.PositionIDToAccount(marketKey, pos.ID); err != nil {
		t.Errorf("restored id index lookup: %v", err)
	}

	s1, _ := e.engine.MarketSummary(marketKey)
	s2, err := eng2.MarketSummary(marketKey)
	if err != nil {
		t.Fatalf("restored summary: %v", err)
	}
	if !s1.MarketDebt.Equal(s2.MarketDebt) || !s1.MarketSkew.Equal(s2.MarketSkew) {
		t.Errorf("restored summary mismatch: %+v vs %+v", s1, s2)
	}
}
