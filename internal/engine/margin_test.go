package engine_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/perps-engine/internal/engine"
	"github.com/atmx/perps-engine/internal/fixed"
	"github.com/atmx/perps-engine/internal/synth"
)

func TestTransferMargin_RouterOnly(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	err := e.engine.TransferMargin("intruder", marketKey, "alice", d(100))
	if !errors.Is(err, engine.ErrNotPermitted) {
		t.Errorf("expected ErrNotPermitted, got %v", err)
	}
}

func TestTransferMargin_DepositAndWithdraw(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.ledger.Fund("alice", d(1000))

	if err := e.engine.TransferMargin(routerKey, marketKey, "alice", d(1000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := e.ledger.Balance("alice"); !got.IsZero() {
		t.Errorf("wallet after deposit = %s, want 0", got)
	}
	pos, err := e.engine.Position(marketKey, "alice")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if !pos.Margin.Equal(d(1000)) || pos.ID != 1 {
		t.Errorf("position = margin %s id %d, want 1000/1", pos.Margin, pos.ID)
	}
	e.reconcile(t, "alice")

	if err := e.engine.TransferMargin(routerKey, marketKey, "alice", d(-400)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := e.ledger.Balance("alice"); !got.Equal(d(400)) {
		t.Errorf("wallet after withdraw = %s, want 400", got)
	}

	// Flat position: over-withdrawing is an insufficient-margin rejection,
	// never a liquidation condition.
	err = e.engine.TransferMargin(routerKey, marketKey, "alice", d(-601))
	if !errors.Is(err, engine.ErrInsufficientMargin) {
		t.Errorf("over-withdraw: expected ErrInsufficientMargin, got %v", err)
	}

	// Draining to exactly zero keeps the record and its id.
	if err := e.engine.TransferMargin(routerKey, marketKey, "alice", d(-600)); err != nil {
		t.Fatalf("drain: %v", err)
	}
	pos, err = e.engine.Position(marketKey, "alice")
	if err != nil {
		t.Fatalf("position after drain: %v", err)
	}
	if !pos.Margin.IsZero() || pos.ID != 1 {
		t.Errorf("drained position = margin %s id %d, want 0/1", pos.Margin, pos.ID)
	}
}

func TestTransferMargin_InsufficientWallet(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.ledger.Fund("alice", d(100))

	err := e.engine.TransferMargin(routerKey, marketKey, "alice", d(500))
	if !errors.Is(err, synth.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// The failed deposit left no trace.
	if _, err := e.engine.Position(marketKey, "alice"); !errors.Is(err, engine.ErrNoPositionOpen) {
		t.Errorf("expected no position record, got %v", err)
	}
	if got := e.ledger.Balance("alice"); !got.Equal(d(100)) {
		t.Errorf("wallet = %s, want untouched 100", got)
	}
}

func TestTransferMargin_IDAssignment(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)
	e.deposit(t, "bob", 1000)

	alice, _ := e.engine.Position(marketKey, "alice")
	bob, _ := e.engine.Position(marketKey, "bob")
	if alice.ID != 1 || bob.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", alice.ID, bob.ID)
	}

	owner, err := e.engine.PositionIDToAccount(marketKey, 1)
	if err != nil || owner != "alice" {
		t.Errorf("id 1 resolves to %q (%v), want alice", owner, err)
	}
	if _, err := e.engine.PositionIDToAccount(marketKey, 99); err == nil {
		t.Error("unknown id should not resolve")
	}

	// Further deposits never reassign the id.
	e.deposit(t, "alice", 100)
	alice, _ = e.engine.Position(marketKey, "alice")
	if alice.ID != 1 {
		t.Errorf("alice id after second deposit = %d, want 1", alice.ID)
	}
}

// A margin withdrawal against an open +50 position at price 100:
// liquidation margin is 30, min initial margin 50, max leverage 10.
func TestTransferMargin_OpenPositionConstraints(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)
	e.trade(t, "alice", 50) // fee 15, margin 985

	cases := []struct {
		name  string
		delta float64
		want  error
	}{
		{"leaves 25, below liquidation margin", -960, engine.ErrCanLiquidate},
		{"leaves 40, below min initial margin", -945, engine.ErrInsufficientMargin},
		{"leaves 400, leverage 12.5", -585, engine.ErrInsufficientMargin},
		{"leaves 500, leverage exactly 10", -485, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.engine.TransferMargin(routerKey, marketKey, "alice", d(tc.delta))
			if !errors.Is(err, tc.want) {
				t.Errorf("delta %v: got %v, want %v", tc.delta, err, tc.want)
			}
		})
	}

	pos, _ := e.engine.Position(marketKey, "alice")
	if !pos.Margin.Equal(d(500)) {
		t.Errorf("margin after withdrawals = %s, want 500", pos.Margin)
	}
	e.reconcile(t, "alice")
}

func TestModifyLockedMargin_Validation(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)

	cases := []struct {
		name      string
		account   string
		lock, brn float64
		want      error
	}{
		{"plain lock succeeds", "alice", 100, 0, nil},
		{"zero modification", "alice", 0, 0, engine.ErrZeroModification},
		{"negative burn", "alice", 0, -5, engine.ErrNegativeBurn},
		{"no record", "stranger", 100, 0, engine.ErrNoPositionOpen},
		{"unlock past zero", "alice", -200, 0, engine.ErrNegativeLockedMargin},
		{"lock exceeds margin", "alice", 950, 0, engine.ErrInsufficientMargin},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.engine.ModifyLockedMargin(routerKey, marketKey, tc.account, d(tc.lock), d(tc.brn))
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	if err := e.engine.ModifyLockedMargin("intruder", marketKey, "alice", d(10), d(0)); !errors.Is(err, engine.ErrNotPermitted) {
		t.Errorf("expected ErrNotPermitted, got %v", err)
	}
}

func TestModifyLockedMargin_LockUnlockBurn(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)

	// Locking moves value between buckets; market debt is unchanged.
	if err := e.engine.ModifyLockedMargin(routerKey, marketKey, "alice", d(100), d(0)); err != nil {
		t.Fatalf("lock: %v", err)
	}
	pos, _ := e.engine.Position(marketKey, "alice")
	if !pos.Margin.Equal(d(900)) || !pos.LockedMargin.Equal(d(100)) {
		t.Errorf("after lock = %s/%s, want 900/100", pos.Margin, pos.LockedMargin)
	}
	summary, _ := e.engine.MarketSummary(marketKey)
	if !summary.MarketDebt.Equal(d(1000)) {
		t.Errorf("debt after lock = %s, want 1000", summary.MarketDebt)
	}

	// Burning removes locked value from the market's accounting entirely.
	if err := e.engine.ModifyLockedMargin(routerKey, marketKey, "alice", d(0), d(40)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	pos, _ = e.engine.Position(marketKey, "alice")
	if !pos.LockedMargin.Equal(d(60)) {
		t.Errorf("locked after burn = %s, want 60", pos.LockedMargin)
	}
	summary, _ = e.engine.MarketSummary(marketKey)
	if !summary.MarketDebt.Equal(d(960)) {
		t.Errorf("debt after burn = %s, want 960", summary.MarketDebt)
	}

	// Unlocking returns the rest to withdrawable margin.
	if err := e.engine.ModifyLockedMargin(routerKey, marketKey, "alice", d(-60), d(0)); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	pos, _ = e.engine.Position(marketKey, "alice")
	if !pos.Margin.Equal(d(960)) || !pos.LockedMargin.IsZero() {
		t.Errorf("after unlock = %s/%s, want 960/0", pos.Margin, pos.LockedMargin)
	}
	e.reconcile(t, "alice")
}

func TestModifyLockedMargin_LockAndBurnTogether(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)
	e.deposit(t, "alice", 1000)

	// Lock 50 and burn 20 in one call: margin 950, locked 30, debt 980.
	if err := e.engine.ModifyLockedMargin(routerKey, marketKey, "alice", d(50), d(20)); err != nil {
		t.Fatalf("lock+burn: %v", err)
	}
	pos, _ := e.engine.Position(marketKey, "alice")
	if !pos.Margin.Equal(d(950)) || !pos.LockedMargin.Equal(d(30)) {
		t.Errorf("position = %s/%s, want 950/30", pos.Margin, pos.LockedMargin)
	}
	summary, _ := e.engine.MarketSummary(marketKey)
	if !summary.MarketDebt.Equal(d(980)) {
		t.Errorf("debt = %s, want 980", summary.MarketDebt)
	}
}

func TestWithdrawableMargin(t *testing.T) {
	e := newTestEnv(t, defaultConfig(), 100)

	// No record at all withdraws nothing.
	w, err := e.engine.WithdrawableMargin(marketKey, "alice")
	if err != nil || !w.IsZero() {
		t.Errorf("no record: %s (%v), want 0", w, err)
	}

	// Flat position: everything is withdrawable.
	e.deposit(t, "alice", 1000)
	w, err = e.engine.WithdrawableMargin(marketKey, "alice")
	if err != nil || !w.Equal(d(1000)) {
		t.Errorf("flat: %s (%v), want 1000", w, err)
	}

	// Open +50 at 100 with margin 985: the binding floor is the leverage
	// requirement 5000/10 = 500, above both the min initial margin and the
	// liquidation margin.
	e.trade(t, "alice", 50)
	w, err = e.engine.WithdrawableMargin(marketKey, "alice")
	if err != nil || !w.Equal(d(485)) {
		t.Errorf("open: %s (%v), want 485", w, err)
	}

	// The reported amount is actually withdrawable.
	if err := e.engine.TransferMargin(routerKey, marketKey, "alice", w.Neg()); err != nil {
		t.Errorf("withdrawing the reported amount failed: %v", err)
	}
}

func TestWithdrawableMargin_LiquidationFloorBinds(t *testing.T) {
	// With no min initial margin and an effectively unbounded leverage cap,
	// the binding floor for +50 at 100 is the liquidation margin
	// max(2, 5000*0.0035) + 5000*0.0025 = 30. The liquidation bound is
	// strict, so the margin left behind must sit one step above it.
	cfg := defaultConfig()
	cfg.MinInitialMargin = decimal.Zero
	cfg.MaxLeverage = d(1000)
	e := newTestEnv(t, cfg, 100)

	e.deposit(t, "alice", 1000)
	e.trade(t, "alice", 50)

	w, err := e.engine.WithdrawableMargin(marketKey, "alice")
	if err != nil {
		t.Fatalf("withdrawable: %v", err)
	}
	want := d(955).Sub(fixed.Step)
	if !w.Equal(want) {
		t.Errorf("withdrawable: %s, want %s", w, want)
	}

	// The reported amount withdraws; one step more trips the liquidation
	// constraint.
	if err := e.engine.TransferMargin(routerKey, marketKey, "alice", w.Neg()); err != nil {
		t.Fatalf("withdrawing the reported amount failed: %v", err)
	}
	err = e.engine.TransferMargin(routerKey, marketKey, "alice", fixed.Step.Neg())
	if !errors.Is(err, engine.ErrCanLiquidate) {
		t.Errorf("one step further: %v, want ErrCanLiquidate", err)
	}
}
