// Package synth models the settlement-asset (sUSD) ledger the engine calls
// to realize margin transfers, trading fees, and liquidation proceeds.
//
// The engine owns none of these balances — it only instructs the ledger.
// All monetary values use shopspring/decimal — never float64 for money.
package synth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// FeePool is the account that accumulates trading fees and liquidation
// surpluses for later distribution.
const FeePool = "fee-pool"

var (
	// ErrInsufficientBalance is returned when a burn exceeds the account's
	// synth balance.
	ErrInsufficientBalance = errors.New("synth: insufficient balance")

	// ErrNonPositiveAmount is returned for zero or negative amounts; the
	// caller decides direction by choosing Burn vs Mint.
	ErrNonPositiveAmount = errors.New("synth: amount must be positive")
)

// Ledger is the narrow settlement-asset interface consumed by the engine.
type Ledger interface {
	// Burn removes amount from the account's synth balance (margin deposit).
	Burn(account string, amount decimal.Decimal) error

	// Mint adds amount to the account's synth balance (margin withdrawal).
	Mint(account string, amount decimal.Decimal) error

	// PayFee mints amount to the recipient (fee pool, keeper, liquidator).
	PayFee(amount decimal.Decimal, recipient string) error
}

// Memory is an in-memory Ledger. Used for testing and development; a
// production deployment points the engine at the real synth contract ledger.
type Memory struct {
	mu       sync.RWMutex
	balances map[string]decimal.Decimal
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{balances: make(map[string]decimal.Decimal)}
}

// Fund credits an account directly. Test/bootstrap helper, not part of the
// Ledger interface.
func (m *Memory) Fund(account string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balances[account].Add(amount)
}

// Balance returns the current synth balance of an account.
func (m *Memory) Balance(account string) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[account]
}

func (m *Memory) Burn(account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[account]
	if bal.LessThan(amount) {
		return fmt.Errorf("%w: account %s has %s, needs %s",
			ErrInsufficientBalance, account, bal, amount)
	}
	m.balances[account] = bal.Sub(amount)
	return nil
}

func (m *Memory) Mint(account string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account] = m.balances[account].Add(amount)
	return nil
}

func (m *Memory) PayFee(amount decimal.Decimal, recipient string) error {
	if amount.IsZero() {
		return nil // nothing to pay
	}
	return m.Mint(recipient, amount)
}
