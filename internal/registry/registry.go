// Package registry holds per-market configuration and the system/market
// suspension flags. It plays the role of the external market manager's
// governance surface: the engine consumes it read-only through the
// ConfigSource and SuspensionGate interfaces.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/atmx/perps-engine/internal/model"
)

var (
	// ErrMarketUnknown is returned when no configuration exists for a key.
	ErrMarketUnknown = errors.New("registry: market not configured")

	// ErrEmptyMarketKey is returned for configuration calls with an empty
	// market key.
	ErrEmptyMarketKey = errors.New("registry: market key cannot be empty")
)

// ConfigSource is the engine's read-only view of market configuration.
type ConfigSource interface {
	Config(marketKey string) (model.MarketConfig, error)
}

// SuspensionGate gates mutating engine calls. An empty marketKey queries
// the system-wide flag only.
type SuspensionGate interface {
	// SystemSuspended reports whether the whole system is paused.
	SystemSuspended() bool

	// MarketSuspended reports whether one market is paused (system pause
	// implies every market is paused).
	MarketSuspended(marketKey string) bool
}

// Registry is the in-memory implementation of both interfaces, mutated by
// manager-facing API handlers. Settings changes are allowed while suspended;
// trading is not.
type Registry struct {
	mu        sync.RWMutex
	configs   map[string]model.MarketConfig
	suspended map[string]bool
	system    bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		configs:   make(map[string]model.MarketConfig),
		suspended: make(map[string]bool),
	}
}

// SetConfig creates or replaces the configuration for a market.
func (r *Registry) SetConfig(marketKey string, cfg model.MarketConfig) error {
	if marketKey == "" {
		return ErrEmptyMarketKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[marketKey] = cfg
	return nil
}

// Config implements ConfigSource.
func (r *Registry) Config(marketKey string) (model.MarketConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[marketKey]
	if !ok {
		return model.MarketConfig{}, fmt.Errorf("%w: %s", ErrMarketUnknown, marketKey)
	}
	return cfg, nil
}

// MarketKeys returns the keys of all configured markets.
func (r *Registry) MarketKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.configs))
	for k := range r.configs {
		keys = append(keys, k)
	}
	return keys
}

// SuspendSystem pauses every market.
func (r *Registry) SuspendSystem() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system = true
}

// ResumeSystem lifts the system-wide pause. Per-market pauses persist.
func (r *Registry) ResumeSystem() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.system = false
}

// SuspendMarket pauses a single market.
func (r *Registry) SuspendMarket(marketKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended[marketKey] = true
}

// ResumeMarket lifts a single market's pause.
func (r *Registry) ResumeMarket(marketKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.suspended, marketKey)
}

// SystemSuspended implements SuspensionGate.
func (r *Registry) SystemSuspended() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.system
}

// MarketSuspended implements SuspensionGate.
func (r *Registry) MarketSuspended(marketKey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.system || r.suspended[marketKey]
}
