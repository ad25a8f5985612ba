// Package marketkey handles perp market key parsing and validation.
package marketkey

import (
	"errors"
	"fmt"
	"regexp"
)

// keyRegex matches: {baseAsset}-PERP where the base asset is a synth
// symbol, lowercase h prefix followed by the underlying's ticker.
// Example: hBTC-PERP
var keyRegex = regexp.MustCompile(`^(h[A-Z0-9]+)-PERP$`)

var (
	ErrInvalidKey        = errors.New("marketkey: invalid market key format")
	ErrBaseAssetMismatch = errors.New("marketkey: base asset does not match key")
)

// MarketKey is a parsed perp market identifier.
type MarketKey struct {
	Key       string `json:"key"`
	BaseAsset string `json:"base_asset"`
}

// Parse parses and validates a market key string.
// Format: {baseAsset}-PERP
func Parse(key string) (MarketKey, error) {
	matches := keyRegex.FindStringSubmatch(key)
	if matches == nil {
		return MarketKey{}, fmt.Errorf("%w: %s (expected {baseAsset}-PERP)", ErrInvalidKey, key)
	}
	return MarketKey{Key: key, BaseAsset: matches[1]}, nil
}

// Validate checks that a market key is well formed and names the given
// base asset.
func Validate(key, baseAsset string) error {
	parsed, err := Parse(key)
	if err != nil {
		return err
	}
	if parsed.BaseAsset != baseAsset {
		return fmt.Errorf("%w: key %s names %s, config says %s",
			ErrBaseAssetMismatch, key, parsed.BaseAsset, baseAsset)
	}
	return nil
}
