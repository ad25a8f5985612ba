package marketkey

import (
	"errors"
	"testing"
)

func TestParse_Valid(t *testing.T) {
	mk, err := Parse("hBTC-PERP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mk.Key != "hBTC-PERP" {
		t.Errorf("expected key=hBTC-PERP, got %s", mk.Key)
	}
	if mk.BaseAsset != "hBTC" {
		t.Errorf("expected base_asset=hBTC, got %s", mk.BaseAsset)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"INVALID",
		"hBTC",
		"BTC-PERP",       // missing synth prefix
		"hbtc-PERP",      // lowercase ticker
		"hBTC-SPOT",      // wrong suffix
		"hBTC-PERP-EXTRA",
		"h-PERP", // empty ticker
	}
	for _, key := range tests {
		if _, err := Parse(key); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate("hBTC-PERP", "hBTC"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := Validate("hBTC-PERP", "hETH"); !errors.Is(err, ErrBaseAssetMismatch) {
		t.Errorf("expected ErrBaseAssetMismatch, got %v", err)
	}
	if err := Validate("nonsense", "hBTC"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}
