package wallet

import (
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

func TestToNano(t *testing.T) {
	got, err := ToNano(decimal.RequireFromString("12.5"))
	if err != nil {
		t.Fatalf("ToNano: %v", err)
	}
	if got.Cmp(big.NewInt(12_500_000_000)) != 0 {
		t.Fatalf("unexpected nano %s", got.String())
	}

	if _, err := ToNano(decimal.Zero); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := ToNano(decimal.RequireFromString("0.0000000001")); err == nil {
		t.Fatalf("expected error for sub-nano precision")
	}
}

func TestFromNano(t *testing.T) {
	if got := FromNano(big.NewInt(1_250_000_000)); got.String() != "1.25" {
		t.Fatalf("unexpected value %s", got.String())
	}
	if !FromNano(nil).IsZero() {
		t.Fatalf("expected zero for nil")
	}
}
