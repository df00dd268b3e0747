package math_test

import (
	fpmath "PerpSettle/internal/math"
	"errors"
	stdmath "math"
	"math/big"
	"testing"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Test: Division and rounding
// ============================================================================

func TestDivideInt128_Rounding(t *testing.T) {
	cases := []struct {
		name string
		num  int64
		den  int64
		mode fpmath.RoundingMode
		want int64
	}{
		{"half even down", 25, 10, fpmath.RoundHalfEven, 2},
		{"half even up", 35, 10, fpmath.RoundHalfEven, 4},
		{"above half", 26, 10, fpmath.RoundHalfEven, 3},
		{"round down", 29, 10, fpmath.RoundDown, 2},
		{"round up", 21, 10, fpmath.RoundUp, 3},
		{"exact round up", 20, 10, fpmath.RoundUp, 2},
		{"negative floor", -21, 10, fpmath.RoundDown, -3},
		{"negative ceil", -21, 10, fpmath.RoundUp, -2},
		{"negative half even", -25, 10, fpmath.RoundHalfEven, -2},
	}
	for _, tc := range cases {
		got := fpmath.DivideInt128(big.NewInt(tc.num), tc.den, tc.mode)
		if got != tc.want {
			t.Errorf("%s: %d/%d = %d, want %d", tc.name, tc.num, tc.den, got, tc.want)
		}
	}
}

func TestDivideInt128Checked_Overflow(t *testing.T) {
	n := fpmath.MultiplyInt128(stdmath.MaxInt64, 4)
	if _, err := fpmath.DivideInt128Checked(n, 2, fpmath.RoundDown); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

// ============================================================================
// Test: Checked arithmetic
// ============================================================================

func TestCheckedAdd(t *testing.T) {
	if v, err := fpmath.CheckedAdd(2, 3); err != nil || v != 5 {
		t.Fatalf("2+3 = %d, %v", v, err)
	}
	if _, err := fpmath.CheckedAdd(stdmath.MaxInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := fpmath.CheckedAdd(stdmath.MinInt64, -1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
}

func TestCheckedSub(t *testing.T) {
	if v, err := fpmath.CheckedSub(2, 3); err != nil || v != -1 {
		t.Fatalf("2-3 = %d, %v", v, err)
	}
	if _, err := fpmath.CheckedSub(stdmath.MinInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
	if _, err := fpmath.CheckedSub(stdmath.MaxInt64, -1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

func TestAbs_MinInt64(t *testing.T) {
	if _, err := fpmath.Abs(stdmath.MinInt64); !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if v, _ := fpmath.Abs(-7); v != 7 {
		t.Errorf("abs(-7) = %d", v)
	}
}

// ============================================================================
// Test: Position math
// ============================================================================

func TestComputeNotional(t *testing.T) {
	// 10 contracts at 100.00 = 1000 USD
	got := fpmath.ComputeNotional(10_000_000, 10_000)
	if got != 1_000_000_000 {
		t.Errorf("notional = %d, want 1_000_000_000", got)
	}
	if fpmath.ComputeNotional(-10_000_000, 10_000) != got {
		t.Error("notional must use |size|")
	}
}

func TestComputeAvgEntryPrice(t *testing.T) {
	// 10 @ 100 + 10 @ 110 = 20 @ 105
	got := fpmath.ComputeAvgEntryPrice(10_000_000, 10_000, 10_000_000, 11_000)
	if got != 10_500 {
		t.Errorf("avg entry = %d, want 10500", got)
	}
	if fpmath.ComputeAvgEntryPrice(0, 0, 5, 12_345) != 12_345 {
		t.Error("fresh position should take the fill price")
	}
}

func TestComputeRealizedPnL(t *testing.T) {
	// long 5 from 100 closed at 110 = +50 USD
	if got := fpmath.ComputeRealizedPnL(1, 11_000, 10_000, 5_000_000); got != 50_000_000 {
		t.Errorf("long pnl = %d, want 50_000_000", got)
	}
	// short 5 from 100 closed at 110 = -50 USD
	if got := fpmath.ComputeRealizedPnL(-1, 11_000, 10_000, 5_000_000); got != -50_000_000 {
		t.Errorf("short pnl = %d, want -50_000_000", got)
	}
}

func TestComputeUnrealizedPnL_Signed(t *testing.T) {
	if got := fpmath.ComputeUnrealizedPnL(-2_000_000, 10_000, 9_000); got != 20_000_000 {
		t.Errorf("short unrealized = %d, want 20_000_000", got)
	}
	if fpmath.ComputeUnrealizedPnL(0, 10_000, 9_000) != 0 {
		t.Error("flat position has no pnl")
	}
}

func TestApplyFraction(t *testing.T) {
	// 10% of 1000 USD
	if got := fpmath.ApplyFraction(1_000_000_000, 100_000, fpmath.RoundHalfEven); got != 100_000_000 {
		t.Errorf("got %d", got)
	}
}

func TestCollateralConversion(t *testing.T) {
	// 3 units at 2.50 = 7.5 USD
	if got := fpmath.CollateralValueUsd(3_000_000, 250); got != 7_500_000 {
		t.Errorf("value = %d", got)
	}
	// 1 USD at 3.00 per unit needs 0.333334 units (rounded up)
	if got := fpmath.CollateralUnitsForUsd(1_000_000, 300); got != 333_334 {
		t.Errorf("units = %d", got)
	}
}

func TestRescaleExpo(t *testing.T) {
	// 100.00000000 with expo -8 -> 10000 at price scale
	got, err := fpmath.RescaleExpo(10_000_000_000, -8, fpmath.PriceConfig)
	if err != nil || got != 10_000 {
		t.Fatalf("rescale = %d, %v", got, err)
	}
	got, err = fpmath.RescaleExpo(5, 1, fpmath.PriceConfig)
	if err != nil || got != 5_000 {
		t.Fatalf("rescale positive expo = %d, %v", got, err)
	}
	if _, err := fpmath.RescaleExpo(stdmath.MaxInt64, 2, fpmath.PriceConfig); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

// ============================================================================
// Test: Decimal conversion
// ============================================================================

func TestParseAmount(t *testing.T) {
	v, err := fpmath.ParseAmount("1000.5", fpmath.QuoteConfig)
	if err != nil || v != 1_000_500_000 {
		t.Fatalf("parse = %d, %v", v, err)
	}
	if _, err := fpmath.ParseAmount("0.0000001", fpmath.QuoteConfig); err == nil {
		t.Error("expected precision error")
	}
	if _, err := fpmath.ParseAmount("abc", fpmath.QuoteConfig); err == nil {
		t.Error("expected parse error")
	}
}

func TestToDecimal(t *testing.T) {
	d := fpmath.ToDecimal(10_050, fpmath.PriceConfig)
	if !d.Equal(decimal.RequireFromString("100.5")) {
		t.Errorf("got %s", d)
	}
	if s := fpmath.FormatAmount(-1_500_000, fpmath.QuoteConfig); s != "-1.500000" {
		t.Errorf("format = %s", s)
	}
}
