// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a fixed-point result does not fit in int64.
var ErrOverflow = errors.New("arithmetic overflow")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	PriceConfig    = DecimalConfig{DecimalPrecision: 2, Scale: 100}       // 0.01 USD
	QuantityConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 contracts
	QuoteConfig    = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USD / collateral unit
)

// FractionScale is the scale of ratios (margin ratios, premiums, reward ratios): 1_000_000 = 100%.
const FractionScale int64 = 1_000_000

// UnitPrice is 1.00 at price scale, the valuation of USD-pegged collateral.
var UnitPrice = PriceConfig.Scale

var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0)
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b without overflow. Callers return the value with putInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // toward negative infinity
	RoundUp                           // toward positive infinity
)

// DivideInt128 performs numerator / denominator (denominator > 0) with rounding.
// The result saturates at the int64 range; use DivideInt128Checked where overflow must fail.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	v, err := DivideInt128Checked(numerator, denominator, roundingMode)
	if err != nil {
		if numerator.Sign() < 0 {
			return stdmath.MinInt64
		}
		return stdmath.MaxInt64
	}
	return v
}

// DivideInt128Checked is DivideInt128 failing with ErrOverflow when the quotient leaves int64.
func DivideInt128Checked(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	if denominator <= 0 {
		return 0, fmt.Errorf("divide: non-positive denominator %d", denominator)
	}
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// Euclidean: remainder is always >= 0, so quotient is the floor.
	quotient.DivMod(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		switch roundingMode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			doubled := new(big.Int).Lsh(remainder, 1)
			cmp := doubled.Cmp(denom)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// CheckedAdd returns a + b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, fmt.Errorf("%w: %d + %d", ErrOverflow, a, b)
	}
	return s, nil
}

// CheckedSub returns a - b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	d := a - b
	if (b > 0 && d > a) || (b < 0 && d < a) {
		return 0, fmt.Errorf("%w: %d - %d", ErrOverflow, a, b)
	}
	return d, nil
}

// Abs extracts |v|. math.MinInt64 has no positive counterpart.
func Abs(v int64) (int64, error) {
	if v == stdmath.MinInt64 {
		return 0, fmt.Errorf("%w: abs(%d)", ErrOverflow, v)
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}

// Sign returns -1, 0 or +1.
func Sign(v int64) int64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// ApplyFraction returns amount * fraction / FractionScale.
func ApplyFraction(amount, fraction int64, mode RoundingMode) int64 {
	raw := MultiplyInt128(amount, fraction)
	defer putInt128(raw)
	return DivideInt128(raw, FractionScale, mode)
}

// ComputeAvgEntryPrice calculates the weighted average entry price of an increase.
// oldSize and fillQty are absolute quantities.
func ComputeAvgEntryPrice(oldSize, oldAvgEntry, fillQty, fillPrice int64) int64 {
	if oldSize == 0 {
		return fillPrice
	}

	// (oldSize*oldAvg + fillQty*fillPrice) / (oldSize + fillQty)
	term1 := MultiplyInt128(oldSize, oldAvgEntry)
	term2 := MultiplyInt128(fillQty, fillPrice)
	numerator := getInt128()
	numerator.Add(term1, term2)

	result := DivideInt128(numerator, oldSize+fillQty, RoundHalfEven)

	putInt128(term1)
	putInt128(term2)
	putInt128(numerator)

	return result
}

// ComputeRealizedPnL calculates quote-scale PnL for closing closeQty at fillPrice.
func ComputeRealizedPnL(
	sideSign int64, // +1 for long, -1 for short
	fillPrice int64,
	avgEntryPrice int64,
	closeQty int64, // absolute, quantity scale
) int64 {
	temp := MultiplyInt128(sideSign*(fillPrice-avgEntryPrice), closeQty)
	defer putInt128(temp)

	// quote = price * qty * quoteScale / (priceScale * qtyScale)
	temp.Mul(temp, big.NewInt(QuoteConfig.Scale))
	return DivideInt128(temp, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
}

// ComputeUnrealizedPnL values a signed position against a mark price.
func ComputeUnrealizedPnL(size, entryPrice, markPrice int64) int64 {
	if size == 0 {
		return 0
	}
	qty, err := Abs(size)
	if err != nil {
		return 0
	}
	return ComputeRealizedPnL(Sign(size), markPrice, entryPrice, qty)
}

// ComputeNotional calculates |size| * price at quote scale.
func ComputeNotional(positionSize, markPrice int64) int64 {
	qty, err := Abs(positionSize)
	if err != nil {
		return stdmath.MaxInt64
	}
	raw := MultiplyInt128(qty, markPrice)
	defer putInt128(raw)

	raw.Mul(raw, big.NewInt(QuoteConfig.Scale))
	return DivideInt128(raw, PriceConfig.Scale*QuantityConfig.Scale, RoundHalfEven)
}

// CollateralValueUsd values amount collateral units (quote scale) at price (price scale), rounding down.
func CollateralValueUsd(amount, price int64) int64 {
	raw := MultiplyInt128(amount, price)
	defer putInt128(raw)
	return DivideInt128(raw, PriceConfig.Scale, RoundDown)
}

// CollateralUnitsForUsd returns the collateral units covering usd at price, rounding up.
func CollateralUnitsForUsd(usd, price int64) int64 {
	raw := MultiplyInt128(usd, PriceConfig.Scale)
	defer putInt128(raw)
	return DivideInt128(raw, price, RoundUp)
}

// RescaleExpo converts mantissa * 10^expo into target's fixed-point scale with banker's rounding.
func RescaleExpo(mantissa int64, expo int32, target DecimalConfig) (int64, error) {
	shift := int64(target.DecimalPrecision) + int64(expo)
	if shift > 36 || shift < -36 {
		return 0, fmt.Errorf("%w: exponent %d", ErrOverflow, expo)
	}
	v := big.NewInt(mantissa)
	if shift >= 0 {
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
		if !v.IsInt64() {
			return 0, fmt.Errorf("%w: %de%d", ErrOverflow, mantissa, expo)
		}
		return v.Int64(), nil
	}
	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil)
	if !div.IsInt64() {
		return 0, nil
	}
	return DivideInt128Checked(v, div.Int64(), RoundHalfEven)
}
