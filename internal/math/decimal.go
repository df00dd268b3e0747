package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FromDecimal converts d into cfg's fixed-point representation. Extra digits are a validation error,
// not silently rounded.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := d.Shift(int32(cfg.DecimalPrecision))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return bi.Int64(), nil
}

// ToDecimal converts a fixed-point value back into a decimal for display and APIs.
func ToDecimal(v int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(v, -int32(cfg.DecimalPrecision))
}

// ParseAmount parses a decimal string such as "1000.5" into cfg's scale.
func ParseAmount(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d, cfg)
}

// FormatAmount renders v with exactly cfg.DecimalPrecision places.
func FormatAmount(v int64, cfg DecimalConfig) string {
	return ToDecimal(v, cfg).StringFixed(int32(cfg.DecimalPrecision))
}
