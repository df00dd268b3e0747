package state

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
)

// CollateralHolding is one margin entry valued at its collateral's price (price scale).
// A zero Price marks collateral that no longer has a valuation; it contributes nothing.
type CollateralHolding struct {
	CollateralID string `json:"collateral_id"`
	Amount       int64  `json:"amount"`
	Price        int64  `json:"price"`
}

// ValueUsd returns the holding's quote-scale value, rounding down.
func (h CollateralHolding) ValueUsd() int64 {
	if h.Price <= 0 || h.Amount <= 0 {
		return 0
	}
	return fpmath.CollateralValueUsd(h.Amount, h.Price)
}

// LiquidationMargin is the requirement set of a position at a price.
type LiquidationMargin struct {
	InitialUsd     int64 `json:"initial_usd"`
	MaintenanceUsd int64 `json:"maintenance_usd"`
	PremiumUsd     int64 `json:"premium_usd"`
}

// LiquidationThresholdUsd is the margin below which the position can be liquidated.
func (m LiquidationMargin) LiquidationThresholdUsd() (int64, error) {
	return fpmath.CheckedAdd(m.MaintenanceUsd, m.PremiumUsd)
}

// CollateralValueUsd sums the value of holdings.
func CollateralValueUsd(holdings []CollateralHolding) (int64, error) {
	var total int64
	for _, h := range holdings {
		var err error
		total, err = fpmath.CheckedAdd(total, h.ValueUsd())
		if err != nil {
			return 0, fmt.Errorf("collateral %s: %w", h.CollateralID, err)
		}
	}
	return total, nil
}

// MarginUsd computes collateral value plus accumulated margin plus unrealized PnL at price.
// pos may be nil.
func MarginUsd(holdings []CollateralHolding, pos *Position, price int64) (int64, error) {
	total, err := CollateralValueUsd(holdings)
	if err != nil {
		return 0, err
	}
	if pos == nil {
		return total, nil
	}
	if total, err = fpmath.CheckedAdd(total, pos.AccumulatedMargin); err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(total, fpmath.ComputeUnrealizedPnL(pos.Size, pos.EntryPrice, price))
}

// GetLiquidationMarginUsd derives initial, maintenance and premium requirements from the
// notional value |size| * price:
//
//	IM      = notional * InitialMarginRatio     + MinimumPositionMarginUsd
//	MM      = notional * MaintenanceMarginRatio + MinimumPositionMarginUsd
//	premium = notional * LiquidationPremiumRatio
//
// A flat position requires nothing.
func GetLiquidationMarginUsd(size, price int64, cfg *MarketConfig) (LiquidationMargin, error) {
	if size == 0 {
		return LiquidationMargin{}, nil
	}
	notional := fpmath.ComputeNotional(size, price)

	im, err := fpmath.CheckedAdd(fpmath.ApplyFraction(notional, cfg.InitialMarginRatio, fpmath.RoundUp), cfg.MinimumPositionMarginUsd)
	if err != nil {
		return LiquidationMargin{}, err
	}
	mm, err := fpmath.CheckedAdd(fpmath.ApplyFraction(notional, cfg.MaintenanceMarginRatio, fpmath.RoundUp), cfg.MinimumPositionMarginUsd)
	if err != nil {
		return LiquidationMargin{}, err
	}

	return LiquidationMargin{
		InitialUsd:     im,
		MaintenanceUsd: mm,
		PremiumUsd:     fpmath.ApplyFraction(notional, cfg.LiquidationPremiumRatio, fpmath.RoundUp),
	}, nil
}

// IsLiquidatable returns true when a non-flat position's margin is below maintenance plus premium.
func IsLiquidatable(marginUsd, size, price int64, cfg *MarketConfig) (bool, error) {
	if size == 0 {
		return false, nil
	}
	req, err := GetLiquidationMarginUsd(size, price, cfg)
	if err != nil {
		return false, err
	}
	threshold, err := req.LiquidationThresholdUsd()
	if err != nil {
		return false, err
	}
	return marginUsd < threshold, nil
}

// CheckMarginHealth classifies a position's margin against its requirements.
func CheckMarginHealth(marginUsd, size, price int64, cfg *MarketConfig) (MarginStatus, error) {
	if size == 0 {
		return MarginStatusHealthy, nil
	}
	req, err := GetLiquidationMarginUsd(size, price, cfg)
	if err != nil {
		return MarginStatusHealthy, err
	}
	threshold, err := req.LiquidationThresholdUsd()
	if err != nil {
		return MarginStatusHealthy, err
	}

	if marginUsd < threshold {
		return MarginStatusLiquidatable, nil
	}
	if marginUsd < req.InitialUsd {
		return MarginStatusBelowInitial, nil
	}
	return MarginStatusHealthy, nil
}

// MarginStatus represents a position's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusBelowInitial
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusBelowInitial:
		return "BelowInitial"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}
