// internal/state/liquidation.go
package state

import (
	fpmath "PerpSettle/internal/math"
)

// CollateralAmount is a quantity of one collateral, quote scale.
type CollateralAmount struct {
	CollateralID string
	Amount       int64
}

// DrawUsd takes collateral covering usd from holdings in the order given, converting at each
// holding's price and rounding units up. Holdings without a price are skipped. It returns the
// units taken and the USD they cover, which is less than usd when the holdings run out.
func DrawUsd(holdings []CollateralHolding, usd int64) (draws []CollateralAmount, coveredUsd int64) {
	remaining := usd
	for _, h := range holdings {
		if remaining <= 0 {
			break
		}
		if h.Price <= 0 || h.Amount <= 0 {
			continue
		}
		units := min(h.Amount, fpmath.CollateralUnitsForUsd(remaining, h.Price))
		if units <= 0 {
			continue
		}
		value := min(remaining, fpmath.CollateralValueUsd(units, h.Price))
		if units == h.Amount {
			value = min(remaining, h.ValueUsd())
		}
		draws = append(draws, CollateralAmount{CollateralID: h.CollateralID, Amount: units})
		remaining -= value
		coveredUsd += value
	}
	return draws, coveredUsd
}

// LiquidationPlan describes how a liquidated position's collateral is split.
type LiquidationPlan struct {
	Rewards    []CollateralAmount // to the keeper
	RewardUsd  int64
	Seized     []CollateralAmount // to the market insurance fund
	DeficitUsd int64              // negative margin left after the close
}

// PlanLiquidation pays the keeper min(premium, margin) out of holdings and seizes every unit that
// is left. marginUsd is the account's margin after realizing the closing PnL.
func PlanLiquidation(holdings []CollateralHolding, marginUsd, premiumUsd int64) LiquidationPlan {
	var plan LiquidationPlan
	if marginUsd < 0 {
		plan.DeficitUsd = -marginUsd
	}

	reward := min(premiumUsd, max(marginUsd, 0))
	plan.Rewards, plan.RewardUsd = DrawUsd(holdings, reward)

	taken := make(map[string]int64, len(plan.Rewards))
	for _, r := range plan.Rewards {
		taken[r.CollateralID] += r.Amount
	}
	for _, h := range holdings {
		left := h.Amount - taken[h.CollateralID]
		if left > 0 {
			plan.Seized = append(plan.Seized, CollateralAmount{CollateralID: h.CollateralID, Amount: left})
		}
	}
	return plan
}
