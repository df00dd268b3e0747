package core

import (
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// MarginSummary is a point-in-time risk view of one (account, market).
type MarginSummary struct {
	AccountID          uuid.UUID                 `json:"account_id"`
	MarketID           string                    `json:"market_id"`
	Holdings           []state.CollateralHolding `json:"holdings"`
	CollateralValueUsd int64                     `json:"collateral_value_usd"`
	Position           *state.Position           `json:"position,omitempty"`
	Price              int64                     `json:"price"`
	MarginUsd          int64                     `json:"margin_usd"`
	NotionalUsd        int64                     `json:"notional_usd"`
	Requirements       state.LiquidationMargin   `json:"requirements"`
	Status             string                    `json:"status"`
	PendingOrder       *state.Order              `json:"pending_order,omitempty"`
}

// GetConfiguredCollaterals returns the whitelist in insertion order.
func (c *SettlementCore) GetConfiguredCollaterals() []state.CollateralType {
	return c.collaterals.List()
}

// GetMarketConfiguration returns a copy of a market's parameters.
func (c *SettlementCore) GetMarketConfiguration(marketID string) (*state.MarketConfig, error) {
	cfg, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	out := *cfg
	return &out, nil
}

// GetNotionalValueUsd is |size| * current oracle price, zero without a position.
func (c *SettlementCore) GetNotionalValueUsd(accountID uuid.UUID, marketID string, now int64) (int64, error) {
	cfg, err := c.market(marketID)
	if err != nil {
		return 0, err
	}
	pos := c.positions.Get(accountID, marketID)
	if pos.IsFlat() {
		return 0, nil
	}
	price, err := c.markPrice(cfg, now)
	if err != nil {
		return 0, err
	}
	return fpmath.ComputeNotional(pos.Size, price), nil
}

// GetMarginSummary values an account's margin in a market at now.
func (c *SettlementCore) GetMarginSummary(accountID uuid.UUID, marketID string, now int64) (*MarginSummary, error) {
	cfg, err := c.market(marketID)
	if err != nil {
		return nil, err
	}
	if c.identity != nil && !c.identity.AccountExists(accountID) {
		return nil, fmt.Errorf("%w: %s", errs.ErrAccountNotFound, accountID)
	}

	hs, err := c.holdings(accountID, marketID, now)
	if err != nil {
		return nil, err
	}
	collateral, err := state.CollateralValueUsd(hs)
	if err != nil {
		return nil, err
	}
	summary := &MarginSummary{
		AccountID:          accountID,
		MarketID:           marketID,
		Holdings:           hs,
		CollateralValueUsd: collateral,
		Position:           c.positions.Get(accountID, marketID),
		PendingOrder:       c.orders.Get(accountID, marketID),
		MarginUsd:          collateral,
		Status:             state.MarginStatusHealthy.String(),
	}

	pos := summary.Position
	if pos == nil {
		return summary, nil
	}
	if pos.IsFlat() {
		summary.MarginUsd, err = state.MarginUsd(hs, pos, 0)
		return summary, err
	}

	if summary.Price, err = c.markPrice(cfg, now); err != nil {
		return nil, err
	}
	if summary.MarginUsd, err = state.MarginUsd(hs, pos, summary.Price); err != nil {
		return nil, err
	}
	if summary.Requirements, err = state.GetLiquidationMarginUsd(pos.Size, summary.Price, cfg); err != nil {
		return nil, err
	}
	status, err := state.CheckMarginHealth(summary.MarginUsd, pos.Size, summary.Price, cfg)
	if err != nil {
		return nil, err
	}
	summary.Status = status.String()
	summary.NotionalUsd = fpmath.ComputeNotional(pos.Size, summary.Price)
	return summary, nil
}

// GetPendingOrder returns the pending order of (account, market), ErrOrderNotFound when idle.
func (c *SettlementCore) GetPendingOrder(accountID uuid.UUID, marketID string) (*state.Order, error) {
	o := c.orders.Get(accountID, marketID)
	if o == nil {
		return nil, fmt.Errorf("%w: account %s market %s", errs.ErrOrderNotFound, accountID, marketID)
	}
	return o, nil
}

// GetPosition returns the position of (account, market), nil when none.
func (c *SettlementCore) GetPosition(accountID uuid.UUID, marketID string) *state.Position {
	return c.positions.Get(accountID, marketID)
}

// GetMarginBalance returns one margin entry.
func (c *SettlementCore) GetMarginBalance(accountID uuid.UUID, marketID, collateralID string) int64 {
	return c.balances.MarginBalance(accountID, marketID, collateralID)
}

// ExpiredOrders lists pending orders whose age exceeds their market's MaxOrderAge at now.
func (c *SettlementCore) ExpiredOrders(now int64) []*state.Order {
	return c.orders.Expired(now, c.markets)
}
