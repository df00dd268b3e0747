package core

import (
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

func (c *SettlementCore) market(marketID string) (*state.MarketConfig, error) {
	cfg, ok := c.markets.Get(marketID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errs.ErrMarketNotFound, marketID)
	}
	return cfg, nil
}

func (c *SettlementCore) requireOwner(caller, accountID uuid.UUID) error {
	if c.identity == nil || !c.identity.AccountExists(accountID) {
		return fmt.Errorf("%w: %s", errs.ErrAccountNotFound, accountID)
	}
	if !c.identity.IsOwner(accountID, caller) {
		return fmt.Errorf("%w: %s does not own account %s", errs.ErrUnauthorized, caller, accountID)
	}
	return nil
}

func (c *SettlementCore) requireAdmin(caller uuid.UUID) error {
	if c.identity == nil || !c.identity.IsAdmin(caller) {
		return fmt.Errorf("%w: %s is not an admin", errs.ErrUnauthorized, caller)
	}
	return nil
}

// collateralPrice values one unit of ct. Collateral without a feed is pegged at exactly 1.00.
func (c *SettlementCore) collateralPrice(ct state.CollateralType, now int64) (int64, error) {
	if ct.OracleFeedID == "" {
		return fpmath.UnitPrice, nil
	}
	return c.oracle.ResolvePrice(ct.OracleFeedID, now)
}

// holdings lists the margin of (account, market) in registry order, valued at now. Collateral that
// is no longer whitelisted follows, sorted by id, at price zero: it still belongs to the account but
// does not count as margin.
func (c *SettlementCore) holdings(accountID uuid.UUID, marketID string, now int64) ([]state.CollateralHolding, error) {
	entries := c.balances.MarginEntries(accountID, marketID)
	out := make([]state.CollateralHolding, 0, len(entries))

	for _, ct := range c.collaterals.List() {
		amount, ok := entries[ct.ID]
		if !ok {
			continue
		}
		delete(entries, ct.ID)
		if amount == 0 {
			continue
		}
		price, err := c.collateralPrice(ct, now)
		if err != nil {
			return nil, fmt.Errorf("value collateral %q: %w", ct.ID, err)
		}
		out = append(out, state.CollateralHolding{CollateralID: ct.ID, Amount: amount, Price: price})
	}

	delisted := make([]string, 0, len(entries))
	for id, amount := range entries {
		if amount != 0 {
			delisted = append(delisted, id)
		}
	}
	sort.Strings(delisted)
	for _, id := range delisted {
		out = append(out, state.CollateralHolding{CollateralID: id, Amount: entries[id]})
	}
	return out, nil
}

// markPrice is the current oracle price of a market.
func (c *SettlementCore) markPrice(cfg *state.MarketConfig, now int64) (int64, error) {
	return c.oracle.ResolvePrice(cfg.OracleFeedID, now)
}

// evaluate computes the margin and health of pos at price.
func (c *SettlementCore) evaluate(cfg *state.MarketConfig, pos *state.Position, price, now int64) (int64, state.MarginStatus, error) {
	hs, err := c.holdings(pos.AccountID, pos.MarketID, now)
	if err != nil {
		return 0, 0, err
	}
	margin, err := state.MarginUsd(hs, pos, price)
	if err != nil {
		return 0, 0, err
	}
	status, err := state.CheckMarginHealth(margin, pos.Size, price, cfg)
	if err != nil {
		return 0, 0, err
	}
	return margin, status, nil
}
