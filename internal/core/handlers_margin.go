package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
	"context"
	"fmt"
)

// handleTransferCollateral deposits or withdraws margin. Local bookkeeping commits first; custody
// moves follow and are compensated if a later one fails.
func (c *SettlementCore) handleTransferCollateral(tx *txn, cmd *command.TransferCollateral) error {
	if _, err := c.market(cmd.Market); err != nil {
		return err
	}
	if err := c.requireOwner(cmd.CallerID, cmd.AccountID); err != nil {
		return err
	}
	if cmd.AmountDelta == 0 {
		return nil
	}
	if cmd.CollateralID == "" {
		return errs.ErrZeroAddress
	}
	if c.collaterals.MaxAllowable(cmd.CollateralID) <= 0 {
		return fmt.Errorf("%w: %q", errs.ErrUnsupportedCollateral, cmd.CollateralID)
	}
	if c.orders.Get(cmd.AccountID, cmd.Market) != nil {
		return fmt.Errorf("%w: account %s market %s", errs.ErrOrderFound, cmd.AccountID, cmd.Market)
	}

	if cmd.AmountDelta > 0 {
		return c.deposit(tx, cmd, cmd.AmountDelta)
	}
	amount, err := fpmath.Abs(cmd.AmountDelta)
	if err != nil {
		return err
	}
	return c.withdraw(tx, cmd, amount)
}

func (c *SettlementCore) deposit(tx *txn, cmd *command.TransferCollateral, amount int64) error {
	if err := c.marginLedger.PlanDeposit(tx.batch, cmd.AccountID, cmd.Market, cmd.CollateralID, amount); err != nil {
		return err
	}
	if err := tx.flush(); err != nil {
		return err
	}
	marginKey := ledger.NewMarginAccountKey(cmd.AccountID, cmd.Market, cmd.CollateralID)
	if err := c.validator.ValidateMarginCap(marginKey, c.collaterals.MaxAllowable(cmd.CollateralID)); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrMaxCollateralExceeded, err)
	}

	tx.emit(&event.Transfer{
		From:         cmd.CallerID.String(),
		To:           marginKey.AccountPath(),
		AccountID:    cmd.AccountID,
		Market:       cmd.Market,
		CollateralID: cmd.CollateralID,
		Amount:       amount,
	})

	if err := tx.external("PullFromCaller",
		func(ctx context.Context) error {
			return c.custody.PullFromCaller(ctx, cmd.CallerID, cmd.CollateralID, amount)
		},
		func(ctx context.Context) error {
			return c.custody.PushToCaller(ctx, cmd.CallerID, cmd.CollateralID, amount)
		}); err != nil {
		return err
	}
	return tx.external("DepositMarketCollateral",
		func(ctx context.Context) error {
			return c.custody.DepositMarketCollateral(ctx, cmd.Market, cmd.CollateralID, amount)
		},
		func(ctx context.Context) error {
			return c.custody.WithdrawMarketCollateral(ctx, cmd.Market, cmd.CollateralID, amount)
		})
}

func (c *SettlementCore) withdraw(tx *txn, cmd *command.TransferCollateral, amount int64) error {
	if err := c.marginLedger.PlanWithdrawal(tx.batch, cmd.AccountID, cmd.Market, cmd.CollateralID, amount); err != nil {
		return err
	}
	if err := tx.flush(); err != nil {
		return err
	}
	if pos := c.positions.Get(cmd.AccountID, cmd.Market); pos != nil {
		if err := c.checkWithdrawal(cmd, pos); err != nil {
			return err
		}
	}

	marginKey := ledger.NewMarginAccountKey(cmd.AccountID, cmd.Market, cmd.CollateralID)
	tx.emit(&event.Transfer{
		From:         marginKey.AccountPath(),
		To:           cmd.CallerID.String(),
		AccountID:    cmd.AccountID,
		Market:       cmd.Market,
		CollateralID: cmd.CollateralID,
		Amount:       amount,
	})

	if err := tx.external("WithdrawMarketCollateral",
		func(ctx context.Context) error {
			return c.custody.WithdrawMarketCollateral(ctx, cmd.Market, cmd.CollateralID, amount)
		},
		func(ctx context.Context) error {
			return c.custody.DepositMarketCollateral(ctx, cmd.Market, cmd.CollateralID, amount)
		}); err != nil {
		return err
	}
	return tx.external("PushToCaller",
		func(ctx context.Context) error {
			return c.custody.PushToCaller(ctx, cmd.CallerID, cmd.CollateralID, amount)
		},
		func(ctx context.Context) error {
			return c.custody.PullFromCaller(ctx, cmd.CallerID, cmd.CollateralID, amount)
		})
}

// checkWithdrawal evaluates the post-withdrawal margin. An open position must stay above initial
// margin; a flat position carrying accumulated margin must stay solvent.
func (c *SettlementCore) checkWithdrawal(cmd *command.TransferCollateral, pos *state.Position) error {
	cfg, err := c.market(cmd.Market)
	if err != nil {
		return err
	}
	now := command.Now(cmd)

	if pos.IsFlat() {
		hs, err := c.holdings(cmd.AccountID, cmd.Market, now)
		if err != nil {
			return err
		}
		margin, err := state.MarginUsd(hs, pos, 0)
		if err != nil {
			return err
		}
		if margin < 0 {
			return fmt.Errorf("%w: margin %d after withdrawal", errs.ErrInsufficientMargin, margin)
		}
		return nil
	}

	price, err := c.markPrice(cfg, now)
	if err != nil {
		return err
	}
	margin, status, err := c.evaluate(cfg, pos, price, now)
	if err != nil {
		return err
	}
	switch status {
	case state.MarginStatusLiquidatable:
		return fmt.Errorf("%w: margin %d at price %d", errs.ErrCanLiquidatePosition, margin, price)
	case state.MarginStatusBelowInitial:
		return fmt.Errorf("%w: margin %d below initial at price %d", errs.ErrInsufficientMargin, margin, price)
	}
	return nil
}

// handleSetCollateralConfiguration replaces the whitelist atomically and re-points custody
// allowances: every previous entry is revoked, then every new entry is granted its cap.
// A listed collateral's cap may not drop below a margin entry already holding it; de-listing
// (omitting the entry or a zero cap) is always allowed.
func (c *SettlementCore) handleSetCollateralConfiguration(tx *txn, cmd *command.SetCollateralConfiguration) error {
	if err := c.requireAdmin(cmd.CallerID); err != nil {
		return err
	}
	for _, ct := range cmd.Collaterals {
		if ct.MaxAllowable <= 0 {
			continue
		}
		if key, held := c.balances.LargestMargin(ct.ID); held > ct.MaxAllowable {
			return fmt.Errorf("%w: cap %d for %q is below %d held by %s",
				errs.ErrInvalidConfiguration, ct.MaxAllowable, ct.ID, held, key.AccountPath())
		}
	}
	prev, err := tx.replaceCollaterals(cmd.Collaterals)
	if err != nil {
		return err
	}
	tx.emit(&event.CollateralConfigured{Admin: cmd.CallerID, Count: len(cmd.Collaterals)})

	for _, ct := range prev {
		ct := ct
		if err := tx.external("RevokeAllowance",
			func(ctx context.Context) error { return c.custody.RevokeAllowance(ctx, ct.ID) },
			func(ctx context.Context) error { return c.custody.GrantAllowance(ctx, ct.ID, ct.MaxAllowable) },
		); err != nil {
			return err
		}
	}
	for _, ct := range cmd.Collaterals {
		ct := ct
		if err := tx.external("GrantAllowance",
			func(ctx context.Context) error { return c.custody.GrantAllowance(ctx, ct.ID, ct.MaxAllowable) },
			func(ctx context.Context) error { return c.custody.RevokeAllowance(ctx, ct.ID) },
		); err != nil {
			return err
		}
	}
	return nil
}

func (c *SettlementCore) handleSetMarketConfiguration(tx *txn, cmd *command.SetMarketConfiguration) error {
	if err := c.requireAdmin(cmd.CallerID); err != nil {
		return err
	}
	cfg := cmd.Config
	if err := tx.setMarket(&cfg); err != nil {
		return err
	}
	tx.emit(&event.MarketConfigured{Admin: cmd.CallerID, Market: cfg.MarketID, OracleFeedID: cfg.OracleFeedID})
	return nil
}
