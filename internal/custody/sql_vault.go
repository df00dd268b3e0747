package custody

import (
	"PerpSettle/internal/errs"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SQLVault keeps custody balances in the custody schema. Each call runs in its own transaction;
// a debit that would go negative affects no rows and fails the call.
type SQLVault struct {
	db *sql.DB
}

func NewSQLVault(db *sql.DB) *SQLVault {
	return &SQLVault{db: db}
}

const (
	debitWallet     = `UPDATE custody.wallets SET balance = balance - $3 WHERE owner_id = $1 AND collateral_id = $2 AND balance >= $3`
	creditWallet    = `INSERT INTO custody.wallets (owner_id, collateral_id, balance) VALUES ($1, $2, $3) ON CONFLICT (owner_id, collateral_id) DO UPDATE SET balance = custody.wallets.balance + EXCLUDED.balance`
	debitLedger     = `UPDATE custody.ledger_holdings SET balance = balance - $2 WHERE collateral_id = $1 AND balance >= $2`
	creditLedger    = `INSERT INTO custody.ledger_holdings (collateral_id, balance) VALUES ($1, $2) ON CONFLICT (collateral_id) DO UPDATE SET balance = custody.ledger_holdings.balance + EXCLUDED.balance`
	debitPool       = `UPDATE custody.market_pools SET balance = balance - $3 WHERE market_id = $1 AND collateral_id = $2 AND balance >= $3`
	creditPool      = `INSERT INTO custody.market_pools (market_id, collateral_id, balance) VALUES ($1, $2, $3) ON CONFLICT (market_id, collateral_id) DO UPDATE SET balance = custody.market_pools.balance + EXCLUDED.balance`
	checkAllowance  = `SELECT amount FROM custody.allowances WHERE collateral_id = $1`
	upsertAllowance = `INSERT INTO custody.allowances (collateral_id, amount) VALUES ($1, $2) ON CONFLICT (collateral_id) DO UPDATE SET amount = EXCLUDED.amount`
	deleteAllowance = `DELETE FROM custody.allowances WHERE collateral_id = $1`
)

func (v *SQLVault) PullFromCaller(ctx context.Context, caller uuid.UUID, collateralID string, amount int64) error {
	return v.inTx(ctx, "pull from caller", func(tx *sql.Tx) error {
		if err := mustAffect(tx.ExecContext(ctx, debitWallet, caller, collateralID, amount)); err != nil {
			return fmt.Errorf("wallet %s %s below %d: %w", caller, collateralID, amount, err)
		}
		_, err := tx.ExecContext(ctx, creditLedger, collateralID, amount)
		return err
	})
}

func (v *SQLVault) PushToCaller(ctx context.Context, caller uuid.UUID, collateralID string, amount int64) error {
	return v.inTx(ctx, "push to caller", func(tx *sql.Tx) error {
		if err := mustAffect(tx.ExecContext(ctx, debitLedger, collateralID, amount)); err != nil {
			return fmt.Errorf("ledger holdings %s below %d: %w", collateralID, amount, err)
		}
		_, err := tx.ExecContext(ctx, creditWallet, caller, collateralID, amount)
		return err
	})
}

func (v *SQLVault) DepositMarketCollateral(ctx context.Context, marketID, collateralID string, amount int64) error {
	return v.inTx(ctx, "deposit market collateral", func(tx *sql.Tx) error {
		var allowance int64
		if err := tx.QueryRowContext(ctx, checkAllowance, collateralID).Scan(&allowance); err != nil {
			return fmt.Errorf("allowance %s: %w", collateralID, err)
		}
		if allowance < amount {
			return fmt.Errorf("allowance for %s is %d, need %d", collateralID, allowance, amount)
		}
		if err := mustAffect(tx.ExecContext(ctx, debitLedger, collateralID, amount)); err != nil {
			return fmt.Errorf("ledger holdings %s below %d: %w", collateralID, amount, err)
		}
		_, err := tx.ExecContext(ctx, creditPool, marketID, collateralID, amount)
		return err
	})
}

func (v *SQLVault) WithdrawMarketCollateral(ctx context.Context, marketID, collateralID string, amount int64) error {
	return v.inTx(ctx, "withdraw market collateral", func(tx *sql.Tx) error {
		if err := mustAffect(tx.ExecContext(ctx, debitPool, marketID, collateralID, amount)); err != nil {
			return fmt.Errorf("pool %s/%s below %d: %w", marketID, collateralID, amount, err)
		}
		_, err := tx.ExecContext(ctx, creditLedger, collateralID, amount)
		return err
	})
}

func (v *SQLVault) GrantAllowance(ctx context.Context, collateralID string, amount int64) error {
	if _, err := v.db.ExecContext(ctx, upsertAllowance, collateralID, amount); err != nil {
		return fmt.Errorf("%w: grant allowance %s: %v", errs.ErrCustody, collateralID, err)
	}
	return nil
}

func (v *SQLVault) RevokeAllowance(ctx context.Context, collateralID string) error {
	if _, err := v.db.ExecContext(ctx, deleteAllowance, collateralID); err != nil {
		return fmt.Errorf("%w: revoke allowance %s: %v", errs.ErrCustody, collateralID, err)
	}
	return nil
}

var errNoRows = errors.New("no rows affected")

func mustAffect(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoRows
	}
	return nil
}

func (v *SQLVault) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: begin: %v", errs.ErrCustody, op, err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrCustody, op, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: commit: %v", errs.ErrCustody, op, err)
	}
	return nil
}
