package ledger

import (
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"fmt"

	"github.com/google/uuid"
)

// CollateralCaps exposes the deposit cap of each whitelisted collateral. A cap of zero or less
// means the collateral is not accepted.
type CollateralCaps interface {
	MaxAllowable(collateralID string) int64
}

// MarginLedger enforces cap and liquidity rules on margin entries and emits the journal legs that
// move them. It never mutates balances itself; the caller applies the batch.
type MarginLedger struct {
	tracker *BalanceTracker
	caps    CollateralCaps
	gen     *JournalGenerator
}

func NewMarginLedger(tracker *BalanceTracker, caps CollateralCaps, gen *JournalGenerator) *MarginLedger {
	return &MarginLedger{tracker: tracker, caps: caps, gen: gen}
}

// Available returns the margin entry of (account, market, collateral).
func (m *MarginLedger) Available(accountID uuid.UUID, marketID, collateralID string) int64 {
	return m.tracker.MarginBalance(accountID, marketID, collateralID)
}

// PlanDeposit appends a deposit leg after checking whitelist and cap.
func (m *MarginLedger) PlanDeposit(b *Batch, accountID uuid.UUID, marketID, collateralID string, amount int64) error {
	maxAllowable := m.caps.MaxAllowable(collateralID)
	if maxAllowable <= 0 {
		return fmt.Errorf("%w: %q", errs.ErrUnsupportedCollateral, collateralID)
	}
	available := m.Available(accountID, marketID, collateralID)
	next, err := fpmath.CheckedAdd(available, amount)
	if err != nil {
		return err
	}
	if next > maxAllowable {
		return fmt.Errorf("%w: available=%d deposit=%d max=%d",
			errs.ErrMaxCollateralExceeded, available, amount, maxAllowable)
	}
	m.gen.Deposit(b, accountID, marketID, collateralID, amount)
	return nil
}

// PlanWithdrawal appends a withdrawal leg after checking whitelist and liquidity.
func (m *MarginLedger) PlanWithdrawal(b *Batch, accountID uuid.UUID, marketID, collateralID string, amount int64) error {
	if m.caps.MaxAllowable(collateralID) <= 0 {
		return fmt.Errorf("%w: %q", errs.ErrUnsupportedCollateral, collateralID)
	}
	available := m.Available(accountID, marketID, collateralID)
	if available < amount {
		return fmt.Errorf("%w: available=%d requested=%d", errs.ErrInsufficientCollateral, available, amount)
	}
	m.gen.Withdrawal(b, accountID, marketID, collateralID, amount)
	return nil
}
