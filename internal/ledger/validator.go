package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePostBatch checks that no internal account a batch touched went negative.
// External custody accounts mirror upstream holdings and run negative by construction.
func (v *InvariantValidator) ValidatePostBatch(batch *Batch) error {
	for _, k := range batch.AffectedAccounts() {
		if k.Scope == AccountScopeExternal {
			continue
		}
		if err := v.tracker.ValidateNonNegative(k); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMarginCap checks available <= maxAllowable for one margin entry.
func (v *InvariantValidator) ValidateMarginCap(key AccountKey, maxAllowable int64) error {
	if bal := v.tracker.GetBalance(key); bal > maxAllowable {
		return fmt.Errorf("account %s holds %d above cap %d", key.AccountPath(), bal, maxAllowable)
	}
	return nil
}

// ValidateGlobalBalance verifies the ledger is zero-sum per collateral.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	for collateral, total := range v.tracker.ComputeGlobalBalance() {
		if total != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %d", collateral, total)
		}
	}
	return nil
}
