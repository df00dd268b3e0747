package ledger

import (
	fpmath "PerpSettle/internal/math"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies all journals of a batch or none of them. Every addition and subtraction is
// overflow-checked; on failure the tracker is unchanged.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}
	return bt.stage(batch, 1)
}

// RevertBatch undoes a previously applied batch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) error {
	return bt.stage(batch, -1)
}

func (bt *BalanceTracker) stage(batch *Batch, direction int64) error {
	staged := make(map[AccountKey]int64, len(batch.Journals)*2)
	get := func(k AccountKey) int64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return bt.balances[k]
	}

	for _, j := range batch.Journals {
		debit, credit := j.DebitAccount, j.CreditAccount
		if direction < 0 {
			debit, credit = credit, debit
		}
		d, err := fpmath.CheckedAdd(get(debit), j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s debit %s: %w", j.JournalID, debit.AccountPath(), err)
		}
		staged[debit] = d
		c, err := fpmath.CheckedSub(get(credit), j.Amount)
		if err != nil {
			return fmt.Errorf("journal %s credit %s: %w", j.JournalID, credit.AccountPath(), err)
		}
		staged[credit] = c
	}

	for k, v := range staged {
		if v == 0 {
			delete(bt.balances, k)
			continue
		}
		bt.balances[k] = v
	}
	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// SetBalance overwrites a balance, used on snapshot restore only.
func (bt *BalanceTracker) SetBalance(key AccountKey, balance int64) {
	if balance == 0 {
		delete(bt.balances, key)
		return
	}
	bt.balances[key] = balance
}

// MarginBalance is the available amount of one collateral in an account's market margin.
func (bt *BalanceTracker) MarginBalance(accountID uuid.UUID, marketID, collateralID string) int64 {
	return bt.balances[NewMarginAccountKey(accountID, marketID, collateralID)]
}

// MarginEntries returns every non-zero margin entry of an account in a market by collateral,
// including collateral that is no longer whitelisted.
func (bt *BalanceTracker) MarginEntries(accountID uuid.UUID, marketID string) map[string]int64 {
	out := make(map[string]int64)
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeMargin &&
			key.EntityID == accountID && key.MarketID == marketID {
			out[key.CollateralID] = balance
		}
	}
	return out
}

// LargestMargin returns the largest margin entry held in collateralID across all accounts and
// markets, and its key. The balance is zero when nobody holds it.
func (bt *BalanceTracker) LargestMargin(collateralID string) (AccountKey, int64) {
	var top AccountKey
	var largest int64
	for key, balance := range bt.balances {
		if key.Scope == AccountScopeUser && key.SubType == SubTypeMargin &&
			key.CollateralID == collateralID && balance > largest {
			top, largest = key, balance
		}
	}
	return top, largest
}

// ComputeGlobalBalance sums all balances per collateral (zero for a zero-sum ledger).
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]int64 {
	totals := make(map[string]int64)
	for key, balance := range bt.balances {
		totals[key.CollateralID] += balance
	}
	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// SortedKeys returns all non-zero accounts ordered by path.
func (bt *BalanceTracker) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(bt.balances))
	for k := range bt.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].AccountPath() < keys[j].AccountPath() })
	return keys
}
