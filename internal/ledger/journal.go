package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeKeeperFee
	JournalTypeLiquidationReward
	JournalTypeLiquidationSeizure
	JournalTypeKeeperPayout
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeKeeperFee:
		return "keeper_fee"
	case JournalTypeLiquidationReward:
		return "liquidation_reward"
	case JournalTypeLiquidationSeizure:
		return "liquidation_seizure"
	case JournalTypeKeeperPayout:
		return "keeper_payout"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // deterministic, derived from EventRef and leg index
	BatchID       uuid.UUID   // groups the legs of one command
	EventRef      string      // idempotency key of the source command
	Sequence      int64       // global command sequence
	DebitAccount  AccountKey  // balance increases
	CreditAccount AccountKey  // balance decreases
	CollateralID  string      // asset being moved
	Amount        int64       // fixed-point, always positive
	JournalType   JournalType // entry type
	Timestamp     int64       // command timestamp, epoch microseconds
}

// Batch is the balanced set of journals produced by one command.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves one positive amount of one
// collateral from the credit account to the debit account, so every entry balances on its own.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
		if j.DebitAccount.CollateralID != j.CollateralID || j.CreditAccount.CollateralID != j.CollateralID {
			return fmt.Errorf("journal %s moves %s between accounts of another collateral", j.JournalID, j.CollateralID)
		}
	}

	return nil
}

// AffectedAccounts returns every account a batch touches, in journal order without duplicates.
func (b *Batch) AffectedAccounts() []AccountKey {
	seen := make(map[AccountKey]struct{}, len(b.Journals)*2)
	out := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
