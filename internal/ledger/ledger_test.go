package ledger_test

import (
	"PerpSettle/internal/errs"
	"PerpSettle/internal/ledger"
	"errors"
	stdmath "math"
	"testing"

	"github.com/google/uuid"
)

// --- Test helpers ---

type capTable map[string]int64

func (c capTable) MaxAllowable(id string) int64 { return c[id] }

func newMarginLedger(caps capTable) (*ledger.MarginLedger, *ledger.BalanceTracker, *ledger.JournalGenerator) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	return ledger.NewMarginLedger(bt, caps, gen), bt, gen
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_Paths(t *testing.T) {
	acct := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	cases := []struct {
		key  ledger.AccountKey
		want string
	}{
		{ledger.NewMarginAccountKey(acct, "ETH-PERP", "USDC"), "user:550e8400-e29b-41d4-a716-446655440000:ETH-PERP:margin:USDC"},
		{ledger.NewKeeperAccountKey(acct, "USDC"), "keeper:550e8400-e29b-41d4-a716-446655440000:rewards:USDC"},
		{ledger.NewInsuranceFundKey("ETH-PERP", "USDC"), "system:ETH-PERP:insurance_fund:USDC"},
		{ledger.NewCustodyAccountKey("ETH-PERP", "USDC"), "external:ETH-PERP:custody:USDC"},
	}
	for _, tc := range cases {
		if got := tc.key.AccountPath(); got != tc.want {
			t.Errorf("got %q, want %q", got, tc.want)
		}
		parsed, err := ledger.ParseAccountPath(tc.want)
		if err != nil {
			t.Fatalf("ParseAccountPath(%q): %v", tc.want, err)
		}
		if parsed != tc.key {
			t.Errorf("ParseAccountPath(%q) = %+v, want %+v", tc.want, parsed, tc.key)
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, p := range []string{"", "user:not-a-uuid:M:margin:USDC", "system:M:fees:USDC", "external:custody"} {
		if _, err := ledger.ParseAccountPath(p); err == nil {
			t.Errorf("ParseAccountPath(%q) should fail", p)
		}
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsNonPositive(t *testing.T) {
	gen := ledger.NewJournalGenerator()
	b := gen.NewBatch("cmd-1", 1, 0)
	gen.Deposit(b, uuid.New(), "M", "USDC", 0)
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestBatch_ValidateEmpty(t *testing.T) {
	b := ledger.NewJournalGenerator().NewBatch("cmd-1", 1, 0)
	if err := b.Validate(); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestGenerator_DeterministicIDs(t *testing.T) {
	acct := uuid.New()
	gen := ledger.NewJournalGenerator()
	b1 := gen.NewBatch("cmd-7", 7, 100)
	gen.Deposit(b1, acct, "M", "USDC", 5)
	b2 := gen.NewBatch("cmd-7", 7, 100)
	gen.Deposit(b2, acct, "M", "USDC", 5)

	if b1.BatchID != b2.BatchID || b1.Journals[0].JournalID != b2.Journals[0].JournalID {
		t.Fatal("same command must produce the same identifiers")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_ApplyAndRevert(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	acct := uuid.New()

	b := gen.NewBatch("cmd-1", 1, 0)
	gen.Deposit(b, acct, "M", "USDC", 1_000)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}
	if got := bt.MarginBalance(acct, "M", "USDC"); got != 1_000 {
		t.Errorf("margin = %d, want 1000", got)
	}
	if got := bt.GetBalance(ledger.NewCustodyAccountKey("M", "USDC")); got != -1_000 {
		t.Errorf("custody = %d, want -1000", got)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}

	if err := bt.RevertBatch(b); err != nil {
		t.Fatalf("RevertBatch: %v", err)
	}
	if len(bt.Snapshot()) != 0 {
		t.Errorf("revert should leave no balances, got %v", bt.Snapshot())
	}
}

func TestBalanceTracker_OverflowIsAtomic(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	acct := uuid.New()

	bt.SetBalance(ledger.NewMarginAccountKey(acct, "M", "USDC"), stdmath.MaxInt64-10)

	b := gen.NewBatch("cmd-1", 1, 0)
	gen.Deposit(b, acct, "M", "ETH", 5)   // fine
	gen.Deposit(b, acct, "M", "USDC", 11) // overflows
	err := bt.ApplyBatch(b)
	if !errors.Is(err, errs.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	if bt.MarginBalance(acct, "M", "ETH") != 0 {
		t.Error("failed batch must not apply earlier legs")
	}
}

func TestInvariantValidator_PostBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	acct := uuid.New()

	b := gen.NewBatch("cmd-1", 1, 0)
	gen.Withdrawal(b, acct, "M", "USDC", 10)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}
	if err := ledger.NewInvariantValidator(bt).ValidatePostBatch(b); err == nil {
		t.Fatal("negative margin must be reported")
	}
}

func TestGenerator_KeeperPayoutDrainsRewards(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator()
	acct, keeper := uuid.New(), uuid.New()

	b := gen.NewBatch("settle-1", 1, 0)
	gen.Deposit(b, acct, "M", "USDC", 100)
	gen.KeeperFee(b, acct, "M", keeper, "USDC", 3)
	gen.KeeperPayout(b, "M", keeper, "USDC", 3)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if got := bt.GetBalance(ledger.NewKeeperAccountKey(keeper, "USDC")); got != 0 {
		t.Errorf("keeper rewards = %d, want 0", got)
	}
	if got := bt.GetBalance(ledger.NewCustodyAccountKey("M", "USDC")); got != -97 {
		t.Errorf("custody = %d, want -97", got)
	}
	if b.Journals[2].JournalType != ledger.JournalTypeKeeperPayout || b.Journals[2].JournalType.String() != "keeper_payout" {
		t.Errorf("payout leg type = %s", b.Journals[2].JournalType)
	}
	if err := ledger.NewInvariantValidator(bt).ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
}

// ============================================================================
// Test: MarginLedger
// ============================================================================

func TestMarginLedger_DepositCap(t *testing.T) {
	ml, bt, gen := newMarginLedger(capTable{"USDC": 5_000})
	acct := uuid.New()

	b := gen.NewBatch("d1", 1, 0)
	if err := ml.PlanDeposit(b, acct, "M", "USDC", 5_000); err != nil {
		t.Fatalf("deposit at cap: %v", err)
	}
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	b2 := gen.NewBatch("d2", 2, 0)
	if err := ml.PlanDeposit(b2, acct, "M", "USDC", 1); !errors.Is(err, errs.ErrMaxCollateralExceeded) {
		t.Fatalf("expected ErrMaxCollateralExceeded, got %v", err)
	}
	if len(b2.Journals) != 0 {
		t.Error("rejected deposit must not add legs")
	}
}

func TestMarginLedger_Unsupported(t *testing.T) {
	ml, _, gen := newMarginLedger(capTable{"USDC": 5_000, "OLD": 0})
	acct := uuid.New()
	for _, c := range []string{"OLD", "DOGE"} {
		if err := ml.PlanDeposit(gen.NewBatch("x", 1, 0), acct, "M", c, 1); !errors.Is(err, errs.ErrUnsupportedCollateral) {
			t.Errorf("%s deposit: expected ErrUnsupportedCollateral, got %v", c, err)
		}
		if err := ml.PlanWithdrawal(gen.NewBatch("x", 1, 0), acct, "M", c, 1); !errors.Is(err, errs.ErrUnsupportedCollateral) {
			t.Errorf("%s withdrawal: expected ErrUnsupportedCollateral, got %v", c, err)
		}
	}
}

func TestMarginLedger_WithdrawInsufficient(t *testing.T) {
	ml, bt, gen := newMarginLedger(capTable{"USDC": 5_000})
	acct := uuid.New()

	b := gen.NewBatch("d1", 1, 0)
	if err := ml.PlanDeposit(b, acct, "M", "USDC", 100); err != nil {
		t.Fatal(err)
	}
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatal(err)
	}

	if err := ml.PlanWithdrawal(gen.NewBatch("w1", 2, 0), acct, "M", "USDC", 101); !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}
	// other market is a separate entry
	if err := ml.PlanWithdrawal(gen.NewBatch("w2", 2, 0), acct, "OTHER", "USDC", 1); !errors.Is(err, errs.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral for other market, got %v", err)
	}
	if err := ml.PlanWithdrawal(gen.NewBatch("w3", 2, 0), acct, "M", "USDC", 100); err != nil {
		t.Fatalf("full withdrawal: %v", err)
	}
}
