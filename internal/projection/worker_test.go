package projection_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/state"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	account = uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001")
	keeper  = uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000002")
)

// =============================================================================
// Test: BuildUpdate
// =============================================================================

func TestBuildUpdate_SettlementOutput(t *testing.T) {
	key := state.PositionKey{AccountID: account, MarketID: "ETH-PERP"}
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{Sequence: 9},
		Balances: []core.BalanceChange{
			{Account: ledger.NewMarginAccountKey(account, "ETH-PERP", "USDC"), Balance: 995_000_000},
			{Account: ledger.NewKeeperAccountKey(keeper, "USDC"), Balance: 5_000_000},
			{Account: ledger.NewCustodyAccountKey("ETH-PERP", "USDC"), Balance: -1_000_000_000},
		},
		Positions: []core.PositionChange{
			{Key: key, Position: &state.Position{AccountID: account, MarketID: "ETH-PERP", Size: 10_000_000, EntryPrice: 10_000}},
		},
		Orders: []core.OrderChange{{Key: key, Order: nil}},
	}

	u := projection.BuildUpdate(out)

	if u.Sequence != 9 {
		t.Errorf("sequence: got %d, want 9", u.Sequence)
	}
	if len(u.Balances) != 3 {
		t.Fatalf("balances: got %d, want 3", len(u.Balances))
	}
	if u.Balances[0].AccountPath != "user:"+account.String()+":ETH-PERP:margin:USDC" {
		t.Errorf("margin path: got %s", u.Balances[0].AccountPath)
	}
	if u.Balances[0].AccountID == nil || *u.Balances[0].AccountID != account {
		t.Errorf("margin owner: got %v", u.Balances[0].AccountID)
	}
	if u.Balances[2].AccountID != nil {
		t.Errorf("custody account must have no owner, got %v", *u.Balances[2].AccountID)
	}
	if u.Balances[2].MarketID != "ETH-PERP" || u.Balances[2].Balance != -1_000_000_000 {
		t.Errorf("custody row: got %+v", u.Balances[2])
	}

	if len(u.Positions) != 1 || u.Positions[0].Delete || u.Positions[0].Size != 10_000_000 {
		t.Errorf("positions: got %+v", u.Positions)
	}
	if len(u.Orders) != 1 || !u.Orders[0].Delete {
		t.Errorf("cleared order must be a delete, got %+v", u.Orders)
	}

	// account appears in margins, position and order but is listed once
	if len(u.Accounts) != 2 || u.Accounts[0] != account || u.Accounts[1] != keeper {
		t.Errorf("accounts: got %v", u.Accounts)
	}
}

func TestBuildUpdate_ConfigOutputTouchesNothing(t *testing.T) {
	u := projection.BuildUpdate(core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 1}})
	if len(u.Balances)+len(u.Positions)+len(u.Orders)+len(u.Accounts) != 0 {
		t.Errorf("expected empty update, got %+v", u)
	}
}

// =============================================================================
// Test: ProjectionWorker
// =============================================================================

func TestProjectionWorker_ContinuesAfterWriteFailure(t *testing.T) {
	in := make(chan core.CoreOutput, 2)
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 1}}
	in <- core.CoreOutput{Envelope: &event.EventEnvelope{Sequence: 2}}
	close(in)

	db := &failingDB{err: errors.New("connection refused")}
	inv := &recordingInvalidator{}
	w := projection.NewProjectionWorker(db, in, inv, nil)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if db.begins != 2 {
		t.Errorf("begin attempts: got %d, want 2", db.begins)
	}
	if w.LastSequence() != 0 {
		t.Errorf("watermark must not advance on failure, got %d", w.LastSequence())
	}
	if inv.calls != 0 {
		t.Errorf("invalidations: got %d, want 0", inv.calls)
	}
}

func TestProjectionWorker_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := projection.NewProjectionWorker(&failingDB{}, make(chan core.CoreOutput), nil, nil)
	if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// --- Test helpers ---

type failingDB struct {
	err    error
	begins int
}

func (f *failingDB) Begin(context.Context) (pgx.Tx, error) {
	f.begins++
	return nil, f.err
}

type recordingInvalidator struct {
	calls int
}

func (r *recordingInvalidator) Invalidate(context.Context, []uuid.UUID) error {
	r.calls++
	return nil
}
