package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SnapshotState is the full in-memory state after Sequence was applied: balances, positions,
// pending orders, configuration, prices, the clock, dedup keys and the hash chain tip.
type SnapshotState struct {
	Sequence        int64                  `json:"sequence"` // last applied; sequences start at 1
	StateHash       [32]byte               `json:"state_hash"`
	LastAt          int64                  `json:"last_at"`
	Balances        map[string]int64       `json:"balances"` // AccountPath -> balance
	Positions       []*state.Position      `json:"positions"`
	Orders          []*state.Order         `json:"orders"`
	Collaterals     []state.CollateralType `json:"collaterals"`
	Markets         []*state.MarketConfig  `json:"markets"`
	Prices          []oracle.Price         `json:"prices"`
	IdempotencyKeys []string               `json:"idempotency_keys"` // oldest first
	CreatedAt       time.Time              `json:"created_at"`
}

// CreateSnapshot captures the current state. Must run on the core goroutine.
func (c *SettlementCore) CreateSnapshot() *SnapshotState {
	balances := make(map[string]int64)
	for key, bal := range c.balances.Snapshot() {
		balances[key.AccountPath()] = bal
	}
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		LastAt:          c.clock.Last(),
		Balances:        balances,
		Positions:       c.positions.All(),
		Orders:          c.orders.All(),
		Collaterals:     c.collaterals.List(),
		Markets:         c.markets.All(),
		Prices:          c.oracle.Prices(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
		CreatedAt:       time.UnixMicro(c.clock.Last()).UTC(),
	}
}

// RestoreSnapshot replaces the core's state with snap. The next command gets snap.Sequence+1.
func (c *SettlementCore) RestoreSnapshot(snap *SnapshotState) error {
	balances := ledger.NewBalanceTracker()
	for path, bal := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balance %q: %w", path, err)
		}
		balances.SetBalance(key, bal)
	}

	collaterals := state.NewCollateralRegistry()
	if _, err := collaterals.Replace(snap.Collaterals); err != nil {
		return fmt.Errorf("restore collaterals: %w", err)
	}
	markets := state.NewMarketConfigManager()
	for _, cfg := range snap.Markets {
		if _, err := markets.Set(cfg); err != nil {
			return fmt.Errorf("restore market: %w", err)
		}
	}

	positions := state.NewPositionManager()
	for _, pos := range snap.Positions {
		positions.Put(pos)
	}
	orders := state.NewOrderBook()
	for _, o := range snap.Orders {
		orders.Put(o)
	}

	c.balances = balances
	c.validator = ledger.NewInvariantValidator(balances)
	c.collaterals = collaterals
	c.marginLedger = ledger.NewMarginLedger(balances, collaterals, c.journalGen)
	c.markets = markets
	c.positions = positions
	c.orders = orders
	c.oracle.Load(snap.Prices)
	c.clock.Restore(snap.LastAt)
	c.hasher.SetPrevHash(snap.StateHash)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)
	c.sequence = snap.Sequence + 1

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("balances", len(snap.Balances)).
		Int("positions", len(snap.Positions)).
		Int("orders", len(snap.Orders)).
		Msg("snapshot restored")
	return nil
}

// MarshalSnapshot encodes snap for storage.
func MarshalSnapshot(snap *SnapshotState) ([]byte, error) {
	return json.Marshal(snap)
}

// UnmarshalSnapshot is the inverse of MarshalSnapshot.
func UnmarshalSnapshot(data []byte) (*SnapshotState, error) {
	var snap SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoggedCommand is one event log row as needed for replay.
type LoggedCommand struct {
	Sequence    int64
	CommandType string
	Payload     []byte
	StateHash   [32]byte
}

// Replay re-applies a logged command without custody calls, dedup or output, and checks that it
// lands on the same sequence and state hash it was logged with.
func (c *SettlementCore) Replay(ctx context.Context, lc LoggedCommand) error {
	if lc.Sequence != c.sequence {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", c.sequence, lc.Sequence)
	}
	cmd, err := command.Unmarshal(lc.CommandType, lc.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", lc.Sequence, err)
	}

	c.replaying = true
	defer func() { c.replaying = false }()

	res, err := c.ProcessCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("replay sequence %d (%s): %w", lc.Sequence, lc.CommandType, err)
	}
	if res.StateHash != lc.StateHash {
		return fmt.Errorf("replay sequence %d: state hash mismatch: got %x, logged %x", lc.Sequence, res.StateHash, lc.StateHash)
	}
	if c.metrics != nil {
		c.metrics.ReplayCommandsTotal.Inc()
	}
	return nil
}
