package core

import (
	"PerpSettle/internal/command"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"context"
	"errors"
	"fmt"
)

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// txn is the unit of work for one command. Local mutations go through it so that a failure at any
// step, including an external custody call, leaves no trace.
type txn struct {
	ctx  context.Context
	core *SettlementCore
	cmd  command.Command

	batch   *ledger.Batch
	applied int // journals of batch already applied to the tracker

	undo          []func()
	compensations []compensation
	events        []event.Event

	positions map[state.PositionKey]struct{}
	orders    map[state.PositionKey]struct{}
	prices    []oracle.Price
	markets   []string
	configs   bool
}

func (c *SettlementCore) begin(ctx context.Context, cmd command.Command, seq int64) *txn {
	return &txn{
		ctx:       ctx,
		core:      c,
		cmd:       cmd,
		batch:     c.journalGen.NewBatch(cmd.IdempotencyKey(), seq, cmd.Timestamp()),
		positions: make(map[state.PositionKey]struct{}),
		orders:    make(map[state.PositionKey]struct{}),
	}
}

func (tx *txn) emit(e event.Event) {
	tx.events = append(tx.events, e)
}

func (tx *txn) putPosition(pos *state.Position) {
	key := state.PositionKey{AccountID: pos.AccountID, MarketID: pos.MarketID}
	prev := tx.core.positions.Put(pos)
	tx.undo = append(tx.undo, func() { tx.core.positions.Restore(key, prev) })
	tx.positions[key] = struct{}{}
}

func (tx *txn) putOrder(o *state.Order) {
	key := state.PositionKey{AccountID: o.AccountID, MarketID: o.MarketID}
	prev := tx.core.orders.Put(o)
	tx.undo = append(tx.undo, func() { tx.core.orders.Restore(key, prev) })
	tx.orders[key] = struct{}{}
}

func (tx *txn) clearOrder(key state.PositionKey) {
	prev := tx.core.orders.Clear(key)
	tx.undo = append(tx.undo, func() { tx.core.orders.Restore(key, prev) })
	tx.orders[key] = struct{}{}
}

// recordPrice stores p if it is newer than the latest accepted price for its feed.
func (tx *txn) recordPrice(p oracle.Price) bool {
	prev, hadPrev, recorded := tx.core.oracle.Record(p)
	if !recorded {
		return false
	}
	tx.undo = append(tx.undo, func() { tx.core.oracle.Restore(p.FeedID, prev, hadPrev) })
	tx.prices = append(tx.prices, p)
	return true
}

func (tx *txn) setMarket(cfg *state.MarketConfig) error {
	prev, err := tx.core.markets.Set(cfg)
	if err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() { tx.core.markets.Restore(cfg.MarketID, prev) })
	tx.markets = append(tx.markets, cfg.MarketID)
	return nil
}

func (tx *txn) replaceCollaterals(entries []state.CollateralType) ([]state.CollateralType, error) {
	prev, err := tx.core.collaterals.Replace(entries)
	if err != nil {
		return nil, err
	}
	tx.undo = append(tx.undo, func() {
		// prev passed validation when it was installed
		_, _ = tx.core.collaterals.Replace(prev)
	})
	tx.configs = true
	return prev, nil
}

// flush applies the journals planned since the last flush. Later steps of the same command then
// read the updated balances.
func (tx *txn) flush() error {
	pending := tx.batch.Journals[tx.applied:]
	if len(pending) == 0 {
		return nil
	}
	sub := &ledger.Batch{
		BatchID:   tx.batch.BatchID,
		EventRef:  tx.batch.EventRef,
		Sequence:  tx.batch.Sequence,
		Timestamp: tx.batch.Timestamp,
		Journals:  pending,
	}

	if err := tx.core.validator.ValidateBatchBalance(sub); err != nil {
		return fmt.Errorf("unbalanced batch: %w", err)
	}
	if err := tx.core.balances.ApplyBatch(sub); err != nil {
		return err
	}
	tx.undo = append(tx.undo, func() {
		if err := tx.core.balances.RevertBatch(sub); err != nil {
			tx.core.logger.Error().Err(err).Str("batch_id", sub.BatchID.String()).Msg("revert batch failed")
		}
	})
	tx.applied = len(tx.batch.Journals)

	return tx.core.validator.ValidatePostBatch(sub)
}

// external runs a custody call and registers its compensation. Replay skips the call: the effect
// happened when the command was first accepted.
func (tx *txn) external(name string, do, undo func(ctx context.Context) error) error {
	if tx.core.replaying {
		return nil
	}
	if err := do(tx.ctx); err != nil {
		if !errors.Is(err, errs.ErrCustody) {
			err = fmt.Errorf("%w: %s: %v", errs.ErrCustody, name, err)
		}
		return err
	}
	tx.compensations = append(tx.compensations, compensation{name: name, fn: undo})
	return nil
}

// rollback compensates the external calls already made and then reverts local state, both in
// reverse order. A failed compensation is reported; local state is reverted regardless.
func (tx *txn) rollback() error {
	var failed []error
	for i := len(tx.compensations) - 1; i >= 0; i-- {
		comp := tx.compensations[i]
		result := "ok"
		// the caller may have been cancelled; compensation still has to run
		if err := comp.fn(context.WithoutCancel(tx.ctx)); err != nil {
			result = "failed"
			failed = append(failed, fmt.Errorf("compensate %s: %w", comp.name, err))
			tx.core.logger.Error().
				Err(err).
				Str("compensation", comp.name).
				Str("idempotency_key", tx.cmd.IdempotencyKey()).
				Msg("custody compensation failed")
		}
		if tx.core.metrics != nil {
			tx.core.metrics.CoreCompensations.WithLabelValues(result).Inc()
		}
	}
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.compensations = nil
	tx.undo = nil
	return errors.Join(failed...)
}
