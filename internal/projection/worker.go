package projection

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/ledger"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/state"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

// Beginner opens projection transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Invalidator drops cached reads of the accounts a command touched.
type Invalidator interface {
	Invalidate(ctx context.Context, accounts []uuid.UUID) error
}

// ProjectionWorker updates the read models from accepted commands. It is fed by a core observer
// channel: outputs may be dropped under load, and every row carries absolute post-command values,
// so a later output repairs what a dropped one missed. RebuildProjections restores exactness.
type ProjectionWorker struct {
	db          Beginner
	inputChan   <-chan core.CoreOutput
	invalidator Invalidator
	metrics     *observability.Metrics
	logger      zerolog.Logger
	lastSeq     int64
}

func NewProjectionWorker(db Beginner, inputChan <-chan core.CoreOutput, invalidator Invalidator, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:          db,
		inputChan:   inputChan,
		invalidator: invalidator,
		metrics:     metrics,
		logger:      observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			seq := output.Envelope.Sequence

			start := time.Now()
			if err := pw.Apply(ctx, output); err != nil {
				// Continue: projections are eventually consistent and can be rebuilt
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionWriteError.WithLabelValues("all").Inc()
				}
				continue
			}

			pw.lastSeq = seq
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues("all").Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionLastSeq.Set(float64(seq))
			}
		}
	}
}

// LastSequence is the sequence of the last output applied.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}

// Apply writes one output in a transaction, then invalidates the cache.
func (pw *ProjectionWorker) Apply(ctx context.Context, output core.CoreOutput) error {
	u := BuildUpdate(output)

	tx, err := pw.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	u.queue(batch)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("projection batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if pw.invalidator != nil && len(u.Accounts) > 0 {
		if err := pw.invalidator.Invalidate(ctx, u.Accounts); err != nil {
			pw.logger.Warn().Err(err).Int64("sequence", u.Sequence).Msg("cache invalidation failed")
		}
	}
	return nil
}

// BalanceRow is the post-command balance of one ledger account.
type BalanceRow struct {
	AccountPath  string
	AccountID    *uuid.UUID // nil for system and external accounts
	MarketID     string
	CollateralID string
	Balance      int64
}

type PositionRow struct {
	Key               state.PositionKey
	Delete            bool
	Size              int64
	EntryPrice        int64
	AccumulatedMargin int64
	LastSettledAt     int64
}

type OrderRow struct {
	Key                state.PositionKey
	Delete             bool
	SizeDelta          int64
	LimitPrice         int64
	KeeperFeeBufferUsd int64
	CommitmentTime     int64
}

// Update is the set of row writes derived from one output.
type Update struct {
	Sequence  int64
	Balances  []BalanceRow
	Positions []PositionRow
	Orders    []OrderRow
	Accounts  []uuid.UUID // owners whose cached reads are stale, deduplicated in first-seen order
}

// BuildUpdate derives the row writes of an output without touching the database.
func BuildUpdate(output core.CoreOutput) Update {
	u := Update{Sequence: output.Envelope.Sequence}
	seen := make(map[uuid.UUID]bool)
	touch := func(id uuid.UUID) {
		if !seen[id] {
			seen[id] = true
			u.Accounts = append(u.Accounts, id)
		}
	}

	for _, b := range output.Balances {
		row := BalanceRow{
			AccountPath:  b.Account.AccountPath(),
			MarketID:     b.Account.MarketID,
			CollateralID: b.Account.CollateralID,
			Balance:      b.Balance,
		}
		if b.Account.Scope == ledger.AccountScopeUser || b.Account.Scope == ledger.AccountScopeKeeper {
			id := uuid.UUID(b.Account.EntityID)
			row.AccountID = &id
			touch(id)
		}
		u.Balances = append(u.Balances, row)
	}

	for _, p := range output.Positions {
		row := PositionRow{Key: p.Key, Delete: p.Position == nil}
		if p.Position != nil {
			row.Size = p.Position.Size
			row.EntryPrice = p.Position.EntryPrice
			row.AccumulatedMargin = p.Position.AccumulatedMargin
			row.LastSettledAt = p.Position.LastSettledAt
		}
		touch(p.Key.AccountID)
		u.Positions = append(u.Positions, row)
	}

	for _, o := range output.Orders {
		row := OrderRow{Key: o.Key, Delete: o.Order == nil}
		if o.Order != nil {
			row.SizeDelta = o.Order.SizeDelta
			row.LimitPrice = o.Order.LimitPrice
			row.KeeperFeeBufferUsd = o.Order.KeeperFeeBufferUsd
			row.CommitmentTime = o.Order.CommitmentTime
		}
		touch(o.Key.AccountID)
		u.Orders = append(u.Orders, row)
	}
	return u
}

// Rows only move forward: a write older than the row's last_sequence is ignored.
const (
	upsertBalance = `
		INSERT INTO projections.balances (account_path, account_id, market_id, collateral_id, balance, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_path) DO UPDATE
		SET balance = EXCLUDED.balance, last_sequence = EXCLUDED.last_sequence
		WHERE projections.balances.last_sequence < EXCLUDED.last_sequence`

	upsertPosition = `
		INSERT INTO projections.positions (account_id, market_id, size, entry_price, accumulated_margin, last_settled_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, market_id) DO UPDATE
		SET size = EXCLUDED.size, entry_price = EXCLUDED.entry_price,
		    accumulated_margin = EXCLUDED.accumulated_margin, last_settled_at = EXCLUDED.last_settled_at,
		    last_sequence = EXCLUDED.last_sequence
		WHERE projections.positions.last_sequence < EXCLUDED.last_sequence`

	deletePosition = `DELETE FROM projections.positions WHERE account_id = $1 AND market_id = $2 AND last_sequence < $3`

	upsertOrder = `
		INSERT INTO projections.orders (account_id, market_id, size_delta, limit_price, keeper_fee_buffer, commitment_time, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (account_id, market_id) DO UPDATE
		SET size_delta = EXCLUDED.size_delta, limit_price = EXCLUDED.limit_price,
		    keeper_fee_buffer = EXCLUDED.keeper_fee_buffer, commitment_time = EXCLUDED.commitment_time,
		    last_sequence = EXCLUDED.last_sequence
		WHERE projections.orders.last_sequence < EXCLUDED.last_sequence`

	deleteOrder = `DELETE FROM projections.orders WHERE account_id = $1 AND market_id = $2 AND last_sequence < $3`

	upsertWatermark = `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE
		SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence), updated_at = NOW()`
)

func (u Update) queue(b *pgx.Batch) {
	seq := u.Sequence
	for _, r := range u.Balances {
		b.Queue(upsertBalance, r.AccountPath, r.AccountID, r.MarketID, r.CollateralID, r.Balance, seq)
	}
	for _, r := range u.Positions {
		k := r.Key
		if r.Delete {
			b.Queue(deletePosition, k.AccountID, k.MarketID, seq)
			continue
		}
		b.Queue(upsertPosition, k.AccountID, k.MarketID, r.Size, r.EntryPrice, r.AccumulatedMargin, r.LastSettledAt, seq)
	}
	for _, r := range u.Orders {
		k := r.Key
		if r.Delete {
			b.Queue(deleteOrder, k.AccountID, k.MarketID, seq)
			continue
		}
		b.Queue(upsertOrder, k.AccountID, k.MarketID, r.SizeDelta, r.LimitPrice, r.KeeperFeeBufferUsd, r.CommitmentTime, seq)
	}
	b.Queue(upsertWatermark, seq)
}

// RebuildProjections rebuilds the balance projection and watermark from the journal.
// Positions and orders have no journal trail; they converge as later commands touch them.
func RebuildProjections(ctx context.Context, db Beginner) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits minus credits per account path, as the balance tracker applies them.
	if _, err := tx.Exec(ctx, `
		INSERT INTO projections.balances (account_path, account_id, market_id, collateral_id, balance, last_sequence)
		SELECT account_path, NULL, '', collateral_id, SUM(amount), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, collateral_id, amount, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, collateral_id, -amount, sequence FROM event_log.journal
		) j
		GROUP BY account_path, collateral_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	// Restore the owner and market columns from the path.
	if _, err := tx.Exec(ctx, `
		UPDATE projections.balances
		SET account_id = CASE WHEN split_part(account_path, ':', 1) IN ('user', 'keeper')
		                      THEN split_part(account_path, ':', 2)::uuid END,
		    market_id  = CASE split_part(account_path, ':', 1)
		                      WHEN 'user' THEN split_part(account_path, ':', 3)
		                      WHEN 'keeper' THEN ''
		                      ELSE split_part(account_path, ':', 2) END
	`); err != nil {
		return fmt.Errorf("rebuild balance owners: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		SELECT 'main', COALESCE(MAX(sequence), 0), NOW() FROM event_log.commands
	`); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	logger := observability.NewLogger("projection")
	logger.Info().Msg("projection rebuild complete")
	return nil
}
