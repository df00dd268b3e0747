package query

import (
	"PerpSettle/internal/api"
	fpmath "PerpSettle/internal/math"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the read surface of *pgxpool.Pool.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Reader serves account reads from the projections; *QueryService and *CachedService implement it.
type Reader interface {
	GetPositions(ctx context.Context, accountID uuid.UUID) (*PositionsResponse, error)
	GetMargins(ctx context.Context, accountID uuid.UUID) (*MarginsResponse, error)
}

// AuditReader serves the journal and integrity views; *QueryService implements it.
type AuditReader interface {
	GetJournalHistory(ctx context.Context, accountID uuid.UUID, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*IntegrityReport, error)
}

// QueryService provides read-only access to projection tables. Every response carries the
// projection watermark as as_of_sequence; live risk values come from the core, not from here.
type QueryService struct {
	db Querier
}

func NewQueryService(db Querier) *QueryService {
	return &QueryService{db: db}
}

// GetPositions returns all open positions of an account.
func (qs *QueryService) GetPositions(ctx context.Context, accountID uuid.UUID) (*PositionsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.Query(ctx, `
		SELECT market_id, size, entry_price, accumulated_margin, last_settled_at
		FROM projections.positions
		WHERE account_id = $1
		ORDER BY market_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &PositionsResponse{AccountID: accountID.String(), Positions: []api.Position{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var marketID string
		var size, entry, accumulated, settledAt int64
		if err := rows.Scan(&marketID, &size, &entry, &accumulated, &settledAt); err != nil {
			return nil, err
		}
		resp.Positions = append(resp.Positions, api.Position{
			AccountID:         accountID.String(),
			MarketID:          marketID,
			Size:              fpmath.FormatAmount(size, fpmath.QuantityConfig),
			EntryPrice:        fpmath.FormatAmount(entry, fpmath.PriceConfig),
			AccumulatedMargin: fpmath.FormatAmount(accumulated, fpmath.QuoteConfig),
			LastSettledAt:     settledAt,
		})
	}
	return resp, rows.Err()
}

// GetMargins returns every margin entry of an account across markets.
func (qs *QueryService) GetMargins(ctx context.Context, accountID uuid.UUID) (*MarginsResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.Query(ctx, `
		SELECT market_id, collateral_id, balance, last_sequence
		FROM projections.balances
		WHERE account_id = $1 AND account_path LIKE 'user:%'
		ORDER BY market_id, collateral_id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &MarginsResponse{AccountID: accountID.String(), Margins: []MarginBalance{}, AsOfSequence: asOfSeq}
	for rows.Next() {
		var m MarginBalance
		var balance int64
		if err := rows.Scan(&m.MarketID, &m.CollateralID, &balance, &m.LastSequence); err != nil {
			return nil, err
		}
		m.Amount = fpmath.FormatAmount(balance, fpmath.QuoteConfig)
		resp.Margins = append(resp.Margins, m)
	}
	return resp, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest first.
// Pagination is by sequence: pass the last seen sequence as beforeSequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("%%:%s:%%", accountID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, collateral_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var journalID, batchID uuid.UUID
		var amount int64
		if err := rows.Scan(
			&journalID, &batchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.CollateralID, &amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalID = journalID.String()
		e.BatchID = batchID.String()
		e.Amount = fpmath.FormatAmount(amount, fpmath.QuoteConfig)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log hash chain and that every collateral's projected
// balances sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.Query(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash != c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.Query(ctx, `
		SELECT collateral_id, SUM(balance)::BIGINT AS total
		FROM projections.balances
		GROUP BY collateral_id
		HAVING SUM(balance) != 0
		ORDER BY collateral_id
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedCollateral
		if err := balanceRows.Scan(&u.CollateralID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedCollateral = append(report.UnbalancedCollateral, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedCollateral) == 0
	return report, nil
}

// Ping is the readiness probe of the projection database.
func (qs *QueryService) Ping(ctx context.Context) error {
	_, err := qs.db.Exec(ctx, `SELECT 1`)
	return err
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRow(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
