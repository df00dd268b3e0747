package persistence

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes commands and journals to the event log using multi-row INSERTs.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// EventRow is one row of event_log.commands: an accepted command, its events and the hash chain.
type EventRow struct {
	Sequence       int64
	CommandType    string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded command, replayed on recovery; stored as JSONB
	Events         []byte // JSON-encoded []event.Record
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow is one row of event_log.journal.
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	CollateralID  string
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// Rows is the persisted form of one core output.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
}

// FromOutput converts a core output into rows.
func FromOutput(out core.CoreOutput) (Rows, error) {
	env := out.Envelope
	records, err := event.EncodeAll(env.Events)
	if err != nil {
		return Rows{}, err
	}
	events, err := json.Marshal(records)
	if err != nil {
		return Rows{}, fmt.Errorf("marshal events of sequence %d: %w", env.Sequence, err)
	}

	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			CommandType:    env.CommandType,
			IdempotencyKey: env.IdempotencyKey,
			MarketID:       env.MarketID,
			Payload:        env.Payload,
			Events:         events,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
		},
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				CollateralID:  j.CollateralID,
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return rows, nil
}

// WriteEventBatch writes rows to event_log.commands. Rewriting a sequence is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.commands
		(sequence, command_type, idempotency_key, market_id, payload, events, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.CommandType, e.IdempotencyKey, e.MarketID,
			string(e.Payload), string(e.Events), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, collateral_id, amount, journal_type, timestamp)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.CollateralID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
