package persistence

import (
	"PerpSettle/internal/core"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotStore persists core snapshots and reads the command log back for recovery.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// snapshotFormat versions the data column; 1 is a JSON-encoded core.SnapshotState.
const snapshotFormat = 1

// SaveSnapshot stores an encoded snapshot taken after sequence.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, sequence int64, stateHash [32]byte, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = EXCLUDED.data, state_hash = EXCLUDED.state_hash, size_bytes = EXCLUDED.size_bytes
	`, uuid.New(), sequence, data, stateHash[:], snapshotFormat, len(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", sequence, err)
	}
	return nil
}

// LoadLatestSnapshot returns the newest snapshot at or below maxSequence whose hash matches the
// command logged at its sequence. Snapshots are written asynchronously and may run ahead of the
// log; those are ignored. Returns nil when there is none.
func (s *SnapshotStore) LoadLatestSnapshot(ctx context.Context, maxSequence int64) (*core.SnapshotState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.data FROM event_log.snapshots s
		JOIN event_log.commands c ON c.sequence = s.sequence AND c.state_hash = s.state_hash
		WHERE s.sequence <= $1 AND s.format_version = $2
		ORDER BY s.sequence DESC
		LIMIT 1
	`, maxSequence, snapshotFormat)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return core.UnmarshalSnapshot(data)
}

// LoadCommandsFrom loads up to limit logged commands starting at fromSequence, in order.
func (s *SnapshotStore) LoadCommandsFrom(ctx context.Context, fromSequence int64, limit int) ([]core.LoggedCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, command_type, payload, state_hash
		FROM event_log.commands
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.LoggedCommand
	for rows.Next() {
		var (
			lc   core.LoggedCommand
			hash []byte
		)
		if err := rows.Scan(&lc.Sequence, &lc.CommandType, &lc.Payload, &hash); err != nil {
			return nil, err
		}
		if len(hash) != len(lc.StateHash) {
			return nil, fmt.Errorf("sequence %d: state hash has %d bytes", lc.Sequence, len(hash))
		}
		copy(lc.StateHash[:], hash)
		out = append(out, lc)
	}
	return out, rows.Err()
}

// GetLatestSequence returns the highest logged sequence, 0 for an empty log.
func (s *SnapshotStore) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.commands`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
