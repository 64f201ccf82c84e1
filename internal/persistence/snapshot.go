package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LeverLedger/internal/core"

	"github.com/google/uuid"
)

// SnapshotFormatVersion 1: JSON-encoded core.SnapshotState.
const SnapshotFormatVersion = 1

// SnapshotManager handles creating and loading state snapshots for recovery.
// A snapshot holds the registry, token balances, chains, claims, ledger
// balances, id counters, recent idempotency keys and the last state hash.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotInfo describes a stored snapshot without its body.
type SnapshotInfo struct {
	Sequence      int64
	SnapshotID    string
	StateHash     []byte
	FormatVersion int
	SizeBytes     int64
	Verified      bool
	ArchiveKey    string
	CreatedAt     time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot, unverified. It returns the encoded body
// so callers can archive exactly what was stored.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.SnapshotState, createdAt time.Time) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO snapshots
			(sequence, snapshot_id, data, state_hash, format_version, size_bytes, verified, created_at_us)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET
			data = excluded.data, state_hash = excluded.state_hash, size_bytes = excluded.size_bytes
	`, snap.Sequence, uuid.New().String(), string(data), snap.StateHash[:],
		SnapshotFormatVersion, int64(len(data)), createdAt.UnixMicro())
	if err != nil {
		return nil, fmt.Errorf("save snapshot seq=%d: %w", snap.Sequence, err)
	}
	return data, nil
}

// LoadLatestSnapshot loads the most recent verified snapshot; nil when
// there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data, state_hash, format_version FROM snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		data      []byte
		stateHash []byte
		version   int
	)
	if err := row.Scan(&data, &stateHash, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decodeSnapshot(data, stateHash, version)
}

func decodeSnapshot(data, stateHash []byte, version int) (*core.SnapshotState, error) {
	if version != SnapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format version %d", version)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if !bytes.Equal(snap.StateHash[:], stateHash) {
		return nil, fmt.Errorf("snapshot seq=%d: body hash %x does not match row hash %x",
			snap.Sequence, snap.StateHash, stateHash)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `UPDATE snapshots SET verified = TRUE WHERE sequence = $1`, sequence)
	return err
}

// MarkArchived records where the snapshot body was archived.
func (sm *SnapshotManager) MarkArchived(ctx context.Context, sequence int64, key string) error {
	_, err := sm.db.ExecContext(ctx, `UPDATE snapshots SET archive_key = $1 WHERE sequence = $2`, key, sequence)
	return err
}

// ListSnapshots returns snapshot metadata, newest first.
func (sm *SnapshotManager) ListSnapshots(ctx context.Context, limit int) ([]SnapshotInfo, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, snapshot_id, state_hash, format_version, size_bytes, verified, archive_key, created_at_us
		FROM snapshots
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SnapshotInfo
	for rows.Next() {
		var (
			info       SnapshotInfo
			archiveKey sql.NullString
			createdUs  int64
		)
		if err := rows.Scan(&info.Sequence, &info.SnapshotID, &info.StateHash, &info.FormatVersion,
			&info.SizeBytes, &info.Verified, &archiveKey, &createdUs); err != nil {
			return nil, err
		}
		info.ArchiveKey = archiveKey.String
		info.CreatedAt = time.UnixMicro(createdUs).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// LoadEventsFrom loads events from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, opportunity_id, caller, payload,
		       state_hash, prev_hash, timestamp_us, unconfirmed_tx
		FROM events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e           EventRow
			oppID       sql.NullInt64
			unconfirmed sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &oppID, &e.Caller,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.TimestampUs, &unconfirmed,
		); err != nil {
			return nil, err
		}
		if oppID.Valid {
			id := oppID.Int64
			e.OpportunityID = &id
		}
		if unconfirmed.Valid {
			e.UnconfirmedTx = &unconfirmed.String
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, 0 when empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
