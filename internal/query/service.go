package query

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"LeverLedger/internal/ledger"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	// maxReported caps the sequences listed per integrity finding.
	maxReported = 10
)

// QueryService provides read-only access to the event log and the
// projection tables. Live domain views come from the core; this is the
// audit side.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetBalances returns the projected balances of every account whose path
// starts with prefix, e.g. "user:0xAbC...:" or "system:opportunity:3:".
func (qs *QueryService) GetBalances(ctx context.Context, prefix string) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset_id, balance, last_sequence
		FROM balances
		WHERE account_path LIKE $1
		ORDER BY account_path, asset_id
	`, likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BalanceResponse
	for rows.Next() {
		var (
			b       BalanceResponse
			assetID uint16
		)
		if err := rows.Scan(&b.AccountPath, &assetID, &b.Balance, &b.LastSequence); err != nil {
			return nil, err
		}
		b.Asset, _ = ledger.GetAssetName(ledger.AssetID(assetID))
		b.AsOfSequence = asOfSeq
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetJournalHistory returns journal entries touching accounts under the
// filter's prefix, newest first.
func (qs *QueryService) GetJournalHistory(ctx context.Context, f JournalFilter) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp_us
		FROM journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{likePrefix(f.AccountPrefix)}
	argIdx := 2

	if f.BeforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *f.BeforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e           JournalHistoryEntry
			journalType int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&journalType, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// GetEvents pages through the event log in sequence order.
func (qs *QueryService) GetEvents(ctx context.Context, afterSequence int64, limit int) ([]EventRecord, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, opportunity_id, caller, state_hash, timestamp_us, unconfirmed_tx
		FROM events
		WHERE sequence > $1
		ORDER BY sequence
		LIMIT $2
	`, afterSequence, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			r           EventRecord
			oppID       sql.NullInt64
			stateHash   []byte
			unconfirmed sql.NullString
		)
		if err := rows.Scan(&r.Sequence, &r.EventType, &r.IdempotencyKey, &oppID, &r.Caller, &stateHash, &r.TimestampUs, &unconfirmed); err != nil {
			return nil, err
		}
		r.UnconfirmedTx = unconfirmed.String
		if oppID.Valid {
			id := uint64(oppID.Int64)
			r.OpportunityID = &id
		}
		r.StateHash = hex.EncodeToString(stateHash)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity walks the event log checking sequence continuity and the
// hash chain, then checks that projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.verifyChain(ctx, report); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM balances
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
		ORDER BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}
	balanceRows.Close()

	if report.UnconfirmedTransfers, err = qs.unconfirmedTransfers(ctx); err != nil {
		return nil, err
	}

	watermark, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	report.ProjectionLag = report.LastSequence - watermark

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.SequenceGaps) == 0 &&
		len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) unconfirmedTransfers(ctx context.Context) ([]int64, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence FROM events WHERE unconfirmed_tx IS NOT NULL ORDER BY sequence
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (qs *QueryService) verifyChain(ctx context.Context, report *IntegrityReport) error {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, state_hash, prev_hash FROM events ORDER BY sequence
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var (
		prevSeq  int64
		prevHash []byte
	)
	for rows.Next() {
		var (
			seq                   int64
			stateHash, parentHash []byte
		)
		if err := rows.Scan(&seq, &stateHash, &parentHash); err != nil {
			return err
		}
		if report.EventsChecked > 0 {
			if seq != prevSeq+1 && len(report.SequenceGaps) < maxReported {
				report.SequenceGaps = append(report.SequenceGaps, seq)
			}
			if !bytes.Equal(parentHash, prevHash) && len(report.HashChainBreaks) < maxReported {
				report.HashChainBreaks = append(report.HashChainBreaks, seq)
			}
		}
		report.EventsChecked++
		prevSeq, prevHash = seq, stateHash
	}
	report.LastSequence = prevSeq
	return rows.Err()
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM watermark WHERE worker_id = 'balances'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// likePrefix strips '%' from a caller-supplied prefix. A '_' stays a
// single-character wildcard, which can only widen the match.
func likePrefix(prefix string) string {
	return strings.ReplaceAll(prefix, "%", "") + "%"
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
