package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"LeverLedger/internal/core"

	"github.com/rs/zerolog"
)

const balancesWorker = "balances"

type balanceDelta struct {
	account  string
	assetID  uint16
	amount   int64
	sequence int64
}

// BalanceProjector maintains the balances table: the signed sum of every
// journal leg per account and asset, debit positive. The watermark row makes
// updates idempotent; a gap in the sequence is filled from the journal once
// the event log has caught up.
type BalanceProjector struct {
	db        *sql.DB
	persisted func() int64
	logger    zerolog.Logger

	waitTimeout time.Duration
	loaded      bool
	lastSeq     int64
}

// NewBalanceProjector projects into db. persisted reports the highest
// durable sequence; nil means the log is always current.
func NewBalanceProjector(db *sql.DB, persisted func() int64, logger zerolog.Logger) *BalanceProjector {
	return &BalanceProjector{
		db:          db,
		persisted:   persisted,
		logger:      logger,
		waitTimeout: 30 * time.Second,
	}
}

func (bp *BalanceProjector) Name() string { return balancesWorker }

// Watermark is the last sequence reflected in the balances table.
func (bp *BalanceProjector) Watermark(ctx context.Context) (int64, error) {
	return readWatermark(ctx, bp.db, balancesWorker)
}

func (bp *BalanceProjector) Apply(ctx context.Context, out core.CoreOutput) error {
	if !bp.loaded {
		last, err := bp.Watermark(ctx)
		if err != nil {
			return err
		}
		bp.lastSeq, bp.loaded = last, true
	}

	seq := out.Envelope.Sequence
	if seq <= bp.lastSeq {
		return nil
	}

	var deltas []balanceDelta
	if seq > bp.lastSeq+1 {
		missed, err := bp.missed(ctx, bp.lastSeq, seq)
		if err != nil {
			return err
		}
		bp.logger.Info().
			Int64("from", bp.lastSeq+1).
			Int64("to", seq-1).
			Int("legs", len(missed)).
			Msg("balance projection catching up from journal")
		deltas = missed
	}
	if out.Batch != nil {
		for _, j := range out.Batch.Journals {
			deltas = append(deltas, legs(j.DebitAccount.AccountPath(), j.CreditAccount.AccountPath(), uint16(j.AssetID), j.Amount, j.Sequence)...)
		}
	}

	if err := bp.write(ctx, deltas, seq); err != nil {
		// Reload the watermark on the next call; the transaction rolled back.
		bp.loaded = false
		return err
	}
	bp.lastSeq = seq
	return nil
}

// missed reads the journal legs of sequences (after, before) once the event
// log holds them.
func (bp *BalanceProjector) missed(ctx context.Context, after, before int64) ([]balanceDelta, error) {
	if err := bp.waitPersisted(ctx, before-1); err != nil {
		return nil, err
	}
	rows, err := bp.db.QueryContext(ctx, `
		SELECT debit_account, credit_account, asset_id, amount, sequence
		FROM journal
		WHERE sequence > $1 AND sequence < $2
		ORDER BY sequence, journal_id`, after, before)
	if err != nil {
		return nil, fmt.Errorf("query missed journals: %w", err)
	}
	defer rows.Close()

	var deltas []balanceDelta
	for rows.Next() {
		var (
			debit, credit string
			assetID       uint16
			amount, seq   int64
		)
		if err := rows.Scan(&debit, &credit, &assetID, &amount, &seq); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		deltas = append(deltas, legs(debit, credit, assetID, amount, seq)...)
	}
	return deltas, rows.Err()
}

func (bp *BalanceProjector) waitPersisted(ctx context.Context, sequence int64) error {
	if bp.persisted == nil {
		return nil
	}
	deadline := time.Now().Add(bp.waitTimeout)
	for bp.persisted() < sequence {
		if time.Now().After(deadline) {
			return fmt.Errorf("event log did not reach sequence %d (at %d)", sequence, bp.persisted())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

func (bp *BalanceProjector) write(ctx context.Context, deltas []balanceDelta, seq int64) error {
	tx, err := bp.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = balances.balance + excluded.balance, last_sequence = excluded.last_sequence
		`, d.account, d.assetID, d.amount, d.sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := writeWatermark(ctx, tx, balancesWorker, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// legs splits one journal into its two signed balance changes.
func legs(debit, credit string, assetID uint16, amount, seq int64) []balanceDelta {
	return []balanceDelta{
		{account: debit, assetID: assetID, amount: amount, sequence: seq},
		{account: credit, assetID: assetID, amount: -amount, sequence: seq},
	}
}

func readWatermark(ctx context.Context, db *sql.DB, worker string) (int64, error) {
	var last int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM watermark WHERE worker_id = $1`, worker).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read watermark %s: %w", worker, err)
	}
	return last, nil
}

func writeWatermark(ctx context.Context, tx *sql.Tx, worker string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO watermark (worker_id, last_sequence, updated_at_us)
		VALUES ($1, $2, $3)
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = excluded.last_sequence, updated_at_us = excluded.updated_at_us
	`, worker, seq, time.Now().UnixMicro()); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// RebuildProjections recomputes the balances table from the journal and
// moves the watermark to the last logged event.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM balances`,
		`DELETE FROM watermark WHERE worker_id = 'balances'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM journal
			UNION ALL
			SELECT credit_account AS account_path, asset_id, -amount AS delta, sequence FROM journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM events`).Scan(&last); err != nil {
		return fmt.Errorf("read last event: %w", err)
	}
	if err := writeWatermark(ctx, tx, balancesWorker, last); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	logger.Info().Int64("watermark", last).Msg("projection rebuild complete")
	return nil
}
