package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx, so batches can be written
// inside the worker's transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// EventLogWriter writes events and journals using multi-row INSERT. The
// statements run unchanged on Postgres and SQLite.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	OpportunityID  *int64
	Caller         string
	Payload        []byte // Command in its snake_case wire form
	StateHash      []byte
	PrevHash       []byte
	TimestampUs    int64
	UnconfirmedTx  *string // transfer sent but not confirmed
}

// JournalRow represents a row in journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       uint16
	Amount        int64
	JournalType   int32
	TimestampUs   int64
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// DB returns the underlying handle.
func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes a batch of events using multi-row INSERT.
// Rewriting a sequence that is already stored is a no-op.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO events
		(sequence, event_type, idempotency_key, opportunity_id, caller, payload, state_hash, prev_hash, timestamp_us, unconfirmed_tx)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.OpportunityID, e.Caller,
			string(e.Payload), e.StateHash, e.PrevHash, e.TimestampUs, e.UnconfirmedTx,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d events: %w", len(events), err)
	}
	return nil
}

// WriteJournalBatch writes a batch of journal entries.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp_us)
		VALUES `

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*cols)

	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, int64(j.AssetID), j.Amount,
			int64(j.JournalType), j.TimestampUs,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d journals: %w", len(journals), err)
	}
	return nil
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
