package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes the event log.
// The core sends on that channel with a BLOCKING send, so if this worker
// falls behind the core stalls and no committed command is lost.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	lastPersisted atomic.Int64
	onCommit      func(events []EventRow)
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnCommit registers fn to run after every committed flush, in sequence
// order. The outbound publisher hangs off this hook. Set before Run.
func (pw *PersistenceWorker) OnCommit(fn func(events []EventRow)) {
	pw.onCommit = fn
}

// LastPersisted returns the highest sequence known to be durable.
func (pw *PersistenceWorker) LastPersisted() int64 {
	return pw.lastPersisted.Load()
}

// SetLastPersisted seeds the watermark after recovery.
func (pw *PersistenceWorker) SetLastPersisted(seq int64) {
	pw.lastPersisted.Store(seq)
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. It returns when the input channel is closed,
// after flushing what it holds. Cancelling ctx also flushes and returns.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*4) // ~4 journals per command

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(eventBatch)).Msg("batch flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			pw.drain(&eventBatch, &journalBatch)
			flush(context.Background())
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			if err := pw.add(output, &eventBatch, &journalBatch); err != nil {
				return err
			}
			if len(eventBatch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// drain picks up whatever the core already handed over before shutdown.
func (pw *PersistenceWorker) drain(events *[]EventRow, journals *[]JournalRow) {
	for {
		select {
		case output, ok := <-pw.inputChan:
			if !ok {
				return
			}
			if err := pw.add(output, events, journals); err != nil {
				pw.logger.Error().Err(err).Msg("drop unconvertible output on shutdown")
			}
		default:
			return
		}
	}
}

func (pw *PersistenceWorker) add(output core.CoreOutput, events *[]EventRow, journals *[]JournalRow) error {
	rows, err := FromCore(output)
	if err != nil {
		// A committed command that cannot be logged would break recovery.
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("encode").Inc()
		}
		return fmt.Errorf("persistence: %w", err)
	}
	*events = append(*events, rows.EventRow)
	*journals = append(*journals, rows.JournalRows...)
	return nil
}

// flushWithRetry attempts to flush with exponential backoff. The worker never
// drops a batch: it retries until the write succeeds or ctx is cancelled, and
// then makes one final attempt on a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.flush(context.Background(), events, journals); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush succeeded after retries")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")
	}
}

// flush writes events and journals in a single transaction.
func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	tx, err := pw.writer.DB().BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}

	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	last := events[len(events)-1].Sequence
	pw.lastPersisted.Store(last)

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(last))
	}

	if pw.onCommit != nil {
		pw.onCommit(events)
	}
	return nil
}

func (pw *PersistenceWorker) countError(stage string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(stage).Inc()
	}
}
