package persistence

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// RecoveryResult summarizes a warm or cold restart.
type RecoveryResult struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int64
	NextSequence     int64
	StateHash        [32]byte
}

// Recover rebuilds c from the latest verified snapshot plus every logged
// command after it. Commands are re-applied with Replay (no token
// transfers) and each recomputed state hash must equal the logged one; any
// gap or mismatch aborts recovery.
func Recover(
	ctx context.Context,
	c *core.DeterministicCore,
	sm *SnapshotManager,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*RecoveryResult, error) {
	start := time.Now()
	res := &RecoveryResult{}

	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return nil, fmt.Errorf("restore snapshot: %w", err)
		}
		res.SnapshotSequence = snap.Sequence
		logger.Info().
			Int64("sequence", snap.Sequence).
			Int("opportunities", len(snap.Opportunities)).
			Int("chains", len(snap.Chains)).
			Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	from := c.GetSequence()
	for {
		rows, err := sm.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return nil, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			if err := replayRow(c, row); err != nil {
				return nil, err
			}
			res.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	res.NextSequence = c.GetSequence()
	res.StateHash = c.GetStateHash()

	if metrics != nil {
		metrics.ReplayEventsTotal.Add(float64(res.Replayed))
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
		metrics.CoreSequence.Set(float64(res.NextSequence))
	}
	logger.Info().
		Int64("replayed", res.Replayed).
		Int64("next_sequence", res.NextSequence).
		Str("state_hash", fmt.Sprintf("%x", res.StateHash)).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return res, nil
}

func replayRow(c *core.DeterministicCore, row EventRow) error {
	if row.Sequence != c.GetSequence() {
		return fmt.Errorf("event log gap: expected sequence %d, found %d", c.GetSequence(), row.Sequence)
	}
	prev := c.GetStateHash()
	if !bytes.Equal(prev[:], row.PrevHash) {
		return fmt.Errorf("seq=%d: prev hash %x does not chain to %x", row.Sequence, row.PrevHash, prev)
	}

	cmd, err := ingestion.ParseCommand(row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("seq=%d: decode %s: %w", row.Sequence, row.EventType, err)
	}

	out, err := c.Replay(cmd)
	if err != nil {
		return fmt.Errorf("seq=%d: %w", row.Sequence, err)
	}
	if !bytes.Equal(out.Envelope.StateHash[:], row.StateHash) {
		return fmt.Errorf("seq=%d: state hash mismatch: logged %x, recomputed %x",
			row.Sequence, row.StateHash, out.Envelope.StateHash)
	}
	return nil
}
