package persistence

import (
	"context"
	"fmt"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// CoreViewer runs fn on the core goroutine; core.Dispatcher implements it.
type CoreViewer interface {
	View(ctx context.Context, fn func(*core.DeterministicCore) error) error
}

// Archiver copies a stored snapshot body somewhere durable and returns its key.
type Archiver interface {
	Archive(ctx context.Context, sequence int64, data []byte) (string, error)
}

// Snapshotter takes periodic snapshots of the core for faster recovery.
type Snapshotter struct {
	viewer    CoreViewer
	manager   *SnapshotManager
	persisted func() int64
	interval  int64
	archiver  Archiver
	metrics   *observability.Metrics
	logger    zerolog.Logger

	checkEvery  time.Duration
	waitTimeout time.Duration
	lastSeq     int64
}

// NewSnapshotter snapshots every interval commands. persisted reports the
// highest durable sequence; a snapshot is only stored once the log has
// caught up with it, so the log never has a hole behind a snapshot.
// archiver may be nil.
func NewSnapshotter(
	viewer CoreViewer,
	manager *SnapshotManager,
	persisted func() int64,
	interval int64,
	archiver Archiver,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Snapshotter {
	if interval <= 0 {
		interval = 100_000
	}
	return &Snapshotter{
		viewer:      viewer,
		manager:     manager,
		persisted:   persisted,
		interval:    interval,
		archiver:    archiver,
		metrics:     metrics,
		logger:      logger,
		checkEvery:  10 * time.Second,
		waitTimeout: 30 * time.Second,
	}
}

// Run checks every few seconds whether interval commands have passed.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			var current int64
			if err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
				current = c.GetSequence() - 1
				return nil
			}); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn().Err(err).Msg("read core sequence")
				continue
			}
			if current-s.lastSeq < s.interval {
				continue
			}
			if _, err := s.TakeSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// TakeSnapshot captures the core state, waits for the log to cover it, then
// stores, verifies and optionally archives it. It returns nil, nil when the
// core has not committed anything yet.
func (s *Snapshotter) TakeSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	start := time.Now()

	var snap *core.SnapshotState
	err := s.viewer.View(ctx, func(c *core.DeterministicCore) error {
		if err := c.CheckIntegrity(); err != nil {
			return fmt.Errorf("integrity check before snapshot: %w", err)
		}
		snap = c.CreateSnapshotState()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if snap.Sequence < 1 {
		return nil, nil
	}

	if err := s.waitPersisted(ctx, snap.Sequence); err != nil {
		return nil, err
	}

	data, err := s.manager.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return nil, err
	}
	// Taken from live state that just passed the integrity check.
	if err := s.manager.MarkVerified(ctx, snap.Sequence); err != nil {
		return nil, fmt.Errorf("mark snapshot verified: %w", err)
	}
	s.lastSeq = snap.Sequence

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(len(data)))
		s.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	s.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("size_bytes", len(data)).
		Msg("snapshot saved")

	if s.archiver != nil {
		s.archive(ctx, snap.Sequence, data)
	}
	return snap, nil
}

func (s *Snapshotter) archive(ctx context.Context, sequence int64, data []byte) {
	key, err := s.archiver.Archive(ctx, sequence, data)
	if err != nil {
		s.countArchive("error")
		s.logger.Warn().Err(err).Int64("sequence", sequence).Msg("snapshot archive failed")
		return
	}
	if err := s.manager.MarkArchived(ctx, sequence, key); err != nil {
		s.logger.Warn().Err(err).Int64("sequence", sequence).Msg("record snapshot archive key")
	}
	s.countArchive("ok")
}

func (s *Snapshotter) countArchive(result string) {
	if s.metrics != nil {
		s.metrics.SnapshotArchived.WithLabelValues(result).Inc()
	}
}

func (s *Snapshotter) waitPersisted(ctx context.Context, sequence int64) error {
	if s.persisted == nil {
		return nil
	}
	deadline := time.Now().Add(s.waitTimeout)
	for s.persisted() < sequence {
		if time.Now().After(deadline) {
			return fmt.Errorf("event log did not reach sequence %d (at %d)", sequence, s.persisted())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}

// SetLastSnapshot seeds the interval counter, e.g. with the recovered snapshot.
func (s *Snapshotter) SetLastSnapshot(sequence int64) {
	s.lastSeq = sequence
}

// Final takes the shutdown snapshot once the dispatcher has exited and c is
// no longer owned by any goroutine.
func (s *Snapshotter) Final(ctx context.Context, c *core.DeterministicCore) (*core.SnapshotState, error) {
	s.viewer = stoppedCore{c}
	return s.TakeSnapshot(ctx)
}

type stoppedCore struct{ c *core.DeterministicCore }

func (s stoppedCore) View(_ context.Context, fn func(*core.DeterministicCore) error) error {
	return fn(s.c)
}
