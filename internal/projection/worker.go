package projection

import (
	"context"

	"LeverLedger/internal/core"
	"LeverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Projector keeps one read model in step with committed commands.
type Projector interface {
	Name() string
	Apply(ctx context.Context, out core.CoreOutput) error
}

// ProjectionWorker feeds the core's projection channel to every projector.
// The channel is non-blocking with drop on the core side; projectors are
// eventually consistent and recover from the event log.
type ProjectionWorker struct {
	inputChan  <-chan core.CoreOutput
	projectors []Projector
	metrics    *observability.Metrics
	logger     zerolog.Logger
	lastSeq    int64
}

func NewProjectionWorker(inputChan <-chan core.CoreOutput, projectors []Projector, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		inputChan:  inputChan,
		projectors: projectors,
		metrics:    metrics,
		logger:     logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, output)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, output core.CoreOutput) {
	seq := output.Envelope.Sequence
	for _, p := range pw.projectors {
		if err := p.Apply(ctx, output); err != nil {
			// A failed update is repaired by a later catch-up or rebuild.
			pw.logger.Warn().Err(err).
				Str("projection", p.Name()).
				Int64("sequence", seq).
				Msg("projection update failed")
			if pw.metrics != nil {
				pw.metrics.ProjectionDrops.WithLabelValues(p.Name()).Inc()
			}
		}
	}
	pw.lastSeq = seq
}

// LastSequence is the last output the worker handled. Only meaningful from
// the worker goroutine or after Run returns.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq
}
