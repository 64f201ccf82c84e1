package ingestion

import (
	"context"
	"errors"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter is the part of core.Dispatcher the ingestion shell needs.
type Submitter interface {
	Submit(ctx context.Context, cmd event.Event) (*core.Result, error)
}

// Loop turns raw NATS messages into typed commands and hands them to the core.
type Loop struct {
	rawChan   <-chan RawEvent
	submitter Submitter
	subjects  []SubjectConfig
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewLoop(rawChan <-chan RawEvent, submitter Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Loop {
	return &Loop{
		rawChan:   rawChan,
		submitter: submitter,
		subjects:  DefaultSubjects(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Run drains the raw channel until ctx is cancelled or the channel closes.
//
// Ack policy: a message is acked once the core has answered, including
// domain rejections, which are final. Malformed payloads are acked and
// dropped so they do not loop through redelivery. Only a stopped core or a
// cancelled context NAKs, leaving the message for the next process.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw, ok := <-l.rawChan:
			if !ok {
				return nil
			}
			l.handle(ctx, raw)
		}
	}
}

func (l *Loop) handle(ctx context.Context, raw RawEvent) {
	eventType := ResolveEventType(raw.Subject, l.subjects)
	if eventType == "" {
		l.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		l.count("unknown", "invalid")
		ack(raw)
		return
	}

	cmd, err := ParseRawEvent(raw, eventType)
	if err != nil {
		l.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
		l.count(eventType, "invalid")
		ack(raw)
		return
	}

	result, err := l.submitter.Submit(ctx, cmd)
	switch {
	case err == nil:
		l.logger.Debug().
			Str("command", eventType).
			Str("request_id", cmd.IdempotencyKey()).
			Int64("sequence", result.Sequence).
			Msg("command applied")
		l.count(eventType, "applied")
		ack(raw)
	case errors.Is(err, core.ErrCoreStopped), errors.Is(err, context.Canceled):
		l.count(eventType, "nak")
		if raw.NakFunc != nil {
			raw.NakFunc()
		}
	default:
		l.logger.Info().Err(err).
			Str("command", eventType).
			Str("request_id", cmd.IdempotencyKey()).
			Str("reason", core.RejectReason(err)).
			Msg("command rejected")
		l.count(eventType, "rejected")
		ack(raw)
	}
}

func (l *Loop) count(command, outcome string) {
	if l.metrics != nil {
		l.metrics.IngestCommands.WithLabelValues(command, outcome).Inc()
	}
}

func ack(raw RawEvent) {
	if raw.AckFunc != nil {
		raw.AckFunc()
	}
}
