package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"LeverLedger/internal/event"
	"LeverLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream   = "LEVER_LEDGER_EVENTS"
	OutboundSubjects = "lever.ledger.events.>"
)

// JetStreamPublisher is the slice of jetstream.JetStream the publisher uses.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed commands to NATS for downstream
// consumers. Events are enqueued only after the persistence worker has
// committed them, so nothing is announced that the log could lose.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a committed command ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	OpportunityID  *uint64         `json:"opportunity_id,omitempty"`
	Caller         string          `json:"caller"`
	Command        json.RawMessage `json:"command"`
	StateHash      string          `json:"state_hash"`
	TimestampUs    int64           `json:"timestamp_us"`
	UnconfirmedTx  string          `json:"unconfirmed_tx,omitempty"`
}

func NewOutboundPublisher(js JetStreamPublisher, capacity int, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	if capacity <= 0 {
		capacity = 4096
	}
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, capacity),
		metrics:   metrics,
		logger:    logger,
	}
}

// Enqueue never blocks; when the buffer is full the event is dropped and
// downstream consumers catch up from the event log.
func (op *OutboundPublisher) Enqueue(evt PublishableEvent) bool {
	select {
	case op.inputChan <- evt:
		return true
	default:
		if op.metrics != nil {
			op.metrics.PublishDrops.Inc()
		}
		return false
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// OutboundSubject is lever.ledger.events.<command>[.<opportunity>].
func OutboundSubject(eventType string, opportunityID *uint64) string {
	subject := "lever.ledger.events." + snakeCase(eventType)
	if opportunityID != nil {
		subject = fmt.Sprintf("%s.%d", subject, *opportunityID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Msg-Id lets JetStream drop a republish of the same sequence.
	_, err = op.js.Publish(ctx, OutboundSubject(evt.EventType, evt.OpportunityID), data,
		jetstream.WithMsgID(fmt.Sprintf("lever-%d", evt.Sequence)))
	return err
}

// NewPublishableEvent assembles the outbound form of one logged command.
func NewPublishableEvent(sequence int64, eventType, idempotencyKey string, opportunityID *uint64, caller string, payload, stateHash []byte, timestampUs int64) PublishableEvent {
	return PublishableEvent{
		Sequence:       sequence,
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		OpportunityID:  opportunityID,
		Caller:         caller,
		Command:        json.RawMessage(payload),
		StateHash:      hex.EncodeToString(stateHash),
		TimestampUs:    timestampUs,
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{OutboundSubjects},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}

// PublishCommand is the relayer side of the command subjects: it encodes
// cmd and publishes it where the subscriber listens.
func PublishCommand(ctx context.Context, js JetStreamPublisher, cmd event.Event) error {
	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}
	_, err = js.Publish(ctx, CommandSubject(cmd.EventType()), data,
		jetstream.WithMsgID(cmd.EventType().String()+":"+cmd.IdempotencyKey()))
	return err
}
