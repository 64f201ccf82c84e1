package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"LeverLedger/internal/event"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CommandStream   = "LEVER_COMMANDS"
	CommandSubjects = "lever.commands.>"
)

// NATSSubscriber subscribes to the JetStream command subjects and feeds raw
// commands to the ingestion loop. Relayers on these subjects are trusted: the
// caller identity travels in the payload.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is the received-but-untyped command, ready for the shell
// to validate and convert into a typed event.Event before it reaches the core.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // ACK once the core has answered
	NakFunc   func() // NAK when the core could not take the command (redelivered)
}

// SubjectConfig maps a NATS subject to a command type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

// CommandSubject returns the subject a relayer publishes a command type on,
// e.g. lever.commands.buy_tokens.
func CommandSubject(et event.EventType) string {
	return "lever.commands." + snakeCase(et.String())
}

// DefaultSubjects returns one consumer per command type.
func DefaultSubjects() []SubjectConfig {
	subjects := make([]SubjectConfig, 0, 7)
	for et := event.EventTypeCreateOpportunity; et <= event.EventTypeClaimWinnings; et++ {
		name := snakeCase(et.String())
		subjects = append(subjects, SubjectConfig{
			Subject:      CommandSubject(et),
			EventType:    et.String(),
			ConsumerName: "ledger-" + strings.ReplaceAll(name, "_", "-"),
			StreamName:   CommandStream,
		})
	}
	return subjects
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the command stream if it does not exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      CommandStream,
		Subjects:  []string{CommandSubjects},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CommandStream, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("leverledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

// ResolveEventType maps a subject to its command type by longest matching
// subject prefix; "" when nothing matches.
func ResolveEventType(subject string, subjects []SubjectConfig) string {
	best, bestType := "", ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ".>")
		if subject != prefix && !strings.HasPrefix(subject, prefix+".") {
			continue
		}
		if len(prefix) > len(best) {
			best, bestType = prefix, cfg.EventType
		}
	}
	return bestType
}

// snakeCase turns "CreatePositionChain" into "create_position_chain".
func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
