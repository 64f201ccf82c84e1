package ingestion_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/ingestion"
	"LeverLedger/internal/observability"
	"LeverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	cmds []event.Event
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, cmd event.Event) (*core.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	if f.err != nil {
		return nil, f.err
	}
	return &core.Result{Sequence: int64(len(f.cmds))}, nil
}

type ackRecorder struct {
	mu    sync.Mutex
	acks  int
	naks  int
	total int
	done  chan struct{}
}

func newAckRecorder(total int) *ackRecorder {
	return &ackRecorder{total: total, done: make(chan struct{})}
}

func (r *ackRecorder) raw(subject string, data []byte) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now(),
		AckFunc:   func() { r.mark(true) },
		NakFunc:   func() { r.mark(false) },
	}
}

func (r *ackRecorder) mark(ack bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ack {
		r.acks++
	} else {
		r.naks++
	}
	if r.acks+r.naks == r.total {
		close(r.done)
	}
}

func claimPayload(t *testing.T) []byte {
	t.Helper()
	data, err := ingestion.EncodeCommand(&event.ClaimWinnings{
		RequestID:     uuid.New(),
		Caller:        common.HexToAddress(testCaller),
		OpportunityID: 1,
		Timestamp:     time.UnixMicro(testTsUs),
	})
	require.NoError(t, err)
	return data
}

func runLoop(t *testing.T, sub ingestion.Submitter, rec *ackRecorder, events ...ingestion.RawEvent) {
	t.Helper()
	rawChan := make(chan ingestion.RawEvent, len(events))
	for _, e := range events {
		rawChan <- e
	}
	close(rawChan)

	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	loop := ingestion.NewLoop(rawChan, sub, metrics, zerolog.Nop())
	require.NoError(t, loop.Run(context.Background()))

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("not every message was acked or naked")
	}
}

func TestLoopAcksAppliedAndInvalid(t *testing.T) {
	sub := &fakeSubmitter{}
	rec := newAckRecorder(3)
	subject := ingestion.CommandSubject(event.EventTypeClaimWinnings)

	runLoop(t, sub, rec,
		rec.raw(subject, claimPayload(t)),
		rec.raw(subject, []byte("garbage")),
		rec.raw("lever.commands.unknown", claimPayload(t)),
	)

	assert.Equal(t, 3, rec.acks)
	assert.Equal(t, 0, rec.naks)
	require.Len(t, sub.cmds, 1, "only the well-formed command reaches the core")
	assert.Equal(t, event.EventTypeClaimWinnings, sub.cmds[0].EventType())
}

func TestLoopAcksDomainRejection(t *testing.T) {
	sub := &fakeSubmitter{err: fmt.Errorf("claim: %w", state.ErrNothingToClaim)}
	rec := newAckRecorder(1)

	runLoop(t, sub, rec, rec.raw(ingestion.CommandSubject(event.EventTypeClaimWinnings), claimPayload(t)))

	assert.Equal(t, 1, rec.acks, "domain rejections are final")
}

func TestLoopNaksWhenCoreStopped(t *testing.T) {
	sub := &fakeSubmitter{err: core.ErrCoreStopped}
	rec := newAckRecorder(1)

	runLoop(t, sub, rec, rec.raw(ingestion.CommandSubject(event.EventTypeClaimWinnings), claimPayload(t)))

	assert.Equal(t, 1, rec.naks)
	assert.Equal(t, 0, rec.acks)
}

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	bodies   [][]byte
}

func (f *fakeJetStream) Publish(_ context.Context, subject string, data []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.bodies = append(f.bodies, data)
	return &jetstream.PubAck{Stream: ingestion.OutboundStream, Sequence: uint64(len(f.subjects))}, nil
}

func (f *fakeJetStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subjects)
}

func TestOutboundPublisher(t *testing.T) {
	js := &fakeJetStream{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	pub := ingestion.NewOutboundPublisher(js, 1, metrics, zerolog.Nop())

	opp := uint64(3)
	payload := claimPayload(t)
	evt := ingestion.NewPublishableEvent(9, "ClaimWinnings", testRequestID, &opp, testCaller, payload, []byte{0xab, 0xcd}, testTsUs)

	require.True(t, pub.Enqueue(evt))
	assert.False(t, pub.Enqueue(evt), "second enqueue overflows a buffer of one")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	require.Eventually(t, func() bool { return js.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "lever.ledger.events.claim_winnings.3", js.subjects[0])
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(js.bodies[0], &got))
	assert.Equal(t, float64(9), got["sequence"])
	assert.Equal(t, "abcd", got["state_hash"])
	assert.Equal(t, testRequestID, got["idempotency_key"])
}

func TestPublishCommandUsesCommandSubject(t *testing.T) {
	js := &fakeJetStream{}
	cmd := &event.LiquidateChain{RequestID: uuid.New(), Caller: common.HexToAddress(testCaller), ChainID: 2, Timestamp: time.UnixMicro(testTsUs)}

	require.NoError(t, ingestion.PublishCommand(context.Background(), js, cmd))
	require.Equal(t, 1, js.count())
	assert.Equal(t, "lever.commands.liquidate_chain", js.subjects[0])

	parsed, err := ingestion.ParseCommand("LiquidateChain", js.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, uint64(2), parsed.(*event.LiquidateChain).ChainID)
}

func TestCommandServiceStamps(t *testing.T) {
	sub := &fakeSubmitter{}
	clock := []time.Time{time.UnixMicro(2_000), time.UnixMicro(1_000)}
	i := 0
	svc := ingestion.NewCommandService(sub, func() time.Time {
		now := clock[i%len(clock)]
		i++
		return now
	})

	caller := common.HexToAddress(testCaller)
	reqID := uuid.New()
	_, err := svc.BuyTokens(context.Background(), ingestion.Meta{RequestID: reqID, Caller: caller}, 1, event.SideYes, 10)
	require.NoError(t, err)
	_, err = svc.ClaimWinnings(context.Background(), ingestion.Meta{Caller: caller}, 1)
	require.NoError(t, err)

	require.Len(t, sub.cmds, 2)
	assert.Equal(t, reqID.String(), sub.cmds[0].IdempotencyKey())
	assert.NotEqual(t, uuid.Nil.String(), sub.cmds[1].IdempotencyKey(), "missing request id is generated")
	assert.Equal(t, int64(2_000), sub.cmds[1].EventTime().UnixMicro(), "timestamps never go backwards")

	_, err = svc.LiquidateChain(context.Background(), ingestion.Meta{}, 1)
	assert.ErrorIs(t, err, ingestion.ErrInvalidCommand)
}
