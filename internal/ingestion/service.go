package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrInvalidCommand marks input rejected before it reaches the core.
var ErrInvalidCommand = errors.New("invalid command")

// Meta is the envelope every API call supplies: who is calling and the
// request id used for deduplication. A nil RequestID gets a fresh one.
type Meta struct {
	RequestID uuid.UUID
	Caller    common.Address
}

// CommandService builds typed commands for the HTTP and gRPC surfaces and
// submits them to the core. It assigns the versioned timestamp, which never
// goes backwards even if the wall clock does.
type CommandService struct {
	submitter Submitter
	clock     func() time.Time

	mu     sync.Mutex
	lastUs int64
}

func NewCommandService(submitter Submitter, clock func() time.Time) *CommandService {
	if clock == nil {
		clock = time.Now
	}
	return &CommandService{submitter: submitter, clock: clock}
}

func (s *CommandService) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	us := s.clock().UnixMicro()
	if us < s.lastUs {
		us = s.lastUs
	}
	s.lastUs = us
	return time.UnixMicro(us).UTC()
}

func (m Meta) requestID() uuid.UUID {
	if m.RequestID == uuid.Nil {
		return uuid.New()
	}
	return m.RequestID
}

func (s *CommandService) submit(ctx context.Context, cmd event.Event) (*core.Result, error) {
	if cmd.Actor() == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s: caller is required", ErrInvalidCommand, cmd.EventType())
	}
	return s.submitter.Submit(ctx, cmd)
}

func (s *CommandService) CreateOpportunity(ctx context.Context, m Meta, name, metadataRef string, initialLiquidity int64) (*core.Result, error) {
	return s.submit(ctx, &event.CreateOpportunity{
		RequestID:        m.requestID(),
		Caller:           m.Caller,
		Name:             name,
		MetadataRef:      metadataRef,
		InitialLiquidity: initialLiquidity,
		Timestamp:        s.stamp(),
	})
}

func (s *CommandService) BuyTokens(ctx context.Context, m Meta, opportunityID uint64, side event.Side, amount int64) (*core.Result, error) {
	return s.submit(ctx, &event.BuyTokens{
		RequestID:     m.requestID(),
		Caller:        m.Caller,
		OpportunityID: opportunityID,
		Side:          side,
		Amount:        amount,
		Timestamp:     s.stamp(),
	})
}

func (s *CommandService) CreatePositionChain(ctx context.Context, m Meta, opportunityID uint64, side event.Side, amount int64) (*core.Result, error) {
	return s.submit(ctx, &event.CreatePositionChain{
		RequestID:     m.requestID(),
		Caller:        m.Caller,
		OpportunityID: opportunityID,
		Side:          side,
		Amount:        amount,
		Timestamp:     s.stamp(),
	})
}

func (s *CommandService) ExtendChain(ctx context.Context, m Meta, chainID, opportunityID uint64, side event.Side) (*core.Result, error) {
	return s.submit(ctx, &event.ExtendChain{
		RequestID:     m.requestID(),
		Caller:        m.Caller,
		ChainID:       chainID,
		OpportunityID: opportunityID,
		Side:          side,
		Timestamp:     s.stamp(),
	})
}

func (s *CommandService) LiquidateChain(ctx context.Context, m Meta, chainID uint64) (*core.Result, error) {
	return s.submit(ctx, &event.LiquidateChain{
		RequestID: m.requestID(),
		Caller:    m.Caller,
		ChainID:   chainID,
		Timestamp: s.stamp(),
	})
}

func (s *CommandService) ResolveOpportunity(ctx context.Context, m Meta, opportunityID uint64, outcome bool) (*core.Result, error) {
	return s.submit(ctx, &event.ResolveOpportunity{
		RequestID:     m.requestID(),
		Caller:        m.Caller,
		OpportunityID: opportunityID,
		Outcome:       outcome,
		Timestamp:     s.stamp(),
	})
}

func (s *CommandService) ClaimWinnings(ctx context.Context, m Meta, opportunityID uint64) (*core.Result, error) {
	return s.submit(ctx, &event.ClaimWinnings{
		RequestID:     m.requestID(),
		Caller:        m.Caller,
		OpportunityID: opportunityID,
		Timestamp:     s.stamp(),
	})
}
