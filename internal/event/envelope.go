package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreateOpportunity
	EventTypeBuyTokens
	EventTypeCreatePositionChain
	EventTypeExtendChain
	EventTypeLiquidateChain
	EventTypeResolveOpportunity
	EventTypeClaimWinnings
)

// EventEnvelope wraps every committed command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Request id supplied by the caller
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Opportunity context (nil for chain-only commands)
	OpportunityID *uint64

	// Identity that issued the command
	Caller common.Address

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte

	// Hash of a token transfer that was sent but never confirmed; empty when
	// the transfer settled or the command made none. Not part of the state hash.
	UnconfirmedTx string
}

// Event is the interface all command payloads implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// OpportunityRef returns the opportunity context (nil for chain-only commands)
	OpportunityRef() *uint64

	// Actor returns the calling identity
	Actor() common.Address

	// EventTime returns the versioned timestamp assigned at ingress
	EventTime() time.Time
}

func (et EventType) String() string {
	switch et {
	case EventTypeCreateOpportunity:
		return "CreateOpportunity"
	case EventTypeBuyTokens:
		return "BuyTokens"
	case EventTypeCreatePositionChain:
		return "CreatePositionChain"
	case EventTypeExtendChain:
		return "ExtendChain"
	case EventTypeLiquidateChain:
		return "LiquidateChain"
	case EventTypeResolveOpportunity:
		return "ResolveOpportunity"
	case EventTypeClaimWinnings:
		return "ClaimWinnings"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeCreateOpportunity; et <= EventTypeClaimWinnings; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
