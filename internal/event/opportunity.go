package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CreateOpportunity seeds a new binary market.
// Idempotency key: request_id.
type CreateOpportunity struct {
	RequestID        uuid.UUID
	Caller           common.Address
	Name             string
	MetadataRef      string
	InitialLiquidity int64     // Collateral base units, split evenly between YES and NO
	Timestamp        time.Time // Versioned input timestamp (NOT wall-clock)
}

func (c *CreateOpportunity) IdempotencyKey() string  { return c.RequestID.String() }
func (c *CreateOpportunity) EventType() EventType    { return EventTypeCreateOpportunity }
func (c *CreateOpportunity) OpportunityRef() *uint64 { return nil }
func (c *CreateOpportunity) Actor() common.Address   { return c.Caller }
func (c *CreateOpportunity) EventTime() time.Time    { return c.Timestamp }

// BuyTokens trades collateral for side tokens through the pricing pool.
type BuyTokens struct {
	RequestID     uuid.UUID
	Caller        common.Address
	OpportunityID uint64
	Side          Side
	Amount        int64
	Timestamp     time.Time
}

func (c *BuyTokens) IdempotencyKey() string { return c.RequestID.String() }
func (c *BuyTokens) EventType() EventType   { return EventTypeBuyTokens }
func (c *BuyTokens) OpportunityRef() *uint64 {
	id := c.OpportunityID
	return &id
}
func (c *BuyTokens) Actor() common.Address { return c.Caller }
func (c *BuyTokens) EventTime() time.Time  { return c.Timestamp }

// ResolveOpportunity fixes the outcome. Creator only, one-way.
type ResolveOpportunity struct {
	RequestID     uuid.UUID
	Caller        common.Address
	OpportunityID uint64
	Outcome       bool // true = YES wins
	Timestamp     time.Time
}

func (c *ResolveOpportunity) IdempotencyKey() string { return c.RequestID.String() }
func (c *ResolveOpportunity) EventType() EventType   { return EventTypeResolveOpportunity }
func (c *ResolveOpportunity) OpportunityRef() *uint64 {
	id := c.OpportunityID
	return &id
}
func (c *ResolveOpportunity) Actor() common.Address { return c.Caller }
func (c *ResolveOpportunity) EventTime() time.Time  { return c.Timestamp }

// ClaimWinnings redeems the caller's winning-side tokens.
type ClaimWinnings struct {
	RequestID     uuid.UUID
	Caller        common.Address
	OpportunityID uint64
	Timestamp     time.Time
}

func (c *ClaimWinnings) IdempotencyKey() string { return c.RequestID.String() }
func (c *ClaimWinnings) EventType() EventType   { return EventTypeClaimWinnings }
func (c *ClaimWinnings) OpportunityRef() *uint64 {
	id := c.OpportunityID
	return &id
}
func (c *ClaimWinnings) Actor() common.Address { return c.Caller }
func (c *ClaimWinnings) EventTime() time.Time  { return c.Timestamp }
