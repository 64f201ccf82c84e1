package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CreatePositionChain opens a chain with an owner-funded level 0.
type CreatePositionChain struct {
	RequestID     uuid.UUID
	Caller        common.Address
	OpportunityID uint64
	Side          Side
	Amount        int64
	Timestamp     time.Time
}

func (c *CreatePositionChain) IdempotencyKey() string { return c.RequestID.String() }
func (c *CreatePositionChain) EventType() EventType   { return EventTypeCreatePositionChain }
func (c *CreatePositionChain) OpportunityRef() *uint64 {
	id := c.OpportunityID
	return &id
}
func (c *CreatePositionChain) Actor() common.Address { return c.Caller }
func (c *CreatePositionChain) EventTime() time.Time  { return c.Timestamp }

// ExtendChain appends a level funded by borrowing against the previous level.
type ExtendChain struct {
	RequestID     uuid.UUID
	Caller        common.Address
	ChainID       uint64
	OpportunityID uint64
	Side          Side
	Timestamp     time.Time
}

func (c *ExtendChain) IdempotencyKey() string { return c.RequestID.String() }
func (c *ExtendChain) EventType() EventType   { return EventTypeExtendChain }
func (c *ExtendChain) OpportunityRef() *uint64 {
	id := c.OpportunityID
	return &id
}
func (c *ExtendChain) Actor() common.Address { return c.Caller }
func (c *ExtendChain) EventTime() time.Time  { return c.Timestamp }

// LiquidateChain is permissionless; it only changes state when a level is
// under its maintenance ratio.
type LiquidateChain struct {
	RequestID uuid.UUID
	Caller    common.Address
	ChainID   uint64
	Timestamp time.Time
}

func (c *LiquidateChain) IdempotencyKey() string  { return c.RequestID.String() }
func (c *LiquidateChain) EventType() EventType    { return EventTypeLiquidateChain }
func (c *LiquidateChain) OpportunityRef() *uint64 { return nil }
func (c *LiquidateChain) Actor() common.Address   { return c.Caller }
func (c *LiquidateChain) EventTime() time.Time    { return c.Timestamp }
