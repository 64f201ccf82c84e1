package state

import (
	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// PositionState tracks a level's lifecycle: Open -> Liquidated, no recovery.
type PositionState int32

const (
	PositionStateOpen PositionState = iota
	PositionStateLiquidated
)

func (ps PositionState) String() string {
	switch ps {
	case PositionStateOpen:
		return "Open"
	case PositionStateLiquidated:
		return "Liquidated"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (ps PositionState) CanTransitionTo(next PositionState) bool {
	return ps == PositionStateOpen && next == PositionStateLiquidated
}

// Position is one level of a chain.
type Position struct {
	Level            int
	OpportunityID    uint64
	Side             event.Side
	CollateralAtOpen int64
	BorrowedAmount   int64 // 0 at level 0
	TokenAmount      int64 // Side tokens minted when the level opened
	State            PositionState
}

func (p *Position) Active() bool {
	return p.State == PositionStateOpen
}

// PositionChain is a flat ordered sequence of levels. Level i>0 borrowed
// against the live value of level i-1.
type PositionChain struct {
	ID         uint64
	Owner      common.Address
	Positions  []Position
	TotalDebt  int64 // Sum of BorrowedAmount over active levels
	Liquidated bool  // Once true the chain accepts no extension
}

func (c *PositionChain) Last() *Position {
	if len(c.Positions) == 0 {
		return nil
	}
	return &c.Positions[len(c.Positions)-1]
}

func (c *PositionChain) clone() PositionChain {
	out := *c
	out.Positions = append([]Position(nil), c.Positions...)
	return out
}

// CanonicalBytes returns deterministic serialization for hashing
func (c *PositionChain) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(c.Positions)*48)
	buf = appendUint64LE(buf, c.ID)
	buf = append(buf, c.Owner.Bytes()...)
	buf = appendInt64LE(buf, c.TotalDebt)
	buf = appendBool(buf, c.Liquidated)
	buf = appendUint64LE(buf, uint64(len(c.Positions)))
	for i := range c.Positions {
		p := &c.Positions[i]
		buf = appendUint64LE(buf, p.OpportunityID)
		buf = append(buf, byte(p.Side))
		buf = appendInt64LE(buf, p.CollateralAtOpen)
		buf = appendInt64LE(buf, p.BorrowedAmount)
		buf = appendInt64LE(buf, p.TokenAmount)
		buf = append(buf, byte(p.State))
	}
	return buf
}
