package state

import (
	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// Opportunity is a binary market with a two-sided liquidity pool.
type Opportunity struct {
	ID             uint64
	Name           string
	MetadataRef    string
	Creator        common.Address
	LiquidityYes   int64 // Collateral base units
	LiquidityNo    int64
	TotalYesTokens int64
	TotalNoTokens  int64
	Resolved       bool // One-way false -> true
	Outcome        bool // true = YES wins; meaningful once Resolved

	// Frozen at resolution so every claim pays the same rate.
	SettlementPool   int64
	SettlementSupply int64
}

// Liquidity returns (side, other) pool liquidity.
func (o *Opportunity) Liquidity(side event.Side) (int64, int64) {
	if side == event.SideYes {
		return o.LiquidityYes, o.LiquidityNo
	}
	return o.LiquidityNo, o.LiquidityYes
}

func (o *Opportunity) TotalLiquidity() int64 {
	return o.LiquidityYes + o.LiquidityNo
}

func (o *Opportunity) TotalTokens(side event.Side) int64 {
	if side == event.SideYes {
		return o.TotalYesTokens
	}
	return o.TotalNoTokens
}

// WinningSide is only meaningful once the opportunity is resolved.
func (o *Opportunity) WinningSide() event.Side {
	return event.WinningSide(o.Outcome)
}

// PriceYes and PriceNo are percentages at PriceConfig precision.
func (o *Opportunity) PriceYes() int64 {
	return fpmath.ComputePrice(o.LiquidityYes, o.LiquidityNo)
}

func (o *Opportunity) PriceNo() int64 {
	return fpmath.FullPrice - o.PriceYes()
}

func (o *Opportunity) addLiquidity(side event.Side, amount int64) {
	if side == event.SideYes {
		o.LiquidityYes += amount
		o.TotalYesTokens += amount
		return
	}
	o.LiquidityNo += amount
	o.TotalNoTokens += amount
}

func (o *Opportunity) burnTokens(side event.Side, amount int64) {
	if side == event.SideYes {
		o.TotalYesTokens -= amount
		return
	}
	o.TotalNoTokens -= amount
}

// CanonicalBytes returns deterministic serialization for hashing
func (o *Opportunity) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = appendUint64LE(buf, o.ID)
	buf = appendString(buf, o.Name)
	buf = appendString(buf, o.MetadataRef)
	buf = append(buf, o.Creator.Bytes()...)
	buf = appendInt64LE(buf, o.LiquidityYes)
	buf = appendInt64LE(buf, o.LiquidityNo)
	buf = appendInt64LE(buf, o.TotalYesTokens)
	buf = appendInt64LE(buf, o.TotalNoTokens)
	buf = appendBool(buf, o.Resolved)
	buf = appendBool(buf, o.Outcome)
	buf = appendInt64LE(buf, o.SettlementPool)
	buf = appendInt64LE(buf, o.SettlementSupply)
	return buf
}
