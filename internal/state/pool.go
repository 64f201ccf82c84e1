package state

import (
	"fmt"
	"math"

	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// MaxLiquidity bounds each side and the pool total. Prices divide by the
// total, so it must stay well clear of int64 overflow.
const MaxLiquidity int64 = math.MaxInt64 / 2

// PricingPool prices each opportunity from its own liquidity:
// price_side = 100% * liquidity_side / (liquidity_yes + liquidity_no).
// It holds no state of its own; pool state lives on the Opportunity.
type PricingPool struct{}

// Quote returns the side's price at PriceConfig precision (100% = 100_000_000).
func (PricingPool) Quote(opp *Opportunity, side event.Side) int64 {
	if side == event.SideYes {
		return opp.PriceYes()
	}
	return opp.PriceNo()
}

// CurrentValue marks tokens of one side to the live price.
func (PricingPool) CurrentValue(tokens int64, opp *Opportunity, side event.Side) int64 {
	own, other := opp.Liquidity(side)
	return fpmath.ComputeValue(tokens, own, other)
}

// CheckTrade validates a trade without applying it.
func (PricingPool) CheckTrade(opp *Opportunity, side event.Side, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: trade amount must be > 0, got %d", ErrInvalidAmount, amount)
	}
	if !side.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
	if opp.Resolved {
		return fmt.Errorf("%w: opportunity %d", ErrMarketResolved, opp.ID)
	}
	own, _ := opp.Liquidity(side)
	if amount > MaxLiquidity-own || amount > MaxLiquidity-opp.TotalLiquidity() {
		return fmt.Errorf("%w: trade of %d exceeds pool liquidity bound", ErrInvalidAmount, amount)
	}
	return nil
}

// Trade adds amount to the side's liquidity and mints amount side-tokens to
// holder. One collateral unit buys one token at the moment of trade.
func (p PricingPool) Trade(opp *Opportunity, tokens *TokenLedger, side event.Side, holder common.Address, amount int64, undo *UndoLog) error {
	if err := p.CheckTrade(opp, side, amount); err != nil {
		return err
	}

	prev := *opp
	opp.addLiquidity(side, amount)
	undo.Record(func() { *opp = prev })

	tokens.mint(TokenKey{OpportunityID: opp.ID, Side: side, Holder: holder}, amount, undo)
	return nil
}
