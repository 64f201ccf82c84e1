package state

import (
	"fmt"
	"sort"

	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// OpportunityRegistry owns every Opportunity, its pricing pool and the side
// token balances keyed under it.
type OpportunityRegistry struct {
	opportunities map[uint64]*Opportunity
	nextID        uint64

	Pool   PricingPool
	Tokens *TokenLedger
}

func NewOpportunityRegistry() *OpportunityRegistry {
	return &OpportunityRegistry{
		opportunities: make(map[uint64]*Opportunity),
		nextID:        1,
		Tokens:        NewTokenLedger(),
	}
}

// SeedSplit divides initial liquidity between YES and NO. NO takes the odd unit.
func SeedSplit(initialLiquidity int64) (yes, no int64) {
	yes = initialLiquidity / 2
	return yes, initialLiquidity - yes
}

// Create seeds a new opportunity and assigns the next sequential id.
func (r *OpportunityRegistry) Create(
	creator common.Address,
	name string,
	metadataRef string,
	initialLiquidity int64,
	minInitialLiquidity int64,
	undo *UndoLog,
) (*Opportunity, error) {
	if initialLiquidity <= 0 || initialLiquidity < minInitialLiquidity {
		return nil, fmt.Errorf("%w: initial liquidity must be >= %d, got %d",
			ErrInvalidAmount, minInitialLiquidity, initialLiquidity)
	}
	if initialLiquidity > MaxLiquidity {
		return nil, fmt.Errorf("%w: initial liquidity %d exceeds bound", ErrInvalidAmount, initialLiquidity)
	}

	yes, no := SeedSplit(initialLiquidity)
	opp := &Opportunity{
		ID:           r.nextID,
		Name:         name,
		MetadataRef:  metadataRef,
		Creator:      creator,
		LiquidityYes: yes,
		LiquidityNo:  no,
	}

	r.opportunities[opp.ID] = opp
	r.nextID++
	undo.Record(func() {
		delete(r.opportunities, opp.ID)
		r.nextID--
	})

	return opp, nil
}

func (r *OpportunityRegistry) Get(id uint64) (*Opportunity, error) {
	opp, ok := r.opportunities[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrOpportunityNotFound, id)
	}
	return opp, nil
}

// Trade executes a pool trade for holder.
func (r *OpportunityRegistry) Trade(id uint64, side event.Side, holder common.Address, amount int64, undo *UndoLog) (*Opportunity, error) {
	opp, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := r.Pool.Trade(opp, r.Tokens, side, holder, amount, undo); err != nil {
		return nil, err
	}
	return opp, nil
}

// CheckTrade runs every trade check without effects.
func (r *OpportunityRegistry) CheckTrade(id uint64, side event.Side, amount int64) (*Opportunity, error) {
	opp, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := r.Pool.CheckTrade(opp, side, amount); err != nil {
		return nil, err
	}
	return opp, nil
}

// Resolve fixes the outcome. Creator only; there is no un-resolve path.
// Pool size and winning supply are frozen for settlement.
func (r *OpportunityRegistry) Resolve(id uint64, outcome bool, caller common.Address, undo *UndoLog) (*Opportunity, error) {
	opp, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if caller != opp.Creator {
		return nil, fmt.Errorf("%w: %s is not the creator of opportunity %d", ErrUnauthorized, caller.Hex(), id)
	}
	if opp.Resolved {
		return nil, fmt.Errorf("%w: opportunity %d", ErrAlreadyResolved, id)
	}

	prev := *opp
	opp.Resolved = true
	opp.Outcome = outcome
	opp.SettlementPool = opp.TotalLiquidity()
	opp.SettlementSupply = opp.TotalTokens(opp.WinningSide())
	undo.Record(func() { *opp = prev })

	return opp, nil
}

// All returns opportunities ordered by id.
func (r *OpportunityRegistry) All() []*Opportunity {
	out := make([]*Opportunity, 0, len(r.opportunities))
	for _, opp := range r.opportunities {
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *OpportunityRegistry) NextID() uint64 {
	return r.nextID
}

// Restore replaces registry state (snapshot recovery).
func (r *OpportunityRegistry) Restore(opps []Opportunity, balances []TokenBalance, nextID uint64) {
	r.opportunities = make(map[uint64]*Opportunity, len(opps))
	for i := range opps {
		opp := opps[i]
		r.opportunities[opp.ID] = &opp
	}
	r.nextID = nextID
	r.Tokens.Restore(balances)
}
