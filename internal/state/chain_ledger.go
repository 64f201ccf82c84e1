package state

import (
	"fmt"
	"sort"

	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// PositionChainLedger owns every PositionChain. Positions reference
// opportunities by id and always re-read the live pool for valuation.
type PositionChainLedger struct {
	chains   map[uint64]*PositionChain
	byOwner  map[common.Address][]uint64
	nextID   uint64
	registry *OpportunityRegistry
}

func NewPositionChainLedger(registry *OpportunityRegistry) *PositionChainLedger {
	return &PositionChainLedger{
		chains:   make(map[uint64]*PositionChain),
		byOwner:  make(map[common.Address][]uint64),
		nextID:   1,
		registry: registry,
	}
}

// ExtendPlan is the checked, not yet applied, result of an extension.
type ExtendPlan struct {
	Chain         *PositionChain
	PreviousValue int64
	Borrow        int64
	Target        *Opportunity
	Side          event.Side
}

// Open trades amount on side for owner and starts a chain with an
// owner-funded level 0.
func (l *PositionChainLedger) Open(owner common.Address, opportunityID uint64, side event.Side, amount int64, undo *UndoLog) (*PositionChain, error) {
	if _, err := l.registry.Trade(opportunityID, side, owner, amount, undo); err != nil {
		return nil, err
	}

	chain := &PositionChain{
		ID:    l.nextID,
		Owner: owner,
		Positions: []Position{{
			Level:            0,
			OpportunityID:    opportunityID,
			Side:             side,
			CollateralAtOpen: amount,
			TokenAmount:      amount,
			State:            PositionStateOpen,
		}},
	}

	l.chains[chain.ID] = chain
	l.byOwner[owner] = append(l.byOwner[owner], chain.ID)
	l.nextID++
	undo.Record(func() {
		delete(l.chains, chain.ID)
		ids := l.byOwner[owner]
		if len(ids) <= 1 {
			delete(l.byOwner, owner)
		} else {
			l.byOwner[owner] = ids[:len(ids)-1]
		}
		l.nextID--
	})

	return chain, nil
}

// PlanExtend runs every extension check and sizes the borrow:
// floor(currentValue(previous level) * maxLTV).
func (l *PositionChainLedger) PlanExtend(
	chainID uint64,
	caller common.Address,
	opportunityID uint64,
	side event.Side,
	maxLTV int64,
) (*ExtendPlan, error) {
	chain, err := l.Get(chainID)
	if err != nil {
		return nil, err
	}
	if caller != chain.Owner {
		return nil, fmt.Errorf("%w: %s does not own chain %d", ErrUnauthorized, caller.Hex(), chainID)
	}
	if chain.Liquidated {
		return nil, fmt.Errorf("%w: chain %d", ErrChainLiquidated, chainID)
	}
	last := chain.Last()
	if !last.Active() {
		return nil, fmt.Errorf("%w: chain %d level %d", ErrPositionInactive, chainID, last.Level)
	}

	target, err := l.registry.Get(opportunityID)
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
	if target.Resolved {
		return nil, fmt.Errorf("%w: opportunity %d", ErrMarketResolved, opportunityID)
	}

	prevValue, err := l.ValueOf(last)
	if err != nil {
		return nil, err
	}
	borrow := fpmath.ApplyFraction(prevValue, maxLTV)
	if borrow <= 0 {
		return nil, fmt.Errorf("%w: chain %d level %d value %d supports no borrow",
			ErrInsufficientCollateral, chainID, last.Level, prevValue)
	}

	return &ExtendPlan{
		Chain:         chain,
		PreviousValue: prevValue,
		Borrow:        borrow,
		Target:        target,
		Side:          side,
	}, nil
}

// ApplyExtend trades the planned borrow for the chain owner and appends
// the new level.
func (l *PositionChainLedger) ApplyExtend(plan *ExtendPlan, undo *UndoLog) (*Position, error) {
	chain := plan.Chain
	if err := l.registry.Pool.Trade(plan.Target, l.registry.Tokens, plan.Side, chain.Owner, plan.Borrow, undo); err != nil {
		return nil, err
	}

	prev := chain.clone()
	chain.Positions = append(chain.Positions, Position{
		Level:            len(chain.Positions),
		OpportunityID:    plan.Target.ID,
		Side:             plan.Side,
		CollateralAtOpen: plan.Borrow,
		BorrowedAmount:   plan.Borrow,
		TokenAmount:      plan.Borrow,
		State:            PositionStateOpen,
	})
	chain.TotalDebt += plan.Borrow
	undo.Record(func() { *chain = prev })

	return chain.Last(), nil
}

// Extend is PlanExtend followed by ApplyExtend.
func (l *PositionChainLedger) Extend(
	chainID uint64,
	caller common.Address,
	opportunityID uint64,
	side event.Side,
	maxLTV int64,
	undo *UndoLog,
) (*Position, error) {
	plan, err := l.PlanExtend(chainID, caller, opportunityID, side, maxLTV)
	if err != nil {
		return nil, err
	}
	return l.ApplyExtend(plan, undo)
}

func (l *PositionChainLedger) Get(chainID uint64) (*PositionChain, error) {
	chain, ok := l.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrChainNotFound, chainID)
	}
	return chain, nil
}

// UserChains returns the owner's chains in creation order.
func (l *PositionChainLedger) UserChains(owner common.Address) []*PositionChain {
	ids := l.byOwner[owner]
	out := make([]*PositionChain, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.chains[id])
	}
	return out
}

// ValueOf marks a position's tokens to the live price of its opportunity.
func (l *PositionChainLedger) ValueOf(pos *Position) (int64, error) {
	opp, err := l.registry.Get(pos.OpportunityID)
	if err != nil {
		return 0, err
	}
	return l.registry.Pool.CurrentValue(pos.TokenAmount, opp, pos.Side), nil
}

// PositionValue returns the live value of one level.
func (l *PositionChainLedger) PositionValue(chainID uint64, level int) (int64, error) {
	chain, err := l.Get(chainID)
	if err != nil {
		return 0, err
	}
	if level < 0 || level >= len(chain.Positions) {
		return 0, fmt.Errorf("%w: chain %d level %d", ErrPositionNotFound, chainID, level)
	}
	return l.ValueOf(&chain.Positions[level])
}

// OwnerDebt sums TotalDebt over the owner's chains.
func (l *PositionChainLedger) OwnerDebt(owner common.Address) int64 {
	var sum int64
	for _, id := range l.byOwner[owner] {
		sum += l.chains[id].TotalDebt
	}
	return sum
}

// All returns chains ordered by id.
func (l *PositionChainLedger) All() []*PositionChain {
	out := make([]*PositionChain, 0, len(l.chains))
	for _, c := range l.chains {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *PositionChainLedger) NextID() uint64 {
	return l.nextID
}

// Restore replaces ledger state (snapshot recovery).
func (l *PositionChainLedger) Restore(chains []PositionChain, nextID uint64) {
	l.chains = make(map[uint64]*PositionChain, len(chains))
	l.byOwner = make(map[common.Address][]uint64)
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })
	for i := range chains {
		c := chains[i].clone()
		l.chains[c.ID] = &c
		l.byOwner[c.Owner] = append(l.byOwner[c.Owner], c.ID)
	}
	l.nextID = nextID
}
