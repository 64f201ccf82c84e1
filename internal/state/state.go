package state

import (
	"fmt"

	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"
)

// State is the full set of ledger aggregates one core owns.
type State struct {
	Params       ProtocolParams
	Registry     *OpportunityRegistry
	Chains       *PositionChainLedger
	Liquidations *LiquidationEngine
	Settlement   *SettlementEngine
	Fees         *FeeAccount
}

func New(params ProtocolParams) *State {
	registry := NewOpportunityRegistry()
	chains := NewPositionChainLedger(registry)
	fees := NewFeeAccount(params)
	return &State{
		Params:       params,
		Registry:     registry,
		Chains:       chains,
		Liquidations: NewLiquidationEngine(chains, params),
		Settlement:   NewSettlementEngine(registry, fees),
		Fees:         fees,
	}
}

// CheckOpportunity verifies pool and supply invariants of one opportunity:
// both liquidities positive, quotes summing to 100%, side supply equal to the
// sum of holder balances.
func (s *State) CheckOpportunity(opp *Opportunity) error {
	if opp.LiquidityYes <= 0 || opp.LiquidityNo <= 0 {
		return fmt.Errorf("opportunity %d: liquidity drained (yes=%d no=%d)",
			opp.ID, opp.LiquidityYes, opp.LiquidityNo)
	}
	if opp.PriceYes()+opp.PriceNo() != fpmath.FullPrice {
		return fmt.Errorf("opportunity %d: prices do not sum to 100%%", opp.ID)
	}
	for _, side := range []event.Side{event.SideYes, event.SideNo} {
		total := opp.TotalTokens(side)
		if total < 0 {
			return fmt.Errorf("opportunity %d: negative %s supply %d", opp.ID, side, total)
		}
		if sum := s.Registry.Tokens.SumFor(opp.ID, side); sum != total {
			return fmt.Errorf("opportunity %d: %s supply %d != holder sum %d", opp.ID, side, total, sum)
		}
	}
	return nil
}

// CheckChain verifies TotalDebt equals the borrowed amounts of active levels.
func (s *State) CheckChain(chain *PositionChain) error {
	var debt int64
	for i := range chain.Positions {
		p := &chain.Positions[i]
		if p.Level != i {
			return fmt.Errorf("chain %d: position at index %d has level %d", chain.ID, i, p.Level)
		}
		if i == 0 && p.BorrowedAmount != 0 {
			return fmt.Errorf("chain %d: level 0 carries debt", chain.ID)
		}
		if p.Active() {
			debt += p.BorrowedAmount
		}
	}
	if debt != chain.TotalDebt {
		return fmt.Errorf("chain %d: total_debt %d != active borrowed %d", chain.ID, chain.TotalDebt, debt)
	}
	return nil
}

// CheckAll runs every invariant over the whole state.
func (s *State) CheckAll() error {
	for _, opp := range s.Registry.All() {
		if err := s.CheckOpportunity(opp); err != nil {
			return err
		}
	}
	for _, chain := range s.Chains.All() {
		if err := s.CheckChain(chain); err != nil {
			return err
		}
	}
	return nil
}
