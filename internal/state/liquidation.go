package state

import (
	"fmt"

	fpmath "LeverLedger/internal/math"
)

// LiquidationOutcome describes what a liquidateChain call changed.
// A zero LiquidatedLevels slice means the chain survived (no-op).
type LiquidationOutcome struct {
	ChainID          uint64 `json:"chain_id"`
	LiquidatedLevels []int  `json:"liquidated_levels"`
	TriggerLevel     int    `json:"trigger_level"`
	TriggerValue     int64  `json:"trigger_value"`
	DebtCleared      int64  `json:"debt_cleared"`
	Incentive        int64  `json:"incentive"`
	ChainLiquidated  bool   `json:"chain_liquidated"`
}

func (o *LiquidationOutcome) Changed() bool {
	return len(o.LiquidatedLevels) > 0
}

// LiquidationEngine finds the first under-collateralized level of a chain
// and deactivates it together with every later level.
type LiquidationEngine struct {
	chains *PositionChainLedger
	params ProtocolParams
}

func NewLiquidationEngine(chains *PositionChainLedger, params ProtocolParams) *LiquidationEngine {
	return &LiquidationEngine{chains: chains, params: params}
}

// Plan evaluates the chain without changing it. The incentive is left at zero.
func (e *LiquidationEngine) Plan(chainID uint64) (*LiquidationOutcome, error) {
	chain, err := e.chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	if chain.Liquidated {
		return nil, fmt.Errorf("%w: chain %d", ErrChainLiquidated, chainID)
	}

	outcome := &LiquidationOutcome{ChainID: chainID, TriggerLevel: -1}

	// Level 0 carries no debt and is never liquidated here.
	for i := 1; i < len(chain.Positions); i++ {
		pos := &chain.Positions[i]
		if !pos.Active() || pos.BorrowedAmount <= 0 {
			continue
		}
		value, err := e.chains.ValueOf(pos)
		if err != nil {
			return nil, err
		}
		if !fpmath.RatioBelow(value, pos.BorrowedAmount, e.params.MaintenanceRatio) {
			continue
		}

		outcome.TriggerLevel = i
		outcome.TriggerValue = value
		// Every later level borrowed against this one: cascade unconditionally.
		for j := i; j < len(chain.Positions); j++ {
			p := &chain.Positions[j]
			if !p.Active() {
				continue
			}
			outcome.LiquidatedLevels = append(outcome.LiquidatedLevels, j)
			outcome.DebtCleared += p.BorrowedAmount
		}
		outcome.ChainLiquidated = i == 1
		break
	}

	return outcome, nil
}

// Apply deactivates the planned levels and reduces the chain's debt.
func (e *LiquidationEngine) Apply(outcome *LiquidationOutcome, undo *UndoLog) error {
	if !outcome.Changed() {
		return nil
	}
	chain, err := e.chains.Get(outcome.ChainID)
	if err != nil {
		return err
	}

	prev := chain.clone()
	for _, level := range outcome.LiquidatedLevels {
		pos := &chain.Positions[level]
		if !pos.State.CanTransitionTo(PositionStateLiquidated) {
			*chain = prev
			return fmt.Errorf("invalid state transition: chain %d level %d %s -> Liquidated",
				chain.ID, level, pos.State)
		}
		pos.State = PositionStateLiquidated
	}
	chain.TotalDebt -= outcome.DebtCleared
	if outcome.ChainLiquidated {
		chain.Liquidated = true
	}
	undo.Record(func() { *chain = prev })

	return nil
}

// Liquidate plans and applies in one step; incentive sizing is left to the
// caller since it depends on the fee balance.
func (e *LiquidationEngine) Liquidate(chainID uint64, undo *UndoLog) (*LiquidationOutcome, error) {
	outcome, err := e.Plan(chainID)
	if err != nil {
		return nil, err
	}
	if err := e.Apply(outcome, undo); err != nil {
		return nil, err
	}
	return outcome, nil
}
