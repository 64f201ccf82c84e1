package state

import (
	"bytes"
	"fmt"
	"sort"

	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimKey identifies one holder's claim on one opportunity.
type ClaimKey struct {
	OpportunityID uint64         `json:"opportunity_id"`
	Holder        common.Address `json:"holder"`
}

// Payout is the result of a successful claim.
type Payout struct {
	OpportunityID uint64         `json:"opportunity_id"`
	Holder        common.Address `json:"holder"`
	Side          event.Side     `json:"side"`
	Tokens        int64          `json:"tokens"`
	Gross         int64          `json:"gross"`
	Fee           int64          `json:"fee"`
	Net           int64          `json:"net"`
}

// SettlementEngine pays winning balances out of the frozen settlement pool.
type SettlementEngine struct {
	registry *OpportunityRegistry
	fees     *FeeAccount
	claimed  map[ClaimKey]struct{}
}

func NewSettlementEngine(registry *OpportunityRegistry, fees *FeeAccount) *SettlementEngine {
	return &SettlementEngine{
		registry: registry,
		fees:     fees,
		claimed:  make(map[ClaimKey]struct{}),
	}
}

// Plan computes the payout for holder without changing state.
func (s *SettlementEngine) Plan(opportunityID uint64, holder common.Address) (*Payout, error) {
	opp, err := s.registry.Get(opportunityID)
	if err != nil {
		return nil, err
	}
	if !opp.Resolved {
		return nil, fmt.Errorf("%w: opportunity %d", ErrNotResolved, opportunityID)
	}

	side := opp.WinningSide()
	balance := s.registry.Tokens.Balance(opportunityID, side, holder)
	if balance <= 0 {
		if s.HasClaimed(opportunityID, holder) {
			return nil, fmt.Errorf("%w: %s on opportunity %d", ErrDoubleClaim, holder.Hex(), opportunityID)
		}
		return nil, fmt.Errorf("%w: %s holds no %s tokens of opportunity %d",
			ErrNothingToClaim, holder.Hex(), side, opportunityID)
	}

	gross := fpmath.ComputeProRata(balance, opp.SettlementPool, opp.SettlementSupply)
	fee := s.fees.SettlementFee(gross)

	return &Payout{
		OpportunityID: opportunityID,
		Holder:        holder,
		Side:          side,
		Tokens:        balance,
		Gross:         gross,
		Fee:           fee,
		Net:           gross - fee,
	}, nil
}

// Apply zeroes the holder's winning balance, burns it from supply and
// records the claim.
func (s *SettlementEngine) Apply(p *Payout, undo *UndoLog) error {
	opp, err := s.registry.Get(p.OpportunityID)
	if err != nil {
		return err
	}

	burned := s.registry.Tokens.burnAll(TokenKey{OpportunityID: p.OpportunityID, Side: p.Side, Holder: p.Holder}, undo)
	if burned != p.Tokens {
		return fmt.Errorf("claim balance moved: planned %d, burned %d", p.Tokens, burned)
	}

	prev := *opp
	opp.burnTokens(p.Side, burned)
	undo.Record(func() { *opp = prev })

	key := ClaimKey{OpportunityID: p.OpportunityID, Holder: p.Holder}
	_, had := s.claimed[key]
	s.claimed[key] = struct{}{}
	if !had {
		undo.Record(func() { delete(s.claimed, key) })
	}
	return nil
}

// Claim is Plan followed by Apply.
func (s *SettlementEngine) Claim(opportunityID uint64, holder common.Address, undo *UndoLog) (*Payout, error) {
	p, err := s.Plan(opportunityID, holder)
	if err != nil {
		return nil, err
	}
	if err := s.Apply(p, undo); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *SettlementEngine) HasClaimed(opportunityID uint64, holder common.Address) bool {
	_, ok := s.claimed[ClaimKey{OpportunityID: opportunityID, Holder: holder}]
	return ok
}

// Claims returns recorded claims in deterministic order.
func (s *SettlementEngine) Claims() []ClaimKey {
	out := make([]ClaimKey, 0, len(s.claimed))
	for k := range s.claimed {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpportunityID != out[j].OpportunityID {
			return out[i].OpportunityID < out[j].OpportunityID
		}
		return bytes.Compare(out[i].Holder[:], out[j].Holder[:]) < 0
	})
	return out
}

func (s *SettlementEngine) Restore(claims []ClaimKey) {
	s.claimed = make(map[ClaimKey]struct{}, len(claims))
	for _, k := range claims {
		s.claimed[k] = struct{}{}
	}
}
