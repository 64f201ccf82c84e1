package core

import (
	"fmt"

	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Views read committed state only. They must run on the core goroutine
// (see Dispatcher.View) and never mutate anything.

// OpportunityView is getOpportunity's answer, with live quotes.
type OpportunityView struct {
	ID               uint64         `json:"id"`
	Name             string         `json:"name"`
	MetadataRef      string         `json:"metadata_ref"`
	Creator          common.Address `json:"creator"`
	LiquidityYes     int64          `json:"liquidity_yes"`
	LiquidityNo      int64          `json:"liquidity_no"`
	TotalYesTokens   int64          `json:"total_yes_tokens"`
	TotalNoTokens    int64          `json:"total_no_tokens"`
	PriceYes         int64          `json:"price_yes"`
	PriceNo          int64          `json:"price_no"`
	Resolved         bool           `json:"resolved"`
	Outcome          bool           `json:"outcome"`
	SettlementPool   int64          `json:"settlement_pool,omitempty"`
	SettlementSupply int64          `json:"settlement_supply,omitempty"`
}

type PositionView struct {
	Level            int    `json:"level"`
	OpportunityID    uint64 `json:"opportunity_id"`
	Side             string `json:"side"`
	CollateralAtOpen int64  `json:"collateral_at_open"`
	BorrowedAmount   int64  `json:"borrowed_amount"`
	TokenAmount      int64  `json:"token_amount"`
	State            string `json:"state"`
	Active           bool   `json:"active"`
	CurrentValue     int64  `json:"current_value"`
}

type ChainView struct {
	ID         uint64         `json:"id"`
	Owner      common.Address `json:"owner"`
	TotalDebt  int64          `json:"total_debt"`
	Liquidated bool           `json:"liquidated"`
	Positions  []PositionView `json:"positions"`
}

// Quote is a point-in-time price of both sides of one opportunity.
type Quote struct {
	OpportunityID uint64 `json:"opportunity_id"`
	PriceYes      int64  `json:"price_yes"`
	PriceNo       int64  `json:"price_no"`
	LiquidityYes  int64  `json:"liquidity_yes"`
	LiquidityNo   int64  `json:"liquidity_no"`
	Resolved      bool   `json:"resolved"`
	Sequence      int64  `json:"sequence"`
}

func newOpportunityView(opp *state.Opportunity) *OpportunityView {
	return &OpportunityView{
		ID:               opp.ID,
		Name:             opp.Name,
		MetadataRef:      opp.MetadataRef,
		Creator:          opp.Creator,
		LiquidityYes:     opp.LiquidityYes,
		LiquidityNo:      opp.LiquidityNo,
		TotalYesTokens:   opp.TotalYesTokens,
		TotalNoTokens:    opp.TotalNoTokens,
		PriceYes:         opp.PriceYes(),
		PriceNo:          opp.PriceNo(),
		Resolved:         opp.Resolved,
		Outcome:          opp.Outcome,
		SettlementPool:   opp.SettlementPool,
		SettlementSupply: opp.SettlementSupply,
	}
}

func (c *DeterministicCore) GetOpportunity(id uint64) (*OpportunityView, error) {
	opp, err := c.st.Registry.Get(id)
	if err != nil {
		return nil, err
	}
	return newOpportunityView(opp), nil
}

// ListOpportunities returns every opportunity ordered by id.
func (c *DeterministicCore) ListOpportunities() []*OpportunityView {
	all := c.st.Registry.All()
	out := make([]*OpportunityView, 0, len(all))
	for _, opp := range all {
		out = append(out, newOpportunityView(opp))
	}
	return out
}

func (c *DeterministicCore) chainView(chain *state.PositionChain) (*ChainView, error) {
	view := &ChainView{
		ID:         chain.ID,
		Owner:      chain.Owner,
		TotalDebt:  chain.TotalDebt,
		Liquidated: chain.Liquidated,
		Positions:  make([]PositionView, 0, len(chain.Positions)),
	}
	for i := range chain.Positions {
		p := &chain.Positions[i]
		value, err := c.st.Chains.ValueOf(p)
		if err != nil {
			return nil, err
		}
		view.Positions = append(view.Positions, PositionView{
			Level:            p.Level,
			OpportunityID:    p.OpportunityID,
			Side:             p.Side.String(),
			CollateralAtOpen: p.CollateralAtOpen,
			BorrowedAmount:   p.BorrowedAmount,
			TokenAmount:      p.TokenAmount,
			State:            p.State.String(),
			Active:           p.Active(),
			CurrentValue:     value,
		})
	}
	return view, nil
}

func (c *DeterministicCore) GetPositionChain(chainID uint64) (*ChainView, error) {
	chain, err := c.st.Chains.Get(chainID)
	if err != nil {
		return nil, err
	}
	return c.chainView(chain)
}

// GetUserChains returns the owner's chains in creation order; empty for
// an owner with none.
func (c *DeterministicCore) GetUserChains(owner common.Address) ([]*ChainView, error) {
	chains := c.st.Chains.UserChains(owner)
	out := make([]*ChainView, 0, len(chains))
	for _, chain := range chains {
		view, err := c.chainView(chain)
		if err != nil {
			return nil, err
		}
		out = append(out, view)
	}
	return out, nil
}

func (c *DeterministicCore) GetUserTokens(opportunityID uint64, side event.Side, holder common.Address) (int64, error) {
	if _, err := c.st.Registry.Get(opportunityID); err != nil {
		return 0, err
	}
	if !side.Valid() {
		return 0, fmt.Errorf("%w: %d", state.ErrInvalidSide, side)
	}
	return c.st.Registry.Tokens.Balance(opportunityID, side, holder), nil
}

func (c *DeterministicCore) GetCurrentPositionValue(chainID uint64, level int) (int64, error) {
	return c.st.Chains.PositionValue(chainID, level)
}

// ProtocolFees returns the fee account balance of the named collateral asset.
func (c *DeterministicCore) ProtocolFees(asset string) (int64, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("unknown asset: %s", asset)
	}
	return c.balanceTracker.FeeBalance(assetID), nil
}

func (c *DeterministicCore) Quote(opportunityID uint64) (*Quote, error) {
	opp, err := c.st.Registry.Get(opportunityID)
	if err != nil {
		return nil, err
	}
	q := quoteOf(opp, c.sequence-1)
	return &q, nil
}

// quoteOf prices opp as of the command at seq.
func quoteOf(opp *state.Opportunity, seq int64) Quote {
	return Quote{
		OpportunityID: opp.ID,
		PriceYes:      opp.PriceYes(),
		PriceNo:       opp.PriceNo(),
		LiquidityYes:  opp.LiquidityYes,
		LiquidityNo:   opp.LiquidityNo,
		Resolved:      opp.Resolved,
		Sequence:      seq,
	}
}

// AccountBalances returns every ledger balance in account path order.
func (c *DeterministicCore) AccountBalances() []ledger.AccountBalance {
	return c.balanceTracker.Balances()
}
