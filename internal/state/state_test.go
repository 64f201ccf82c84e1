package state_test

import (
	"testing"

	"LeverLedger/internal/event"
	fpmath "LeverLedger/internal/math"
	"LeverLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	carol   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

func newState(t *testing.T) *state.State {
	t.Helper()
	return state.New(state.DefaultProtocolParams())
}

func mustCreate(t *testing.T, s *state.State, liquidity int64) *state.Opportunity {
	t.Helper()
	opp, err := s.Registry.Create(creator, "will it rain", "ipfs://meta", liquidity, s.Params.MinInitialLiquidity, nil)
	require.NoError(t, err)
	return opp
}

func mustTrade(t *testing.T, s *state.State, id uint64, side event.Side, holder common.Address, amount int64) {
	t.Helper()
	_, err := s.Registry.Trade(id, side, holder, amount, nil)
	require.NoError(t, err)
}

// ============================================================================
// PricingPool / OpportunityRegistry
// ============================================================================

func TestCreate_SeedSplitsEvenly(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	assert.Equal(t, uint64(1), opp.ID)
	assert.Equal(t, int64(5_000), opp.LiquidityYes)
	assert.Equal(t, int64(5_000), opp.LiquidityNo)
	assert.Equal(t, int64(50_000_000), s.Registry.Pool.Quote(opp, event.SideYes))
	assert.Equal(t, int64(50_000_000), s.Registry.Pool.Quote(opp, event.SideNo))

	second := mustCreate(t, s, 7)
	assert.Equal(t, uint64(2), second.ID)
	assert.Equal(t, int64(3), second.LiquidityYes)
	assert.Equal(t, int64(4), second.LiquidityNo)
	require.NoError(t, s.CheckAll())
}

func TestCreate_RejectsTooSmallLiquidity(t *testing.T) {
	s := newState(t)
	for _, l := range []int64{0, -5, 1} {
		_, err := s.Registry.Create(creator, "x", "", l, s.Params.MinInitialLiquidity, nil)
		assert.ErrorIs(t, err, state.ErrInvalidAmount, "liquidity %d", l)
	}
	assert.Equal(t, uint64(1), s.Registry.NextID())
}

func TestTrade_MovesPricesAndMints(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	mustTrade(t, s, opp.ID, event.SideYes, alice, 2_000)

	assert.Greater(t, opp.PriceYes(), int64(50_000_000))
	assert.Less(t, opp.PriceNo(), int64(50_000_000))
	assert.Equal(t, int64(fpmath.FullPrice), opp.PriceYes()+opp.PriceNo())
	assert.Equal(t, int64(2_000), opp.TotalYesTokens)
	assert.Equal(t, int64(2_000), s.Registry.Tokens.Balance(opp.ID, event.SideYes, alice))
	assert.Equal(t, int64(0), s.Registry.Tokens.Balance(opp.ID, event.SideNo, alice))
	require.NoError(t, s.CheckAll())
}

func TestTrade_StrictlyMonotonic(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	side := event.SideNo
	for i := 0; i < 20; i++ {
		beforeOwn := s.Registry.Pool.Quote(opp, side)
		beforeOther := s.Registry.Pool.Quote(opp, side.Opposite())
		mustTrade(t, s, opp.ID, side, bob, 500)
		assert.Greater(t, s.Registry.Pool.Quote(opp, side), beforeOwn)
		assert.Less(t, s.Registry.Pool.Quote(opp, side.Opposite()), beforeOther)
		side = side.Opposite()
	}
	require.NoError(t, s.CheckAll())
}

func TestTrade_Rejections(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	_, err := s.Registry.Trade(opp.ID, event.SideYes, alice, 0, nil)
	assert.ErrorIs(t, err, state.ErrInvalidAmount)

	_, err = s.Registry.Trade(opp.ID, event.SideUnknown, alice, 10, nil)
	assert.ErrorIs(t, err, state.ErrInvalidSide)

	_, err = s.Registry.Trade(99, event.SideYes, alice, 10, nil)
	assert.ErrorIs(t, err, state.ErrOpportunityNotFound)

	_, err = s.Registry.Resolve(opp.ID, true, creator, nil)
	require.NoError(t, err)

	_, err = s.Registry.Trade(opp.ID, event.SideYes, alice, 10, nil)
	assert.ErrorIs(t, err, state.ErrMarketResolved)
}

func TestTrade_LiquidityBound(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	const lot = int64(1) << 59
	side := event.SideYes
	accepted := 0
	for i := 0; i < 16; i++ {
		before := *opp
		_, err := s.Registry.Trade(opp.ID, side, bob, lot, nil)
		if err != nil {
			assert.ErrorIs(t, err, state.ErrInvalidAmount)
			assert.Equal(t, before, *opp, "rejected trade leaves the pool unchanged")
		} else {
			accepted++
		}
		assert.LessOrEqual(t, opp.TotalLiquidity(), state.MaxLiquidity)
		assert.Greater(t, opp.PriceYes(), int64(0))
		assert.Less(t, opp.PriceYes(), int64(fpmath.FullPrice))
		side = side.Opposite()
	}
	// 10_000 + 7 lots fits under MaxLiquidity, an eighth does not.
	assert.Equal(t, 7, accepted)
	require.NoError(t, s.CheckAll())

	_, err := s.Registry.CheckTrade(opp.ID, event.SideNo, state.MaxLiquidity)
	assert.ErrorIs(t, err, state.ErrInvalidAmount)

	_, err = s.Registry.Create(creator, "huge", "", state.MaxLiquidity+1, s.Params.MinInitialLiquidity, nil)
	assert.ErrorIs(t, err, state.ErrInvalidAmount)
}

func TestResolve_CreatorOnlyAndOneWay(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	_, err := s.Registry.Resolve(opp.ID, true, alice, nil)
	assert.ErrorIs(t, err, state.ErrUnauthorized)
	assert.False(t, opp.Resolved)

	_, err = s.Registry.Resolve(opp.ID, false, creator, nil)
	require.NoError(t, err)
	assert.True(t, opp.Resolved)
	assert.False(t, opp.Outcome)

	_, err = s.Registry.Resolve(opp.ID, true, creator, nil)
	assert.ErrorIs(t, err, state.ErrAlreadyResolved)
	assert.False(t, opp.Outcome)
}

// ============================================================================
// PositionChainLedger
// ============================================================================

// Scenario: seed 10000, buy 2000 YES, chain 5000 NO, extend into a second
// opportunity.
func TestChain_OpenAndExtendScenario(t *testing.T) {
	s := newState(t)
	opp1 := mustCreate(t, s, 10_000)
	opp2 := mustCreate(t, s, 10_000)
	mustTrade(t, s, opp1.ID, event.SideYes, alice, 2_000)

	chain, err := s.Chains.Open(bob, opp1.ID, event.SideNo, 5_000, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), chain.ID)
	require.Len(t, chain.Positions, 1)
	assert.Equal(t, int64(0), chain.Positions[0].BorrowedAmount)
	assert.Equal(t, int64(5_000), chain.Positions[0].CollateralAtOpen)

	value, err := s.Chains.PositionValue(chain.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2_941), value) // 5000 * 10000 / 17000

	pos, err := s.Chains.Extend(chain.ID, bob, opp2.ID, event.SideYes, s.Params.MaxLTV, nil)
	require.NoError(t, err)

	expectedBorrow := value * 700_000 / 1_000_000
	assert.Equal(t, int64(2_058), expectedBorrow)
	assert.Equal(t, 1, pos.Level)
	assert.Equal(t, expectedBorrow, pos.BorrowedAmount)
	assert.Equal(t, expectedBorrow, pos.CollateralAtOpen)
	assert.Equal(t, expectedBorrow, chain.TotalDebt)
	assert.Equal(t, expectedBorrow, s.Registry.Tokens.Balance(opp2.ID, event.SideYes, bob))
	require.NoError(t, s.CheckAll())
}

func TestChain_LoopIntoSameOpportunity(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	chain, err := s.Chains.Open(bob, opp.ID, event.SideYes, 4_000, nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Chains.Extend(chain.ID, bob, opp.ID, event.SideYes, s.Params.MaxLTV, nil)
		require.NoError(t, err)
	}
	assert.Len(t, chain.Positions, 4)

	var debt int64
	for _, p := range chain.Positions[1:] {
		debt += p.BorrowedAmount
	}
	assert.Equal(t, debt, chain.TotalDebt)
	require.NoError(t, s.CheckAll())
}

func TestChain_BorrowTracksLiveValuation(t *testing.T) {
	build := func(crash bool) int64 {
		s := newState(t)
		opp1 := mustCreate(t, s, 10_000)
		opp2 := mustCreate(t, s, 10_000)
		chain, err := s.Chains.Open(bob, opp1.ID, event.SideYes, 3_000, nil)
		require.NoError(t, err)
		if crash {
			mustTrade(t, s, opp1.ID, event.SideNo, alice, 6_000)
		}
		pos, err := s.Chains.Extend(chain.ID, bob, opp2.ID, event.SideNo, s.Params.MaxLTV, nil)
		require.NoError(t, err)
		return pos.BorrowedAmount
	}

	assert.Less(t, build(true), build(false))
}

func TestChain_ExtendRejections(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)

	_, err := s.Chains.Extend(42, bob, opp.ID, event.SideYes, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrChainNotFound)

	chain, err := s.Chains.Open(bob, opp.ID, event.SideYes, 1, nil)
	require.NoError(t, err)

	_, err = s.Chains.Extend(chain.ID, alice, opp.ID, event.SideYes, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrUnauthorized)

	// 1 token is worth 0 at a ~50% price.
	_, err = s.Chains.Extend(chain.ID, bob, opp.ID, event.SideYes, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrInsufficientCollateral)

	_, err = s.Chains.Extend(chain.ID, bob, 77, event.SideYes, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrOpportunityNotFound)

	_, err = s.Chains.Open(bob, opp.ID, event.SideYes, 0, nil)
	assert.ErrorIs(t, err, state.ErrInvalidAmount)
	assert.Len(t, s.Chains.UserChains(bob), 1)
}

func TestChain_UserChainsInCreationOrder(t *testing.T) {
	s := newState(t)
	opp := mustCreate(t, s, 10_000)
	for i := 0; i < 3; i++ {
		_, err := s.Chains.Open(bob, opp.ID, event.SideNo, 100, nil)
		require.NoError(t, err)
	}
	_, err := s.Chains.Open(alice, opp.ID, event.SideNo, 100, nil)
	require.NoError(t, err)

	chains := s.Chains.UserChains(bob)
	require.Len(t, chains, 3)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{chains[0].ID, chains[1].ID, chains[2].ID})
	assert.Empty(t, s.Chains.UserChains(carol))
}

// ============================================================================
// LiquidationEngine
// ============================================================================

// threeLevelChain: level0 5000 NO on opp1 (after 2000 YES), level1 on opp2 YES,
// level2 on opp3 YES.
func threeLevelChain(t *testing.T) (*state.State, *state.PositionChain) {
	t.Helper()
	s := newState(t)
	opp1 := mustCreate(t, s, 10_000)
	opp2 := mustCreate(t, s, 10_000)
	opp3 := mustCreate(t, s, 10_000)
	mustTrade(t, s, opp1.ID, event.SideYes, alice, 2_000)

	chain, err := s.Chains.Open(bob, opp1.ID, event.SideNo, 5_000, nil)
	require.NoError(t, err)
	_, err = s.Chains.Extend(chain.ID, bob, opp2.ID, event.SideYes, s.Params.MaxLTV, nil)
	require.NoError(t, err)
	_, err = s.Chains.Extend(chain.ID, bob, opp3.ID, event.SideYes, s.Params.MaxLTV, nil)
	require.NoError(t, err)

	require.Equal(t, int64(2_058), chain.Positions[1].BorrowedAmount)
	require.Equal(t, int64(842), chain.Positions[2].BorrowedAmount)
	return s, chain
}

func TestLiquidate_HealthyChainIsNoOp(t *testing.T) {
	s, chain := threeLevelChain(t)
	before := chain.CanonicalBytes()

	outcome, err := s.Liquidations.Liquidate(chain.ID, nil)
	require.NoError(t, err)
	assert.False(t, outcome.Changed())
	assert.Equal(t, before, chain.CanonicalBytes())
}

func TestLiquidate_PartialCascade(t *testing.T) {
	s, chain := threeLevelChain(t)
	mustTrade(t, s, 3, event.SideNo, alice, 20_000)

	outcome, err := s.Liquidations.Liquidate(chain.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, outcome.LiquidatedLevels)
	assert.Equal(t, int64(842), outcome.DebtCleared)
	assert.Equal(t, int64(159), outcome.TriggerValue)
	assert.False(t, outcome.ChainLiquidated)

	assert.False(t, chain.Liquidated)
	assert.True(t, chain.Positions[1].Active())
	assert.False(t, chain.Positions[2].Active())
	assert.Equal(t, int64(2_058), chain.TotalDebt)
	require.NoError(t, s.CheckAll())

	// Second call with no intervening trades changes nothing.
	snapshot := chain.CanonicalBytes()
	again, err := s.Liquidations.Liquidate(chain.ID, nil)
	require.NoError(t, err)
	assert.False(t, again.Changed())
	assert.Equal(t, snapshot, chain.CanonicalBytes())

	// The liquidated tail blocks further extension.
	_, err = s.Chains.Extend(chain.ID, bob, 1, event.SideNo, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrPositionInactive)
}

func TestLiquidate_CascadeFromLevelOne(t *testing.T) {
	s, chain := threeLevelChain(t)
	mustTrade(t, s, 2, event.SideNo, alice, 20_000)

	outcome, err := s.Liquidations.Liquidate(chain.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, outcome.LiquidatedLevels)
	assert.Equal(t, int64(2_058+842), outcome.DebtCleared)
	assert.True(t, outcome.ChainLiquidated)

	assert.True(t, chain.Liquidated)
	assert.True(t, chain.Positions[0].Active())
	assert.Equal(t, int64(0), chain.TotalDebt)
	// Liquidation never moves token balances.
	assert.Equal(t, int64(842), s.Registry.Tokens.Balance(3, event.SideYes, bob))
	require.NoError(t, s.CheckAll())

	_, err = s.Liquidations.Liquidate(chain.ID, nil)
	assert.ErrorIs(t, err, state.ErrChainLiquidated)

	_, err = s.Chains.Extend(chain.ID, bob, 1, event.SideNo, s.Params.MaxLTV, nil)
	assert.ErrorIs(t, err, state.ErrChainLiquidated)
}

func TestLiquidate_UnknownChain(t *testing.T) {
	s := newState(t)
	_, err := s.Liquidations.Liquidate(5, nil)
	assert.ErrorIs(t, err, state.ErrChainNotFound)
}

func TestPositionState_Transitions(t *testing.T) {
	assert.True(t, state.PositionStateOpen.CanTransitionTo(state.PositionStateLiquidated))
	assert.False(t, state.PositionStateLiquidated.CanTransitionTo(state.PositionStateOpen))
	assert.False(t, state.PositionStateLiquidated.CanTransitionTo(state.PositionStateLiquidated))
}

// ============================================================================
// SettlementEngine
// ============================================================================

func resolvedMarket(t *testing.T) (*state.State, *state.Opportunity) {
	t.Helper()
	s := newState(t)
	opp := mustCreate(t, s, 10_000)
	mustTrade(t, s, opp.ID, event.SideYes, alice, 2_000)
	mustTrade(t, s, opp.ID, event.SideYes, carol, 1_000)
	mustTrade(t, s, opp.ID, event.SideNo, bob, 500)
	_, err := s.Registry.Resolve(opp.ID, true, creator, nil)
	require.NoError(t, err)
	return s, opp
}

func TestClaim_PaysProRataMinusFee(t *testing.T) {
	s, opp := resolvedMarket(t)
	assert.Equal(t, int64(13_500), opp.SettlementPool)
	assert.Equal(t, int64(3_000), opp.SettlementSupply)

	p, err := s.Settlement.Claim(opp.ID, alice, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(9_000), p.Gross) // 2000 * 13500 / 3000
	assert.Equal(t, int64(180), p.Fee)
	assert.Equal(t, int64(8_820), p.Net)
	assert.Equal(t, int64(0), s.Registry.Tokens.Balance(opp.ID, event.SideYes, alice))
	assert.Equal(t, int64(1_000), opp.TotalYesTokens)

	// Order of claims does not change the rate.
	p, err = s.Settlement.Claim(opp.ID, carol, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4_500), p.Gross)
	require.NoError(t, s.CheckAll())
}

func TestClaim_Rejections(t *testing.T) {
	s, opp := resolvedMarket(t)

	_, err := s.Settlement.Claim(opp.ID, bob, nil)
	assert.ErrorIs(t, err, state.ErrNothingToClaim)
	assert.Equal(t, int64(500), s.Registry.Tokens.Balance(opp.ID, event.SideNo, bob))

	_, err = s.Settlement.Claim(opp.ID, alice, nil)
	require.NoError(t, err)
	_, err = s.Settlement.Claim(opp.ID, alice, nil)
	assert.ErrorIs(t, err, state.ErrDoubleClaim)

	_, err = s.Settlement.Claim(404, alice, nil)
	assert.ErrorIs(t, err, state.ErrOpportunityNotFound)

	open := mustCreate(t, s, 100)
	_, err = s.Settlement.Claim(open.ID, alice, nil)
	assert.ErrorIs(t, err, state.ErrNotResolved)
}

// ============================================================================
// Fees, params, undo
// ============================================================================

func TestFeeAccount(t *testing.T) {
	f := state.NewFeeAccount(state.DefaultProtocolParams())
	assert.Equal(t, int64(6), f.TradeFee(2_000))
	assert.Equal(t, int64(0), f.TradeFee(10))
	assert.Equal(t, int64(200), f.SettlementFee(10_000))

	paid, short := f.LiquidationIncentive(2_000, 1_000)
	assert.Equal(t, int64(100), paid)
	assert.Equal(t, int64(0), short)

	paid, short = f.LiquidationIncentive(2_000, 30)
	assert.Equal(t, int64(30), paid)
	assert.Equal(t, int64(70), short)

	paid, _ = f.LiquidationIncentive(2_000, 0)
	assert.Equal(t, int64(0), paid)
}

func TestValidateProtocolParams(t *testing.T) {
	require.NoError(t, state.ValidateProtocolParams(state.DefaultProtocolParams()))

	cases := map[string]func(p *state.ProtocolParams){
		"ltv zero":       func(p *state.ProtocolParams) { p.MaxLTV = 0 },
		"ltv one":        func(p *state.ProtocolParams) { p.MaxLTV = 1_000_000 },
		"maintenance":    func(p *state.ProtocolParams) { p.MaintenanceRatio = 0 },
		"trade fee":      func(p *state.ProtocolParams) { p.TradeFeeBps = 10_001 },
		"settlement fee": func(p *state.ProtocolParams) { p.SettlementFeeBps = -1 },
		"incentive":      func(p *state.ProtocolParams) { p.LiquidationIncentiveBps = 20_000 },
		"min liquidity":  func(p *state.ProtocolParams) { p.MinInitialLiquidity = 1 },
	}
	for name, mutate := range cases {
		p := state.DefaultProtocolParams()
		mutate(&p)
		assert.Error(t, state.ValidateProtocolParams(p), name)
	}
}

func TestUndoLog_RestoresEveryEffect(t *testing.T) {
	s := newState(t)
	opp1 := mustCreate(t, s, 10_000)
	opp2 := mustCreate(t, s, 10_000)
	chain, err := s.Chains.Open(bob, opp1.ID, event.SideYes, 3_000, nil)
	require.NoError(t, err)

	opp1Before := opp1.CanonicalBytes()
	opp2Before := opp2.CanonicalBytes()
	chainBefore := chain.CanonicalBytes()
	balancesBefore := s.Registry.Tokens.Balances()

	undo := state.NewUndoLog()
	_, err = s.Registry.Create(creator, "tmp", "", 500, 2, undo)
	require.NoError(t, err)
	_, err = s.Chains.Open(alice, opp2.ID, event.SideNo, 700, undo)
	require.NoError(t, err)
	_, err = s.Chains.Extend(chain.ID, bob, opp1.ID, event.SideYes, s.Params.MaxLTV, undo)
	require.NoError(t, err)
	_, err = s.Registry.Resolve(opp2.ID, true, creator, undo)
	require.NoError(t, err)
	require.Greater(t, undo.Len(), 0)

	undo.Rollback()

	assert.Equal(t, 0, undo.Len())
	assert.Equal(t, opp1Before, opp1.CanonicalBytes())
	assert.Equal(t, opp2Before, opp2.CanonicalBytes())
	assert.Equal(t, chainBefore, chain.CanonicalBytes())
	assert.Equal(t, balancesBefore, s.Registry.Tokens.Balances())
	assert.Equal(t, uint64(3), s.Registry.NextID())
	assert.Equal(t, uint64(2), s.Chains.NextID())
	assert.Empty(t, s.Chains.UserChains(alice))
	require.NoError(t, s.CheckAll())
}
