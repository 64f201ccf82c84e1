package testutil

import (
	"context"
	"testing"

	"LeverLedger/internal/core"
	"LeverLedger/internal/event"
	"LeverLedger/internal/ledger"
	"LeverLedger/internal/state"
	"LeverLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	Vault   = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	Lender  = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	Creator = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	Alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	Bob     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	Carol   = common.HexToAddress("0x00000000000000000000000000000000000000c2")
)

// Core bundles a core with its in-memory token and output channels.
type Core struct {
	Core    *core.DeterministicCore
	Token   *token.Memory
	Persist chan core.CoreOutput
	Proj    chan core.CoreOutput
}

// NewCore creates a core starting at sequence 1 over a token where every
// test address holds and has approved 1e9 units. db may be nil.
func NewCore(t *testing.T, db core.DBIdempotencyChecker) *Core {
	t.Helper()
	mem := token.NewMemory(Vault)
	for _, who := range []common.Address{Lender, Creator, Alice, Bob, Carol} {
		mem.Mint(who, 1_000_000_000)
		mem.Approve(who, 1_000_000_000)
	}
	return NewCoreWithToken(t, mem, db)
}

// NewCoreWithToken is NewCore over an existing token, e.g. to restore a
// second core against the same balances.
func NewCoreWithToken(t *testing.T, mem *token.Memory, db core.DBIdempotencyChecker) *Core {
	t.Helper()
	usdc, ok := ledger.GetAssetID("USDC")
	if !ok {
		t.Fatal("USDC not registered")
	}
	persist := make(chan core.CoreOutput, 4096)
	proj := make(chan core.CoreOutput, 4096)
	c := core.NewDeterministicCore(core.Config{
		Params: state.DefaultProtocolParams(),
		Asset:  usdc,
		Lender: Lender,
	}, 1, mem, persist, proj, db, nil, zerolog.Nop())
	return &Core{Core: c, Token: mem, Persist: persist, Proj: proj}
}

// MustProcess applies cmd and fails the test on error.
func (tc *Core) MustProcess(t *testing.T, cmd event.Event) *core.Result {
	t.Helper()
	res, err := tc.Core.ProcessCommand(context.Background(), cmd)
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.EventType(), err)
	}
	return res
}

// Drain returns every output waiting on ch.
func Drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// RunScenario drives two opportunities through trading, a two-level chain,
// a liquidation attempt, resolution and a claim, returning the commands in
// order. Opportunity 1 resolves YES; chain 1 belongs to Bob.
func (tc *Core) RunScenario(t *testing.T) []event.Event {
	t.Helper()
	cmds := []event.Event{
		CreateOpportunity(Creator, 10_000),
		CreateOpportunity(Creator, 10_000),
		Buy(Alice, 1, event.SideYes, 2_000),
		OpenChain(Bob, 1, event.SideNo, 5_000),
		Extend(Bob, 1, 2, event.SideYes),
		Buy(Alice, 2, event.SideNo, 20_000),
		Liquidate(Carol, 1),
		Resolve(Creator, 1, true),
		Claim(Alice, 1),
	}
	for _, cmd := range cmds {
		tc.MustProcess(t, cmd)
	}
	return cmds
}

func CreateOpportunity(caller common.Address, liquidity int64) *event.CreateOpportunity {
	return &event.CreateOpportunity{
		RequestID:        uuid.New(),
		Caller:           caller,
		Name:             "will it rain",
		MetadataRef:      "ipfs://meta",
		InitialLiquidity: liquidity,
		Timestamp:        Timestamp(),
	}
}

func Buy(caller common.Address, opp uint64, side event.Side, amount int64) *event.BuyTokens {
	return &event.BuyTokens{RequestID: uuid.New(), Caller: caller, OpportunityID: opp, Side: side, Amount: amount, Timestamp: Timestamp()}
}

func OpenChain(caller common.Address, opp uint64, side event.Side, amount int64) *event.CreatePositionChain {
	return &event.CreatePositionChain{RequestID: uuid.New(), Caller: caller, OpportunityID: opp, Side: side, Amount: amount, Timestamp: Timestamp()}
}

func Extend(caller common.Address, chain, opp uint64, side event.Side) *event.ExtendChain {
	return &event.ExtendChain{RequestID: uuid.New(), Caller: caller, ChainID: chain, OpportunityID: opp, Side: side, Timestamp: Timestamp()}
}

func Liquidate(caller common.Address, chain uint64) *event.LiquidateChain {
	return &event.LiquidateChain{RequestID: uuid.New(), Caller: caller, ChainID: chain, Timestamp: Timestamp()}
}

func Resolve(caller common.Address, opp uint64, outcome bool) *event.ResolveOpportunity {
	return &event.ResolveOpportunity{RequestID: uuid.New(), Caller: caller, OpportunityID: opp, Outcome: outcome, Timestamp: Timestamp()}
}

func Claim(caller common.Address, opp uint64) *event.ClaimWinnings {
	return &event.ClaimWinnings{RequestID: uuid.New(), Caller: caller, OpportunityID: opp, Timestamp: Timestamp()}
}
