package state

import (
	"bytes"
	"sort"

	"LeverLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// TokenKey identifies one holder's balance of one side of one opportunity.
type TokenKey struct {
	OpportunityID uint64
	Side          event.Side
	Holder        common.Address
}

// TokenBalance is the exported form used by snapshots and views.
type TokenBalance struct {
	OpportunityID uint64         `json:"opportunity_id"`
	Side          event.Side     `json:"side"`
	Holder        common.Address `json:"holder"`
	Amount        int64          `json:"amount"`
}

// TokenLedger tracks per-holder side-token balances. Zero balances are not stored.
type TokenLedger struct {
	balances map[TokenKey]int64
}

func NewTokenLedger() *TokenLedger {
	return &TokenLedger{balances: make(map[TokenKey]int64)}
}

func (tl *TokenLedger) Balance(opportunityID uint64, side event.Side, holder common.Address) int64 {
	return tl.balances[TokenKey{OpportunityID: opportunityID, Side: side, Holder: holder}]
}

func (tl *TokenLedger) mint(key TokenKey, amount int64, undo *UndoLog) {
	prev := tl.balances[key]
	tl.balances[key] = prev + amount
	undo.Record(func() { tl.set(key, prev) })
}

// burnAll zeroes the balance and returns what it held.
func (tl *TokenLedger) burnAll(key TokenKey, undo *UndoLog) int64 {
	prev := tl.balances[key]
	if prev == 0 {
		return 0
	}
	delete(tl.balances, key)
	undo.Record(func() { tl.set(key, prev) })
	return prev
}

func (tl *TokenLedger) set(key TokenKey, amount int64) {
	if amount == 0 {
		delete(tl.balances, key)
		return
	}
	tl.balances[key] = amount
}

// SumFor totals every holder's balance for one side of an opportunity.
func (tl *TokenLedger) SumFor(opportunityID uint64, side event.Side) int64 {
	var sum int64
	for k, v := range tl.balances {
		if k.OpportunityID == opportunityID && k.Side == side {
			sum += v
		}
	}
	return sum
}

// Balances returns all non-zero balances in deterministic order.
func (tl *TokenLedger) Balances() []TokenBalance {
	out := make([]TokenBalance, 0, len(tl.balances))
	for k, v := range tl.balances {
		out = append(out, TokenBalance{OpportunityID: k.OpportunityID, Side: k.Side, Holder: k.Holder, Amount: v})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OpportunityID != b.OpportunityID {
			return a.OpportunityID < b.OpportunityID
		}
		if a.Side != b.Side {
			return a.Side < b.Side
		}
		return bytes.Compare(a.Holder[:], b.Holder[:]) < 0
	})
	return out
}

// Restore replaces every balance (snapshot recovery).
func (tl *TokenLedger) Restore(balances []TokenBalance) {
	tl.balances = make(map[TokenKey]int64, len(balances))
	for _, b := range balances {
		tl.set(TokenKey{OpportunityID: b.OpportunityID, Side: b.Side, Holder: b.Holder}, b.Amount)
	}
}
