package ledger

import (
	"fmt"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// RevertBatch undoes a previously applied batch.
func (bt *BalanceTracker) RevertBatch(batch *Batch) {
	for i := len(batch.Journals) - 1; i >= 0; i-- {
		j := batch.Journals[i]
		bt.balances[j.DebitAccount] -= j.Amount
		bt.balances[j.CreditAccount] += j.Amount
	}
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// FeeBalance returns the protocol fee account balance for an asset.
func (bt *BalanceTracker) FeeBalance(assetID AssetID) int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeFees, assetID))
}

// OwnerDebt returns the outstanding borrowed amount of an owner (the debt
// account carries a credit balance).
func (bt *BalanceTracker) OwnerDebt(key AccountKey) int64 {
	return -bt.GetBalance(key)
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// AccountBalance is one entry of an exported balance set.
type AccountBalance struct {
	Key     AccountKey
	Balance int64
}

// Balances returns every account in AccountPath order (snapshots, projections).
func (bt *BalanceTracker) Balances() []AccountBalance {
	out := make([]AccountBalance, 0, len(bt.balances))
	for k, v := range bt.balances {
		out = append(out, AccountBalance{Key: k, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Key.AccountPath(), out[j].Key.AccountPath()
		if pi != pj {
			return pi < pj
		}
		return out[i].Key.AssetID < out[j].Key.AssetID
	})
	return out
}

// Restore replaces every balance (snapshot recovery).
func (bt *BalanceTracker) Restore(balances []AccountBalance) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for _, b := range balances {
		bt.balances[b.Key] = b.Balance
	}
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
