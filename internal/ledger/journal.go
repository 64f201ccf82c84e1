package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeLiquiditySeed JournalType = iota
	JournalTypeTradeCollateral
	JournalTypeTradeFee
	JournalTypeBorrow
	JournalTypeDebtWriteOff
	JournalTypeLiquidationIncentive
	JournalTypeSettlementLock
	JournalTypeSettlementPayout
	JournalTypeSettlementFee
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeLiquiditySeed:
		return "liquidity_seed"
	case JournalTypeTradeCollateral:
		return "trade_collateral"
	case JournalTypeTradeFee:
		return "trade_fee"
	case JournalTypeBorrow:
		return "borrow"
	case JournalTypeDebtWriteOff:
		return "debt_write_off"
	case JournalTypeLiquidationIncentive:
		return "liquidation_incentive"
	case JournalTypeSettlementLock:
		return "settlement_lock"
	case JournalTypeSettlementPayout:
		return "settlement_payout"
	case JournalTypeSettlementFee:
		return "settlement_fee"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Derived from BatchID and leg index
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global command sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Versioned input timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Empty reports whether the command produced no balance movement.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Journals) == 0
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from the credit account to the debit
// account, so every entry (and therefore every batch) is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// AffectedAccounts returns every account touched by the batch, first-seen order.
func (b *Batch) AffectedAccounts() []AccountKey {
	if b == nil {
		return nil
	}
	seen := make(map[AccountKey]struct{}, len(b.Journals)*2)
	out := make([]AccountKey, 0, len(b.Journals)*2)
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
