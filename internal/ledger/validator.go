package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidatePools checks an unresolved opportunity's pool accounts mirror its
// liquidity, and a resolved one's pools are drained into settlement.
func (v *InvariantValidator) ValidatePools(opportunityID uint64, liquidityYes, liquidityNo int64, resolved bool, assetID AssetID) error {
	yes := v.tracker.GetBalance(NewOpportunityAccountKey(opportunityID, SubTypePoolYes, assetID))
	no := v.tracker.GetBalance(NewOpportunityAccountKey(opportunityID, SubTypePoolNo, assetID))

	if resolved {
		if yes != 0 || no != 0 {
			return fmt.Errorf("opportunity %d resolved with pool balances yes=%d no=%d", opportunityID, yes, no)
		}
		return v.tracker.ValidateNonNegative(NewOpportunityAccountKey(opportunityID, SubTypeSettlement, assetID))
	}

	if yes != liquidityYes || no != liquidityNo {
		return fmt.Errorf("opportunity %d pool accounts (%d, %d) != liquidity (%d, %d)",
			opportunityID, yes, no, liquidityYes, liquidityNo)
	}
	return nil
}

// ValidateOwnerDebt checks the owner's debt account equals the sum of their
// chains' outstanding debt.
func (v *InvariantValidator) ValidateOwnerDebt(owner common.Address, totalDebt int64, assetID AssetID) error {
	debt := v.tracker.OwnerDebt(NewUserAccountKey(owner, SubTypeDebt, assetID))
	if debt != totalDebt {
		return fmt.Errorf("owner %s debt account %d != chain debt %d", owner.Hex(), debt, totalDebt)
	}
	return nil
}

// ValidateFeesNonNegative checks the protocol fee account never goes negative.
func (v *InvariantValidator) ValidateFeesNonNegative(assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeFees, assetID))
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
