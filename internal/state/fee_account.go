package state

import fpmath "LeverLedger/internal/math"

// FeeAccount holds the protocol fee rules. The balance itself is tracked by
// the ledger (system:fees account); this type only sizes flows against it.
type FeeAccount struct {
	params ProtocolParams
}

func NewFeeAccount(params ProtocolParams) *FeeAccount {
	return &FeeAccount{params: params}
}

// TradeFee is charged on top of a traded amount.
func (f *FeeAccount) TradeFee(amount int64) int64 {
	return fpmath.ApplyBps(amount, f.params.TradeFeeBps)
}

// SettlementFee is deducted from a gross claim payout.
func (f *FeeAccount) SettlementFee(gross int64) int64 {
	return fpmath.ApplyBps(gross, f.params.SettlementFeeBps)
}

// LiquidationIncentive returns the liquidator's reward for clearing debt,
// limited to what the fee balance can cover.
func (f *FeeAccount) LiquidationIncentive(debtCleared, feeBalance int64) (paid int64, shortfall int64) {
	return f.ComputeCoverage(feeBalance, fpmath.ApplyBps(debtCleared, f.params.LiquidationIncentiveBps))
}

// ComputeCoverage returns how much of amount the balance can cover.
// If the balance is insufficient, returns the partial amount and the remainder.
func (f *FeeAccount) ComputeCoverage(balance int64, amount int64) (covered int64, remaining int64) {
	if balance <= 0 {
		return 0, amount
	}
	if balance >= amount {
		return amount, 0
	}
	return balance, amount - balance
}
