package state

import "fmt"

// ProtocolParams are the numeric constants of the ledger.
// Fractions use FractionConfig precision (scale=1_000_000), fees use bps.
// MaintenanceRatio defaults below 1.0: a fresh level's tokens are worth
// price/100 of what was borrowed, so a ratio of 1.0 would liquidate it at once.
type ProtocolParams struct {
	MaxLTV                  int64 // Borrowable fraction of the previous level's live value
	MaintenanceRatio        int64 // Level is liquidatable when value/borrowed < ratio
	TradeFeeBps             int64 // Charged on top of buy and chain-open amounts
	SettlementFeeBps        int64 // Deducted from gross claim payouts
	LiquidationIncentiveBps int64 // Of debt cleared, capped by the fee balance
	MinInitialLiquidity     int64
}

// DefaultProtocolParams (MVP)
func DefaultProtocolParams() ProtocolParams {
	return ProtocolParams{
		MaxLTV:                  700_000, // 70%
		MaintenanceRatio:        500_000, // 50%
		TradeFeeBps:             30,      // 0.30%
		SettlementFeeBps:        200,     // 2%
		LiquidationIncentiveBps: 500,     // 5%
		MinInitialLiquidity:     2,
	}
}

// ValidateProtocolParams checks that parameters are within valid ranges:
// 0 < max_ltv < 1_000_000, maintenance_ratio > 0, fees in [0, 10_000],
// min_initial_liquidity >= 2 so both seed sides are non-zero.
func ValidateProtocolParams(p ProtocolParams) error {
	if p.MaxLTV <= 0 || p.MaxLTV >= 1_000_000 {
		return fmt.Errorf("max_ltv must be in (0, 1_000_000), got %d", p.MaxLTV)
	}
	if p.MaintenanceRatio <= 0 {
		return fmt.Errorf("maintenance_ratio must be > 0, got %d", p.MaintenanceRatio)
	}
	if p.TradeFeeBps < 0 || p.TradeFeeBps > 10_000 {
		return fmt.Errorf("trade_fee_bps must be in [0, 10_000], got %d", p.TradeFeeBps)
	}
	if p.SettlementFeeBps < 0 || p.SettlementFeeBps > 10_000 {
		return fmt.Errorf("settlement_fee_bps must be in [0, 10_000], got %d", p.SettlementFeeBps)
	}
	if p.LiquidationIncentiveBps < 0 || p.LiquidationIncentiveBps > 10_000 {
		return fmt.Errorf("liquidation_incentive_bps must be in [0, 10_000], got %d", p.LiquidationIncentiveBps)
	}
	if p.MinInitialLiquidity < 2 {
		return fmt.Errorf("min_initial_liquidity must be >= 2, got %d", p.MinInitialLiquidity)
	}
	return nil
}
