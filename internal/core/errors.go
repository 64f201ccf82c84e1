package core

import (
	"context"
	"errors"

	"LeverLedger/internal/state"
	"LeverLedger/internal/token"
)

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrReentrantCall    = errors.New("reentrant call")
	ErrCoreStopped      = errors.New("core stopped")
	ErrUnknownCommand   = errors.New("unknown command")
)

type callMarkerKey struct{}

// WithCallMarker tags ctx as originating inside a core call. The core hands
// such a context to the collateral token; anything that calls back with it
// is rejected before it reads state.
func WithCallMarker(ctx context.Context) context.Context {
	return context.WithValue(ctx, callMarkerKey{}, true)
}

// InCoreCall reports whether ctx was derived from a core call in progress.
func InCoreCall(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	marked, _ := ctx.Value(callMarkerKey{}).(bool)
	return marked
}

var rejectReasons = []struct {
	err    error
	reason string
}{
	{token.ErrTransferFailed, "transfer_failed"},
	{ErrDuplicateRequest, "duplicate"},
	{ErrReentrantCall, "reentrant"},
	{state.ErrInvalidAmount, "invalid_amount"},
	{state.ErrInvalidSide, "invalid_side"},
	{state.ErrOpportunityNotFound, "opportunity_not_found"},
	{state.ErrMarketResolved, "market_resolved"},
	{state.ErrAlreadyResolved, "already_resolved"},
	{state.ErrUnauthorized, "unauthorized"},
	{state.ErrChainNotFound, "chain_not_found"},
	{state.ErrPositionNotFound, "position_not_found"},
	{state.ErrChainLiquidated, "chain_liquidated"},
	{state.ErrPositionInactive, "position_inactive"},
	{state.ErrInsufficientCollateral, "insufficient_collateral"},
	{state.ErrNothingToClaim, "nothing_to_claim"},
	{state.ErrDoubleClaim, "double_claim"},
	{state.ErrNotResolved, "not_resolved"},
}

// RejectReason returns a stable label for err, used by metrics and logs.
func RejectReason(err error) string {
	for _, r := range rejectReasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "internal"
}
