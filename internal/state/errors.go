package state

import "errors"

// Domain rejections. Each one fails the whole command with no effect.
var (
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidSide            = errors.New("invalid side")
	ErrOpportunityNotFound    = errors.New("opportunity not found")
	ErrMarketResolved         = errors.New("market resolved")
	ErrAlreadyResolved        = errors.New("already resolved")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrChainNotFound          = errors.New("chain not found")
	ErrPositionNotFound       = errors.New("position not found")
	ErrChainLiquidated        = errors.New("chain liquidated")
	ErrPositionInactive       = errors.New("position inactive")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrNothingToClaim         = errors.New("nothing to claim")
	ErrDoubleClaim            = errors.New("double claim")
)

// ErrNotResolved rejects claims against an opportunity still trading.
var ErrNotResolved = errors.New("opportunity not resolved")
