// Package token moves collateral between users and the ledger vault.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTransferFailed        = errors.New("collateral transfer failed")
	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrTransferUnknown means the transfer may have happened: it left this
	// process but no result was observed. Callers must not undo their side.
	ErrTransferUnknown = errors.New("collateral transfer outcome unknown")
)

// UnknownOutcomeError carries the hash of a broadcast transaction whose
// receipt was never observed. It matches ErrTransferUnknown.
type UnknownOutcomeError struct {
	TxHash string
	Err    error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("%v: tx %s: %v", ErrTransferUnknown, e.TxHash, e.Err)
}

func (e *UnknownOutcomeError) Is(target error) bool { return target == ErrTransferUnknown }

func (e *UnknownOutcomeError) Unwrap() error { return e.Err }

// Collateral is the fungible token the ledger settles in. The vault is the
// ledger's own address.
type Collateral interface {
	// TransferFrom pulls amount from `from` into the vault, spending the
	// allowance `from` granted the vault.
	TransferFrom(ctx context.Context, from common.Address, amount int64) error

	// Transfer pays amount out of the vault to `to`.
	Transfer(ctx context.Context, to common.Address, amount int64) error
}
