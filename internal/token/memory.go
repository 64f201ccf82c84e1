package token

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TransferRecord is one movement through a Memory token.
type TransferRecord struct {
	From   common.Address
	To     common.Address
	Amount int64
}

// Memory is an in-process balance/allowance token for single-node runs and tests.
type Memory struct {
	mu         sync.Mutex
	vault      common.Address
	balances   map[common.Address]int64
	allowances map[common.Address]int64 // owner -> allowance granted to the vault
	failNext   error
	lostNext   bool
	hook       func(ctx context.Context) error
	history    []TransferRecord
}

func NewMemory(vault common.Address) *Memory {
	return &Memory{
		vault:      vault,
		balances:   make(map[common.Address]int64),
		allowances: make(map[common.Address]int64),
	}
}

func (m *Memory) Vault() common.Address { return m.vault }

// Mint credits holder out of thin air.
func (m *Memory) Mint(holder common.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[holder] += amount
}

// Approve sets the allowance holder grants the vault.
func (m *Memory) Approve(holder common.Address, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[holder] = amount
}

func (m *Memory) BalanceOf(holder common.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[holder]
}

func (m *Memory) Allowance(holder common.Address) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[holder]
}

// FailNext makes the next transfer fail with err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// UnknownNext makes the next transfer move the funds and then report an
// unknown outcome, as a broadcast whose receipt never arrived.
func (m *Memory) UnknownNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostNext = true
}

// OnTransfer installs a callback run at the start of every transfer, before
// balances move. Tests use it to call back into the ledger.
func (m *Memory) OnTransfer(hook func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// History returns every transfer that moved funds, in order.
func (m *Memory) History() []TransferRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TransferRecord(nil), m.history...)
}

func (m *Memory) TransferFrom(ctx context.Context, from common.Address, amount int64) error {
	if err := m.before(ctx, amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.allowances[from] < amount {
		return fmt.Errorf("%w: %s allows %d, need %d", ErrInsufficientAllowance, from.Hex(), m.allowances[from], amount)
	}
	if m.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientBalance, from.Hex(), m.balances[from], amount)
	}
	m.allowances[from] -= amount
	m.balances[from] -= amount
	m.balances[m.vault] += amount
	m.history = append(m.history, TransferRecord{From: from, To: m.vault, Amount: amount})
	return m.settled()
}

func (m *Memory) Transfer(ctx context.Context, to common.Address, amount int64) error {
	if err := m.before(ctx, amount); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[m.vault] < amount {
		return fmt.Errorf("%w: vault holds %d, need %d", ErrInsufficientBalance, m.balances[m.vault], amount)
	}
	m.balances[m.vault] -= amount
	m.balances[to] += amount
	m.history = append(m.history, TransferRecord{From: m.vault, To: to, Amount: amount})
	return m.settled()
}

// settled reports the result of a transfer that moved funds. Called with mu held.
func (m *Memory) settled() error {
	if !m.lostNext {
		return nil
	}
	m.lostNext = false
	return &UnknownOutcomeError{
		TxHash: fmt.Sprintf("memory-%d", len(m.history)),
		Err:    context.DeadlineExceeded,
	}
}

// before runs the hook and injected failure without holding the lock.
func (m *Memory) before(ctx context.Context, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be > 0, got %d", amount)
	}

	m.mu.Lock()
	hook := m.hook
	fail := m.failNext
	m.failNext = nil
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return fail
}
