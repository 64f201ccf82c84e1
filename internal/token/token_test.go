package token_test

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"LeverLedger/internal/token"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	vault = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

// ============================================================================
// Memory
// ============================================================================

func TestMemory_TransferFromNeedsAllowanceAndBalance(t *testing.T) {
	m := token.NewMemory(vault)
	ctx := context.Background()

	err := m.TransferFrom(ctx, alice, 10)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)

	m.Approve(alice, 100)
	err = m.TransferFrom(ctx, alice, 10)
	assert.ErrorIs(t, err, token.ErrInsufficientBalance)

	m.Mint(alice, 50)
	require.NoError(t, m.TransferFrom(ctx, alice, 30))
	assert.Equal(t, int64(20), m.BalanceOf(alice))
	assert.Equal(t, int64(30), m.BalanceOf(vault))
	assert.Equal(t, int64(70), m.Allowance(alice))

	require.NoError(t, m.Transfer(ctx, alice, 5))
	assert.Equal(t, int64(25), m.BalanceOf(alice))
	assert.ErrorIs(t, m.Transfer(ctx, alice, 1_000), token.ErrInsufficientBalance)

	assert.Equal(t, []token.TransferRecord{
		{From: alice, To: vault, Amount: 30},
		{From: vault, To: alice, Amount: 5},
	}, m.History())
}

func TestMemory_FailNextAndHook(t *testing.T) {
	m := token.NewMemory(vault)
	m.Mint(vault, 100)
	boom := errors.New("rpc down")

	m.FailNext(boom)
	assert.ErrorIs(t, m.Transfer(context.Background(), alice, 1), boom)
	require.NoError(t, m.Transfer(context.Background(), alice, 1))

	calls := 0
	m.OnTransfer(func(ctx context.Context) error {
		calls++
		// Reading balances from inside the hook must not deadlock.
		_ = m.BalanceOf(vault)
		return nil
	})
	require.NoError(t, m.Transfer(context.Background(), alice, 1))
	assert.Equal(t, 1, calls)
}

func TestMemory_UnknownNextStillMovesFunds(t *testing.T) {
	m := token.NewMemory(vault)
	m.Mint(vault, 10)

	m.UnknownNext()
	err := m.Transfer(context.Background(), alice, 4)
	assert.ErrorIs(t, err, token.ErrTransferUnknown)
	assert.Equal(t, int64(4), m.BalanceOf(alice))
	assert.Len(t, m.History(), 1)

	require.NoError(t, m.Transfer(context.Background(), alice, 1), "only the next transfer is affected")
}

// ============================================================================
// ERC20 over a fake backend
// ============================================================================

type fakeBackend struct {
	sent      []*types.Transaction
	status    uint64
	estimate  error
	sendErr   error
	noReceipt bool
}

// nodeError is a JSON-RPC error answer, as ethclient surfaces it.
type nodeError string

func (e nodeError) Error() string  { return string(e) }
func (e nodeError) ErrorCode() int { return -32000 }

func (f *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	return common.LeftPadBytes(big.NewInt(1234).Bytes(), 32), nil
}
func (f *fakeBackend) PendingNonceAt(ctx context.Context, _ common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}
func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
func (f *fakeBackend) EstimateGas(ctx context.Context, _ ethereum.CallMsg) (uint64, error) {
	return 60_000, f.estimate
}
func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.sent = append(f.sent, tx)
	return f.sendErr
}
func (f *fakeBackend) TransactionReceipt(ctx context.Context, h common.Hash) (*types.Receipt, error) {
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: h, GasUsed: 50_000}, nil
}

func newERC20(t *testing.T, backend token.Backend) *token.ERC20 {
	t.Helper()
	return newERC20WithTimeout(t, backend, 0)
}

func newERC20WithTimeout(t *testing.T, backend token.Backend, receiptTimeout time.Duration) *token.ERC20 {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	e, err := token.NewERC20(backend, token.ERC20Config{
		TokenAddress:   "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		VaultKeyHex:    hex.EncodeToString(crypto.FromECDSA(key)),
		ChainID:        137,
		PollInterval:   time.Millisecond,
		ReceiptTimeout: receiptTimeout,
	}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), e.Vault())
	return e
}

func TestERC20_TransferFromSignsAndWaits(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	e := newERC20(t, backend)

	require.NoError(t, e.TransferFrom(context.Background(), alice, 2_500))
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"), *tx.To())
	assert.Equal(t, uint64(72_000), tx.Gas())
	// transferFrom(address,address,uint256) selector
	assert.Equal(t, "23b872dd", hex.EncodeToString(tx.Data()[:4]))

	sender, err := types.Sender(types.NewEIP155Signer(big.NewInt(137)), tx)
	require.NoError(t, err)
	assert.Equal(t, e.Vault(), sender)
}

func TestERC20_RevertAndEstimateFailures(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed}
	e := newERC20(t, backend)
	err := e.Transfer(context.Background(), alice, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")

	backend = &fakeBackend{status: types.ReceiptStatusSuccessful, estimate: errors.New("execution reverted")}
	e = newERC20(t, backend)
	require.Error(t, e.Transfer(context.Background(), alice, 1))
	assert.Empty(t, backend.sent)

	require.Error(t, e.Transfer(context.Background(), alice, 0))
}

func TestERC20_OutcomeUnknownAfterBroadcast(t *testing.T) {
	backend := &fakeBackend{noReceipt: true}
	e := newERC20WithTimeout(t, backend, 20*time.Millisecond)
	err := e.Transfer(context.Background(), alice, 1)
	require.ErrorIs(t, err, token.ErrTransferUnknown)
	var unknown *token.UnknownOutcomeError
	require.ErrorAs(t, err, &unknown)
	require.Len(t, backend.sent, 1)
	assert.Equal(t, backend.sent[0].Hash().Hex(), unknown.TxHash)

	// A transport failure may still have delivered the transaction.
	backend = &fakeBackend{sendErr: errors.New("read tcp: connection reset by peer")}
	e = newERC20(t, backend)
	assert.ErrorIs(t, e.Transfer(context.Background(), alice, 1), token.ErrTransferUnknown)

	backend = &fakeBackend{sendErr: nodeError("already known")}
	e = newERC20(t, backend)
	assert.ErrorIs(t, e.Transfer(context.Background(), alice, 1), token.ErrTransferUnknown)
}

func TestERC20_NodeRejectionIsDefinite(t *testing.T) {
	backend := &fakeBackend{sendErr: nodeError("nonce too low")}
	e := newERC20(t, backend)
	err := e.Transfer(context.Background(), alice, 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, token.ErrTransferUnknown)

	backend = &fakeBackend{status: types.ReceiptStatusFailed}
	e = newERC20(t, backend)
	assert.NotErrorIs(t, e.Transfer(context.Background(), alice, 1), token.ErrTransferUnknown, "a mined revert is final")
}

func TestERC20_Views(t *testing.T) {
	e := newERC20(t, &fakeBackend{})
	bal, err := e.BalanceOf(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1234), bal.Int64())
}

func TestNewERC20_RejectsBadConfig(t *testing.T) {
	_, err := token.NewERC20(&fakeBackend{}, token.ERC20Config{TokenAddress: "nope", ChainID: 1}, zerolog.Nop())
	assert.Error(t, err)

	_, err = token.NewERC20(&fakeBackend{}, token.ERC20Config{
		TokenAddress: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174",
		VaultKeyHex:  "zz",
		ChainID:      1,
	}, zerolog.Nop())
	assert.Error(t, err)
}
