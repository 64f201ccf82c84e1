package token

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

const (
	transferGasLimit = uint64(100_000)
	defaultGasPrice  = 30_000_000_000 // 30 gwei fallback
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "transfer",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "transferFrom",
			"type": "function",
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "balanceOf",
			"type": "function",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		},
		{
			"name": "allowance",
			"type": "function",
			"inputs": [
				{"name": "owner", "type": "address"},
				{"name": "spender", "type": "address"}
			],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("erc20 abi parse: " + err.Error())
	}
}

// Backend is the subset of *ethclient.Client the ERC20 collateral uses.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ERC20Config configures an on-chain collateral token.
type ERC20Config struct {
	RPCURL         string
	TokenAddress   string
	VaultKeyHex    string // vault private key, with or without 0x
	ChainID        int64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// ERC20 moves collateral with transfer/transferFrom signed by the vault key.
// Every call waits for the receipt: the ledger needs a definite outcome
// before it commits or rolls back.
type ERC20 struct {
	backend Backend
	token   common.Address
	key     *ecdsa.PrivateKey
	vault   common.Address
	chainID *big.Int

	receiptTimeout time.Duration
	pollInterval   time.Duration

	// Nonces are assigned locally; the ledger sends one transfer at a time.
	mu sync.Mutex

	logger zerolog.Logger
}

// DialERC20 connects to the RPC endpoint and builds the collateral client.
func DialERC20(cfg ERC20Config, logger zerolog.Logger) (*ERC20, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("erc20: dial rpc %s: %w", cfg.RPCURL, err)
	}
	return NewERC20(client, cfg, logger)
}

// NewERC20 builds the client on an existing backend.
func NewERC20(backend Backend, cfg ERC20Config, logger zerolog.Logger) (*ERC20, error) {
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("erc20: invalid token address %q", cfg.TokenAddress)
	}
	pk, err := hex.DecodeString(strings.TrimPrefix(cfg.VaultKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("erc20: decode vault key: %w", err)
	}
	key, err := crypto.ToECDSA(pk)
	if err != nil {
		return nil, fmt.Errorf("erc20: invalid vault key: %w", err)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("erc20: chain id must be > 0, got %d", cfg.ChainID)
	}

	receiptTimeout := cfg.ReceiptTimeout
	if receiptTimeout <= 0 {
		receiptTimeout = 60 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}

	return &ERC20{
		backend:        backend,
		token:          common.HexToAddress(cfg.TokenAddress),
		key:            key,
		vault:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:        big.NewInt(cfg.ChainID),
		receiptTimeout: receiptTimeout,
		pollInterval:   pollInterval,
		logger:         logger,
	}, nil
}

// Vault returns the address holding ledger collateral.
func (e *ERC20) Vault() common.Address { return e.vault }

func (e *ERC20) TransferFrom(ctx context.Context, from common.Address, amount int64) error {
	callData, err := erc20ABI.Pack("transferFrom", from, e.vault, big.NewInt(amount))
	if err != nil {
		return fmt.Errorf("erc20: pack transferFrom: %w", err)
	}
	return e.send(ctx, "transferFrom", callData, amount)
}

func (e *ERC20) Transfer(ctx context.Context, to common.Address, amount int64) error {
	callData, err := erc20ABI.Pack("transfer", to, big.NewInt(amount))
	if err != nil {
		return fmt.Errorf("erc20: pack transfer: %w", err)
	}
	return e.send(ctx, "transfer", callData, amount)
}

// BalanceOf reads the token balance of holder.
func (e *ERC20) BalanceOf(ctx context.Context, holder common.Address) (*big.Int, error) {
	return e.callUint("balanceOf", ctx, holder)
}

// Allowance reads what owner allows the vault to pull.
func (e *ERC20) Allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	return e.callUint("allowance", ctx, owner, e.vault)
}

func (e *ERC20) callUint(method string, ctx context.Context, args ...interface{}) (*big.Int, error) {
	callData, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	result, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("erc20: call %s: %w", method, err)
	}
	vals, err := erc20ABI.Unpack(method, result)
	if err != nil || len(vals) == 0 {
		return big.NewInt(0), err
	}
	return vals[0].(*big.Int), nil
}

func (e *ERC20) send(ctx context.Context, method string, callData []byte, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("erc20: %s amount must be > 0, got %d", method, amount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	nonce, err := e.backend.PendingNonceAt(ctx, e.vault)
	if err != nil {
		return fmt.Errorf("erc20: nonce: %w", err)
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		gasPrice = big.NewInt(defaultGasPrice)
	}

	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     e.vault,
		To:       &e.token,
		GasPrice: gasPrice,
		Data:     callData,
	})
	if err != nil {
		// A failing estimate usually means the call would revert.
		return fmt.Errorf("erc20: %s would revert: %w", method, err)
	}
	gas = gas * 12 / 10
	if gas < transferGasLimit/2 {
		gas = transferGasLimit / 2
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), gas, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("erc20: sign: %w", err)
	}

	txHash := signed.Hash().Hex()
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		if !rejectedByNode(err) {
			e.logger.Error().Err(err).Str("tx", txHash).Str("method", method).
				Msg("send not acknowledged; transfer outcome unknown")
			return &UnknownOutcomeError{TxHash: txHash, Err: fmt.Errorf("erc20: send %s: %w", method, err)}
		}
		return fmt.Errorf("erc20: send %s: %w", method, err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()

	receipt, err := e.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		e.logger.Error().Err(err).Str("tx", txHash).Str("method", method).
			Msg("receipt not observed; transfer outcome unknown")
		return &UnknownOutcomeError{TxHash: txHash, Err: fmt.Errorf("erc20: wait receipt: %w", err)}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("erc20: %s reverted: %s", method, signed.Hash().Hex())
	}

	e.logger.Info().Str("tx", signed.Hash().Hex()).Str("method", method).Int64("amount", amount).
		Uint64("gas_used", receipt.GasUsed).Msg("collateral transfer confirmed")
	return nil
}

// rejectedByNode reports whether the node answered SendTransaction with a
// JSON-RPC error, meaning the transaction never entered its pool. Transport
// failures and "already known" leave the transaction possibly broadcast.
func rejectedByNode(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	return !strings.Contains(strings.ToLower(rpcErr.Error()), "already known")
}

// waitForReceipt polls for a transaction receipt until confirmed or timeout.
func (e *ERC20) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := e.backend.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}
