// Package wallet moves settlement funds out of the custody account on-chain.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/oamen/brickpay/internal/money"
)

var (
	ErrInvalidPrivateKey = errors.New("wallet: invalid private key")
	ErrInvalidAddress    = errors.New("wallet: invalid address")
	ErrInvalidAmount     = errors.New("wallet: invalid amount")
	ErrTransactionFailed = errors.New("wallet: transaction failed")
	ErrTimeout           = errors.New("wallet: operation timed out")
	ErrRPCConnection     = errors.New("wallet: RPC connection failed")
)

// TransferError wraps transfer failures with context
type TransferError struct {
	Op     string // Operation that failed
	TxHash string // Transaction hash if available
	Err    error  // Underlying error
}

func (e *TransferError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("wallet: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Transferor moves settlement funds between addresses. Implementations
// must not report success before the transfer is final.
type Transferor interface {
	// Transfer moves amount from one address to another. An empty from,
	// or the custody address itself, sends from custody; any other from
	// spends a prior on-chain allowance granted to the custody key.
	Transfer(ctx context.Context, from, to, amount string) (*TransferResult, error)
}

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ERC20 minimal ABI for transfer, transferFrom and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// DefaultGasLimit for ERC20 transfers
	DefaultGasLimit = uint64(100000)

	// DefaultConfirmationTimeout for waiting on transactions
	DefaultConfirmationTimeout = 30 * time.Second

	// ConfirmationPollInterval between receipt checks
	ConfirmationPollInterval = 2 * time.Second
)

// Config for creating a new custody wallet
type Config struct {
	RPCURL        string
	PrivateKey    string // Hex string, 0x prefix optional
	ChainID       int64
	TokenContract string
}

// Option configures the wallet
type Option func(*Wallet)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(w *Wallet) {
		w.client = client
	}
}

// WithConfirmationTimeout overrides the receipt wait
func WithConfirmationTimeout(d time.Duration) Option {
	return func(w *Wallet) {
		w.confirmTimeout = d
	}
}

// TransferResult contains details of a confirmed transfer
type TransferResult struct {
	TxHash      string
	From        string
	To          string
	Amount      string // Human-readable token amount
	AmountRaw   *big.Int
	BlockNumber uint64
	GasUsed     uint64
	Nonce       uint64
}

// Wallet signs and sends ERC-20 transfers from the custody key
type Wallet struct {
	client         EthClient
	privateKey     *ecdsa.PrivateKey
	address        common.Address
	chainID        *big.Int
	tokenContract  common.Address
	tokenABI       abi.ABI
	confirmTimeout time.Duration
}

// Compile-time interface check
var _ Transferor = (*Wallet)(nil)

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: failed to derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	w := &Wallet{
		privateKey:     privateKey,
		address:        crypto.PubkeyToAddress(*publicKey),
		chainID:        big.NewInt(cfg.ChainID),
		tokenContract:  common.HexToAddress(cfg.TokenContract),
		tokenABI:       parsedABI,
		confirmTimeout: DefaultConfirmationTimeout,
	}

	for _, opt := range opts {
		opt(w)
	}

	// Connect to RPC if no client provided
	if w.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		w.client = client
	}

	return w, nil
}

func validateConfig(cfg Config) error {
	if cfg.RPCURL == "" {
		return fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	if cfg.PrivateKey == "" {
		return fmt.Errorf("%w: private key required", ErrInvalidPrivateKey)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return fmt.Errorf("chain ID required")
	}
	if cfg.TokenContract == "" {
		return fmt.Errorf("token contract address required")
	}
	return nil
}

// Address returns the custody address
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// Balance returns the custody token balance as a human-readable string
func (w *Wallet) Balance(ctx context.Context) (string, error) {
	raw, err := w.BalanceOf(ctx, w.address)
	if err != nil {
		return "", err
	}
	return money.Format(raw), nil
}

// BalanceOf returns the token balance of any address
func (w *Wallet) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := w.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := w.client.CallContract(ctx, ethereum.CallMsg{
		To:   &w.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

// Transfer moves tokens between addresses and waits for the transaction
// to be mined. It returns an error unless the transfer reached a
// successful receipt. A confirmation timeout comes back wrapped in
// ErrTimeout; the transaction may still land and needs manual followup.
func (w *Wallet) Transfer(ctx context.Context, from, to, amount string) (*TransferResult, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, to)
	}
	if from != "" && !common.IsHexAddress(from) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, from)
	}
	raw, ok := money.Parse(amount)
	if !ok || raw.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	result, err := w.send(ctx, common.HexToAddress(from), common.HexToAddress(to), raw)
	if err != nil {
		return nil, err
	}

	confirmed, err := w.waitForConfirmation(ctx, result.TxHash)
	if err != nil {
		return nil, err
	}
	result.BlockNumber = confirmed.BlockNumber
	result.GasUsed = confirmed.GasUsed
	return result, nil
}

func (w *Wallet) send(ctx context.Context, from, to common.Address, amount *big.Int) (*TransferResult, error) {
	var data []byte
	var err error
	fromCustody := from == (common.Address{}) || from == w.address
	if fromCustody {
		from = w.address
		data, err = w.tokenABI.Pack("transfer", to, amount)
	} else {
		// Spends the allowance the payer granted to the custody key
		data, err = w.tokenABI.Pack("transferFrom", from, to, amount)
	}
	if err != nil {
		return nil, &TransferError{Op: "pack", Err: err}
	}

	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return nil, &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := w.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  w.address,
		To:    &w.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, w.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), w.privateKey)
	if err != nil {
		return nil, &TransferError{Op: "sign", Err: err}
	}

	if err := w.client.SendTransaction(ctx, signedTx); err != nil {
		return nil, &TransferError{Op: "send", TxHash: signedTx.Hash().Hex(), Err: err}
	}

	return &TransferResult{
		TxHash:    signedTx.Hash().Hex(),
		From:      from.Hex(),
		To:        to.Hex(),
		Amount:    money.Format(amount),
		AmountRaw: amount,
		Nonce:     nonce,
	}, nil
}

func (w *Wallet) waitForConfirmation(ctx context.Context, txHash string) (*TransferResult, error) {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, w.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(ConfirmationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: waiting for tx %s", ErrTimeout, txHash)
			}
			return nil, ctx.Err()

		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep polling
				continue
			}

			if receipt.Status == 0 {
				return nil, &TransferError{
					Op:     "confirm",
					TxHash: txHash,
					Err:    ErrTransactionFailed,
				}
			}

			return &TransferResult{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
	}
}

// Close closes the client connection
func (w *Wallet) Close() error {
	if w.client != nil {
		w.client.Close()
	}
	return nil
}
