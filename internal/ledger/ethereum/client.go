package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "github.com/Don-Vicks/karen/internal/errors"
	"github.com/Don-Vicks/karen/internal/ledger"
	"github.com/Don-Vicks/karen/pkg/logger"
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = time.Second
	transferGas           = 21_000
)

// Backend is the subset of go-ethereum client methods the ledger needs.
// Both *ethclient.Client and the simulated backend client satisfy it.
type Backend interface {
	gethcore.ChainIDReader
	gethcore.PendingStateReader
	gethcore.GasPricer1559
	gethcore.GasEstimator
	gethcore.TransactionSender
	gethcore.TransactionReader
	gethcore.ContractCaller
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Token is an ERC20 contract reported by TokenBalances.
type Token struct {
	Address common.Address
	Symbol  string
}

// Config describes how to construct an EVM ledger client.
type Config struct {
	RPCURL         string
	BatchRPCURL    string
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	// FaucetKey is a hex private key funding faucet requests on dev chains.
	FaucetKey string
	Tokens    []Token
}

// Client implements ledger.Client for EVM compatible chains.
type Client struct {
	backend     Backend
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client

	confirmTimeout time.Duration
	pollInterval   time.Duration
	faucetKey      *ecdsa.PrivateKey
	tokens         []Token
	afterSubmit    func()
	log            *slog.Logger

	chainMu sync.Mutex
	chainID *big.Int

	// faucetMu serialises faucet transfers so nonces do not collide.
	faucetMu sync.Mutex
}

var _ ledger.Client = (*Client)(nil)

// Option customises a Client.
type Option func(*Client)

// WithAfterSubmit registers a hook run after every successful broadcast.
// The simulated backend uses it to mine a block.
func WithAfterSubmit(fn func()) Option {
	return func(c *Client) {
		c.afterSubmit = fn
	}
}

// Dial connects to the configured RPC endpoints.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger rpc url is required")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "dial ledger rpc")
	}
	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "dial batch rpc")
		}
	}

	eth := ethclient.NewClient(rpcClient)
	client, err := New(eth, cfg)
	if err != nil {
		if batchClient != rpcClient {
			batchClient.Close()
		}
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.batchClient = batchClient
	client.eth = eth
	return client, nil
}

// New wraps an existing backend. Transactions are sent one by one since no
// batch RPC endpoint is available.
func New(backend Backend, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger backend is required")
	}
	c := &Client{
		backend:        backend,
		confirmTimeout: cfg.ConfirmTimeout,
		pollInterval:   cfg.PollInterval,
		tokens:         append([]Token(nil), cfg.Tokens...),
		log:            logger.Named("ledger"),
	}
	if c.confirmTimeout <= 0 {
		c.confirmTimeout = defaultConfirmTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.FaucetKey), "0x"); key != "" {
		parsed, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse faucet key")
		}
		c.faucetKey = parsed
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// ChainID returns the chain id, cached after the first call.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "query chain id")
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Balance returns the native balance of addr in ether.
func (c *Client) Balance(ctx context.Context, addr common.Address) (float64, error) {
	wei, err := c.backend.BalanceAt(ctx, addr, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "query balance")
	}
	return ledger.FromWei(wei), nil
}

// Prepare builds unsigned EIP-1559 transactions with consecutive nonces.
func (c *Client) Prepare(ctx context.Context, from common.Address, calls []ledger.Call) ([]*coretypes.Transaction, error) {
	if len(calls) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "no calls to prepare")
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := c.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "query pending nonce")
	}
	tipCap, feeCap, err := c.fees(ctx)
	if err != nil {
		return nil, err
	}

	txs := make([]*coretypes.Transaction, 0, len(calls))
	for i, call := range calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}
		to := call.To
		gas := uint64(transferGas)
		if len(call.Data) > 0 {
			gas, err = c.backend.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &to, Value: value, Data: call.Data})
			if err != nil {
				return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, fmt.Sprintf("estimate gas for call %d", i))
			}
		}
		txs = append(txs, coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: tipCap,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      call.Data,
		}))
	}
	return txs, nil
}

func (c *Client) fees(ctx context.Context) (*big.Int, *big.Int, error) {
	tipCap, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "suggest gas tip")
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "fetch latest header")
	}
	feeCap := new(big.Int).Set(tipCap)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tipCap, feeCap, nil
}

// Submit broadcasts signed transactions, in a single RPC batch when a batch
// endpoint is configured.
func (c *Client) Submit(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "no transactions to submit")
	}

	var (
		hashes []common.Hash
		err    error
	)
	if c.batchClient != nil && len(txs) > 1 {
		hashes, err = c.sendBatch(ctx, txs)
	} else {
		hashes, err = c.sendEach(ctx, txs)
	}
	if err != nil {
		return nil, err
	}
	if c.afterSubmit != nil {
		c.afterSubmit()
	}
	return hashes, nil
}

func (c *Client) sendEach(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	hashes := make([]common.Hash, 0, len(txs))
	for i, tx := range txs {
		if err := c.backend.SendTransaction(ctx, tx); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, fmt.Sprintf("send transaction %d", i))
		}
		hashes = append(hashes, tx.Hash())
	}
	return hashes, nil
}

func (c *Client) sendBatch(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "encode transaction")
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}
	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "batch send transactions")
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeExecutionFailed, elems[i].Error, fmt.Sprintf("send transaction %d", i))
		}
	}
	return hashes, nil
}

// Confirm polls for the receipt until it appears, the confirm timeout
// elapses, or ctx is done.
func (c *Client) Confirm(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return receipt, xerrors.New(xerrors.CodeExecutionFailed,
					fmt.Sprintf("transaction %s reverted", hash.Hex()), xerrors.WithRetryable(false))
			}
			return receipt, nil
		case !errors.Is(err, gethcore.NotFound):
			if ctx.Err() == nil {
				c.log.Debug("receipt lookup failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(),
				fmt.Sprintf("confirmation of %s timed out", hash.Hex()))
		case <-ticker.C:
		}
	}
}

// Faucet transfers amount ether from the faucet key to addr.
func (c *Client) Faucet(ctx context.Context, to common.Address, amount float64) (common.Hash, error) {
	if c.faucetKey == nil {
		return common.Hash{}, xerrors.New(xerrors.CodeExecutionFailed, "faucet is not configured for this ledger",
			xerrors.WithRetryable(false))
	}
	c.faucetMu.Lock()
	defer c.faucetMu.Unlock()

	from := crypto.PubkeyToAddress(c.faucetKey.PublicKey)
	txs, err := c.Prepare(ctx, from, []ledger.Call{{To: to, Value: ledger.ToWei(amount)}})
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := c.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	signed, err := coretypes.SignTx(txs[0], coretypes.LatestSignerForChainID(chainID), c.faucetKey)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeExecutionFailed, err, "sign faucet transfer")
	}
	hashes, err := c.Submit(ctx, []*coretypes.Transaction{signed})
	if err != nil {
		return common.Hash{}, err
	}
	return hashes[0], nil
}
