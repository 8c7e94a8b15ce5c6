package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"transferWatch/internal/model"
)

// ErrNotFound is returned when the node has no block or transaction for a hash.
var ErrNotFound = errors.New("not found")

// Options tunes the client.
type Options struct {
	// RPS limits chain calls per second; zero disables limiting.
	RPS   float64
	Burst int
}

// Client wraps go-ethereum RPC and provides helper methods.
// It is safe for concurrent use.
type Client struct {
	rpcClient *rpc.Client
	ethClient *ethclient.Client
	limiter   *rate.Limiter
}

// NewClient creates a new chain client from the RPC URL.
func NewClient(ctx context.Context, rpcURL string, opts Options) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}

	return &Client{
		rpcClient: rpcClient,
		ethClient: ethclient.NewClient(rpcClient),
		limiter:   limiter,
	}, nil
}

// Close closes the underlying RPC client.
func (c *Client) Close() {
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
}

func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// GetChainID returns the chain ID.
func (c *Client) GetChainID(ctx context.Context) (*big.Int, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.ChainID(ctx)
}

type rpcTransaction struct {
	Hash  common.Hash     `json:"hash"`
	From  common.Address  `json:"from"`
	To    *common.Address `json:"to"`
	Value *hexutil.Big    `json:"value"`
}

type rpcBlock struct {
	Hash         common.Hash      `json:"hash"`
	Number       *hexutil.Big     `json:"number"`
	Transactions []rpcTransaction `json:"transactions"`
}

// BlockByHash returns the block with full transaction bodies.
//
// The block is decoded from the raw JSON-RPC result instead of go-ethereum's
// typed block, so transaction types unknown to this client version do not
// fail the whole block. Only hash, sender, recipient and value are kept.
func (c *Client) BlockByHash(ctx context.Context, hash common.Hash) (*model.Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getBlockByHash", hash, true); err != nil {
		return nil, err
	}

	var block rpcBlock
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("decode block %s: %w", hash.Hex(), err)
	}

	out := &model.Block{
		Hash:         block.Hash,
		Transactions: make([]model.Transaction, 0, len(block.Transactions)),
	}
	if block.Number != nil {
		out.Number = block.Number.ToInt().Uint64()
	}
	for _, tx := range block.Transactions {
		out.Transactions = append(out.Transactions, toModelTransaction(tx))
	}
	return out, nil
}

// TransactionByHash returns a single transaction.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*model.Transaction, error) {
	var raw json.RawMessage
	if err := c.call(ctx, &raw, "eth_getTransactionByHash", hash); err != nil {
		return nil, err
	}

	var tx rpcTransaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction %s: %w", hash.Hex(), err)
	}
	out := toModelTransaction(tx)
	return &out, nil
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	receipt, err := c.ethClient.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), ErrNotFound)
	}
	return receipt, err
}

// CallContract performs an eth_call for a contract method.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	return c.ethClient.CallContract(ctx, msg, blockNumber)
}

func (c *Client) call(ctx context.Context, raw *json.RawMessage, method string, args ...interface{}) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	if err := c.rpcClient.CallContext(ctx, raw, method, args...); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if len(*raw) == 0 || string(*raw) == "null" {
		return fmt.Errorf("%s: %w", method, ErrNotFound)
	}
	return nil
}

func toModelTransaction(tx rpcTransaction) model.Transaction {
	value := new(big.Int)
	if tx.Value != nil {
		value = tx.Value.ToInt()
	}
	return model.Transaction{
		Hash:  tx.Hash,
		From:  tx.From,
		To:    tx.To,
		Value: value,
	}
}
