package decoder

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sync"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// ContractCaller performs eth_call.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// SymbolCache caches token symbols by address.
type SymbolCache struct {
	mu   sync.RWMutex
	data map[common.Address]string
}

func NewSymbolCache() *SymbolCache {
	return &SymbolCache{data: make(map[common.Address]string)}
}

func (c *SymbolCache) Get(address common.Address) (string, bool) {
	c.mu.RLock()
	symbol, ok := c.data[address]
	c.mu.RUnlock()
	return symbol, ok
}

func (c *SymbolCache) Set(address common.Address, symbol string) {
	c.mu.Lock()
	c.data[address] = symbol
	c.mu.Unlock()
}

// SymbolResolver looks up ERC-20 symbols for display only.
type SymbolResolver struct {
	caller ContractCaller
	cache  *SymbolCache
	logger *zap.Logger
}

func NewSymbolResolver(caller ContractCaller, logger *zap.Logger) *SymbolResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SymbolResolver{
		caller: caller,
		cache:  NewSymbolCache(),
		logger: logger,
	}
}

// Symbol returns the token symbol, or "" when it cannot be resolved.
// Failures are cached so a non-token address is only queried once.
func (r *SymbolResolver) Symbol(ctx context.Context, token common.Address) string {
	if r == nil || r.caller == nil {
		return ""
	}
	if symbol, ok := r.cache.Get(token); ok {
		return symbol
	}

	symbol, err := FetchTokenSymbol(ctx, r.caller, token)
	if err != nil {
		r.logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(err))
	}
	r.cache.Set(token, symbol)
	return symbol
}

// FetchTokenSymbol calls symbol() and accepts both string and bytes32 returns.
func FetchTokenSymbol(ctx context.Context, caller ContractCaller, token common.Address) (string, error) {
	stringABI, err := ERC20ABI()
	if err != nil {
		return "", fmt.Errorf("parse erc20 string abi: %w", err)
	}
	bytes32ABI, err := erc20ABIBytes32Instance()
	if err != nil {
		return "", fmt.Errorf("parse erc20 bytes32 abi: %w", err)
	}

	data, err := stringABI.Pack("symbol")
	if err != nil {
		return "", fmt.Errorf("pack symbol: %w", err)
	}
	resp, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("call symbol: %w", err)
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("empty symbol response")
	}

	if values, err := stringABI.Unpack("symbol", resp); err == nil && len(values) > 0 {
		if symbol, ok := values[0].(string); ok {
			return symbol, nil
		}
	}

	values, err := bytes32ABI.Unpack("symbol", resp)
	if err != nil {
		return "", fmt.Errorf("unpack symbol: %w", err)
	}
	if symbol, ok := bytes32ToString(values[0]); ok {
		return symbol, nil
	}
	return "", fmt.Errorf("unsupported symbol type %T", values[0])
}

func bytes32ToString(value interface{}) (string, bool) {
	var raw []byte
	switch v := value.(type) {
	case [32]byte:
		raw = v[:]
	case []byte:
		raw = v
	default:
		return "", false
	}
	trimmed := bytes.TrimRight(raw, "\x00")
	if !utf8.Valid(trimmed) {
		return "", false
	}
	return string(trimmed), true
}
