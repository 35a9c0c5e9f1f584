// Package chain reads treasury balances over EVM JSON-RPC.
//
// One Reader per configured chain; the Fleet fans snapshots out across
// chains. All RPC calls retry with bounded exponential backoff and sit
// behind a per-chain circuit breaker.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mishablank/treasury-sentinel/internal/circuitbreaker"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/retry"
)

var (
	ErrRPCUnavailable = errors.New("chain: rpc unavailable")
	ErrCircuitOpen    = errors.New("chain: circuit open")
)

// ERC20 minimal read ABI
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// TokenBalance is one position in a snapshot. Raw is the on-chain
// arbitrary-precision balance; USDValue is set only when priced.
type TokenBalance struct {
	Token    string   `json:"token"`
	Symbol   string   `json:"symbol"`
	Decimals uint8    `json:"decimals"`
	Raw      *big.Int `json:"raw_balance"`
	USDValue *float64 `json:"usd_value,omitempty"`
}

// Snapshot is an append-only record of a treasury's balances at a block.
type Snapshot struct {
	ID          string         `json:"id"`
	ChainID     int64          `json:"chainId"`
	Wallet      string         `json:"wallet"`
	BlockNumber uint64         `json:"blockNumber"`
	Timestamp   time.Time      `json:"timestamp"`
	Balances    []TokenBalance `json:"balances"`
}

// tokenMeta caches symbol/decimals, which never change for a deployed token.
type tokenMeta struct {
	symbol   string
	decimals uint8
}

// Reader reads one chain's treasury.
type Reader struct {
	client   EthClient
	chainID  int64
	treasury common.Address
	tokens   []common.Address
	erc20    abi.ABI
	breaker  *circuitbreaker.Breaker
	logger   *slog.Logger

	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration

	meta map[common.Address]tokenMeta
}

// Config for a single chain reader.
type Config struct {
	ChainID  int64
	RPCURL   string
	Treasury string
	Tokens   []string
}

// Option configures the reader.
type Option func(*Reader)

// WithClient sets a custom client (useful for testing).
func WithClient(client EthClient) Option {
	return func(r *Reader) { r.client = client }
}

// WithBreaker shares a circuit breaker across readers.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Reader) { r.breaker = b }
}

// WithRetryPolicy overrides the RPC retry schedule (tests use short delays).
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(r *Reader) {
		r.retryAttempts = maxAttempts
		r.retryBase = base
		r.retryCap = cap
	}
}

// NewReader creates a reader for one chain.
func NewReader(cfg Config, logger *slog.Logger, opts ...Option) (*Reader, error) {
	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC20 ABI: %w", err)
	}

	r := &Reader{
		chainID:       cfg.ChainID,
		treasury:      common.HexToAddress(cfg.Treasury),
		erc20:         parsedABI,
		logger:        logger,
		retryAttempts: retry.DefaultMaxAttempts,
		retryBase:     retry.DefaultBaseDelay,
		retryCap:      retry.DefaultMaxDelay,
		meta:          make(map[common.Address]tokenMeta),
	}
	for _, t := range cfg.Tokens {
		r.tokens = append(r.tokens, common.HexToAddress(t))
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.breaker == nil {
		r.breaker = circuitbreaker.New(5, 30*time.Second)
	}
	if r.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
		}
		r.client = client
	}

	return r, nil
}

// ChainID returns the chain this reader monitors.
func (r *Reader) ChainID() int64 {
	return r.chainID
}

// breakerKey identifies this chain in the shared breaker.
func (r *Reader) breakerKey() string {
	return "chain-" + strconv.FormatInt(r.chainID, 10)
}

// call runs fn under the breaker with RPC-layer retries.
func (r *Reader) call(ctx context.Context, fn func() error) error {
	key := r.breakerKey()
	if !r.breaker.Allow(key) {
		return ErrCircuitOpen
	}
	err := retry.Do(ctx, r.retryAttempts, r.retryBase, r.retryCap, fn)
	if err != nil {
		r.breaker.RecordFailure(key)
		metrics.RPCErrorsTotal.WithLabelValues(strconv.FormatInt(r.chainID, 10)).Inc()
		return fmt.Errorf("%w: %v", ErrRPCUnavailable, err)
	}
	r.breaker.RecordSuccess(key)
	return nil
}

// Snapshot reads the native balance plus every tracked token balance at
// the current head block.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	var block uint64
	if err := r.call(ctx, func() error {
		var err error
		block, err = r.client.BlockNumber(ctx)
		return err
	}); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		ID:          idgen.WithPrefix("snap_"),
		ChainID:     r.chainID,
		Wallet:      r.treasury.Hex(),
		BlockNumber: block,
		Timestamp:   time.Now().UTC(),
	}

	var native *big.Int
	if err := r.call(ctx, func() error {
		var err error
		native, err = r.client.BalanceAt(ctx, r.treasury, nil)
		return err
	}); err != nil {
		return nil, err
	}
	snap.Balances = append(snap.Balances, TokenBalance{
		Token:    "native",
		Symbol:   "ETH",
		Decimals: 18,
		Raw:      native,
	})

	for _, token := range r.tokens {
		bal, err := r.tokenBalance(ctx, token)
		if err != nil {
			return nil, err
		}
		snap.Balances = append(snap.Balances, bal)
	}

	return snap, nil
}

func (r *Reader) tokenBalance(ctx context.Context, token common.Address) (TokenBalance, error) {
	meta, err := r.tokenMeta(ctx, token)
	if err != nil {
		return TokenBalance{}, err
	}

	data, err := r.erc20.Pack("balanceOf", r.treasury)
	if err != nil {
		return TokenBalance{}, fmt.Errorf("pack balanceOf: %w", err)
	}

	var out []byte
	if err := r.call(ctx, func() error {
		var err error
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	}); err != nil {
		return TokenBalance{}, err
	}

	return TokenBalance{
		Token:    token.Hex(),
		Symbol:   meta.symbol,
		Decimals: meta.decimals,
		Raw:      new(big.Int).SetBytes(out),
	}, nil
}

// tokenMeta reads symbol and decimals once per token and caches them.
func (r *Reader) tokenMeta(ctx context.Context, token common.Address) (tokenMeta, error) {
	if m, ok := r.meta[token]; ok {
		return m, nil
	}

	var meta tokenMeta

	data, err := r.erc20.Pack("decimals")
	if err != nil {
		return meta, fmt.Errorf("pack decimals: %w", err)
	}
	var out []byte
	if err := r.call(ctx, func() error {
		var err error
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	}); err != nil {
		return meta, err
	}
	if len(out) > 0 {
		meta.decimals = uint8(new(big.Int).SetBytes(out).Uint64()) //nolint:gosec
	}

	data, err = r.erc20.Pack("symbol")
	if err != nil {
		return meta, fmt.Errorf("pack symbol: %w", err)
	}
	if err := r.call(ctx, func() error {
		var err error
		out, err = r.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
		return err
	}); err != nil {
		return meta, err
	}
	meta.symbol = unpackSymbol(r.erc20, out)

	r.meta[token] = meta
	return meta, nil
}

// unpackSymbol decodes an ABI string return, tolerating tokens that
// return bytes32 symbols.
func unpackSymbol(erc20 abi.ABI, out []byte) string {
	var symbol string
	if err := erc20.UnpackIntoInterface(&symbol, "symbol", out); err == nil {
		return symbol
	}
	return strings.TrimRight(string(out), "\x00")
}

// Close releases the underlying RPC connection.
func (r *Reader) Close() {
	if r.client != nil {
		r.client.Close()
	}
}
