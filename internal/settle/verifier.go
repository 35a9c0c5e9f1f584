// Package settle confirms USDC settlements on Base.
//
// The verifier answers one question: does this transaction hash carry a
// successful USDC Transfer of at least the invoiced amount to the
// gateway recipient, with enough confirmations, and has it not been
// spent on an earlier invoice?
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mishablank/treasury-sentinel/internal/retry"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// ERC20 Transfer event signature
var transferEventSig = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

var (
	ErrWatchTimeout = errors.New("settle: watch deadline exceeded")
	ErrRPCDial      = errors.New("settle: rpc connection failed")
)

// Verification reasons surfaced on unverified results.
const (
	ReasonReceiptNotFound  = "receipt_not_found"
	ReasonTxFailed         = "tx_failed"
	ReasonNoTransfer       = "no_matching_transfer"
	ReasonAmountTooLow     = "amount_below_invoice"
	ReasonSenderMismatch   = "sender_mismatch"
	ReasonUnconfirmed      = "insufficient_confirmations"
	ReasonTxAlreadyUsed    = "tx_already_used"
	ReasonRPCUnavailable   = "rpc_unavailable"
	ReasonAmountOutOfRange = "amount_out_of_range"
)

// Result reports one verification attempt.
type Result struct {
	Verified      bool
	Amount        usdc.Micro
	Sender        string
	Block         uint64
	Confirmations uint64
	Reason        string
}

// Receipt is the durable record of a verified settlement.
type Receipt struct {
	InvoiceID     string     `json:"invoiceId"`
	TxHash        string     `json:"txHash"`
	Sender        string     `json:"sender"`
	Amount        usdc.Micro `json:"amountMicroUsdc"`
	Block         uint64     `json:"block"`
	Confirmations uint64     `json:"confirmations"`
	VerifiedAt    time.Time  `json:"verifiedAt"`
}

// RPCClient abstracts the go-ethereum client for testing.
type RPCClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// ConsumedStore persists the consumed-tx set across restarts.
type ConsumedStore interface {
	ConsumeTx(ctx context.Context, txHash, invoiceID string) error
	ListConsumedTx(ctx context.Context) ([]string, error)
}

// Config for the verifier.
type Config struct {
	RPCURL         string
	USDCContract   common.Address
	Recipient      common.Address
	Confirmations  uint64        // default 3
	PollInterval   time.Duration // default 5s
	LookbackBlocks uint64        // default 50
}

// Verifier checks settlement transactions against the USDC contract.
type Verifier struct {
	client RPCClient
	store  ConsumedStore
	cfg    Config
	logger *slog.Logger

	retryAttempts int
	retryBase     time.Duration
	retryCap      time.Duration

	// consumed guards against a tx hash settling two invoices.
	mu       sync.Mutex
	consumed map[string]bool
}

// Option configures the verifier.
type Option func(*Verifier)

// WithClient sets a custom RPC client (useful for testing).
func WithClient(client RPCClient) Option {
	return func(v *Verifier) { v.client = client }
}

// WithRetryPolicy overrides the RPC retry schedule.
func WithRetryPolicy(maxAttempts int, base, cap time.Duration) Option {
	return func(v *Verifier) {
		v.retryAttempts = maxAttempts
		v.retryBase = base
		v.retryCap = cap
	}
}

// New creates a verifier. The consumed-tx set is warmed from the store
// so restarts cannot double-accept a hash.
func New(ctx context.Context, cfg Config, store ConsumedStore, logger *slog.Logger, opts ...Option) (*Verifier, error) {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 50
	}

	v := &Verifier{
		store:         store,
		cfg:           cfg,
		logger:        logger,
		retryAttempts: retry.DefaultMaxAttempts,
		retryBase:     retry.DefaultBaseDelay,
		retryCap:      retry.DefaultMaxDelay,
		consumed:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCDial, err)
		}
		v.client = client
	}

	hashes, err := store.ListConsumedTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle: warm consumed set: %w", err)
	}
	for _, h := range hashes {
		v.consumed[strings.ToLower(h)] = true
	}

	return v, nil
}

// Verify checks a settlement transaction. On success the tx hash is
// consumed, atomically with the durable record, so no later invoice can
// reuse it. Network errors never panic; after retry exhaustion the
// result carries reason "rpc_unavailable".
func (v *Verifier) Verify(ctx context.Context, txHash string, minAmount usdc.Micro, expectedSender string, invoiceID string) Result {
	key := strings.ToLower(txHash)

	v.mu.Lock()
	used := v.consumed[key]
	v.mu.Unlock()
	if used {
		return Result{Reason: ReasonTxAlreadyUsed}
	}

	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	err := v.rpc(ctx, func() error {
		var err error
		receipt, err = v.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return Result{Reason: ReasonReceiptNotFound}
	}
	if err != nil {
		return Result{Reason: ReasonRPCUnavailable}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{Reason: ReasonTxFailed}
	}

	sender, amount, ok := v.matchTransfer(receipt.Logs)
	if !ok {
		return Result{Reason: ReasonNoTransfer}
	}

	micro, ok := usdc.FromRaw(amount)
	if !ok {
		return Result{Reason: ReasonAmountOutOfRange}
	}

	res := Result{
		Amount: micro,
		Sender: sender.Hex(),
		Block:  receipt.BlockNumber.Uint64(),
	}

	if micro < minAmount {
		res.Reason = ReasonAmountTooLow
		return res
	}
	if expectedSender != "" && !strings.EqualFold(sender.Hex(), expectedSender) {
		res.Reason = ReasonSenderMismatch
		return res
	}

	var head uint64
	if err := v.rpc(ctx, func() error {
		var err error
		head, err = v.client.BlockNumber(ctx)
		return err
	}); err != nil {
		res.Reason = ReasonRPCUnavailable
		return res
	}

	if head >= res.Block {
		res.Confirmations = head - res.Block
	}
	if res.Confirmations < v.cfg.Confirmations {
		res.Reason = ReasonUnconfirmed
		return res
	}

	// Consume the hash before reporting verified. The in-memory set and
	// the durable record move together under the lock.
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.consumed[key] {
		return Result{Reason: ReasonTxAlreadyUsed}
	}
	if err := v.store.ConsumeTx(ctx, key, invoiceID); err != nil {
		v.logger.Error("failed to persist consumed tx", "tx", txHash, "error", err)
		return Result{Reason: ReasonTxAlreadyUsed}
	}
	v.consumed[key] = true

	res.Verified = true
	return res
}

// WaitVerified polls Verify until the settlement confirms, the deadline
// passes, or a terminal mismatch appears.
func (v *Verifier) WaitVerified(ctx context.Context, txHash string, minAmount usdc.Micro, expectedSender, invoiceID string, deadline time.Time) (Result, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	var last Result
	for {
		last = v.Verify(ctx, txHash, minAmount, expectedSender, invoiceID)
		if last.Verified {
			return last, nil
		}
		switch last.Reason {
		case ReasonTxFailed, ReasonTxAlreadyUsed, ReasonSenderMismatch, ReasonAmountTooLow, ReasonNoTransfer:
			return last, fmt.Errorf("settle: settlement rejected: %s", last.Reason)
		}

		select {
		case <-ctx.Done():
			return last, ErrWatchTimeout
		case <-ticker.C:
		}
	}
}

// Watch long-polls recent Transfer logs for an inbound settlement of at
// least minAmount to the recipient, until deadline. Returns the first
// matching unconsumed tx hash.
func (v *Verifier) Watch(ctx context.Context, minAmount usdc.Micro, expectedSender string, deadline time.Time) (string, error) {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(v.cfg.PollInterval)
	defer ticker.Stop()

	for {
		hash, found, err := v.scanRecent(ctx, minAmount, expectedSender)
		if err != nil {
			v.logger.Warn("settlement scan failed", "error", err)
		}
		if found {
			return hash, nil
		}

		select {
		case <-ctx.Done():
			return "", ErrWatchTimeout
		case <-ticker.C:
		}
	}
}

// scanRecent filters the last LookbackBlocks for matching transfers.
func (v *Verifier) scanRecent(ctx context.Context, minAmount usdc.Micro, expectedSender string) (string, bool, error) {
	var head uint64
	if err := v.rpc(ctx, func() error {
		var err error
		head, err = v.client.BlockNumber(ctx)
		return err
	}); err != nil {
		return "", false, err
	}

	from := uint64(0)
	if head > v.cfg.LookbackBlocks {
		from = head - v.cfg.LookbackBlocks
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{v.cfg.USDCContract},
		Topics: [][]common.Hash{
			{transferEventSig},
			nil, // any sender
			{common.BytesToHash(v.cfg.Recipient.Bytes())},
		},
	}

	var logs []types.Log
	if err := v.rpc(ctx, func() error {
		var err error
		logs, err = v.client.FilterLogs(ctx, query)
		return err
	}); err != nil {
		return "", false, err
	}

	for _, vLog := range logs {
		if len(vLog.Topics) < 3 {
			continue
		}
		amount, ok := usdc.FromRaw(new(big.Int).SetBytes(vLog.Data))
		if !ok || amount < minAmount {
			continue
		}
		if expectedSender != "" {
			sender := common.HexToAddress(vLog.Topics[1].Hex())
			if !strings.EqualFold(sender.Hex(), expectedSender) {
				continue
			}
		}

		hash := strings.ToLower(vLog.TxHash.Hex())
		v.mu.Lock()
		used := v.consumed[hash]
		v.mu.Unlock()
		if used {
			continue
		}
		return vLog.TxHash.Hex(), true, nil
	}

	return "", false, nil
}

// matchTransfer finds the first Transfer log on the USDC contract whose
// recipient is ours. Topics[1] = from, Topics[2] = to, Data = amount.
func (v *Verifier) matchTransfer(logs []*types.Log) (common.Address, *big.Int, bool) {
	for _, vLog := range logs {
		if vLog.Address != v.cfg.USDCContract {
			continue
		}
		if len(vLog.Topics) < 3 || vLog.Topics[0] != transferEventSig {
			continue
		}
		to := common.HexToAddress(vLog.Topics[2].Hex())
		if to != v.cfg.Recipient {
			continue
		}
		from := common.HexToAddress(vLog.Topics[1].Hex())
		return from, new(big.Int).SetBytes(vLog.Data), true
	}
	return common.Address{}, nil, false
}

func (v *Verifier) rpc(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, v.retryAttempts, v.retryBase, v.retryCap, fn)
}

// Close releases the RPC connection.
func (v *Verifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}
