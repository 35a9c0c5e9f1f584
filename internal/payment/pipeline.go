package payment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mishablank/treasury-sentinel/internal/budget"
	"github.com/mishablank/treasury-sentinel/internal/idgen"
	"github.com/mishablank/treasury-sentinel/internal/metrics"
	"github.com/mishablank/treasury-sentinel/internal/settle"
	"github.com/mishablank/treasury-sentinel/internal/usdc"
	"github.com/mishablank/treasury-sentinel/internal/wallet"
)

// Kind classifies pipeline failures for the caller.
type Kind string

const (
	KindBudgetBlocked       Kind = "budget_blocked"
	KindInvoiceExpired      Kind = "invoice_expired"
	KindVerificationTimeout Kind = "verification_timeout"
	KindSettlementFailed    Kind = "settlement_failed"
	KindUpstreamError       Kind = "upstream_error"
)

// Error is a classified pipeline failure.
type Error struct {
	Kind      Kind
	InvoiceID string
	Err       error
}

func (e *Error) Error() string {
	if e.InvoiceID != "" {
		return fmt.Sprintf("payment: %s (invoice %s): %v", e.Kind, e.InvoiceID, e.Err)
	}
	return fmt.Sprintf("payment: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Verifier is the settlement check the pipeline blocks on.
type Verifier interface {
	WaitVerified(ctx context.Context, txHash string, minAmount usdc.Micro, expectedSender, invoiceID string, deadline time.Time) (settle.Result, error)
}

// Pipeline walks one paid request end to end: request, invoice, budget
// reservation, USDC transfer, settlement wait, resumed request.
type Pipeline struct {
	httpClient *http.Client
	payer      wallet.Payer
	verifier   Verifier
	ledger     *budget.Ledger
	logger     *slog.Logger

	// maxPayment caps any single invoice independently of the budget.
	maxPayment usdc.Micro

	// invoiceTTL is the settlement deadline for invoices that carry no
	// expiry of their own.
	invoiceTTL time.Duration

	now func() time.Time

	// verified remembers settled invoices so a replayed invoice id
	// resolves to the same receipt without spending again.
	mu       sync.Mutex
	verified map[string]*Receipt
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) { p.httpClient = c }
}

// WithMaxPayment rejects any single invoice above the cap.
func WithMaxPayment(max usdc.Micro) Option {
	return func(p *Pipeline) { p.maxPayment = max }
}

// WithInvoiceTTL sets the settlement deadline applied to invoices
// without an expiry of their own.
func WithInvoiceTTL(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.invoiceTTL = d
		}
	}
}

// WithClock overrides the wall clock (tests).
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline over a funded payer wallet.
func New(payer wallet.Payer, verifier Verifier, ledger *budget.Ledger, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		payer:      payer,
		verifier:   verifier,
		ledger:     ledger,
		logger:     logger,
		invoiceTTL: 15 * time.Minute,
		now:        time.Now,
		verified:   make(map[string]*Receipt),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Fetch performs the request, paying one 402 invoice if the upstream
// demands it. A caller holding a budget reservation for the estimated
// cost passes it in; the pipeline adjusts it to the invoiced amount so
// committed spend always equals what the invoice charged. With a nil
// reservation the pipeline reserves for itself.
//
// On any failure after reserving, the reservation is released: spent
// budget only ever reflects verified settlements. The returned Record
// is non-nil whenever an invoice was parsed, terminal status included.
func (p *Pipeline) Fetch(ctx context.Context, req *http.Request, runID string, res *budget.Reservation) (*http.Response, *Record, error) {
	// Buffer the body so the request can be resent with the receipt.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, nil, &Error{Kind: KindUpstreamError, Err: err}
		}
		_ = req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}

	resp, err := p.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return nil, nil, &Error{Kind: KindUpstreamError, Err: err}
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil, nil
	}

	inv, err := ParseInvoice(resp)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, &Error{Kind: KindUpstreamError, Err: err}
	}

	rec := &Record{
		ID:        idgen.WithPrefix("pay_"),
		RunID:     runID,
		InvoiceID: inv.InvoiceID,
		Endpoint:  inv.Endpoint,
		Status:    StatusPending,
		CreatedAt: p.now().UTC(),
	}
	rec.UpdatedAt = rec.CreatedAt

	resp2, err := p.payAndRetry(ctx, req, bodyBytes, inv, rec, res)
	if err != nil {
		metrics.PaymentsTotal.WithLabelValues(rec.Status).Inc()
		return nil, rec, err
	}
	metrics.PaymentsTotal.WithLabelValues(rec.Status).Inc()
	return resp2, rec, nil
}

func (p *Pipeline) payAndRetry(ctx context.Context, req *http.Request, bodyBytes []byte, inv *Invoice, rec *Record, res *budget.Reservation) (*http.Response, error) {
	amount, err := inv.Amount()
	if err != nil {
		return nil, p.fail(rec, nil, StatusFailed, &Error{Kind: KindUpstreamError, InvoiceID: inv.InvoiceID, Err: err})
	}
	rec.Amount = amount

	// A replayed invoice id that already settled resolves to the same
	// receipt; no reservation, no second transfer.
	p.mu.Lock()
	prior := p.verified[inv.InvoiceID]
	p.mu.Unlock()
	if prior != nil {
		if res != nil {
			p.ledger.Release(res)
		}
		rec.TxHash = prior.TxHash
		rec.Status = StatusConfirmed
		rec.Reason = "replayed"
		rec.UpdatedAt = p.now().UTC()
		return p.resume(ctx, req, bodyBytes, inv, prior)
	}

	if inv.Expired(p.now()) {
		return nil, p.fail(rec, res, StatusExpired,
			&Error{Kind: KindInvoiceExpired, InvoiceID: inv.InvoiceID, Err: fmt.Errorf("expired at %s", inv.ExpiresAt.Format(time.RFC3339))})
	}
	if p.maxPayment > 0 && amount > p.maxPayment {
		return nil, p.fail(rec, res, StatusFailed,
			&Error{Kind: KindSettlementFailed, InvoiceID: inv.InvoiceID, Err: fmt.Errorf("invoice %s exceeds per-payment cap %s", amount, p.maxPayment)})
	}

	// Hold budget for the exact invoiced amount.
	if res == nil {
		held, err := p.ledger.Reserve(amount)
		if err != nil {
			if errors.Is(err, budget.ErrInsufficientFunds) {
				return nil, p.fail(rec, nil, StatusFailed, &Error{Kind: KindBudgetBlocked, InvoiceID: inv.InvoiceID, Err: err})
			}
			return nil, p.fail(rec, nil, StatusFailed, &Error{Kind: KindSettlementFailed, InvoiceID: inv.InvoiceID, Err: err})
		}
		res = held
	} else if err := p.ledger.Adjust(res, amount); err != nil {
		if errors.Is(err, budget.ErrInsufficientFunds) {
			return nil, p.fail(rec, res, StatusFailed, &Error{Kind: KindBudgetBlocked, InvoiceID: inv.InvoiceID, Err: err})
		}
		return nil, p.fail(rec, res, StatusFailed, &Error{Kind: KindSettlementFailed, InvoiceID: inv.InvoiceID, Err: err})
	}

	result, err := p.payer.Transfer(ctx, common.HexToAddress(inv.PaymentAddress), amount)
	if err != nil {
		return nil, p.fail(rec, res, StatusFailed, &Error{Kind: KindSettlementFailed, InvoiceID: inv.InvoiceID, Err: err})
	}
	rec.TxHash = result.TxHash
	rec.Status = StatusSubmitted
	rec.UpdatedAt = p.now().UTC()
	p.logger.Info("payment submitted",
		"invoice_id", inv.InvoiceID, "tx", result.TxHash, "amount", amount.String())

	deadline := inv.ExpiresAt
	if deadline.IsZero() {
		deadline = p.now().Add(p.invoiceTTL)
	}
	verified, err := p.verifier.WaitVerified(ctx, result.TxHash, amount, p.payer.Address(), inv.InvoiceID, deadline)
	if err != nil {
		kind := KindSettlementFailed
		status := StatusFailed
		if errors.Is(err, settle.ErrWatchTimeout) {
			if ctx.Err() != nil {
				// The run deadline fired before the invoice TTL did.
				kind = KindVerificationTimeout
			} else {
				kind = KindInvoiceExpired
				status = StatusExpired
			}
		}
		rec.Reason = verified.Reason
		return nil, p.fail(rec, res, status, &Error{Kind: kind, InvoiceID: inv.InvoiceID, Err: err})
	}

	if err := p.ledger.Commit(res); err != nil {
		return nil, p.fail(rec, res, StatusFailed, &Error{Kind: KindSettlementFailed, InvoiceID: inv.InvoiceID, Err: err})
	}
	rec.Status = StatusConfirmed
	rec.BlockNumber = verified.Block
	rec.Confirmations = verified.Confirmations
	settledAt := p.now().UTC()
	rec.SettledAt = &settledAt
	rec.UpdatedAt = settledAt

	receipt := &Receipt{
		InvoiceID: inv.InvoiceID,
		TxHash:    result.TxHash,
		Payer:     p.payer.Address(),
		Amount:    verified.Amount, // observed amount; overpayment is kept
		PaidAt:    p.now().Unix(),
	}
	p.mu.Lock()
	p.verified[inv.InvoiceID] = receipt
	p.mu.Unlock()

	return p.resume(ctx, req, bodyBytes, inv, receipt)
}

// resume replays the original request with proof of payment attached.
func (p *Pipeline) resume(ctx context.Context, req *http.Request, bodyBytes []byte, inv *Invoice, receipt *Receipt) (*http.Response, error) {
	retryReq := req.Clone(ctx)
	if bodyBytes != nil {
		retryReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	}
	retryReq.Header.Set(ReceiptHeader, receipt.Header())

	resp, err := p.httpClient.Do(retryReq)
	if err != nil {
		return nil, &Error{Kind: KindUpstreamError, InvoiceID: inv.InvoiceID, Err: err}
	}
	if resp.StatusCode == http.StatusPaymentRequired {
		// The gateway refused a verified receipt; budget stays spent,
		// the settlement is on chain either way.
		_ = resp.Body.Close()
		return nil, &Error{Kind: KindUpstreamError, InvoiceID: inv.InvoiceID,
			Err: errors.New("gateway rejected verified receipt")}
	}
	return resp, nil
}

// fail stamps the record terminal and releases any held reservation.
func (p *Pipeline) fail(rec *Record, res *budget.Reservation, status string, perr *Error) error {
	if res != nil {
		p.ledger.Release(res)
	}
	rec.Status = status
	if rec.Reason == "" {
		rec.Reason = string(perr.Kind)
	}
	rec.UpdatedAt = p.now().UTC()
	p.logger.Warn("payment failed",
		"invoice_id", rec.InvoiceID, "kind", string(perr.Kind), "error", perr.Err)
	return perr
}
