// Package payment implements the HTTP 402 invoice flow: parse the
// invoice, reserve budget, pay in USDC on Base, wait for settlement,
// then retry the request with the receipt attached.
package payment

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mishablank/treasury-sentinel/internal/usdc"
)

// ReceiptHeader carries the settlement proof on the resumed request.
const ReceiptHeader = "X-Payment-Receipt"

// Invoice lifecycle statuses. A Record lands on CONFIRMED once the
// settlement verifies and the budget commits.
const (
	StatusPending   = "PENDING"
	StatusSubmitted = "SUBMITTED"
	StatusVerified  = "VERIFIED"
	StatusConfirmed = "CONFIRMED"
	StatusExpired   = "EXPIRED"
	StatusFailed    = "FAILED"
)

// Invoice is the body of a 402 Payment Required response.
type Invoice struct {
	InvoiceID      string      `json:"invoice_id"`
	AmountUSDC     json.Number `json:"amount_usdc"`
	PaymentAddress string      `json:"payment_address"`
	ExpiresAt      time.Time   `json:"expires_at"`
	Endpoint       string      `json:"endpoint"`
}

// Amount returns the invoiced amount in micro-USDC.
func (inv *Invoice) Amount() (usdc.Micro, error) {
	m, ok := usdc.Parse(inv.AmountUSDC.String())
	if !ok || m <= 0 {
		return 0, fmt.Errorf("payment: invalid invoice amount %q", inv.AmountUSDC)
	}
	return m, nil
}

// Expired reports whether the invoice deadline has passed.
func (inv *Invoice) Expired(now time.Time) bool {
	return !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt)
}

// ParseInvoice extracts an invoice from a 402 response.
func ParseInvoice(resp *http.Response) (*Invoice, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("payment: not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("payment: read invoice: %w", err)
	}

	var inv Invoice
	if err := json.Unmarshal(body, &inv); err != nil {
		return nil, fmt.Errorf("payment: parse invoice: %w", err)
	}
	if inv.InvoiceID == "" {
		return nil, fmt.Errorf("payment: invoice missing invoice_id")
	}
	if inv.PaymentAddress == "" {
		return nil, fmt.Errorf("payment: invoice missing payment_address")
	}
	return &inv, nil
}

// Receipt proves a settled invoice to the upstream gateway.
type Receipt struct {
	InvoiceID string     `json:"invoice_id"`
	TxHash    string     `json:"tx_hash"`
	Payer     string     `json:"payer"`
	Amount    usdc.Micro `json:"amount_micro_usdc"`
	PaidAt    int64      `json:"paid_at"`
}

// Header returns the X-Payment-Receipt value: the settlement tx hash.
// Gateways look the payment up on chain; the hash is the whole proof.
func (r *Receipt) Header() string {
	return r.TxHash
}

// Record is the durable payment row written for every attempted invoice.
type Record struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	InvoiceID     string     `json:"invoice_id"`
	Endpoint      string     `json:"endpoint"`
	Amount        usdc.Micro `json:"amount_micro_usdc"`
	TxHash        string     `json:"tx_hash,omitempty"`
	Status        string     `json:"status"`
	Reason        string     `json:"reason,omitempty"`
	BlockNumber   uint64     `json:"block_number,omitempty"`
	Confirmations uint64     `json:"confirmations,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
