// Package kioskclient is the Go client for the kioskpay API. It handles
// token auth, payment operations, and the server-sent event stream.
package kioskclient

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CreatePaymentRequest is the body of POST /api/v1/payments.
type CreatePaymentRequest struct {
	PaymentMethod  string          `json:"payment_method"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ExternalCode   string          `json:"external_code"`
	Description    string          `json:"description,omitempty"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	IdempotencyKey string          `json:"-"`
}

// Amount is the money sub-object of a payment snapshot.
type Amount struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Invoice is the provider invoice attached once the payment is PENDING.
type Invoice struct {
	Provider          string     `json:"provider"`
	ProviderInvoiceID string     `json:"provider_invoice_id"`
	CheckoutLink      string     `json:"checkout_link"`
	Bolt11            string     `json:"bolt11"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AmountSats        int64      `json:"amount_sats,omitempty"`
}

// Payment is the observable state of a payment request.
type Payment struct {
	PaymentID        string         `json:"payment_id"`
	Status           string         `json:"status"`
	Amount           Amount         `json:"amount"`
	ExternalCode     string         `json:"external_code"`
	Metadata         map[string]any `json:"metadata"`
	Invoice          *Invoice       `json:"invoice,omitempty"`
	LightningInvoice string         `json:"lightning_invoice,omitempty"`
	MonitorUntil     time.Time      `json:"monitor_until"`
	CreatedAt        time.Time      `json:"created_at"`
	FinalizedAt      *time.Time     `json:"finalized_at,omitempty"`
	StatusReason     string         `json:"status_reason,omitempty"`
}

// Terminal reports whether the payment has reached an absorbing state.
func (p *Payment) Terminal() bool {
	switch p.Status {
	case "PAID", "EXPIRED", "TIMED_OUT", "FAILED", "CANCELED":
		return true
	}
	return false
}

// PaymentList is the response of GET /api/v1/payments.
type PaymentList struct {
	Payments   []*Payment `json:"payments"`
	HasMore    bool       `json:"has_more"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// Event is a single frame from the event stream. Payload is the payment
// snapshot current at the time the event was recorded.
type Event struct {
	Seq     int64
	Type    string
	Payload json.RawMessage
}

// Payment decodes the event payload as a payment snapshot.
func (e *Event) Payment() (*Payment, error) {
	var p Payment
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &p, nil
}

// APIError is a non-2xx response from the API.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Detail)
}

type tokenRequest struct {
	MachineID  string `json:"machine_id"`
	Password   string `json:"password"`
	DeviceInfo string `json:"device_info,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
