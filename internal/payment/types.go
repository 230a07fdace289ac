// Package payment implements the payment lifecycle engine: the per-payment
// state machine, the per-client event log, and the idempotency guard.
package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kioskpay/kioskpay/internal/validation"
)

// Status is a payment lifecycle state.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusExpired  Status = "EXPIRED"
	StatusTimedOut Status = "TIMED_OUT"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusExpired, StatusTimedOut, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusPending || to == StatusFailed || to == StatusCanceled
	case StatusPending:
		return to.Terminal()
	}
	return false
}

// Hint is an advisory transition request from the webhook ingress or the
// monitoring worker. Disallowed hints are ignored, never errors.
type Hint string

const (
	HintPaid         Hint = "PAID"
	HintExpired      Hint = "EXPIRED"
	HintInvalid      Hint = "INVALID"
	HintStillPending Hint = "STILL_PENDING"
	HintTimedOut     Hint = "TIMED_OUT"
	HintFailed       Hint = "FAILED"
)

// TargetStatus maps a hint to the status it requests. STILL_PENDING requests
// no transition and returns ok=false.
func (h Hint) TargetStatus() (Status, bool) {
	switch h {
	case HintPaid:
		return StatusPaid, true
	case HintExpired:
		return StatusExpired, true
	case HintInvalid, HintFailed:
		return StatusFailed, true
	case HintTimedOut:
		return StatusTimedOut, true
	}
	return "", false
}

// Well-known status_reason values.
const (
	ReasonProviderError         = "PROVIDER_ERROR"
	ReasonProviderUnreachable   = "PROVIDER_UNREACHABLE"
	ReasonMonitorWindowExceeded = "MONITOR_WINDOW_EXCEEDED"
	ReasonClientCanceled        = "CLIENT_CANCELED"
)

// EventType tags entries in the per-client event log.
type EventType string

const (
	EventCreated        EventType = "payment.created"
	EventInvoiceCreated EventType = "payment.invoice_created"
	EventStatusChanged  EventType = "payment.status_changed"
	EventPaid           EventType = "payment.paid"
	EventExpired        EventType = "payment.expired"
	EventTimedOut       EventType = "payment.timed_out"
	EventFailed         EventType = "payment.failed"
	// EventKeepalive is synthetic: emitted on idle streams, never persisted,
	// carries no seq.
	EventKeepalive EventType = "keepalive"
)

// TerminalEventType returns the log event type for a terminal status.
// CANCELED has no dedicated type and is recorded as a status change.
func TerminalEventType(s Status) EventType {
	switch s {
	case StatusPaid:
		return EventPaid
	case StatusExpired:
		return EventExpired
	case StatusTimedOut:
		return EventTimedOut
	case StatusFailed:
		return EventFailed
	default:
		return EventStatusChanged
	}
}

// Invoice is the provider invoice sub-record, set at most once.
type Invoice struct {
	Provider          string     `json:"provider"`
	ProviderInvoiceID string     `json:"provider_invoice_id"`
	CheckoutLink      string     `json:"checkout_link"`
	Bolt11            string     `json:"bolt11"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	AmountSats        int64      `json:"amount_sats,omitempty"`
}

// PaymentRequest is a single payment through its lifecycle.
type PaymentRequest struct {
	ID             string
	ClientID       string
	Status         Status
	Amount         decimal.Decimal
	Currency       string
	PaymentMethod  string
	ExternalCode   string
	Description    string
	CallbackURL    string
	RedirectURL    string
	Metadata       map[string]any
	Invoice        *Invoice
	MonitorUntil   time.Time
	CreatedAt      time.Time
	FinalizedAt    *time.Time
	StatusReason   string
	IdempotencyKey string
}

// Event is a persisted per-client event log entry. Seq is dense per client,
// starting at 1, assigned in the same transaction as the payment mutation.
type Event struct {
	Seq       int64           `json:"seq"`
	ClientID  string          `json:"client_id"`
	PaymentID string          `json:"payment_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Snapshot renders the payment's observable state, used both as the API
// response body and as event payloads.
func (p *PaymentRequest) Snapshot() map[string]any {
	out := map[string]any{
		"payment_id":    p.ID,
		"status":        string(p.Status),
		"monitor_until": p.MonitorUntil.UTC().Format(time.RFC3339Nano),
		"amount": map[string]any{
			"amount":   p.Amount.String(),
			"currency": p.Currency,
		},
		"external_code": p.ExternalCode,
		"created_at":    p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if p.Metadata != nil {
		out["metadata"] = p.Metadata
	} else {
		out["metadata"] = map[string]any{}
	}
	if p.Invoice != nil {
		inv := map[string]any{
			"provider":            p.Invoice.Provider,
			"provider_invoice_id": p.Invoice.ProviderInvoiceID,
			"checkout_link":       p.Invoice.CheckoutLink,
			"bolt11":              p.Invoice.Bolt11,
		}
		if p.Invoice.ExpiresAt != nil {
			inv["expires_at"] = p.Invoice.ExpiresAt.UTC().Format(time.RFC3339Nano)
		}
		if p.Invoice.AmountSats > 0 {
			inv["amount_sats"] = p.Invoice.AmountSats
		}
		out["invoice"] = inv
		out["lightning_invoice"] = p.Invoice.Bolt11
	}
	if p.FinalizedAt != nil {
		out["finalized_at"] = p.FinalizedAt.UTC().Format(time.RFC3339Nano)
	}
	if p.StatusReason != "" {
		out["status_reason"] = p.StatusReason
	}
	return out
}

// PayloadJSON serializes the snapshot for event persistence.
func (p *PaymentRequest) PayloadJSON() json.RawMessage {
	raw, _ := json.Marshal(p.Snapshot())
	return raw
}

// CreateRequest is the body of POST /api/v1/payments.
type CreateRequest struct {
	PaymentMethod  string          `json:"payment_method"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	ExternalCode   string          `json:"external_code"`
	Description    string          `json:"description"`
	CallbackURL    string          `json:"callback_url"`
	RedirectURL    string          `json:"redirect_url"`
	Metadata       map[string]any  `json:"metadata"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// PaymentMethodLightning is the only payment method currently accepted.
const PaymentMethodLightning = "BTC_LN"

// ErrValidation is a sentinel for validation failures. Validate does not wrap
// it; it returns validation.ValidationErrors directly.
var ErrValidation = errors.New("validation failed")

// Validate checks a create request. maxMetadataBytes bounds the serialized
// metadata size.
func (r *CreateRequest) Validate(maxMetadataBytes int) error {
	errs := validation.Validate(
		validation.Required("external_code", r.ExternalCode),
		validation.LengthBetween("external_code", r.ExternalCode, 1, 64),
		validation.Required("currency", r.Currency),
		validation.ValidCurrency("currency", r.Currency),
		validation.ValidCallbackURL("callback_url", r.CallbackURL),
		validation.ValidCallbackURL("redirect_url", r.RedirectURL),
		validation.ValidMetadata("metadata", r.Metadata, maxMetadataBytes),
		validation.MaxLength("description", r.Description, validation.MaxStringLength),
		validation.MaxLength("idempotency_key", r.IdempotencyKey, 255),
	)
	if r.PaymentMethod != PaymentMethodLightning {
		errs = append(errs, validation.ValidationError{Field: "payment_method", Message: "must be BTC_LN"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, validation.ValidationError{Field: "amount", Message: "must be greater than zero"})
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Fingerprint computes the canonical request fingerprint used by the
// idempotency guard: SHA-256 over amount, currency, external_code,
// payment_method, and metadata with sorted keys.
func (r *CreateRequest) Fingerprint() string {
	canon := map[string]any{
		"amount":         r.Amount.String(),
		"currency":       r.Currency,
		"external_code":  r.ExternalCode,
		"payment_method": r.PaymentMethod,
		"metadata":       canonicalMetadata(r.Metadata),
	}
	raw, _ := json.Marshal(canon)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// canonicalMetadata re-encodes metadata as sorted key/value pairs so map
// ordering cannot change the fingerprint.
func canonicalMetadata(m map[string]any) []any {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(m[k])
		pairs = append(pairs, k, string(v))
	}
	return pairs
}
