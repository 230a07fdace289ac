// Package provider implements the BTCPay Server Greenfield API client used to
// create and poll Lightning invoices.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kioskpay/kioskpay/internal/circuitbreaker"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/payment"
	"github.com/kioskpay/kioskpay/internal/traces"
)

// Name identifies this provider on invoice records.
const Name = "btcpay"

// ErrUnavailable is returned when the provider cannot be reached or the
// circuit is open.
var ErrUnavailable = errors.New("provider unavailable")

// StatusError reports a non-2xx provider response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// BTCPay is a Greenfield API client scoped to one store.
type BTCPay struct {
	baseURL string
	apiKey  string
	storeID string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// New creates a BTCPay client. timeout bounds each API call.
func New(baseURL, apiKey, storeID string, timeout time.Duration) *BTCPay {
	return &BTCPay{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		storeID: storeID,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// invoiceResponse is the Greenfield invoice resource subset we consume.
type invoiceResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CheckoutLink   string `json:"checkoutLink"`
	ExpirationTime int64  `json:"expirationTime"` // unix seconds
}

// paymentMethodResponse carries the BOLT11 destination for the LN method.
type paymentMethodResponse struct {
	PaymentMethodID string `json:"paymentMethodId"`
	Destination     string `json:"destination"`
	Amount          string `json:"amount"`
}

// CreateInvoice creates a Lightning invoice for the payment and resolves its
// BOLT11 payment request.
func (b *BTCPay) CreateInvoice(ctx context.Context, p *payment.PaymentRequest) (*payment.Invoice, error) {
	ctx, span := traces.StartSpan(ctx, "provider.create_invoice",
		traces.ProviderOperation("create_invoice"),
		traces.PaymentID(p.ID),
	)
	defer span.End()

	body := map[string]any{
		"amount":   p.Amount.String(),
		"currency": p.Currency,
		"metadata": map[string]any{
			"orderId":   p.ExternalCode,
			"paymentId": p.ID,
		},
		"checkout": map[string]any{
			"expirationMinutes": int(time.Until(p.MonitorUntil).Minutes()) + 1,
			"redirectURL":       p.RedirectURL,
		},
	}

	var inv invoiceResponse
	path := fmt.Sprintf("/api/v1/stores/%s/invoices", b.storeID)
	if err := b.do(ctx, "create_invoice", http.MethodPost, path, body, &inv); err != nil {
		return nil, err
	}

	out := &payment.Invoice{
		Provider:          Name,
		ProviderInvoiceID: inv.ID,
		CheckoutLink:      inv.CheckoutLink,
	}
	if inv.ExpirationTime > 0 {
		t := time.Unix(inv.ExpirationTime, 0).UTC()
		out.ExpiresAt = &t
	}

	bolt11, sats, err := b.lightningDestination(ctx, inv.ID)
	if err != nil {
		// The invoice exists even if the method lookup failed; surface the
		// checkout link and let the monitor settle the rest.
		logging.L(ctx).Warn("lightning destination lookup failed", "invoice_id", inv.ID, "error", err)
	}
	out.Bolt11 = bolt11
	out.AmountSats = sats

	return out, nil
}

// lightningDestination fetches the invoice's payment methods and returns the
// BOLT11 string plus the satoshi amount of the Lightning method.
func (b *BTCPay) lightningDestination(ctx context.Context, invoiceID string) (string, int64, error) {
	var methods []paymentMethodResponse
	path := fmt.Sprintf("/api/v1/stores/%s/invoices/%s/payment-methods", b.storeID, invoiceID)
	if err := b.do(ctx, "payment_methods", http.MethodGet, path, nil, &methods); err != nil {
		return "", 0, err
	}
	for _, m := range methods {
		if !strings.Contains(m.PaymentMethodID, "LN") {
			continue
		}
		var sats int64
		if btc, err := parseBTC(m.Amount); err == nil {
			sats = btc
		}
		return m.Destination, sats, nil
	}
	return "", 0, fmt.Errorf("no lightning payment method on invoice %s", invoiceID)
}

// InvoiceHint polls the invoice and maps its status onto a lifecycle hint.
func (b *BTCPay) InvoiceHint(ctx context.Context, providerInvoiceID string) (payment.Hint, error) {
	ctx, span := traces.StartSpan(ctx, "provider.invoice_status",
		traces.ProviderOperation("get_invoice"),
		traces.InvoiceID(providerInvoiceID),
	)
	defer span.End()

	var inv invoiceResponse
	path := fmt.Sprintf("/api/v1/stores/%s/invoices/%s", b.storeID, providerInvoiceID)
	if err := b.do(ctx, "get_invoice", http.MethodGet, path, nil, &inv); err != nil {
		return "", err
	}
	return HintForInvoiceStatus(inv.Status), nil
}

// HintForInvoiceStatus maps a Greenfield invoice status onto a lifecycle hint.
// Unknown statuses are treated as still pending.
func HintForInvoiceStatus(status string) payment.Hint {
	switch strings.ToLower(status) {
	case "settled", "paid", "complete":
		return payment.HintPaid
	case "expired":
		return payment.HintExpired
	case "invalid":
		return payment.HintInvalid
	default:
		return payment.HintStillPending
	}
}

// do executes one Greenfield API call with circuit breaking and metrics.
func (b *BTCPay) do(ctx context.Context, operation, method, path string, body, out any) error {
	if !b.breaker.Allow() {
		metrics.ProviderRequestsTotal.WithLabelValues(operation, "circuit_open").Inc()
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+b.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	timer := prometheus.NewTimer(metrics.ProviderRequestDuration.WithLabelValues(operation))
	resp, err := b.client.Do(req)
	timer.ObserveDuration()
	if err != nil {
		b.breaker.RecordFailure()
		metrics.ProviderRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		b.breaker.RecordFailure()
		metrics.ProviderRequestsTotal.WithLabelValues(operation, "error").Inc()
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode >= 500 {
			b.breaker.RecordFailure()
		} else {
			b.breaker.RecordSuccess()
		}
		metrics.ProviderRequestsTotal.WithLabelValues(operation, "error").Inc()
		return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	b.breaker.RecordSuccess()
	metrics.ProviderRequestsTotal.WithLabelValues(operation, "ok").Inc()

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// parseBTC converts a BTC decimal string into satoshis.
func parseBTC(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 8 {
		frac = frac[:8]
	}
	frac += strings.Repeat("0", 8-len(frac))
	var sats int64
	if _, err := fmt.Sscanf(whole+frac, "%d", &sats); err != nil {
		return 0, err
	}
	return sats, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
