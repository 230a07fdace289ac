// Package webhookin receives provider webhook notifications, verifies their
// signatures, and converts them into lifecycle hints.
package webhookin

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/payment"
)

// SignatureHeader carries the HMAC of the raw request body.
const SignatureHeader = "Provider-Sig"

// maxBodyBytes bounds the webhook payload we are willing to read.
const maxBodyBytes = 64 * 1024

// defaultEventHints maps Greenfield webhook types onto lifecycle hints.
var defaultEventHints = map[string]payment.Hint{
	"InvoiceSettled":         payment.HintPaid,
	"InvoicePaymentSettled":  payment.HintPaid,
	"InvoiceExpired":         payment.HintExpired,
	"InvoiceInvalid":         payment.HintInvalid,
	"InvoiceProcessing":      payment.HintStillPending,
	"InvoiceReceivedPayment": payment.HintStillPending,
}

// HintApplier submits lifecycle hints, typically the payment engine.
type HintApplier interface {
	ApplyHint(ctx context.Context, paymentID string, hint payment.Hint, reason string) (payment.HintOutcome, error)
}

// PaymentResolver maps provider invoice ids onto payments.
type PaymentResolver interface {
	GetByProviderInvoiceID(ctx context.Context, invoiceID string) (*payment.PaymentRequest, error)
}

// Handler is the webhook ingress endpoint.
type Handler struct {
	engine   HintApplier
	resolver PaymentResolver
	secret   []byte
	hints    map[string]payment.Hint
}

// NewHandler creates a webhook handler. overrides extends or replaces the
// default event-type mapping; values must name valid hints.
func NewHandler(engine HintApplier, resolver PaymentResolver, secret string, overrides map[string]string) *Handler {
	hints := make(map[string]payment.Hint, len(defaultEventHints)+len(overrides))
	for k, v := range defaultEventHints {
		hints[k] = v
	}
	for k, v := range overrides {
		hints[k] = payment.Hint(v)
	}
	return &Handler{
		engine:   engine,
		resolver: resolver,
		secret:   []byte(secret),
		hints:    hints,
	}
}

// envelope is the provider notification subset we consume.
type envelope struct {
	Type      string `json:"type"`
	InvoiceID string `json:"invoiceId"`
}

// Receive handles POST /api/v1/webhooks/provider. Only signature failures
// (401) and malformed payloads (400) are rejected; every verified
// notification is acknowledged so the provider stops retrying.
func (h *Handler) Receive(c *gin.Context) {
	ctx := c.Request.Context()

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil || len(body) > maxBodyBytes {
		metrics.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "unreadable body"})
		return
	}

	if !h.verify(c.GetHeader(SignatureHeader), body) {
		metrics.WebhooksReceivedTotal.WithLabelValues("bad_signature").Inc()
		logging.L(ctx).Warn("webhook signature rejected", "remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid signature"})
		return
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil || env.InvoiceID == "" {
		metrics.WebhooksReceivedTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"detail": "malformed payload"})
		return
	}

	p, err := h.resolver.GetByProviderInvoiceID(ctx, env.InvoiceID)
	if errors.Is(err, payment.ErrNotFound) {
		// Unknown invoices are acknowledged without revealing anything.
		metrics.WebhooksReceivedTotal.WithLabelValues("unknown_invoice").Inc()
		logging.L(ctx).Info("webhook for unknown invoice", "invoice_id", env.InvoiceID, "type", env.Type)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Error("resolving webhook invoice", "invoice_id", env.InvoiceID, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	hint, known := h.hints[env.Type]
	if !known {
		metrics.WebhooksReceivedTotal.WithLabelValues("unmapped_type").Inc()
		logging.L(ctx).Info("webhook type has no hint mapping", "type", env.Type, "payment_id", p.ID)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	outcome, err := h.engine.ApplyHint(ctx, p.ID, hint, "")
	if err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Error("applying webhook hint", "payment_id", p.ID, "hint", hint, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	metrics.WebhooksReceivedTotal.WithLabelValues(string(outcome)).Inc()
	c.JSON(http.StatusOK, gin.H{"status": string(outcome)})
}

// verify checks a "sha256=<hex>" signature over the raw body in constant time.
func (h *Handler) verify(header string, body []byte) bool {
	scheme, hexSig, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(scheme, "sha256") {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign computes the signature header value for a body, used by tests and the
// local provider simulator.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// RegisterRoutes mounts the ingress on an unauthenticated group.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/webhooks/provider", h.Receive)
}
