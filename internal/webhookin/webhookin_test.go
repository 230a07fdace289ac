package webhookin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/kioskpay/kioskpay/internal/payment"
)

const webhookSecret = "whsec_test"

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type hintCall struct {
	PaymentID string
	Hint      payment.Hint
	Reason    string
}

type mockApplier struct {
	mu      sync.Mutex
	calls   []hintCall
	outcome payment.HintOutcome
	err     error
}

func (m *mockApplier) ApplyHint(_ context.Context, paymentID string, hint payment.Hint, reason string) (payment.HintOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, hintCall{PaymentID: paymentID, Hint: hint, Reason: reason})
	if m.err != nil {
		return "", m.err
	}
	if m.outcome == "" {
		return payment.HintProcessed, nil
	}
	return m.outcome, nil
}

func (m *mockApplier) snapshot() []hintCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]hintCall(nil), m.calls...)
}

type mockResolver struct {
	byInvoice map[string]*payment.PaymentRequest
	err       error
}

func (m *mockResolver) GetByProviderInvoiceID(_ context.Context, invoiceID string) (*payment.PaymentRequest, error) {
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.byInvoice[invoiceID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Test router setup
// ---------------------------------------------------------------------------

func knownPayment() *payment.PaymentRequest {
	return &payment.PaymentRequest{
		ID:           "req_wh",
		ClientID:     "client-1",
		Status:       payment.StatusPending,
		Amount:       decimal.RequireFromString("2.50"),
		Currency:     "EUR",
		MonitorUntil: time.Now().Add(time.Minute),
		Invoice: &payment.Invoice{
			Provider:          "btcpay",
			ProviderInvoiceID: "inv_wh",
		},
	}
}

func setupWebhookRouter(applier *mockApplier, resolver *mockResolver, overrides map[string]string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(applier, resolver, webhookSecret, overrides).RegisterRoutes(r.Group("/api/v1"))
	return r
}

func postWebhook(router *gin.Engine, body []byte, sig string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	router.ServeHTTP(w, req)
	return w
}

func webhookBody(t *testing.T, eventType, invoiceID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"type":      eventType,
		"invoiceId": invoiceID,
		"storeId":   "store-1",
		"timestamp": time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return body
}

func decodeStatus(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	return resp["status"]
}

// ---------------------------------------------------------------------------
// POST /api/v1/webhooks/provider
// ---------------------------------------------------------------------------

func TestWebhook_SettledProcessed(t *testing.T) {
	applier := &mockApplier{}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceSettled", "inv_wh")
	w := postWebhook(router, body, Sign(webhookSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decodeStatus(t, w); got != "processed" {
		t.Errorf("Expected processed, got %q", got)
	}

	calls := applier.snapshot()
	if len(calls) != 1 || calls[0].PaymentID != "req_wh" || calls[0].Hint != payment.HintPaid {
		t.Errorf("unexpected hints: %+v", calls)
	}
}

func TestWebhook_EventTypeMapping(t *testing.T) {
	tests := []struct {
		eventType string
		want      payment.Hint
	}{
		{"InvoiceSettled", payment.HintPaid},
		{"InvoicePaymentSettled", payment.HintPaid},
		{"InvoiceExpired", payment.HintExpired},
		{"InvoiceInvalid", payment.HintInvalid},
		{"InvoiceProcessing", payment.HintStillPending},
		{"InvoiceReceivedPayment", payment.HintStillPending},
	}
	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			applier := &mockApplier{}
			resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
			router := setupWebhookRouter(applier, resolver, nil)

			body := webhookBody(t, tt.eventType, "inv_wh")
			w := postWebhook(router, body, Sign(webhookSecret, body))

			if w.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", w.Code)
			}
			calls := applier.snapshot()
			if len(calls) != 1 || calls[0].Hint != tt.want {
				t.Errorf("Expected hint %s, got %+v", tt.want, calls)
			}
		})
	}
}

func TestWebhook_BadSignature_401(t *testing.T) {
	applier := &mockApplier{}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceSettled", "inv_wh")
	for _, sig := range []string{
		"",
		"sha256=deadbeef",
		"sha256=zzzz",
		"md5=abc",
		Sign("wrong-secret", body),
	} {
		w := postWebhook(router, body, sig)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("signature %q: expected 401, got %d", sig, w.Code)
		}
	}
	if got := applier.snapshot(); len(got) != 0 {
		t.Errorf("Expected no hints on rejected signatures, got %+v", got)
	}
}

func TestWebhook_SignatureSchemeCaseInsensitive(t *testing.T) {
	applier := &mockApplier{}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceSettled", "inv_wh")
	sig := "SHA256" + Sign(webhookSecret, body)[len("sha256"):]

	if w := postWebhook(router, body, sig); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for uppercase scheme, got %d", w.Code)
	}
}

func TestWebhook_MalformedBody_400(t *testing.T) {
	applier := &mockApplier{}
	router := setupWebhookRouter(applier, &mockResolver{}, nil)

	for _, body := range [][]byte{
		[]byte("not json"),
		[]byte(`{"type":"InvoiceSettled"}`),
		[]byte(`{"invoiceId":""}`),
	} {
		w := postWebhook(router, body, Sign(webhookSecret, body))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: expected 400, got %d", body, w.Code)
		}
		var resp map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["detail"] == "" {
			t.Errorf("body %q: expected detail in error", body)
		}
	}
}

func TestWebhook_UnknownInvoice_200Ignored(t *testing.T) {
	applier := &mockApplier{}
	router := setupWebhookRouter(applier, &mockResolver{}, nil)

	body := webhookBody(t, "InvoiceSettled", "inv_unknown")
	w := postWebhook(router, body, Sign(webhookSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := decodeStatus(t, w); got != "ignored" {
		t.Errorf("Expected ignored, got %q", got)
	}
	if got := applier.snapshot(); len(got) != 0 {
		t.Errorf("Expected no hints for unknown invoice, got %+v", got)
	}
}

func TestWebhook_UnmappedType_200Ignored(t *testing.T) {
	applier := &mockApplier{}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceCreated", "inv_wh")
	w := postWebhook(router, body, Sign(webhookSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := decodeStatus(t, w); got != "ignored" {
		t.Errorf("Expected ignored, got %q", got)
	}
}

func TestWebhook_OverrideMapping(t *testing.T) {
	applier := &mockApplier{}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, map[string]string{
		"InvoiceCustomSettled": "PAID",
	})

	body := webhookBody(t, "InvoiceCustomSettled", "inv_wh")
	if w := postWebhook(router, body, Sign(webhookSecret, body)); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	calls := applier.snapshot()
	if len(calls) != 1 || calls[0].Hint != payment.HintPaid {
		t.Errorf("Expected PAID via override, got %+v", calls)
	}
}

func TestWebhook_LateDuplicateAcknowledged(t *testing.T) {
	applier := &mockApplier{outcome: payment.HintIgnored}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceExpired", "inv_wh")
	w := postWebhook(router, body, Sign(webhookSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := decodeStatus(t, w); got != "ignored" {
		t.Errorf("Expected ignored, got %q", got)
	}
}

func TestWebhook_ApplierError_200Ignored(t *testing.T) {
	applier := &mockApplier{err: context.DeadlineExceeded}
	resolver := &mockResolver{byInvoice: map[string]*payment.PaymentRequest{"inv_wh": knownPayment()}}
	router := setupWebhookRouter(applier, resolver, nil)

	body := webhookBody(t, "InvoiceSettled", "inv_wh")
	w := postWebhook(router, body, Sign(webhookSecret, body))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 so the provider stops retrying, got %d", w.Code)
	}
	if got := decodeStatus(t, w); got != "ignored" {
		t.Errorf("Expected ignored, got %q", got)
	}
}

func TestSign_RoundTrip(t *testing.T) {
	h := NewHandler(&mockApplier{}, &mockResolver{}, webhookSecret, nil)
	body := []byte(`{"invoiceId":"inv_1","type":"InvoiceSettled"}`)

	if !h.verify(Sign(webhookSecret, body), body) {
		t.Error("signature produced by Sign must verify")
	}
	if h.verify(Sign(webhookSecret, body), []byte(`tampered`)) {
		t.Error("signature must not verify a different body")
	}
}
