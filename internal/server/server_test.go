package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/auth"
	"github.com/kioskpay/kioskpay/internal/client"
	"github.com/kioskpay/kioskpay/internal/config"
	"github.com/kioskpay/kioskpay/internal/payment"
	"github.com/kioskpay/kioskpay/internal/webhookin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

type mockProvider struct {
	mu    sync.Mutex
	calls int
}

func (m *mockProvider) CreateInvoice(_ context.Context, p *payment.PaymentRequest) (*payment.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return &payment.Invoice{
		Provider:          "btcpay",
		ProviderInvoiceID: "inv_" + p.ID,
		CheckoutLink:      "https://btcpay.example.com/i/inv_" + p.ID,
		Bolt11:            "lnbc25u1...",
		AmountSats:        2500,
	}, nil
}

func (m *mockProvider) InvoiceHint(_ context.Context, _ string) (payment.Hint, error) {
	return payment.HintStillPending, nil
}

// ---------------------------------------------------------------------------
// Test server setup
// ---------------------------------------------------------------------------

const testWebhookSecret = "whsec-test"

var (
	serverKeyOnce sync.Once
	serverKey     *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	serverKeyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		serverKey = key
	})
	return serverKey
}

func testConfig() *config.Config {
	return &config.Config{
		BindAddr:          "127.0.0.1",
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "text",
		JWTPrivateKeyPath: "unused-with-injected-token-service",
		JWTPublicKeyPaths: []string{"unused"},
		TokenTTL:          config.DefaultTokenTTL,
		ClockSkew:         config.DefaultClockSkew,
		ProviderBaseURL:   "https://btcpay.example.com",
		ProviderAPIKey:    "apikey-test",
		ProviderStoreID:   "store-test",
		WebhookSecret:     testWebhookSecret,
		ProviderTimeout:   config.DefaultProviderTimeout,
		MonitorWindow:     config.DefaultMonitorWindow,
		PollInterval:      config.DefaultPollInterval,
		AuthRatePerMin:    1000,
		CreateRatePerMin:  1000,
		MaxBodyBytes:      config.DefaultMaxBodyBytes,
		MaxMetadataBytes:  config.DefaultMaxMetadata,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	key := signingKey(t)
	tokens := auth.NewTokenServiceWithKeys(key, []*rsa.PublicKey{&key.PublicKey},
		config.DefaultTokenTTL, config.DefaultClockSkew)

	s, err := New(testConfig(), WithProvider(&mockProvider{}), WithTokenService(tokens))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func seedKiosk(t *testing.T, s *Server, machineID, password string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if err := client.Register(context.Background(), s.Clients(), client.New(machineID, hash, nil)); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
}

func bearerToken(t *testing.T, s *Server, machineID, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"machine_id": machineID, "password": password})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/v1/auth/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("token request failed: %d %s", w.Code, w.Body.String())
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	return resp.AccessToken
}

func authedRequest(t *testing.T, s *Server, token, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	s.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got %v", resp.Status)
	}
	if resp.Checks["store"] != "healthy" {
		t.Errorf("Expected healthy store check, got %v", resp.Checks)
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/live", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health/ready", nil)
	s.Router().ServeHTTP(w, req)

	// Server hasn't called Run() so ready is false
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 (not ready), got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Route registration tests
// ---------------------------------------------------------------------------

func TestCoreRoutesRegistered(t *testing.T) {
	s := newTestServer(t)

	routes := s.Router().Routes()
	expected := []string{
		"GET:/",
		"GET:/dashboard/stats",
		"GET:/health",
		"GET:/health/live",
		"GET:/health/ready",
		"GET:/metrics",
		"POST:/api/v1/auth/token",
		"POST:/api/v1/webhooks/provider",
		"POST:/api/v1/payments",
		"GET:/api/v1/payments",
		"GET:/api/v1/payments/:payment_id",
		"POST:/api/v1/payments/:payment_id/cancel",
		"GET:/api/v1/events/stream",
		"GET:/api/v1/events/ws",
	}

	routeSet := make(map[string]bool)
	for _, route := range routes {
		routeSet[route.Method+":"+route.Path] = true
	}

	for _, e := range expected {
		if !routeSet[e] {
			t.Errorf("Route %s not registered", e)
		}
	}
}

func TestDashboard(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("unexpected content type: %s", ct)
	}

	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest("GET", "/dashboard/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var stats map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("parse stats: %v", err)
	}
	if stats["open_total"] != float64(0) {
		t.Errorf("Expected no open payments, got %v", stats["open_total"])
	}
}

// ---------------------------------------------------------------------------
// Auth boundary
// ---------------------------------------------------------------------------

func TestPaymentEndpointsRequireAuth(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/v1/payments", "/api/v1/events/stream"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", path, nil)
		s.Router().ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401 without a token, got %d", path, w.Code)
		}
	}
}

// ---------------------------------------------------------------------------
// End-to-end payment flow
// ---------------------------------------------------------------------------

func TestPaymentFlow_CreateWebhookSettleFetch(t *testing.T) {
	s := newTestServer(t)
	seedKiosk(t, s, "kiosk-001", "pw-1")
	token := bearerToken(t, s, "kiosk-001", "pw-1")

	// Create.
	createBody, _ := json.Marshal(map[string]any{
		"payment_method": "BTC_LN",
		"amount":         "2.50",
		"currency":       "EUR",
		"external_code":  "kiosk-1-slot-4",
	})
	w := authedRequest(t, s, token, "POST", "/api/v1/payments", createBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		PaymentID string `json:"payment_id"`
		Status    string `json:"status"`
		Invoice   struct {
			ProviderInvoiceID string `json:"provider_invoice_id"`
		} `json:"invoice"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("parse create response: %v", err)
	}
	if created.Status != string(payment.StatusPending) || created.Invoice.ProviderInvoiceID == "" {
		t.Fatalf("unexpected create response: %s", w.Body.String())
	}

	// Provider webhook settles the invoice.
	whBody, _ := json.Marshal(map[string]string{
		"type":      "InvoiceSettled",
		"invoiceId": created.Invoice.ProviderInvoiceID,
	})
	whReq := httptest.NewRequest("POST", "/api/v1/webhooks/provider", bytes.NewReader(whBody))
	whReq.Header.Set("Content-Type", "application/json")
	whReq.Header.Set(webhookin.SignatureHeader, webhookin.Sign(testWebhookSecret, whBody))
	whW := httptest.NewRecorder()
	s.Router().ServeHTTP(whW, whReq)

	if whW.Code != http.StatusOK {
		t.Fatalf("webhook failed: %d %s", whW.Code, whW.Body.String())
	}
	var whResp map[string]string
	_ = json.Unmarshal(whW.Body.Bytes(), &whResp)
	if whResp["status"] != "processed" {
		t.Fatalf("Expected processed, got %s", whW.Body.String())
	}

	// Fetch shows the terminal state.
	getW := authedRequest(t, s, token, "GET", "/api/v1/payments/"+created.PaymentID, nil)
	if getW.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", getW.Code, getW.Body.String())
	}
	var fetched struct {
		Status      string     `json:"status"`
		FinalizedAt *time.Time `json:"finalized_at"`
	}
	_ = json.Unmarshal(getW.Body.Bytes(), &fetched)
	if fetched.Status != string(payment.StatusPaid) || fetched.FinalizedAt == nil {
		t.Errorf("unexpected payment after settlement: %s", getW.Body.String())
	}
}

func TestWebhook_BadSignatureRejected(t *testing.T) {
	s := newTestServer(t)

	body := []byte(`{"type":"InvoiceSettled","invoiceId":"inv_x"}`)
	req := httptest.NewRequest("POST", "/api/v1/webhooks/provider", bytes.NewReader(body))
	req.Header.Set(webhookin.SignatureHeader, webhookin.Sign("wrong-secret", body))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	s.Router().ServeHTTP(w, req)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected generated X-Request-ID header")
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	s.Router().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "req-abc" {
		t.Errorf("Expected X-Request-ID to round-trip, got %q", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/v1/nonexistent", nil)
	s.Router().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
