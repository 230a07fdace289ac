package payment

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStatus_Terminal(t *testing.T) {
	terminal := []Status{StatusPaid, StatusExpired, StatusTimedOut, StatusFailed, StatusCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []Status{StatusCreated, StatusPending} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusPending, true},
		{StatusCreated, StatusFailed, true},
		{StatusCreated, StatusCanceled, true},
		{StatusCreated, StatusPaid, false},
		{StatusCreated, StatusExpired, false},
		{StatusPending, StatusPaid, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusTimedOut, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCanceled, true},
		{StatusPending, StatusCreated, false},
		{StatusPaid, StatusExpired, false},
		{StatusPaid, StatusCanceled, false},
		{StatusCanceled, StatusPaid, false},
		{StatusExpired, StatusPaid, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestHint_TargetStatus(t *testing.T) {
	tests := []struct {
		hint   Hint
		status Status
		ok     bool
	}{
		{HintPaid, StatusPaid, true},
		{HintExpired, StatusExpired, true},
		{HintInvalid, StatusFailed, true},
		{HintFailed, StatusFailed, true},
		{HintTimedOut, StatusTimedOut, true},
		{HintStillPending, "", false},
	}
	for _, tt := range tests {
		got, ok := tt.hint.TargetStatus()
		if got != tt.status || ok != tt.ok {
			t.Errorf("TargetStatus(%s) = (%s, %v), want (%s, %v)", tt.hint, got, ok, tt.status, tt.ok)
		}
	}
}

func TestCreateRequest_Fingerprint(t *testing.T) {
	base := func() *CreateRequest {
		return &CreateRequest{
			PaymentMethod: PaymentMethodLightning,
			Amount:        decimal.RequireFromString("1.50"),
			Currency:      "EUR",
			ExternalCode:  "code-1",
			Metadata:      map[string]any{"a": 1, "b": "two"},
		}
	}

	if base().Fingerprint() != base().Fingerprint() {
		t.Fatal("fingerprint must be deterministic")
	}

	changed := base()
	changed.Amount = decimal.RequireFromString("1.51")
	if changed.Fingerprint() == base().Fingerprint() {
		t.Error("amount change must alter the fingerprint")
	}

	// Fields outside the canonical set do not affect it.
	described := base()
	described.Description = "something else"
	described.CallbackURL = "https://example.com/cb"
	if described.Fingerprint() != base().Fingerprint() {
		t.Error("description and callback_url must not alter the fingerprint")
	}
}

func TestCreateRequest_Validate(t *testing.T) {
	valid := &CreateRequest{
		PaymentMethod: PaymentMethodLightning,
		Amount:        decimal.RequireFromString("0.01"),
		Currency:      "EUR",
		ExternalCode:  "code",
	}
	if err := valid.Validate(4096); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*CreateRequest)
	}{
		{"wrong method", func(r *CreateRequest) { r.PaymentMethod = "SEPA" }},
		{"zero amount", func(r *CreateRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *CreateRequest) { r.Amount = decimal.RequireFromString("-1") }},
		{"missing currency", func(r *CreateRequest) { r.Currency = "" }},
		{"lowercase currency", func(r *CreateRequest) { r.Currency = "eur" }},
		{"missing external code", func(r *CreateRequest) { r.ExternalCode = "" }},
		{"relative callback url", func(r *CreateRequest) { r.CallbackURL = "/hook" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &CreateRequest{
				PaymentMethod: PaymentMethodLightning,
				Amount:        decimal.RequireFromString("0.01"),
				Currency:      "EUR",
				ExternalCode:  "code",
			}
			tt.mutate(r)
			if err := r.Validate(4096); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateRequest_Validate_MetadataTooLarge(t *testing.T) {
	r := &CreateRequest{
		PaymentMethod: PaymentMethodLightning,
		Amount:        decimal.RequireFromString("0.01"),
		Currency:      "EUR",
		ExternalCode:  "code",
		Metadata:      map[string]any{"blob": string(make([]byte, 5000))},
	}
	if err := r.Validate(4096); err == nil {
		t.Error("expected oversized metadata to be rejected")
	}
}

func TestSnapshot(t *testing.T) {
	now := time.Now().UTC()
	exp := now.Add(15 * time.Minute)
	p := &PaymentRequest{
		ID:           "req_1",
		ClientID:     "client-1",
		Status:       StatusPending,
		Amount:       decimal.RequireFromString("3.00"),
		Currency:     "EUR",
		ExternalCode: "code",
		MonitorUntil: now.Add(2 * time.Minute),
		CreatedAt:    now,
		Invoice: &Invoice{
			Provider:          "btcpay",
			ProviderInvoiceID: "inv_1",
			CheckoutLink:      "https://pay.example.com/i/1",
			Bolt11:            "lnbc1...",
			ExpiresAt:         &exp,
			AmountSats:        4200,
		},
	}

	raw, err := json.Marshal(p.Snapshot())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var out struct {
		PaymentID string         `json:"payment_id"`
		Status    string         `json:"status"`
		Metadata  map[string]any `json:"metadata"`
		Invoice   struct {
			Bolt11     string `json:"bolt11"`
			AmountSats int64  `json:"amount_sats"`
		} `json:"invoice"`
		LightningInvoice string `json:"lightning_invoice"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if out.PaymentID != "req_1" || out.Status != "PENDING" {
		t.Errorf("unexpected identity fields: %+v", out)
	}
	if out.Metadata == nil {
		t.Error("metadata must serialize as an empty object, not null")
	}
	if out.LightningInvoice != out.Invoice.Bolt11 {
		t.Error("lightning_invoice must mirror invoice.bolt11")
	}
	if out.Invoice.AmountSats != 4200 {
		t.Errorf("expected amount_sats 4200, got %d", out.Invoice.AmountSats)
	}
}
