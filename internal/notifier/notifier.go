// Package notifier delivers best-effort callbacks to merchant systems when a
// payment reaches a terminal state.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/payment"
	"github.com/kioskpay/kioskpay/internal/security"
)

const maxAttempts = 3

// backoff spaces the retries; 1s * 5^n.
var backoff = []time.Duration{1 * time.Second, 5 * time.Second, 25 * time.Second}

const attemptTimeout = 10 * time.Second

// Notifier posts terminal-state events to the payment's callback URL. The
// body is the same JSON carried by the event stream; a signature header lets
// the receiver authenticate it. Failures are logged, never surfaced, and do
// not affect payment state.
type Notifier struct {
	client        *http.Client
	secret        string
	blockInternal bool
	wg            sync.WaitGroup
}

// New creates a notifier. secret may be empty, disabling signatures.
func New(secret string) *Notifier {
	return &Notifier{
		client: &http.Client{Timeout: attemptTimeout},
		secret: secret,
	}
}

// BlockInternalEndpoints refuses callback URLs that resolve to loopback,
// private, or link-local addresses. Off by default so that kiosk backends on
// the same LAN keep working; production deployments turn it on.
func (n *Notifier) BlockInternalEndpoints() {
	n.blockInternal = true
}

// Notify schedules an asynchronous delivery. It is the engine's terminal
// hook; payments without a callback URL are skipped.
func (n *Notifier) Notify(ctx context.Context, p *payment.PaymentRequest, evt *payment.Event) {
	if p.CallbackURL == "" {
		return
	}
	log := logging.L(ctx)
	if n.blockInternal {
		if err := security.ValidateEndpointURL(p.CallbackURL); err != nil {
			metrics.CallbackDeliveriesTotal.WithLabelValues("blocked").Inc()
			log.Warn("callback url rejected",
				"payment_id", p.ID,
				"url", p.CallbackURL,
				"error", err,
			)
			return
		}
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.deliver(log, p, evt)
	}()
}

// Wait blocks until in-flight deliveries finish, for graceful shutdown.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) deliver(log *slog.Logger, p *payment.PaymentRequest, evt *payment.Event) {
	body := []byte(evt.Payload)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := n.post(p, evt, body)
		if err == nil {
			metrics.CallbackDeliveriesTotal.WithLabelValues("ok").Inc()
			log.Info("callback delivered",
				"payment_id", p.ID,
				"url", p.CallbackURL,
				"attempt", attempt,
			)
			return
		}
		lastErr = err
		log.Warn("callback attempt failed",
			"payment_id", p.ID,
			"url", p.CallbackURL,
			"attempt", attempt,
			"error", err,
		)
		if attempt < maxAttempts {
			time.Sleep(backoff[attempt-1])
		}
	}

	metrics.CallbackDeliveriesTotal.WithLabelValues("failed").Inc()
	log.Warn("callback delivery abandoned",
		"payment_id", p.ID,
		"url", p.CallbackURL,
		"error", lastErr,
	)
}

func (n *Notifier) post(p *payment.PaymentRequest, evt *payment.Event, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Kioskpay-Event", string(evt.Type))
	req.Header.Set("Kioskpay-Timestamp", fmt.Sprintf("%d", evt.CreatedAt.Unix()))
	if n.secret != "" {
		req.Header.Set("Kioskpay-Signature", Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the callback signature: "sha256=" + hex(HMAC-SHA256(body)).
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
