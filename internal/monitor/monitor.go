// Package monitor polls the provider for pending payments and finalizes the
// ones the webhook ingress never settles.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/payment"
)

// maxConsecutiveErrors is the provider failure streak that fails a payment.
const maxConsecutiveErrors = 3

// HintApplier submits lifecycle hints, typically the payment engine.
type HintApplier interface {
	ApplyHint(ctx context.Context, paymentID string, hint payment.Hint, reason string) (payment.HintOutcome, error)
}

// StatusPoller fetches the provider-side status of an invoice as a hint.
type StatusPoller interface {
	InvoiceHint(ctx context.Context, providerInvoiceID string) (payment.Hint, error)
}

// Monitor runs one polling worker per watched payment. Workers stop when the
// payment goes terminal, the window elapses, or the monitor shuts down.
type Monitor struct {
	engine   HintApplier
	store    payment.Store
	poller   StatusPoller
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

// New creates a monitor. Call Start before Watch.
func New(engine HintApplier, store payment.Store, poller StatusPoller, interval time.Duration) *Monitor {
	return &Monitor{
		engine:   engine,
		store:    store,
		poller:   poller,
		interval: interval,
		active:   make(map[string]struct{}),
	}
}

// Start binds worker lifetimes to ctx and sweeps payments left non-terminal
// by a previous run.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)
	return m.sweep(m.ctx)
}

// Stop cancels all workers and waits for them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Watch starts a worker for the payment. Watching the same payment twice is
// a no-op.
func (m *Monitor) Watch(p *payment.PaymentRequest) {
	if m.ctx == nil {
		return
	}

	m.mu.Lock()
	if _, dup := m.active[p.ID]; dup {
		m.mu.Unlock()
		return
	}
	m.active[p.ID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	metrics.MonitorWorkersActive.Inc()
	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.active, p.ID)
			m.mu.Unlock()
			metrics.MonitorWorkersActive.Dec()
			m.wg.Done()
		}()
		m.run(m.ctx, p)
	}()
}

// sweep re-discovers non-terminal payments after a restart. Payments whose
// window already elapsed are timed out immediately.
func (m *Monitor) sweep(ctx context.Context) error {
	pending, err := m.store.NonTerminal(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range pending {
		if p.MonitorUntil.After(now) {
			m.Watch(p)
			continue
		}
		if _, err := m.engine.ApplyHint(ctx, p.ID, payment.HintTimedOut, payment.ReasonMonitorWindowExceeded); err != nil {
			logging.L(ctx).Error("sweeping stale payment", "payment_id", p.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		logging.L(ctx).Info("monitor sweep complete", "payments", len(pending))
	}
	return nil
}

// run polls until the payment settles or the window closes.
func (m *Monitor) run(ctx context.Context, p *payment.PaymentRequest) {
	log := logging.L(ctx)
	deadline := p.MonitorUntil
	invoiceID := ""
	if p.Invoice != nil {
		invoiceID = p.Invoice.ProviderInvoiceID
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	errStreak := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !time.Now().UTC().Before(deadline) {
			if _, err := m.engine.ApplyHint(ctx, p.ID, payment.HintTimedOut, payment.ReasonMonitorWindowExceeded); err != nil {
				log.Error("timing out payment", "payment_id", p.ID, "error", err)
			}
			return
		}

		cur, err := m.store.GetByID(ctx, p.ID)
		if err != nil {
			log.Error("reloading monitored payment", "payment_id", p.ID, "error", err)
			return
		}
		if cur.Status.Terminal() {
			return
		}
		if invoiceID == "" && cur.Invoice != nil {
			invoiceID = cur.Invoice.ProviderInvoiceID
		}
		if invoiceID == "" {
			// No invoice yet; nothing to poll until the window closes.
			continue
		}

		hint, err := m.poller.InvoiceHint(ctx, invoiceID)
		if err != nil {
			errStreak++
			log.Warn("provider poll failed",
				"payment_id", p.ID,
				"invoice_id", invoiceID,
				"streak", errStreak,
				"error", err,
			)
			if errStreak >= maxConsecutiveErrors {
				if _, err := m.engine.ApplyHint(ctx, p.ID, payment.HintFailed, payment.ReasonProviderUnreachable); err != nil {
					log.Error("failing unreachable payment", "payment_id", p.ID, "error", err)
				}
				return
			}
			continue
		}
		errStreak = 0

		if hint == payment.HintStillPending {
			continue
		}
		outcome, err := m.engine.ApplyHint(ctx, p.ID, hint, "")
		if err != nil {
			log.Error("applying poll hint", "payment_id", p.ID, "hint", hint, "error", err)
			continue
		}
		if outcome == payment.HintProcessed {
			return
		}
	}
}
