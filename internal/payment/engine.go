package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kioskpay/kioskpay/internal/idgen"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/pagination"
	"github.com/kioskpay/kioskpay/internal/syncutil"
	"github.com/kioskpay/kioskpay/internal/traces"
)

var (
	// ErrIdempotencyConflict is returned when an idempotency key is replayed
	// with a different request body.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different request")
	// ErrPaymentFinal is returned when a cancel targets an already terminal payment.
	ErrPaymentFinal = errors.New("payment already finalized")
	// ErrProviderUnavailable wraps invoice creation failures at the provider.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// InvoiceCreator creates an invoice at the upstream provider for a payment.
type InvoiceCreator interface {
	CreateInvoice(ctx context.Context, p *PaymentRequest) (*Invoice, error)
}

// Publisher fans a persisted event out to connected stream subscribers.
// Publishing happens after the owning transaction commits.
type Publisher interface {
	Publish(evt *Event)
}

// Scheduler starts monitoring a payment that reached PENDING.
type Scheduler interface {
	Watch(p *PaymentRequest)
}

// TerminalHook is invoked once per payment when it reaches a terminal status.
type TerminalHook func(ctx context.Context, p *PaymentRequest, evt *Event)

// Engine drives the payment lifecycle: create, invoice, transition, cancel.
// All status changes funnel through applyTransition so the state machine and
// the event log stay consistent.
type Engine struct {
	store            Store
	provider         InvoiceCreator
	bus              Publisher
	sched            Scheduler
	onTerminal       TerminalHook
	window           time.Duration
	maxMetadataBytes int

	// createLocks serializes same-key creates so a retried request observes
	// the first request's idempotency record instead of racing it.
	createLocks *syncutil.ContextShardedMutex
}

// NewEngine creates a payment engine. bus may be nil in tests; Watch and the
// terminal hook are wired after construction because the monitor and notifier
// need the engine first.
func NewEngine(store Store, provider InvoiceCreator, bus Publisher, window time.Duration, maxMetadataBytes int) *Engine {
	return &Engine{
		store:            store,
		provider:         provider,
		bus:              bus,
		window:           window,
		maxMetadataBytes: maxMetadataBytes,
		createLocks:      syncutil.NewContextShardedMutex(),
	}
}

// SetScheduler wires the monitor that watches PENDING payments.
func (e *Engine) SetScheduler(s Scheduler) { e.sched = s }

// SetTerminalHook wires the callback notifier.
func (e *Engine) SetTerminalHook(h TerminalHook) { e.onTerminal = h }

// Window returns the monitoring window applied to new payments.
func (e *Engine) Window() time.Duration { return e.window }

// Create validates the request, persists the payment, obtains a provider
// invoice, and moves the payment to PENDING. The bool result is false when an
// idempotent replay returned an existing payment.
func (e *Engine) Create(ctx context.Context, clientID string, req *CreateRequest) (*PaymentRequest, bool, error) {
	if err := req.Validate(e.maxMetadataBytes); err != nil {
		return nil, false, err
	}

	fingerprint := req.Fingerprint()

	if req.IdempotencyKey != "" {
		unlock, err := e.createLocks.LockContext(ctx, clientID+"\x00"+req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		defer unlock()

		existing, replay, err := e.replayIdempotent(ctx, clientID, req.IdempotencyKey, fingerprint)
		if err != nil {
			return nil, false, err
		}
		if replay {
			return existing, false, nil
		}
	}

	now := time.Now().UTC()
	p := &PaymentRequest{
		ID:             idgen.WithPrefix("req_"),
		ClientID:       clientID,
		Status:         StatusCreated,
		Amount:         req.Amount,
		Currency:       req.Currency,
		PaymentMethod:  req.PaymentMethod,
		ExternalCode:   req.ExternalCode,
		Description:    req.Description,
		CallbackURL:    req.CallbackURL,
		RedirectURL:    req.RedirectURL,
		Metadata:       req.Metadata,
		MonitorUntil:   now.Add(e.window),
		CreatedAt:      now,
		IdempotencyKey: req.IdempotencyKey,
	}

	ctx, span := traces.StartSpan(ctx, "payment.create",
		traces.ClientID(clientID),
		traces.PaymentID(p.ID),
		traces.Amount(p.Amount.String()),
	)
	defer span.End()

	evt, err := e.store.CreateWithEvent(ctx, p, fingerprint)
	if errors.Is(err, ErrIdempotencyKeyExists) {
		// Lost a cross-process race on the unique constraint; the winner's
		// record decides replay vs conflict.
		existing, replay, rerr := e.replayIdempotent(ctx, clientID, req.IdempotencyKey, fingerprint)
		if rerr != nil {
			return nil, false, rerr
		}
		if replay {
			return existing, false, nil
		}
		return nil, false, ErrIdempotencyConflict
	}
	if err != nil {
		return nil, false, fmt.Errorf("create payment: %w", err)
	}

	metrics.PaymentsCreatedTotal.Inc()
	e.publish(evt)
	logging.L(ctx).Info("payment created",
		"payment_id", p.ID,
		"amount", p.Amount.String(),
		"currency", p.Currency,
		"external_code", p.ExternalCode,
	)

	invoice, err := e.provider.CreateInvoice(ctx, p)
	if err != nil {
		logging.L(ctx).Error("invoice creation failed", "payment_id", p.ID, "error", err)
		if _, ferr := e.applyTransition(ctx, p.ID, StatusFailed, ReasonProviderError, nil, EventFailed); ferr != nil {
			logging.L(ctx).Error("failing payment after provider error", "payment_id", p.ID, "error", ferr)
		}
		return nil, false, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	pending, err := e.applyTransition(ctx, p.ID, StatusPending, "", invoice, EventInvoiceCreated)
	if err != nil {
		return nil, false, fmt.Errorf("attach invoice: %w", err)
	}

	if e.sched != nil {
		e.sched.Watch(pending)
	}
	return pending, true, nil
}

// replayIdempotent resolves an idempotency key against the stored record.
// Returns the mapped payment when the fingerprint matches, ErrIdempotencyConflict
// when it does not, and (nil, false, nil) when no record exists yet.
func (e *Engine) replayIdempotent(ctx context.Context, clientID, key, fingerprint string) (*PaymentRequest, bool, error) {
	rec, err := e.store.GetIdempotency(ctx, clientID, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if rec.Fingerprint != fingerprint {
		return nil, false, ErrIdempotencyConflict
	}
	p, err := e.store.Get(ctx, clientID, rec.PaymentID)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency replay: %w", err)
	}
	logging.L(ctx).Info("idempotent replay", "payment_id", p.ID, "idempotency_key", key)
	return p, true, nil
}

// Get returns a payment scoped to its owning client.
func (e *Engine) Get(ctx context.Context, clientID, id string) (*PaymentRequest, error) {
	return e.store.Get(ctx, clientID, id)
}

// List returns one page of the client's payments, newest first.
func (e *Engine) List(ctx context.Context, clientID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, string, bool, error) {
	rows, err := e.store.List(ctx, clientID, limit, cursor)
	if err != nil {
		return nil, "", false, err
	}
	page, next, more := pagination.ComputePage(rows, limit, func(p *PaymentRequest) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	return page, next, more, nil
}

// EventsAfter returns the client's persisted events with seq > afterSeq.
func (e *Engine) EventsAfter(ctx context.Context, clientID string, afterSeq int64, limit int) ([]*Event, error) {
	return e.store.EventsAfter(ctx, clientID, afterSeq, limit)
}

// Cancel moves a non-terminal payment to CANCELED. Terminal payments return
// ErrPaymentFinal.
func (e *Engine) Cancel(ctx context.Context, clientID, id string) (*PaymentRequest, error) {
	if _, err := e.store.Get(ctx, clientID, id); err != nil {
		return nil, err
	}

	p, evt, err := e.store.Transition(ctx, id, func(cur *PaymentRequest) (*Change, error) {
		if cur.Status.Terminal() {
			return nil, ErrPaymentFinal
		}
		return &Change{
			To:        StatusCanceled,
			Reason:    ReasonClientCanceled,
			EventType: EventStatusChanged,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.afterTransition(ctx, p, evt)
	logging.L(ctx).Info("payment canceled", "payment_id", p.ID)
	return p, nil
}

// HintOutcome classifies what ApplyHint did with a hint.
type HintOutcome string

const (
	HintProcessed HintOutcome = "processed"
	HintIgnored   HintOutcome = "ignored"
	HintLogged    HintOutcome = "logged"
)

// ApplyHint applies an advisory transition hint to a payment. Hints whose
// target is not reachable from the current status are ignored, never errors;
// STILL_PENDING is acknowledged without touching the payment.
func (e *Engine) ApplyHint(ctx context.Context, paymentID string, hint Hint, reason string) (HintOutcome, error) {
	ctx, span := traces.StartSpan(ctx, "payment.apply_hint",
		traces.PaymentID(paymentID),
		traces.Hint(string(hint)),
	)
	defer span.End()

	target, ok := hint.TargetStatus()
	if !ok {
		logging.L(ctx).Debug("hint requests no transition", "payment_id", paymentID, "hint", hint)
		return HintLogged, nil
	}

	ignored := false
	p, evt, err := e.store.Transition(ctx, paymentID, func(cur *PaymentRequest) (*Change, error) {
		if cur.Status == target {
			return nil, nil
		}
		if !CanTransition(cur.Status, target) {
			ignored = true
			logging.L(ctx).Info("hint ignored",
				"payment_id", paymentID,
				"hint", hint,
				"status", cur.Status,
				"target", target,
			)
			return nil, nil
		}
		return &Change{
			To:        target,
			Reason:    reason,
			EventType: TerminalEventType(target),
		}, nil
	})
	if err != nil {
		return "", err
	}
	if ignored || evt == nil {
		metrics.PaymentHintsIgnoredTotal.WithLabelValues(string(hint)).Inc()
		return HintIgnored, nil
	}

	e.afterTransition(ctx, p, evt)
	logging.L(ctx).Info("hint applied", "payment_id", p.ID, "hint", hint, "status", p.Status)
	return HintProcessed, nil
}

// applyTransition performs an unconditional state-machine transition and
// publishes the resulting event.
func (e *Engine) applyTransition(ctx context.Context, paymentID string, to Status, reason string, invoice *Invoice, eventType EventType) (*PaymentRequest, error) {
	p, evt, err := e.store.Transition(ctx, paymentID, func(cur *PaymentRequest) (*Change, error) {
		if cur.Status == to {
			return nil, nil
		}
		if !CanTransition(cur.Status, to) {
			return nil, fmt.Errorf("transition %s -> %s not allowed", cur.Status, to)
		}
		return &Change{To: to, Reason: reason, Invoice: invoice, EventType: eventType}, nil
	})
	if err != nil {
		return nil, err
	}
	e.afterTransition(ctx, p, evt)
	return p, nil
}

// afterTransition runs post-commit side effects: metrics, fan-out, and the
// terminal hook. evt is nil when the decide func chose a no-op.
func (e *Engine) afterTransition(ctx context.Context, p *PaymentRequest, evt *Event) {
	if evt == nil {
		return
	}
	metrics.PaymentTransitionsTotal.WithLabelValues(string(p.Status)).Inc()
	e.publish(evt)

	if p.Status.Terminal() {
		metrics.PaymentSettleDuration.Observe(time.Since(p.CreatedAt).Seconds())
		if e.onTerminal != nil {
			e.onTerminal(ctx, p, evt)
		}
	}
}

func (e *Engine) publish(evt *Event) {
	if evt == nil {
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues(string(evt.Type)).Inc()
	if e.bus != nil {
		e.bus.Publish(evt)
	}
}
