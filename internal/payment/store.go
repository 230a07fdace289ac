package payment

import (
	"context"
	"errors"

	"github.com/kioskpay/kioskpay/internal/pagination"
)

var (
	// ErrNotFound is returned when a payment is absent or owned by another client.
	ErrNotFound = errors.New("payment not found")
	// ErrIdempotencyKeyExists signals a concurrent create raced on the same
	// (client, idempotency_key); callers re-read and compare fingerprints.
	ErrIdempotencyKeyExists = errors.New("idempotency key exists")
	// ErrInvoiceAlreadySet guards the invoice sub-record's write-once rule.
	ErrInvoiceAlreadySet = errors.New("invoice already attached")
)

// Change describes a transition decided under the payment's row lock.
type Change struct {
	To        Status
	Reason    string
	Invoice   *Invoice // attach with the transition; write-once
	EventType EventType
}

// DecideFunc inspects the freshly loaded payment and returns the change to
// apply, or nil for an idempotent no-op.
type DecideFunc func(p *PaymentRequest) (*Change, error)

// IdempotencyRecord maps (client, key) to an existing payment.
type IdempotencyRecord struct {
	PaymentID   string
	Fingerprint string
}

// Store persists payments and the per-client event log. All mutations append
// their event in the same transaction; seq assignment is serialized per client.
type Store interface {
	// CreateWithEvent inserts the payment, its payment.created event, and,
	// when the payment carries an idempotency key, the idempotency mapping,
	// all in one transaction. Returns ErrIdempotencyKeyExists if the mapping
	// unique constraint fires.
	CreateWithEvent(ctx context.Context, p *PaymentRequest, fingerprint string) (*Event, error)

	// GetIdempotency looks up the mapping for (client, key).
	GetIdempotency(ctx context.Context, clientID, key string) (*IdempotencyRecord, error)

	// Get returns a payment scoped to its owning client.
	Get(ctx context.Context, clientID, id string) (*PaymentRequest, error)

	// GetByID returns a payment regardless of owner (internal paths).
	GetByID(ctx context.Context, id string) (*PaymentRequest, error)

	// GetByProviderInvoiceID resolves a provider invoice id to its payment.
	GetByProviderInvoiceID(ctx context.Context, invoiceID string) (*PaymentRequest, error)

	// Transition reloads the payment under lock, runs decide, and, when a
	// change is returned, persists the new status plus its event atomically.
	// The returned event is nil for no-op decisions.
	Transition(ctx context.Context, paymentID string, decide DecideFunc) (*PaymentRequest, *Event, error)

	// List returns the client's payments newest first, limit+1 rows for
	// cursor pagination.
	List(ctx context.Context, clientID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error)

	// EventsAfter returns persisted events with seq > afterSeq in order.
	EventsAfter(ctx context.Context, clientID string, afterSeq int64, limit int) ([]*Event, error)

	// NonTerminal returns payments still in CREATED or PENDING (startup sweep).
	NonTerminal(ctx context.Context) ([]*PaymentRequest, error)

	Ping(ctx context.Context) error
}
