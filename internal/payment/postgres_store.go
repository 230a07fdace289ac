package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/kioskpay/kioskpay/internal/pagination"
)

// PostgresStore is a Store backed by PostgreSQL. Transitions take a row lock
// on the payment; seq assignment is serialized by locking the owning client
// row, so per-client sequences stay dense under concurrency.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateWithEvent(ctx context.Context, p *PaymentRequest, fingerprint string) (*Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := lockClient(ctx, tx, p.ClientID); err != nil {
		return nil, err
	}

	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	var idemKey any
	if p.IdempotencyKey != "" {
		idemKey = p.IdempotencyKey
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_requests (
			id, client_id, status, amount, currency, payment_method,
			external_code, description, callback_url, redirect_url, metadata,
			monitor_until, created_at, idempotency_key
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, p.ClientID, string(p.Status), p.Amount.String(), p.Currency, p.PaymentMethod,
		p.ExternalCode, p.Description, p.CallbackURL, p.RedirectURL, meta,
		p.MonitorUntil, p.CreatedAt, idemKey,
	)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	if p.IdempotencyKey != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (client_id, idem_key, payment_id, fingerprint, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			p.ClientID, p.IdempotencyKey, p.ID, fingerprint, p.CreatedAt,
		)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == "23505" {
				return nil, ErrIdempotencyKeyExists
			}
			return nil, fmt.Errorf("insert idempotency key: %w", err)
		}
	}

	evt, err := appendEvent(ctx, tx, p, EventCreated)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

func (s *PostgresStore) GetIdempotency(ctx context.Context, clientID, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT payment_id, fingerprint FROM idempotency_keys
		WHERE client_id = $1 AND idem_key = $2`,
		clientID, key,
	).Scan(&rec.PaymentID, &rec.Fingerprint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency key: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, clientID, id string) (*PaymentRequest, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		selectPayment+` WHERE id = $1 AND client_id = $2`, id, clientID))
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*PaymentRequest, error) {
	return scanPayment(s.db.QueryRowContext(ctx, selectPayment+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetByProviderInvoiceID(ctx context.Context, invoiceID string) (*PaymentRequest, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		selectPayment+` WHERE provider_invoice_id = $1`, invoiceID))
}

func (s *PostgresStore) Transition(ctx context.Context, paymentID string, decide DecideFunc) (*PaymentRequest, *Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPayment(tx.QueryRowContext(ctx, selectPayment+` WHERE id = $1 FOR UPDATE`, paymentID))
	if err != nil {
		return nil, nil, err
	}

	change, err := decide(p)
	if err != nil {
		return nil, nil, err
	}
	if change == nil {
		// No-op: nothing to persist.
		if err := tx.Commit(); err != nil {
			return nil, nil, fmt.Errorf("commit: %w", err)
		}
		return p, nil, nil
	}
	if change.Invoice != nil && p.Invoice != nil {
		return nil, nil, ErrInvoiceAlreadySet
	}

	// Seq assignment locks the client row; taken after the payment lock in
	// every code path, so lock order is consistent.
	if err := lockClient(ctx, tx, p.ClientID); err != nil {
		return nil, nil, err
	}

	p.Status = change.To
	if change.Reason != "" {
		p.StatusReason = change.Reason
	}
	if change.Invoice != nil {
		inv := *change.Invoice
		p.Invoice = &inv
	}
	if change.To.Terminal() {
		now := time.Now().UTC()
		p.FinalizedAt = &now
	}

	var finalizedAt any
	if p.FinalizedAt != nil {
		finalizedAt = *p.FinalizedAt
	}
	var statusReason any
	if p.StatusReason != "" {
		statusReason = p.StatusReason
	}

	if change.Invoice != nil {
		var expiresAt any
		if p.Invoice.ExpiresAt != nil {
			expiresAt = *p.Invoice.ExpiresAt
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_requests SET
				status = $2, status_reason = $3, finalized_at = $4,
				provider = $5, provider_invoice_id = $6, checkout_link = $7,
				bolt11 = $8, invoice_expires_at = $9, amount_sats = $10
			WHERE id = $1`,
			p.ID, string(p.Status), statusReason, finalizedAt,
			p.Invoice.Provider, p.Invoice.ProviderInvoiceID, p.Invoice.CheckoutLink,
			p.Invoice.Bolt11, expiresAt, p.Invoice.AmountSats,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE payment_requests SET status = $2, status_reason = $3, finalized_at = $4
			WHERE id = $1`,
			p.ID, string(p.Status), statusReason, finalizedAt,
		)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("update payment: %w", err)
	}

	evt, err := appendEvent(ctx, tx, p, change.EventType)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return p, evt, nil
}

func (s *PostgresStore) List(ctx context.Context, clientID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error) {
	q := selectPayment + ` WHERE client_id = $1`
	args := []any{clientID}
	if cursor != nil {
		q += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRequest
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) EventsAfter(ctx context.Context, clientID string, afterSeq int64, limit int) ([]*Event, error) {
	q := `
		SELECT seq, client_id, payment_id, event_type, payload, created_at
		FROM payment_events
		WHERE client_id = $1 AND seq > $2
		ORDER BY seq ASC`
	args := []any{clientID, afterSeq}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.Seq, &e.ClientID, &e.PaymentID, &typ, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) NonTerminal(ctx context.Context) ([]*PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPayment+` WHERE status IN ('CREATED','PENDING') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("select non-terminal: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PaymentRequest
	for rows.Next() {
		p, err := scanPaymentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func lockClient(ctx context.Context, tx *sql.Tx, clientID string) error {
	if _, err := tx.ExecContext(ctx,
		`SELECT id FROM clients WHERE id = $1 FOR UPDATE`, clientID); err != nil {
		return fmt.Errorf("lock client: %w", err)
	}
	return nil
}

// appendEvent assigns the next dense seq for the client and inserts the event.
// Caller must hold the client row lock in the same transaction.
func appendEvent(ctx context.Context, tx *sql.Tx, p *PaymentRequest, typ EventType) (*Event, error) {
	evt := &Event{
		ClientID:  p.ClientID,
		PaymentID: p.ID,
		Type:      typ,
		Payload:   p.PayloadJSON(),
	}
	err := tx.QueryRowContext(ctx, `
		INSERT INTO payment_events (client_id, seq, payment_id, event_type, payload, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, NOW()
		FROM payment_events WHERE client_id = $1
		RETURNING seq, created_at`,
		p.ClientID, p.ID, string(typ), []byte(evt.Payload),
	).Scan(&evt.Seq, &evt.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	evt.CreatedAt = evt.CreatedAt.UTC()
	return evt, nil
}

const selectPayment = `
	SELECT id, client_id, status, amount, currency, payment_method,
	       external_code, description, callback_url, redirect_url, metadata,
	       provider, provider_invoice_id, checkout_link, bolt11,
	       invoice_expires_at, amount_sats,
	       monitor_until, created_at, finalized_at, status_reason, idempotency_key
	FROM payment_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row *sql.Row) (*PaymentRequest, error) {
	p, err := scanPaymentRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func scanPaymentRow(row rowScanner) (*PaymentRequest, error) {
	var (
		p             PaymentRequest
		amount        string
		meta          []byte
		provider      sql.NullString
		invoiceID     sql.NullString
		checkoutLink  sql.NullString
		bolt11        sql.NullString
		invoiceExpiry sql.NullTime
		amountSats    sql.NullInt64
		finalizedAt   sql.NullTime
		statusReason  sql.NullString
		idemKey       sql.NullString
		status        string
	)

	err := row.Scan(&p.ID, &p.ClientID, &status, &amount, &p.Currency, &p.PaymentMethod,
		&p.ExternalCode, &p.Description, &p.CallbackURL, &p.RedirectURL, &meta,
		&provider, &invoiceID, &checkoutLink, &bolt11,
		&invoiceExpiry, &amountSats,
		&p.MonitorUntil, &p.CreatedAt, &finalizedAt, &statusReason, &idemKey,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	p.Status = Status(status)
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if invoiceID.Valid && invoiceID.String != "" {
		inv := &Invoice{
			Provider:          provider.String,
			ProviderInvoiceID: invoiceID.String,
			CheckoutLink:      checkoutLink.String,
			Bolt11:            bolt11.String,
		}
		if invoiceExpiry.Valid {
			t := invoiceExpiry.Time.UTC()
			inv.ExpiresAt = &t
		}
		if amountSats.Valid {
			inv.AmountSats = amountSats.Int64
		}
		p.Invoice = inv
	}
	if finalizedAt.Valid {
		t := finalizedAt.Time.UTC()
		p.FinalizedAt = &t
	}
	p.StatusReason = statusReason.String
	p.IdempotencyKey = idemKey.String
	p.MonitorUntil = p.MonitorUntil.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}
