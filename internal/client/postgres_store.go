package client

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed client store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, c *Client) error {
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, machine_id, password_hash, active, allowed_ips, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		c.ID, c.MachineID, c.PasswordHash, c.Active,
		pq.Array(c.AllowedIPs), meta, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrMachineIDTaken
		}
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Client, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectClient+` WHERE id = $1`, id))
}

func (s *PostgresStore) GetByMachineID(ctx context.Context, machineID string) (*Client, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, selectClient+` WHERE machine_id = $1`, machineID))
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET last_seen_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch last_seen: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE clients SET active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordAuthEvent(ctx context.Context, e *AuthEvent) error {
	var clientID any
	if e.ClientID != "" {
		clientID = e.ClientID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_auth_events (id, client_id, machine_id, event_type, source_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, clientID, e.MachineID, string(e.Type), e.SourceIP, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectClient = `
	SELECT id, machine_id, password_hash, active, allowed_ips, metadata,
	       created_at, updated_at, last_seen_at
	FROM clients`

func (s *PostgresStore) scanOne(row *sql.Row) (*Client, error) {
	var (
		c        Client
		ips      pq.StringArray
		meta     []byte
		lastSeen sql.NullTime
	)
	err := row.Scan(&c.ID, &c.MachineID, &c.PasswordHash, &c.Active,
		&ips, &meta, &c.CreatedAt, &c.UpdatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}

	c.AllowedIPs = []string(ips)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		c.LastSeenAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}
