// Package client manages kiosk client identities and their credential records.
package client

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a client does not exist.
	ErrNotFound = errors.New("client not found")
	// ErrMachineIDTaken is returned when a machine_id is already registered.
	ErrMachineIDTaken = errors.New("machine_id already registered")
)

// Client is a vending kiosk identity.
type Client struct {
	ID           string         `json:"id"`
	MachineID    string         `json:"machine_id"`
	PasswordHash string         `json:"-"`
	Active       bool           `json:"active"`
	AllowedIPs   []string       `json:"allowed_ips,omitempty"` // CIDR or plain IP entries
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastSeenAt   *time.Time     `json:"last_seen_at,omitempty"`
}

// AuthEventType labels entries in the client auth audit log.
type AuthEventType string

const (
	AuthLoginOK     AuthEventType = "LOGIN_OK"
	AuthLoginFail   AuthEventType = "LOGIN_FAIL"
	AuthTokenIssued AuthEventType = "TOKEN_ISSUED"
)

// AuthEvent is an audit record written by the token endpoint.
type AuthEvent struct {
	ID        string        `json:"id"`
	ClientID  string        `json:"client_id,omitempty"` // empty for unknown machine_id attempts
	MachineID string        `json:"machine_id"`
	Type      AuthEventType `json:"type"`
	SourceIP  string        `json:"source_ip"`
	CreatedAt time.Time     `json:"created_at"`
}
