package client

import "context"

// Store persists clients and their auth audit log.
type Store interface {
	Create(ctx context.Context, c *Client) error
	GetByID(ctx context.Context, id string) (*Client, error)
	GetByMachineID(ctx context.Context, machineID string) (*Client, error)
	TouchLastSeen(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	RecordAuthEvent(ctx context.Context, e *AuthEvent) error
	Ping(ctx context.Context) error
}
