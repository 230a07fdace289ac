package client

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// New builds a Client record with a fresh UUID. The password hash must be
// produced by the auth package before calling.
func New(machineID, passwordHash string, allowedIPs []string) *Client {
	now := time.Now().UTC()
	return &Client{
		ID:           uuid.NewString(),
		MachineID:    machineID,
		PasswordHash: passwordHash,
		Active:       true,
		AllowedIPs:   allowedIPs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Register creates a client in the store.
func Register(ctx context.Context, store Store, c *Client) error {
	return store.Create(ctx, c)
}

// IPAllowed reports whether ip matches the client's allow-list.
// An empty allow-list admits any source. Entries may be plain IPs or CIDRs.
func (c *Client) IPAllowed(ip string) bool {
	if len(c.AllowedIPs) == 0 {
		return true
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return false
	}
	for _, entry := range c.AllowedIPs {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(addr) {
				return true
			}
			continue
		}
		if allowed := net.ParseIP(entry); allowed != nil && allowed.Equal(addr) {
			return true
		}
	}
	return false
}
