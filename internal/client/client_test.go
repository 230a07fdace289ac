package client

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	s := NewMemoryStore()
	c := New("kiosk-001", "hash", nil)

	if err := Register(context.Background(), s, c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	byID, err := s.GetByID(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if byID.MachineID != "kiosk-001" || !byID.Active {
		t.Errorf("unexpected client: %+v", byID)
	}

	byMachine, err := s.GetByMachineID(context.Background(), "kiosk-001")
	if err != nil || byMachine.ID != c.ID {
		t.Fatalf("GetByMachineID failed: %v", err)
	}

	if _, err := s.GetByMachineID(context.Background(), "kiosk-999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_MachineIDUnique(t *testing.T) {
	s := NewMemoryStore()
	if err := Register(context.Background(), s, New("kiosk-001", "hash", nil)); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	err := Register(context.Background(), s, New("kiosk-001", "other", nil))
	if !errors.Is(err, ErrMachineIDTaken) {
		t.Fatalf("expected ErrMachineIDTaken, got %v", err)
	}
}

func TestMemoryStore_TouchLastSeen(t *testing.T) {
	s := NewMemoryStore()
	c := New("kiosk-001", "hash", nil)
	if err := Register(context.Background(), s, c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := s.TouchLastSeen(context.Background(), c.ID); err != nil {
		t.Fatalf("TouchLastSeen failed: %v", err)
	}
	got, _ := s.GetByID(context.Background(), c.ID)
	if got.LastSeenAt == nil {
		t.Error("expected last_seen_at to be set")
	}

	if err := s.TouchLastSeen(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_SetActive(t *testing.T) {
	s := NewMemoryStore()
	c := New("kiosk-001", "hash", nil)
	if err := Register(context.Background(), s, c); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := s.SetActive(context.Background(), c.ID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	got, _ := s.GetByID(context.Background(), c.ID)
	if got.Active {
		t.Error("expected client to be deactivated")
	}

	if err := s.SetActive(context.Background(), "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RecordAuthEvent(t *testing.T) {
	s := NewMemoryStore()
	evt := &AuthEvent{ID: "evt-1", MachineID: "kiosk-001", Type: AuthLoginFail, SourceIP: "10.0.0.9"}
	if err := s.RecordAuthEvent(context.Background(), evt); err != nil {
		t.Fatalf("RecordAuthEvent failed: %v", err)
	}
	events := s.AuthEvents()
	if len(events) != 1 || events[0].Type != AuthLoginFail {
		t.Errorf("unexpected audit log: %+v", events)
	}
}

func TestClient_IPAllowed(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		ip      string
		want    bool
	}{
		{"empty list admits all", nil, "203.0.113.7", true},
		{"exact match", []string{"10.1.2.3"}, "10.1.2.3", true},
		{"exact mismatch", []string{"10.1.2.3"}, "10.1.2.4", false},
		{"cidr match", []string{"192.168.0.0/16"}, "192.168.44.5", true},
		{"cidr mismatch", []string{"192.168.0.0/16"}, "172.16.0.1", false},
		{"mixed entries", []string{"10.1.2.3", "192.168.0.0/24"}, "192.168.0.200", true},
		{"garbage source ip", []string{"10.1.2.3"}, "not-an-ip", false},
		{"ipv6 exact", []string{"2001:db8::1"}, "2001:db8::1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Client{AllowedIPs: tt.allowed}
			if got := c.IPAllowed(tt.ip); got != tt.want {
				t.Errorf("IPAllowed(%q) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}
}
