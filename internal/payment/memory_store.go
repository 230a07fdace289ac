package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kioskpay/kioskpay/internal/pagination"
	"github.com/kioskpay/kioskpay/internal/syncutil"
)

// MemoryStore is an in-memory Store used for tests and DB-less deployments.
// Transitions are serialized per payment through a sharded mutex; seq
// assignment is serialized per client under the store lock.
type MemoryStore struct {
	mu        sync.RWMutex
	payments  map[string]*PaymentRequest
	byInvoice map[string]string // provider invoice id -> payment id
	events    map[string][]*Event
	seqs      map[string]int64
	idem      map[string]*IdempotencyRecord // clientID+"\x00"+key

	locks syncutil.ShardedMutex
}

// NewMemoryStore creates an empty in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:  make(map[string]*PaymentRequest),
		byInvoice: make(map[string]string),
		events:    make(map[string][]*Event),
		seqs:      make(map[string]int64),
		idem:      make(map[string]*IdempotencyRecord),
	}
}

func idemKey(clientID, key string) string { return clientID + "\x00" + key }

func (s *MemoryStore) CreateWithEvent(_ context.Context, p *PaymentRequest, fingerprint string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IdempotencyKey != "" {
		if _, exists := s.idem[idemKey(p.ClientID, p.IdempotencyKey)]; exists {
			return nil, ErrIdempotencyKeyExists
		}
	}

	cp := clonePayment(p)
	s.payments[cp.ID] = cp
	if p.IdempotencyKey != "" {
		s.idem[idemKey(p.ClientID, p.IdempotencyKey)] = &IdempotencyRecord{
			PaymentID:   cp.ID,
			Fingerprint: fingerprint,
		}
	}

	return s.appendEventLocked(cp, EventCreated), nil
}

func (s *MemoryStore) GetIdempotency(_ context.Context, clientID, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.idem[idemKey(clientID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Get(_ context.Context, clientID, id string) (*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok || p.ClientID != clientID {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(p), nil
}

func (s *MemoryStore) GetByProviderInvoiceID(_ context.Context, invoiceID string) (*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byInvoice[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePayment(s.payments[id]), nil
}

func (s *MemoryStore) Transition(_ context.Context, paymentID string, decide DecideFunc) (*PaymentRequest, *Event, error) {
	unlock := s.locks.Lock(paymentID)
	defer unlock()

	s.mu.Lock()
	p, ok := s.payments[paymentID]
	if !ok {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	snapshot := clonePayment(p)
	s.mu.Unlock()

	change, err := decide(snapshot)
	if err != nil {
		return nil, nil, err
	}
	if change == nil {
		return snapshot, nil, nil
	}
	if change.Invoice != nil && snapshot.Invoice != nil {
		return nil, nil, ErrInvoiceAlreadySet
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p.Status = change.To
	if change.Reason != "" {
		p.StatusReason = change.Reason
	}
	if change.Invoice != nil {
		inv := *change.Invoice
		p.Invoice = &inv
		s.byInvoice[inv.ProviderInvoiceID] = p.ID
	}
	if change.To.Terminal() {
		now := time.Now().UTC()
		p.FinalizedAt = &now
	}

	evt := s.appendEventLocked(p, change.EventType)
	return clonePayment(p), evt, nil
}

func (s *MemoryStore) List(_ context.Context, clientID string, limit int, cursor *pagination.Cursor) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentRequest
	for _, p := range s.payments {
		if p.ClientID != clientID {
			continue
		}
		if cursor != nil {
			if p.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if p.CreatedAt.Equal(cursor.CreatedAt) && p.ID >= cursor.ID {
				continue
			}
		}
		out = append(out, clonePayment(p))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})

	if len(out) > limit+1 {
		out = out[:limit+1]
	}
	return out, nil
}

func (s *MemoryStore) EventsAfter(_ context.Context, clientID string, afterSeq int64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[clientID] {
		if e.Seq > afterSeq {
			cp := *e
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) NonTerminal(_ context.Context) ([]*PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PaymentRequest
	for _, p := range s.payments {
		if !p.Status.Terminal() {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// appendEventLocked assigns the next dense seq for the client and stores the
// event. Caller must hold s.mu.
func (s *MemoryStore) appendEventLocked(p *PaymentRequest, typ EventType) *Event {
	s.seqs[p.ClientID]++
	evt := &Event{
		Seq:       s.seqs[p.ClientID],
		ClientID:  p.ClientID,
		PaymentID: p.ID,
		Type:      typ,
		Payload:   p.PayloadJSON(),
		CreatedAt: time.Now().UTC(),
	}
	s.events[p.ClientID] = append(s.events[p.ClientID], evt)
	cp := *evt
	return &cp
}

func clonePayment(p *PaymentRequest) *PaymentRequest {
	cp := *p
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	if p.Invoice != nil {
		inv := *p.Invoice
		cp.Invoice = &inv
	}
	if p.FinalizedAt != nil {
		t := *p.FinalizedAt
		cp.FinalizedAt = &t
	}
	return &cp
}
