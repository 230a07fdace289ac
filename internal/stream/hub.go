// Package stream fans persisted payment events out to connected subscribers
// over SSE and WebSocket, with replay from the event log on reconnect.
package stream

import (
	"log/slog"
	"sync"

	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/payment"
)

// subscriberBuffer bounds the per-subscriber outbound queue. A subscriber
// that falls this far behind is disconnected rather than slowing the hub.
const subscriberBuffer = 64

// maxSubscribers caps concurrent stream connections across all clients.
const maxSubscribers = 10000

// Subscriber is one connected stream consumer. Events arrives on C; the
// channel is closed when the hub drops the subscriber.
type Subscriber struct {
	ClientID string
	C        chan *payment.Event

	hub  *Hub
	once sync.Once
}

// Close detaches the subscriber from the hub. Safe to call more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}

// Hub routes events to subscribers by client id. It implements the engine's
// Publisher interface for single-process deployments.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{} // client id -> subscribers
	n    int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a consumer for the client's events. Returns nil when
// the hub is at capacity.
func (h *Hub) Subscribe(clientID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.n >= maxSubscribers {
		return nil
	}
	sub := &Subscriber{
		ClientID: clientID,
		C:        make(chan *payment.Event, subscriberBuffer),
		hub:      h,
	}
	if h.subs[clientID] == nil {
		h.subs[clientID] = make(map[*Subscriber]struct{})
	}
	h.subs[clientID][sub] = struct{}{}
	h.n++
	return sub
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

// dropLocked removes the subscriber and closes its channel. Caller holds h.mu.
func (h *Hub) dropLocked(sub *Subscriber) {
	set, ok := h.subs[sub.ClientID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.ClientID)
	}
	h.n--
	close(sub.C)
}

// Publish delivers the event to every subscriber of its client. Subscribers
// with a full queue are disconnected.
func (h *Hub) Publish(evt *payment.Event) {
	h.mu.RLock()
	var slow []*Subscriber
	for sub := range h.subs[evt.ClientID] {
		select {
		case sub.C <- evt:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range slow {
		slog.Warn("dropping slow stream subscriber", "client_id", sub.ClientID)
		h.dropLocked(sub)
	}
	h.mu.Unlock()
}

// SubscriberCount reports active subscribers, for tests and health output.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.n
}

func gaugeConnect(transport string) {
	metrics.StreamSubscribersActive.WithLabelValues(transport).Inc()
}

func gaugeDisconnect(transport string) {
	metrics.StreamSubscribersActive.WithLabelValues(transport).Dec()
}
