package stream

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/auth"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/payment"
)

// keepaliveInterval bounds stream idleness; proxies drop silent connections.
const keepaliveInterval = 15 * time.Second

// replayBatch is the page size used when replaying persisted events.
const replayBatch = 500

// EventSource replays persisted events for reconnecting subscribers.
type EventSource interface {
	EventsAfter(ctx context.Context, clientID string, afterSeq int64, limit int) ([]*payment.Event, error)
}

// Handler serves the live event stream endpoints.
type Handler struct {
	hub    *Hub
	source EventSource
}

// NewHandler creates a stream handler backed by the hub and the event log.
func NewHandler(hub *Hub, source EventSource) *Handler {
	return &Handler{hub: hub, source: source}
}

// lastEventID reads the resume position from the Last-Event-ID header, with
// a query parameter fallback for clients that cannot set headers.
func lastEventID(c *gin.Context) (int64, bool) {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("last_event_id")
	}
	if raw == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// SSE handles GET /api/v1/events/stream. It replays persisted events past
// the resume position, then switches to live hub delivery.
func (h *Handler) SSE(c *gin.Context) {
	clientID := c.GetString(auth.ContextClientIDKey)

	lastSeq, ok := lastEventID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid Last-Event-ID"})
		return
	}

	sub := h.hub.Subscribe(clientID)
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "too many stream subscribers"})
		return
	}
	defer sub.Close()
	gaugeConnect("sse")
	defer gaugeDisconnect("sse")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.Flush()

	ctx := c.Request.Context()
	log := logging.L(ctx)

	// Replay first. The subscription is already live, so events committed
	// during replay buffer in the subscriber queue and are deduplicated by
	// seq below.
	seq, err := h.replay(ctx, c, clientID, lastSeq)
	if err != nil {
		log.Warn("stream replay aborted", "client_id", clientID, "error", err)
		return
	}
	lastSeq = seq

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub.C:
			if !open {
				// Dropped as a slow consumer.
				return
			}
			if evt.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(c, evt); err != nil {
				return
			}
			lastSeq = evt.Seq
			keepalive.Reset(keepaliveInterval)
		case <-keepalive.C:
			if err := writeKeepalive(c); err != nil {
				return
			}
		}
	}
}

// replay pages through persisted events with seq > after and writes them out.
// Returns the last seq delivered.
func (h *Handler) replay(ctx context.Context, c *gin.Context, clientID string, after int64) (int64, error) {
	for {
		events, err := h.source.EventsAfter(ctx, clientID, after, replayBatch)
		if err != nil {
			return after, err
		}
		for _, evt := range events {
			if err := writeSSE(c, evt); err != nil {
				return after, err
			}
			after = evt.Seq
		}
		if len(events) < replayBatch {
			return after, nil
		}
	}
}

func writeSSE(c *gin.Context, evt *payment.Event) error {
	err := sse.Encode(c.Writer, sse.Event{
		Id:    strconv.FormatInt(evt.Seq, 10),
		Event: string(evt.Type),
		Data:  string(evt.Payload),
	})
	if err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// writeKeepalive emits a synthetic frame with no id so it never advances the
// client's resume position.
func writeKeepalive(c *gin.Context) error {
	err := sse.Encode(c.Writer, sse.Event{
		Event: string(payment.EventKeepalive),
		Data:  "{}",
	})
	if err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// RegisterRoutes mounts stream endpoints on an authenticated group.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.GET("/events/stream", h.SSE)
	g.GET("/events/ws", h.WebSocket)
}
