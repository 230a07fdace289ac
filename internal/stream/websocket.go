package stream

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kioskpay/kioskpay/internal/auth"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/payment"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMessage = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // kiosk clients, not browsers
		}
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// WebSocket handles GET /api/v1/events/ws. Frames carry the same event
// envelope as the persisted log; resume position comes from last_event_id.
func (h *Handler) WebSocket(c *gin.Context) {
	clientID := c.GetString(auth.ContextClientIDKey)

	lastSeq, ok := lastEventID(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid last_event_id"})
		return
	}

	sub := h.hub.Subscribe(clientID)
	if sub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "too many stream subscribers"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Close()
		return
	}
	gaugeConnect("ws")

	log := logging.L(c.Request.Context())
	ctx := c.Request.Context()

	closed := make(chan struct{})
	go func() {
		// Read loop exists to process control frames and observe the close.
		defer close(closed)
		conn.SetReadLimit(wsMaxMessage)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// The write loop runs on the handler goroutine so the request context
	// stays live for as long as the connection is served.
	func() {
		defer func() {
			sub.Close()
			_ = conn.Close()
			gaugeDisconnect("ws")
		}()

		write := func(evt *payment.Event) error {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(evt)
		}

		for {
			events, err := h.source.EventsAfter(ctx, clientID, lastSeq, replayBatch)
			if err != nil {
				log.Warn("stream replay aborted", "client_id", clientID, "error", err)
				return
			}
			for _, evt := range events {
				if err := write(evt); err != nil {
					return
				}
				lastSeq = evt.Seq
			}
			if len(events) < replayBatch {
				break
			}
		}

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-ctx.Done():
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			case evt, open := <-sub.C:
				if !open {
					_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
					_ = conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "slow consumer"))
					return
				}
				if evt.Seq <= lastSeq {
					continue
				}
				if err := write(evt); err != nil {
					return
				}
				lastSeq = evt.Seq
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()
}
