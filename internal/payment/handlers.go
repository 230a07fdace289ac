package payment

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/auth"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/pagination"
	"github.com/kioskpay/kioskpay/internal/validation"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Handler exposes the payment REST endpoints.
type Handler struct {
	engine *Engine
}

// NewHandler creates a payment handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// Create handles POST /api/v1/payments.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "malformed request body"})
		return
	}
	if key := c.GetHeader("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	clientID := c.GetString(auth.ContextClientIDKey)
	p, created, err := h.engine.Create(c.Request.Context(), clientID, &req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, p.Snapshot())
}

// Get handles GET /api/v1/payments/:payment_id.
func (h *Handler) Get(c *gin.Context) {
	clientID := c.GetString(auth.ContextClientIDKey)
	p, err := h.engine.Get(c.Request.Context(), clientID, c.Param("payment_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.Snapshot())
}

// List handles GET /api/v1/payments with cursor pagination.
func (h *Handler) List(c *gin.Context) {
	limit := defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be a positive integer"})
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		limit = n
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid cursor"})
		return
	}

	clientID := c.GetString(auth.ContextClientIDKey)
	page, next, more, err := h.engine.List(c.Request.Context(), clientID, limit, cursor)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payments := make([]map[string]any, 0, len(page))
	for _, p := range page {
		payments = append(payments, p.Snapshot())
	}
	resp := gin.H{
		"payments": payments,
		"has_more": more,
	}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// Cancel handles POST /api/v1/payments/:payment_id/cancel.
func (h *Handler) Cancel(c *gin.Context) {
	clientID := c.GetString(auth.ContextClientIDKey)
	p, err := h.engine.Cancel(c.Request.Context(), clientID, c.Param("payment_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p.Snapshot())
}

// writeError maps engine errors onto the shared error body shape.
func (h *Handler) writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{"detail": verrs.Error()})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"detail": "payment not found"})
	case errors.Is(err, ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, gin.H{"detail": "idempotency key already used with a different request"})
	case errors.Is(err, ErrPaymentFinal):
		c.JSON(http.StatusConflict, gin.H{"detail": "payment already finalized"})
	case errors.Is(err, ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"detail": "payment provider unavailable"})
	default:
		logging.L(c.Request.Context()).Error("payment request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}
}

// RegisterRoutes mounts payment endpoints on an authenticated group. createMW
// is the per-client create rate limiter.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup, createMW gin.HandlerFunc) {
	if createMW != nil {
		g.POST("/payments", createMW, h.Create)
	} else {
		g.POST("/payments", h.Create)
	}
	g.GET("/payments", h.List)
	g.GET("/payments/:payment_id", h.Get)
	g.POST("/payments/:payment_id/cancel", h.Cancel)
}
