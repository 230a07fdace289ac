package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/logging"
)

// Handler provides the token endpoint.
type Handler struct {
	svc *Service
}

// NewHandler creates an auth handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// TokenRequest is the body of POST /api/v1/auth/token.
type TokenRequest struct {
	MachineID  string `json:"machine_id" binding:"required"`
	Password   string `json:"password" binding:"required"`
	Nonce      string `json:"nonce"`
	DeviceInfo string `json:"device_info"`
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Token handles POST /api/v1/auth/token.
func (h *Handler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "machine_id and password are required"})
		return
	}

	token, expiresIn, err := h.svc.Authenticate(c.Request.Context(), req.MachineID, req.Password, c.ClientIP())
	switch {
	case errors.Is(err, ErrBadCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid machine_id or password"})
		return
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"detail": "client not permitted"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("token issuance failed", "machine_id", req.MachineID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(expiresIn.Seconds()),
	})
}

// RegisterRoutes mounts auth endpoints on the given group.
func (h *Handler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/auth/token", h.Token)
}
