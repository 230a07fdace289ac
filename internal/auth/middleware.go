package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/client"
	"github.com/kioskpay/kioskpay/internal/logging"
)

const (
	// ContextClientKey is the gin context key holding the authenticated client.
	ContextClientKey = "auth_client"
	// ContextClientIDKey is the gin context key holding the client id string.
	ContextClientIDKey = "client_id"
)

// Middleware returns a gin middleware enforcing bearer auth on a route group.
// On success the client record is attached to the request context.
func Middleware(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "missing bearer token"})
			return
		}

		claims, err := svc.Tokens().Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid or expired token"})
			return
		}

		cl, err := svc.LoadActiveClient(c.Request.Context(), claims)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "invalid or expired token"})
			return
		}

		c.Set(ContextClientKey, cl)
		c.Set(ContextClientIDKey, cl.ID)

		ctx := logging.WithClientID(c.Request.Context(), cl.ID)
		c.Request = c.Request.WithContext(ctx)

		// Best effort, a stale last_seen_at is not worth failing the request.
		_ = svc.clients.TouchLastSeen(ctx, cl.ID)

		c.Next()
	}
}

// GetClient returns the authenticated client from the gin context.
func GetClient(c *gin.Context) (*client.Client, bool) {
	v, ok := c.Get(ContextClientKey)
	if !ok {
		return nil, false
	}
	cl, ok := v.(*client.Client)
	return cl, ok
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
