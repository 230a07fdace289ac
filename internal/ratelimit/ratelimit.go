// Package ratelimit provides per-key token bucket limiting for the HTTP API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kioskpay/kioskpay/internal/metrics"
)

// Config sizes the token buckets.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

// DefaultConfig allows one request per second sustained with bursts of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter maintains one token bucket per key. Buckets idle for more than two
// minutes are swept by a background goroutine until Stop is called.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

// New starts a limiter and its sweep goroutine.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.refilled.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop terminates the sweep goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow takes one token from key's bucket, reporting false when it is empty.
// New keys start with a full burst.
func (l *Limiter) Allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, refilled: now}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.refilled).Seconds() * perSecond
	if full := float64(l.cfg.BurstSize); b.tokens > full {
		b.tokens = full
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// KeyFunc extracts the limiting key from a request.
type KeyFunc func(c *gin.Context) string

// ByIP keys requests by client IP.
func ByIP() KeyFunc {
	return func(c *gin.Context) string { return "ip:" + c.ClientIP() }
}

// ByContextValue keys requests by a string value set earlier in the request
// context (e.g. the authenticated client id). Falls back to IP when unset.
func ByContextValue(ctxKey string) KeyFunc {
	return func(c *gin.Context) string {
		if v, ok := c.Get(ctxKey); ok {
			if s, ok := v.(string); ok && s != "" {
				return "client:" + s
			}
		}
		return "ip:" + c.ClientIP()
	}
}

// Middleware returns a gin middleware limiting requests by the given key.
// The name labels rejections in metrics.
func (l *Limiter) Middleware(name string, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(keyFn(c)) {
			metrics.RateLimitedTotal.WithLabelValues(name).Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"detail": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
