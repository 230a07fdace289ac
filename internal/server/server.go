// Package server wires the HTTP API, stores, provider client, and background
// workers together.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/kioskpay/kioskpay/internal/auth"
	"github.com/kioskpay/kioskpay/internal/client"
	"github.com/kioskpay/kioskpay/internal/config"
	"github.com/kioskpay/kioskpay/internal/health"
	"github.com/kioskpay/kioskpay/internal/logging"
	"github.com/kioskpay/kioskpay/internal/metrics"
	"github.com/kioskpay/kioskpay/internal/monitor"
	"github.com/kioskpay/kioskpay/internal/notifier"
	"github.com/kioskpay/kioskpay/internal/payment"
	"github.com/kioskpay/kioskpay/internal/provider"
	"github.com/kioskpay/kioskpay/internal/ratelimit"
	"github.com/kioskpay/kioskpay/internal/security"
	"github.com/kioskpay/kioskpay/internal/stream"
	"github.com/kioskpay/kioskpay/internal/traces"
	"github.com/kioskpay/kioskpay/internal/validation"
	"github.com/kioskpay/kioskpay/internal/webhookin"
)

// Provider is the upstream invoice API as the server consumes it.
type Provider interface {
	CreateInvoice(ctx context.Context, p *payment.PaymentRequest) (*payment.Invoice, error)
	InvoiceHint(ctx context.Context, providerInvoiceID string) (payment.Hint, error)
}

// Server wraps the HTTP server and its dependencies.
type Server struct {
	cfg      *config.Config
	db       *sql.DB // nil when using in-memory stores
	payments payment.Store
	clients  client.Store
	engine   *payment.Engine
	provider Provider

	hub      *stream.Hub
	bridge   *stream.Bridge
	monitor  *monitor.Monitor
	notifier *notifier.Notifier

	tokens  *auth.TokenService
	authSvc *auth.Service

	authLimiter   *ratelimit.Limiter
	createLimiter *ratelimit.Limiter

	checks        *health.Registry
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithProvider injects a provider client, used by tests to avoid network I/O.
func WithProvider(p Provider) Option {
	return func(s *Server) { s.provider = p }
}

// WithTokenService injects a token service built from in-memory keys.
func WithTokenService(ts *auth.TokenService) Option {
	return func(s *Server) { s.tokens = ts }
}

// New creates a server instance with all subsystems wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}
	s.healthy.Store(true)

	for _, opt := range opts {
		opt(s)
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.payments = payment.NewPostgresStore(db)
		s.clients = client.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.payments = payment.NewMemoryStore()
		s.clients = client.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	if s.tokens == nil {
		ts, err := auth.NewTokenService(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPaths, cfg.TokenTTL, cfg.ClockSkew)
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		s.tokens = ts
	}
	s.authSvc = auth.NewService(s.clients, s.tokens)

	if s.provider == nil {
		s.provider = provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderStoreID, cfg.ProviderTimeout)
	}

	s.hub = stream.NewHub()
	var bus payment.Publisher = s.hub
	if cfg.RedisURL != "" {
		bridge, err := stream.NewBridge(cfg.RedisURL, s.hub)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		s.bridge = bridge
		bus = bridge
		s.logger.Info("cross-process event fan-out enabled")
	}

	s.engine = payment.NewEngine(s.payments, s.provider, bus, cfg.MonitorWindow, cfg.MaxMetadataBytes)
	s.monitor = monitor.New(s.engine, s.payments, s.provider, cfg.PollInterval)
	s.engine.SetScheduler(s.monitor)
	s.notifier = notifier.New(cfg.CallbackSecret)
	if cfg.IsProduction() {
		s.notifier.BlockInternalEndpoints()
	}
	s.engine.SetTerminalHook(s.notifier.Notify)

	s.authLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.AuthRatePerMin,
		BurstSize:         cfg.AuthRatePerMin,
		CleanupInterval:   time.Minute,
	})
	s.createLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.CreateRatePerMin,
		BurstSize:         cfg.CreateRatePerMin,
		CleanupInterval:   time.Minute,
	})

	s.registerHealthChecks()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) registerHealthChecks() {
	s.checks.Register("store", func(ctx context.Context) health.Status {
		if err := s.payments.Ping(ctx); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})
	if s.bridge != nil {
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.bridge.Ping(ctx); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "internal error"})
	}))

	s.router.Use(security.HeadersMiddleware())
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		s.router.Use(security.CORSMiddleware(s.cfg.CORSAllowedOrigins))
	}
	s.router.Use(validation.RequestSizeMiddleware(s.cfg.MaxBodyBytes))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/", dashboardHandler)
	s.router.GET("/dashboard/stats", s.dashboardStatsHandler)
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	api := s.router.Group("/api/v1")

	// Public endpoints.
	tokenGroup := api.Group("", s.authLimiter.Middleware("auth_token", ratelimit.ByIP()))
	auth.NewHandler(s.authSvc).RegisterRoutes(tokenGroup)

	webhookin.NewHandler(s.engine, s.payments, s.cfg.WebhookSecret, s.cfg.ProviderEventMap).RegisterRoutes(api)

	// Bearer-authenticated endpoints.
	protected := api.Group("", auth.Middleware(s.authSvc))
	createMW := s.createLimiter.Middleware("payment_create", ratelimit.ByContextValue(auth.ContextClientIDKey))
	payment.NewHandler(s.engine).RegisterRoutes(protected, createMW)
	stream.NewHandler(s.hub, s.engine).RegisterRoutes(protected)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)
	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, blocking until a
// shutdown signal or ctx cancellation.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed", "error", err)
	} else {
		s.traceShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: the event stream holds its response open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "addr", s.cfg.Addr(), "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.bridge != nil {
		go s.bridge.Run(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Sweep payments left non-terminal by a previous run, then accept traffic.
	if err := s.monitor.Start(runCtx); err != nil {
		s.logger.Error("monitor sweep failed", "error", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and waits for workers to drain.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.monitor.Stop()
	s.logger.Info("monitor stopped")

	s.notifier.Wait()
	s.logger.Info("callback deliveries drained")

	s.authLimiter.Stop()
	s.createLimiter.Stop()

	if s.bridge != nil {
		if err := s.bridge.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter close error", "error", err)
		}
	}

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Engine returns the payment engine for testing.
func (s *Server) Engine() *payment.Engine {
	return s.engine
}

// Clients returns the client store, used by tests and the admin CLI to seed
// kiosk credentials.
func (s *Server) Clients() client.Store {
	return s.clients
}

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
