// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	BindAddr  string
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Event bus
	RedisURL string // Optional, enables cross-process event fan-out

	// Auth
	JWTPrivateKeyPath string   // PEM, RS256 signing key
	JWTPublicKeyPaths []string // PEM, accepted verification keys (first is the signing key's pair)
	TokenTTL          time.Duration
	ClockSkew         time.Duration

	// Provider (BTCPay Greenfield)
	ProviderBaseURL  string
	ProviderAPIKey   string
	ProviderStoreID  string
	WebhookSecret    string // HMAC secret for inbound provider webhooks
	ProviderTimeout  time.Duration
	ProviderEventMap map[string]string // webhook event type -> lifecycle hint, overrides defaults

	// Callbacks
	CallbackSecret string // HMAC secret for outbound terminal-state callbacks

	// Monitoring
	MonitorWindow time.Duration
	PollInterval  time.Duration

	// Rate limits
	AuthRatePerMin   int // token endpoint, per IP
	CreateRatePerMin int // payment create, per client

	// CORS
	CORSAllowedOrigins []string // empty disables CORS handling

	// Limits
	MaxBodyBytes     int64
	MaxMetadataBytes int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, tracing disabled when empty
}

const (
	DefaultPort            = "8000"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultTokenTTL        = 10 * time.Minute
	DefaultClockSkew       = 30 * time.Second
	DefaultProviderTimeout = 10 * time.Second
	DefaultMonitorWindow   = 120 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultAuthRate        = 5
	DefaultCreateRate      = 60
	DefaultMaxBodyBytes    = 64 * 1024
	DefaultMaxMetadata     = 8 * 1024
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		BindAddr:           getEnv("BIND_ADDR", "0.0.0.0"),
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),
		JWTPrivateKeyPath:  os.Getenv("JWT_PRIVATE_KEY_PATH"),
		JWTPublicKeyPaths:  splitList(os.Getenv("JWT_PUBLIC_KEY_PATHS")),
		TokenTTL:           getEnvDuration("TOKEN_TTL_SECONDS", DefaultTokenTTL),
		ClockSkew:          getEnvDuration("CLOCK_SKEW_SECONDS", DefaultClockSkew),
		ProviderBaseURL:    os.Getenv("BTCPAY_BASE_URL"),
		ProviderAPIKey:     os.Getenv("BTCPAY_API_KEY"),
		ProviderStoreID:    os.Getenv("BTCPAY_STORE_ID"),
		WebhookSecret:      os.Getenv("WEBHOOK_SECRET"),
		ProviderTimeout:    getEnvDuration("PROVIDER_TIMEOUT_SECONDS", DefaultProviderTimeout),
		ProviderEventMap:   parseEventMap(os.Getenv("PROVIDER_EVENT_MAP")),
		CallbackSecret:     os.Getenv("CALLBACK_SECRET"),
		MonitorWindow:      getEnvDuration("MONITOR_WINDOW_SECONDS", DefaultMonitorWindow),
		PollInterval:       getEnvDuration("POLL_INTERVAL_SECONDS", DefaultPollInterval),
		AuthRatePerMin:     getEnvInt("AUTH_RATE_PER_MINUTE", DefaultAuthRate),
		CreateRatePerMin:   getEnvInt("CREATE_RATE_PER_MINUTE", DefaultCreateRate),
		CORSAllowedOrigins: splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		MaxBodyBytes:       int64(getEnvInt("MAX_BODY_BYTES", DefaultMaxBodyBytes)),
		MaxMetadataBytes:   getEnvInt("MAX_METADATA_BYTES", DefaultMaxMetadata),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTPrivateKeyPath == "" {
		return fmt.Errorf("JWT_PRIVATE_KEY_PATH is required")
	}
	if len(c.JWTPublicKeyPaths) == 0 {
		return fmt.Errorf("JWT_PUBLIC_KEY_PATHS is required")
	}
	if c.ProviderBaseURL == "" {
		return fmt.Errorf("BTCPAY_BASE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.ProviderBaseURL); err != nil {
		return fmt.Errorf("BTCPAY_BASE_URL is not a valid URL: %w", err)
	}
	if c.ProviderAPIKey == "" {
		return fmt.Errorf("BTCPAY_API_KEY is required")
	}
	if c.ProviderStoreID == "" {
		return fmt.Errorf("BTCPAY_STORE_ID is required")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.MonitorWindow <= 0 {
		return fmt.Errorf("MONITOR_WINDOW_SECONDS must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return c.BindAddr + ":" + c.Port
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer number of seconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseEventMap parses "InvoiceSettled=PAID,InvoiceExpired=EXPIRED" pairs
func parseEventMap(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	m := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		m[k] = strings.ToUpper(strings.TrimSpace(v))
	}
	return m
}
