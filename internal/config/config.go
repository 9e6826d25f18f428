// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Persistence
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory stores if unset)
	RedisURL    string // optional delegate-lookup cache; empty disables caching

	// Identity provider (JWT)
	JWTSigningKey  string `json:"-"` // HS256 shared secret, or RS256 public key PEM
	JWTIssuer      string
	JWTAudience    string

	// Token lifetimes
	AccessTokenTTL  time.Duration
	AuthCodeTTL     time.Duration
	DefaultDelegateTokenTTL time.Duration

	// Delegation policy
	MaxDelegationDepth int

	// OAuth / MCP
	OAuthIssuer  string
	KnownClients []KnownClient

	// Rate limiting
	RateLimitRPM int

	// Database pool settings
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint; empty disables tracing
}

// KnownClient is one statically configured OAuth client, read from
// CASFA_OAUTH_CLIENTS as "clientId:name:pattern1|pattern2,clientId2:...".
type KnownClient struct {
	ClientID                string
	Name                    string
	AllowedRedirectPatterns []string
}

// Defaults.
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultAccessTokenTTL         = 3600 * time.Second
	DefaultAuthCodeTTL            = 600000 * time.Millisecond
	DefaultDelegateTokenTTL       = 15 * time.Minute
	DefaultMaxDelegationDepth     = 10
	DefaultRateLimit              = 100

	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables, loading a .env
// file first if one is present (local development only).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTSigningKey: os.Getenv("JWT_SIGNING_KEY"),
		JWTIssuer:     os.Getenv("JWT_ISSUER"),
		JWTAudience:   os.Getenv("JWT_AUDIENCE"),

		AccessTokenTTL:          time.Duration(getEnvInt64("AT_TTL_SECONDS", int64(DefaultAccessTokenTTL/time.Second))) * time.Second,
		AuthCodeTTL:             time.Duration(getEnvInt64("AUTH_CODE_TTL_MS", int64(DefaultAuthCodeTTL/time.Millisecond))) * time.Millisecond,
		DefaultDelegateTokenTTL: getEnvDuration("DEFAULT_DELEGATE_TOKEN_TTL", DefaultDelegateTokenTTL),

		MaxDelegationDepth: int(getEnvInt64("MAX_DELEGATE_DEPTH", int64(DefaultMaxDelegationDepth))),

		OAuthIssuer:  getEnv("OAUTH_ISSUER", "http://localhost:8080"),
		KnownClients: parseKnownClients(os.Getenv("CASFA_OAUTH_CLIENTS")),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),

		DBMaxOpenConns:    int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:    int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime: getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime: getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.JWTSigningKey == "" {
		return fmt.Errorf("JWT_SIGNING_KEY is required")
	}

	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.RateLimitRPM < 1 {
		return fmt.Errorf("RATE_LIMIT_RPM must be at least 1, got %d", c.RateLimitRPM)
	}

	if c.MaxDelegationDepth < 1 {
		return fmt.Errorf("MAX_DELEGATE_DEPTH must be at least 1, got %d", c.MaxDelegationDepth)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set in production — delegate state will not survive a restart")
	}
	if c.IsProduction() && c.RedisURL == "" {
		slog.Warn("REDIS_URL not set in production — every request pays a full store lookup")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// parseKnownClients parses "id:name:pattern1|pattern2,id2:name2:pattern3".
// Only the first two colons in each entry are treated as field separators,
// since redirect patterns themselves contain colons (e.g. "http://host:*").
func parseKnownClients(raw string) []KnownClient {
	if raw == "" {
		return nil
	}
	var clients []KnownClient
	for _, entry := range splitNonEmpty(raw, ',') {
		clientID, rest, ok := cutOnce(entry, ':')
		if !ok {
			continue
		}
		name, patterns, ok := cutOnce(rest, ':')
		if !ok {
			continue
		}
		clients = append(clients, KnownClient{
			ClientID:                clientID,
			Name:                    name,
			AllowedRedirectPatterns: splitNonEmpty(patterns, '|'),
		})
	}
	return clients
}

// cutOnce splits s at the first occurrence of sep.
func cutOnce(s string, sep rune) (before, after string, ok bool) {
	for i, r := range s {
		if r == sep {
			return s[:i], s[i+len(string(sep)):], true
		}
	}
	return s, "", false
}

func splitNonEmpty(s string, sep rune) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
