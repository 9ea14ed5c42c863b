package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// DefaultSessionAllowlist are the paths a device may call without a session token.
var DefaultSessionAllowlist = []string{
	"/health",
	"/metrics",
	"/api/session",
	"/bootstrap/*",
}

// Config holds application configuration.
type Config struct {
	// Server
	ServerAddr string
	ServerPort int

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
	DBTimeout  time.Duration

	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// StoreDriver selects the persistence backend: "postgres" or "memory".
	StoreDriver string

	// Secrets
	TokenSecret       string
	OperatorJWTSecret string
	OperatorJWTIssuer string

	// Lifetimes
	InitialTokenTTL     time.Duration
	MaxInitialTokenTTL  time.Duration
	PairingCodeTTL      time.Duration
	BootstrapSessionTTL time.Duration
	ExchangedSessionTTL time.Duration
	TokenRetention      time.Duration
	SweepInterval       time.Duration

	// Device sessions
	SessionAllowlist  []string
	TrustForwardedFor bool
	RequirePairing    bool

	// Operator browser sessions
	FingerprintEnabled bool
	CookieSecure       bool

	MetricsEnabled bool

	// SMTP for security alerts
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string
	AlertEmailTo []string

	RateLimit       RateLimitConfig
	SecurityHeaders SecurityHeadersConfig
	Validation      ValidationConfig
}

// RateLimitConfig holds per-IP limits for device-facing endpoints.
type RateLimitConfig struct {
	Enabled bool

	PairingRequests int
	PairingWindow   time.Duration

	SessionRequests int
	SessionWindow   time.Duration
}

// SecurityHeadersConfig holds response security header settings.
type SecurityHeadersConfig struct {
	Enabled            bool
	CSP                string
	HSTSMaxAge         int
	FrameOptions       string
	ContentTypeOptions string
	ReferrerPolicy     string
	PermissionsPolicy  string
}

// ValidationConfig holds request validation limits.
type ValidationConfig struct {
	MaxRequestBodySize int64
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		// Server defaults
		ServerAddr: getEnv("SERVER_ADDR", "0.0.0.0"),
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 25432),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "simple_bootstrap"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
		DBTimeout:  getEnvDuration("DB_TIMEOUT", repository.DefaultOpTimeout),

		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		StoreDriver: getEnv("STORE_DRIVER", StoreDriverPostgres),

		TokenSecret:       getEnv("TOKEN_SECRET", ""),
		OperatorJWTSecret: getEnv("OPERATOR_JWT_SECRET", ""),
		OperatorJWTIssuer: getEnv("OPERATOR_JWT_ISSUER", "simple-bootstrap"),

		InitialTokenTTL:     getEnvDuration("INITIAL_TOKEN_TTL", auth.DefaultInitialTokenTTL),
		MaxInitialTokenTTL:  getEnvDuration("MAX_INITIAL_TOKEN_TTL", auth.DefaultMaxInitialTokenTTL),
		PairingCodeTTL:      getEnvDuration("PAIRING_CODE_TTL", auth.DefaultPairingCodeTTL),
		BootstrapSessionTTL: getEnvDuration("BOOTSTRAP_SESSION_TTL", auth.DefaultBootstrapSessionTTL),
		ExchangedSessionTTL: getEnvDuration("EXCHANGED_SESSION_TTL", auth.DefaultExchangedSessionTTL),
		TokenRetention:      getEnvDuration("TOKEN_RETENTION", auth.DefaultTokenRetention),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", auth.DefaultSweepInterval),

		SessionAllowlist:  getEnvList("SESSION_ALLOWLIST", DefaultSessionAllowlist),
		TrustForwardedFor: getEnvBool("TRUST_FORWARDED_FOR", true),
		RequirePairing:    getEnvBool("REQUIRE_PAIRING", false),

		FingerprintEnabled: getEnvBool("FINGERPRINT_ENABLED", true),
		CookieSecure:       getEnvBool("COOKIE_SECURE", false),

		MetricsEnabled: getEnvBool("METRICS_ENABLED", true),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", ""),
		SMTPFromName: getEnv("SMTP_FROM_NAME", "simple-bootstrap"),
		AlertEmailTo: getEnvList("ALERT_EMAIL_TO", nil),

		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("RATE_LIMIT_ENABLED", true),
			PairingRequests: getEnvInt("RATE_LIMIT_PAIRING_REQUESTS", 5),
			PairingWindow:   getEnvDuration("RATE_LIMIT_PAIRING_WINDOW", time.Minute),
			SessionRequests: getEnvInt("RATE_LIMIT_SESSION_REQUESTS", 20),
			SessionWindow:   getEnvDuration("RATE_LIMIT_SESSION_WINDOW", time.Minute),
		},

		SecurityHeaders: SecurityHeadersConfig{
			Enabled:            getEnvBool("SECURITY_HEADERS_ENABLED", true),
			CSP:                getEnv("SECURITY_HEADERS_CSP", "default-src 'none'; frame-ancestors 'none'"),
			HSTSMaxAge:         getEnvInt("HSTS_MAX_AGE", 31536000),
			FrameOptions:       getEnv("SECURITY_HEADERS_FRAME_OPTIONS", "DENY"),
			ContentTypeOptions: "nosniff",
			ReferrerPolicy:     getEnv("SECURITY_HEADERS_REFERRER_POLICY", "no-referrer"),
			PermissionsPolicy:  getEnv("SECURITY_HEADERS_PERMISSIONS_POLICY", ""),
		},

		Validation: ValidationConfig{
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 64*1024)),
		},
	}

	// Validate required fields
	if cfg.StoreDriver != StoreDriverPostgres && cfg.StoreDriver != StoreDriverMemory {
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, cfg.StoreDriver)
	}
	if cfg.MaxInitialTokenTTL < cfg.InitialTokenTTL {
		return nil, fmt.Errorf("MAX_INITIAL_TOKEN_TTL must not be less than INITIAL_TOKEN_TTL")
	}
	if cfg.TokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}
	if len(cfg.TokenSecret) < auth.MinSecretLength {
		return nil, fmt.Errorf("TOKEN_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if cfg.OperatorJWTSecret == "" {
		return nil, fmt.Errorf("OPERATOR_JWT_SECRET is required")
	}
	if len(cfg.OperatorJWTSecret) < auth.MinSecretLength {
		return nil, fmt.Errorf("OPERATOR_JWT_SECRET must be at least %d characters", auth.MinSecretLength)
	}
	if cfg.OperatorJWTSecret == cfg.TokenSecret {
		return nil, fmt.Errorf("OPERATOR_JWT_SECRET must differ from TOKEN_SECRET")
	}

	return cfg, nil
}

// Database returns the repository connection settings.
func (c *Config) Database() repository.Config {
	return repository.Config{
		Host:     c.DBHost,
		Port:     c.DBPort,
		User:     c.DBUser,
		Password: c.DBPassword,
		DBName:   c.DBName,
		SSLMode:  c.DBSSLMode,

		MaxOpenConns:    c.DBMaxOpenConns,
		MaxIdleConns:    c.DBMaxIdleConns,
		ConnMaxLifetime: c.DBConnMaxLifetime,
	}
}

// HasSMTP returns true if security alert email is configured.
func (c *Config) HasSMTP() bool {
	return c.SMTPHost != "" && c.SMTPFrom != "" && len(c.AlertEmailTo) > 0
}

// DatabaseURL returns DATABASE_URL when set, otherwise a DSN built from the DB_* variables.
func (c *Config) DatabaseURL() string {
	return getEnv("DATABASE_URL", c.Database().DSN())
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
