// Package bootstrap wires the device bootstrap protocol into an embeddable server.
//
// Setup:
//
//  1. Apply the migrations (bootstrapctl migrate up)
//  2. Create a Bootstrap instance and mount its router
//
// Basic usage:
//
//	db, _ := sql.Open("postgres", "postgres://localhost/bootstrap?sslmode=disable")
//
//	b, err := bootstrap.New(bootstrap.Config{
//	    DB:                db,
//	    TokenSecret:       "token-secret-at-least-32-characters",
//	    OperatorJWTSecret: "operator-secret-at-least-32-characters",
//	})
//	if err != nil {
//	    log.Fatal(err) // Will fail if migrations haven't been run
//	}
//
//	go b.Sweeper().Run(ctx)
//	http.ListenAndServe(":8080", b.Router())
//
// Protecting your own device routes:
//
//	r.Group(func(r chi.Router) {
//	    r.Use(b.SessionMiddleware())
//	    r.Get("/api/config", func(w http.ResponseWriter, r *http.Request) {
//	        hostID, _ := bootstrap.HostIDFromContext(r.Context())
//	        ...
//	    })
//	})
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/audit"
	"github.com/tendant/simple-bootstrap/internal/config"
	httpserver "github.com/tendant/simple-bootstrap/internal/http"
	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/metrics"
	"github.com/tendant/simple-bootstrap/internal/notification"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/repository"
	"github.com/tendant/simple-bootstrap/pkg/repository/memory"
)

type (
	RateLimitConfig       = config.RateLimitConfig
	SecurityHeadersConfig = config.SecurityHeadersConfig
	ValidationConfig      = config.ValidationConfig
	AlertConfig           = notification.AlertConfig
)

// Stores groups the persistence backends.
type Stores struct {
	Hosts        repository.HostStore
	Tokens       repository.TokenStore
	Sessions     repository.SessionStore
	Fingerprints repository.FingerprintStore
	Events       repository.EventStore
}

// PostgresStores returns Postgres-backed stores.
func PostgresStores(db *sql.DB) Stores {
	return Stores{
		Hosts:        repository.NewHostsRepository(db),
		Tokens:       repository.NewInitialTokensRepository(db),
		Sessions:     repository.NewSessionsRepository(db),
		Fingerprints: repository.NewFingerprintsRepository(db),
		Events:       repository.NewSecurityEventsRepository(db),
	}
}

// MemoryStores returns stores backed by an in-process memory store.
func MemoryStores(m *memory.Store) Stores {
	return Stores{
		Hosts:        m.Hosts(),
		Tokens:       m.Tokens(),
		Sessions:     m.Sessions(),
		Fingerprints: m.Fingerprints(),
		Events:       m.Events(),
	}
}

// Config holds the configuration for a Bootstrap instance.
type Config struct {
	// DB is the database connection. Required unless Stores is set.
	DB *sql.DB

	// Stores overrides the Postgres stores built from DB.
	Stores *Stores

	// TokenSecret keys the token, pairing code and fingerprint hashes (required, min 32 chars).
	TokenSecret string

	// OperatorJWTSecret signs operator access tokens (required, min 32 chars, distinct from TokenSecret).
	OperatorJWTSecret string

	// OperatorJWTIssuer is the issuer claim of operator tokens (default: "simple-bootstrap").
	OperatorJWTIssuer string

	InitialTokenTTL     time.Duration
	MaxInitialTokenTTL  time.Duration
	PairingCodeTTL      time.Duration
	BootstrapSessionTTL time.Duration
	ExchangedSessionTTL time.Duration
	TokenRetention      time.Duration
	SweepInterval       time.Duration
	StoreTimeout        time.Duration

	// RequirePairing rejects initial tokens that were never paired.
	RequirePairing bool

	// SessionAllowlist are paths reachable without a device session.
	SessionAllowlist []string

	TrustForwardedFor  bool
	FingerprintEnabled bool
	CookieSecure       bool

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool

	RateLimit       RateLimitConfig
	SecurityHeaders SecurityHeadersConfig
	Validation      ValidationConfig

	// Alerts mails high-severity security events (optional).
	Alerts *AlertConfig

	// Logger is the structured logger (default: JSON to stdout).
	Logger *slog.Logger

	// Clock overrides time.Now.
	Clock auth.Clock
}

// Bootstrap is a wired set of bootstrap services.
type Bootstrap struct {
	config    Config
	stores    Stores
	hasher    *auth.Hasher
	issuer    *auth.TokenIssuer
	verifier  *auth.PairingVerifier
	exchanger *auth.SessionExchanger
	validator *auth.SessionValidator
	revoker   *auth.SessionRevoker
	sweeper   *auth.Sweeper
	operators *auth.OperatorTokens
	guard     *auth.FingerprintGuard
	metrics   *metrics.Recorder
	alerts    *notification.AlertMailer
}

// New creates a Bootstrap instance. When Stores is not set it checks that the
// schema exists; run migrations first.
func New(cfg Config) (*Bootstrap, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	var stores Stores
	if cfg.Stores != nil {
		stores = *cfg.Stores
	} else {
		if err := validateSchema(cfg.DB); err != nil {
			return nil, err
		}
		stores = PostgresStores(cfg.DB)
	}

	hasher, err := auth.NewHasher([]byte(cfg.TokenSecret))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	operators, err := auth.NewOperatorTokens([]byte(cfg.OperatorJWTSecret), cfg.OperatorJWTIssuer, cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	var recorder *metrics.Recorder
	sinks := []audit.Sink{
		audit.NewSlogSink(cfg.Logger),
		audit.NewRepositorySink(stores.Events, cfg.Logger, cfg.StoreTimeout),
	}
	if cfg.EnableMetrics {
		recorder = metrics.New()
		sinks = append(sinks, recorder)
	}
	var alerts *notification.AlertMailer
	if cfg.Alerts != nil {
		alerts = notification.NewAlertMailer(*cfg.Alerts, cfg.Logger, nil)
		sinks = append(sinks, alerts)
	}
	sink := audit.Multi(sinks...)

	sweeper := auth.NewSweeper(auth.SweeperConfig{
		Interval:       cfg.SweepInterval,
		TokenRetention: cfg.TokenRetention,
	}, stores.Sessions, stores.Tokens, stores.Fingerprints, cfg.Logger, cfg.Clock)
	if recorder != nil {
		sweeper.OnSweep = recorder.ObserveSweep
	}

	return &Bootstrap{
		config: cfg,
		stores: stores,
		hasher: hasher,
		issuer: auth.NewTokenIssuer(auth.IssuerConfig{
			InitialTokenTTL:    cfg.InitialTokenTTL,
			MaxInitialTokenTTL: cfg.MaxInitialTokenTTL,
			PairingCodeTTL:     cfg.PairingCodeTTL,
			StoreTimeout:       cfg.StoreTimeout,
		}, stores.Hosts, stores.Tokens, hasher, sink, cfg.Logger, cfg.Clock),
		verifier: auth.NewPairingVerifier(stores.Tokens, hasher, sink, cfg.Logger, cfg.Clock, cfg.StoreTimeout),
		exchanger: auth.NewSessionExchanger(auth.ExchangerConfig{
			BootstrapSessionTTL: cfg.BootstrapSessionTTL,
			ExchangedSessionTTL: cfg.ExchangedSessionTTL,
			RequirePairing:      cfg.RequirePairing,
			StoreTimeout:        cfg.StoreTimeout,
		}, stores.Hosts, stores.Tokens, stores.Sessions, hasher, sink, cfg.Logger, cfg.Clock),
		validator: auth.NewSessionValidator(stores.Sessions, hasher, sink, cfg.Logger, cfg.Clock, cfg.StoreTimeout),
		revoker:   auth.NewSessionRevoker(stores.Sessions, hasher, sink, cfg.Logger, cfg.Clock, cfg.StoreTimeout),
		sweeper:   sweeper,
		operators: operators,
		guard:     auth.NewFingerprintGuard(stores.Fingerprints, hasher, sink, cfg.Logger, cfg.Clock, cfg.StoreTimeout),
		metrics:   recorder,
		alerts:    alerts,
	}, nil
}

// Router returns the full HTTP surface.
//
// Routes:
//
//	GET    /health                          - Liveness
//	GET    /metrics                         - Prometheus metrics (if enabled)
//	POST   /bootstrap/operator/session      - Store the operator token in a cookie (operator)
//	DELETE /bootstrap/operator/session      - Operator logout (operator)
//	POST   /bootstrap/hosts                 - Register a host (operator)
//	GET    /bootstrap/hosts/{id}            - Get a host (operator)
//	POST   /bootstrap/token                 - Issue an initial token (operator)
//	POST   /bootstrap/pairing-code          - Generate a pairing code (operator)
//	GET    /bootstrap/tokens                - List initial tokens (operator)
//	DELETE /bootstrap/tokens/{id}           - Delete an initial token (operator)
//	POST   /bootstrap/pairing-code/verify   - Verify a pairing code (device)
//	GET    /bootstrap/pairing-status        - Pairing status (device)
//	POST   /api/session                     - Initial token -> session (device)
//	POST   /api/session/exchange            - Extend a session (device)
//	DELETE /api/session                     - Revoke a session (device)
//	GET    /api/whoami                      - Current session (device)
func (b *Bootstrap) Router() http.Handler {
	return httpserver.NewRouter(httpserver.RouterConfig{
		Logger:             b.config.Logger,
		Issuer:             b.issuer,
		Verifier:           b.verifier,
		Exchanger:          b.exchanger,
		Validator:          b.validator,
		Revoker:            b.revoker,
		Operators:          b.operators,
		Fingerprints:       b.guard,
		Metrics:            b.metrics,
		SessionAllowlist:   b.config.SessionAllowlist,
		TrustForwardedFor:  b.config.TrustForwardedFor,
		FingerprintEnabled: b.config.FingerprintEnabled,
		CookieSecure:       b.config.CookieSecure,
		RateLimitConfig:    b.config.RateLimit,
		SecurityHeaders:    b.config.SecurityHeaders,
		Validation:         b.config.Validation,
	})
}

// SessionMiddleware returns middleware that requires a valid device session
// on every path outside the allowlist.
func (b *Bootstrap) SessionMiddleware() func(http.Handler) http.Handler {
	cfg := middleware.SessionValidationConfig{
		Allowlist:         b.config.SessionAllowlist,
		TrustForwardedFor: b.config.TrustForwardedFor,
		Logger:            b.config.Logger,
	}
	if b.metrics != nil {
		cfg.OnReject = b.metrics.SessionRejected
	}
	return middleware.SessionValidation(b.validator, cfg)
}

// Close waits for pending security alerts to be delivered.
func (b *Bootstrap) Close() {
	if b.alerts != nil {
		b.alerts.Wait()
	}
}

// Sweeper returns the background expiry sweeper. Run it in its own goroutine.
func (b *Bootstrap) Sweeper() *auth.Sweeper {
	return b.sweeper
}

// Issuer returns the token issuer for programmatic host enrollment.
func (b *Bootstrap) Issuer() *auth.TokenIssuer {
	return b.issuer
}

// IssueOperatorToken mints an operator access token.
func (b *Bootstrap) IssueOperatorToken(operatorID string, ttl time.Duration) (string, error) {
	token, _, err := b.operators.Issue(operatorID, ttl)
	return token, err
}

// HostIDFromContext extracts the device host ID set by SessionMiddleware.
func HostIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	return middleware.GetHostID(ctx)
}

func validateConfig(cfg *Config) error {
	if cfg.DB == nil && cfg.Stores == nil {
		return errors.New("bootstrap: DB or Stores is required")
	}
	if cfg.TokenSecret == "" {
		return errors.New("bootstrap: TokenSecret is required")
	}
	if len(cfg.TokenSecret) < auth.MinSecretLength {
		return fmt.Errorf("bootstrap: TokenSecret must be at least %d characters", auth.MinSecretLength)
	}
	if cfg.OperatorJWTSecret == "" {
		return errors.New("bootstrap: OperatorJWTSecret is required")
	}
	if len(cfg.OperatorJWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("bootstrap: OperatorJWTSecret must be at least %d characters", auth.MinSecretLength)
	}
	if cfg.OperatorJWTSecret == cfg.TokenSecret {
		return errors.New("bootstrap: OperatorJWTSecret must differ from TokenSecret")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.OperatorJWTIssuer == "" {
		cfg.OperatorJWTIssuer = "simple-bootstrap"
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = repository.DefaultOpTimeout
	}
	if cfg.SessionAllowlist == nil {
		cfg.SessionAllowlist = config.DefaultSessionAllowlist
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
}

// validateSchema checks that required database tables exist.
func validateSchema(db *sql.DB) error {
	requiredTables := []string{"hosts", "initial_tokens", "active_sessions", "fingerprint_bindings", "security_events"}

	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	`

	for _, table := range requiredTables {
		var name string
		err := db.QueryRow(query, table).Scan(&name)
		if err == sql.ErrNoRows {
			return fmt.Errorf("bootstrap: missing table '%s' - run migrations first (bootstrapctl migrate up)", table)
		}
		if err != nil {
			return fmt.Errorf("bootstrap: failed to check schema: %w", err)
		}
	}

	return nil
}
