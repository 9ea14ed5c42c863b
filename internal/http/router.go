package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/tendant/simple-bootstrap/internal/config"
	"github.com/tendant/simple-bootstrap/internal/http/features/hosts"
	"github.com/tendant/simple-bootstrap/internal/http/features/operator"
	"github.com/tendant/simple-bootstrap/internal/http/features/pairing"
	"github.com/tendant/simple-bootstrap/internal/http/features/session"
	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/internal/metrics"
	"github.com/tendant/simple-bootstrap/pkg/auth"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger       *slog.Logger
	Issuer       *auth.TokenIssuer
	Verifier     *auth.PairingVerifier
	Exchanger    *auth.SessionExchanger
	Validator    *auth.SessionValidator
	Revoker      *auth.SessionRevoker
	Operators    *auth.OperatorTokens
	Fingerprints *auth.FingerprintGuard
	Metrics      *metrics.Recorder // nil disables /metrics

	SessionAllowlist   []string
	TrustForwardedFor  bool
	FingerprintEnabled bool
	CookieSecure       bool

	RateLimitConfig config.RateLimitConfig
	SecurityHeaders config.SecurityHeadersConfig
	Validation      config.ValidationConfig
}

// NewRouter creates a new HTTP router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply global middleware
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(cfg.Logger))
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders(cfg.SecurityHeaders))
	r.Use(middleware.RequestSizeLimit(cfg.Validation.MaxRequestBodySize))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	var onLimited func(string)
	if cfg.Metrics != nil {
		onLimited = cfg.Metrics.RateLimited
	}
	rateLimiters := middleware.CreateRateLimiters(cfg.RateLimitConfig, cfg.TrustForwardedFor, cfg.Logger, onLimited)

	// Device pairing routes
	pairingHandler := pairing.NewHandler(cfg.Logger, cfg.Verifier, cfg.Issuer, cfg.TrustForwardedFor)
	r.With(rateLimiters[middleware.LimiterPairing]).Post("/bootstrap/pairing-code/verify", pairingHandler.Verify)
	r.Get("/bootstrap/pairing-status", pairingHandler.Status)

	// Operator routes
	cookie := httputil.DefaultCookieConfig()
	cookie.Secure = cfg.CookieSecure
	hostsHandler := hosts.NewHandler(cfg.Logger, cfg.Issuer)
	operatorHandler := operator.NewHandler(cfg.Logger, cfg.Fingerprints, cookie)
	r.Group(func(r chi.Router) {
		r.Use(middleware.OperatorAuth(cfg.Operators))
		r.Use(middleware.Fingerprint(cfg.Fingerprints, middleware.FingerprintConfig{
			Enabled:           cfg.FingerprintEnabled,
			Bypass:            middleware.DefaultFingerprintBypass,
			TrustForwardedFor: cfg.TrustForwardedFor,
			Cookie:            cookie,
			Logger:            cfg.Logger,
		}))
		r.Post("/bootstrap/operator/session", operatorHandler.Login)
		r.Delete("/bootstrap/operator/session", operatorHandler.Logout)
		r.Post("/bootstrap/hosts", hostsHandler.RegisterHost)
		r.Get("/bootstrap/hosts/{id}", hostsHandler.GetHost)
		r.Post("/bootstrap/token", hostsHandler.IssueToken)
		r.Post("/bootstrap/pairing-code", hostsHandler.GeneratePairingCode)
		r.Get("/bootstrap/tokens", hostsHandler.ListTokens)
		r.Delete("/bootstrap/tokens/{id}", hostsHandler.DeleteToken)
	})

	// Device session routes
	sessionHandler := session.NewHandler(cfg.Logger, cfg.Exchanger, cfg.Revoker, cfg.TrustForwardedFor)
	validation := middleware.SessionValidationConfig{
		Allowlist:         cfg.SessionAllowlist,
		TrustForwardedFor: cfg.TrustForwardedFor,
		Logger:            cfg.Logger,
	}
	if cfg.Metrics != nil {
		validation.OnReject = cfg.Metrics.SessionRejected
		sessionHandler.OnExchangeRejected = cfg.Metrics.ExchangeRejected
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.SessionValidation(cfg.Validator, validation))
		r.Group(func(r chi.Router) {
			r.Use(rateLimiters[middleware.LimiterSession])
			r.Post("/session", sessionHandler.Create)
			r.Post("/session/exchange", sessionHandler.Exchange)
			r.Delete("/session", sessionHandler.Revoke)
		})
		r.Get("/whoami", sessionHandler.WhoAmI)
	})

	return r
}
