package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/tendant/simple-bootstrap/internal/config"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
)

// Rate limiter names returned by CreateRateLimiters.
const (
	LimiterPairing = "pairing"
	LimiterSession = "session"
)

// RateLimitConfig holds rate limiting configuration for a specific endpoint type.
type RateLimitConfig struct {
	Name              string
	Requests          int
	Window            time.Duration
	TrustForwardedFor bool
	Logger            *slog.Logger
	// OnLimited, if set, is called with Name for every refused request.
	OnLimited func(limiter string)
}

// RateLimit creates an IP-based rate limiter middleware with logging.
// Requests are keyed by the same observed IP that session binding uses.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return httprate.Limit(
		cfg.Requests,
		cfg.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return auth.ClientIP(r, cfg.TrustForwardedFor), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			if cfg.OnLimited != nil {
				cfg.OnLimited(cfg.Name)
			}
			if cfg.Logger != nil {
				cfg.Logger.Warn("rate limit exceeded",
					"limiter", cfg.Name,
					"ip", auth.ClientIP(r, cfg.TrustForwardedFor),
					"path", r.URL.Path,
					"method", r.Method,
					"user_agent", r.UserAgent(),
				)
			}
			httputil.Error(w, http.StatusTooManyRequests, "rate limit exceeded. please try again later")
		}),
	)
}

// NoRateLimit returns a no-op middleware when rate limiting is disabled.
func NoRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// CreateRateLimiters creates the device-facing limiters, keyed by LimiterPairing and LimiterSession.
// onLimited may be nil.
func CreateRateLimiters(cfg config.RateLimitConfig, trustForwardedFor bool, logger *slog.Logger, onLimited func(string)) map[string]func(http.Handler) http.Handler {
	if !cfg.Enabled {
		noOp := NoRateLimit()
		return map[string]func(http.Handler) http.Handler{
			LimiterPairing: noOp,
			LimiterSession: noOp,
		}
	}

	return map[string]func(http.Handler) http.Handler{
		LimiterPairing: RateLimit(RateLimitConfig{
			Name:              LimiterPairing,
			Requests:          cfg.PairingRequests,
			Window:            cfg.PairingWindow,
			TrustForwardedFor: trustForwardedFor,
			Logger:            logger,
			OnLimited:         onLimited,
		}),
		LimiterSession: RateLimit(RateLimitConfig{
			Name:              LimiterSession,
			Requests:          cfg.SessionRequests,
			Window:            cfg.SessionWindow,
			TrustForwardedFor: trustForwardedFor,
			Logger:            logger,
			OnLimited:         onLimited,
		}),
	}
}
