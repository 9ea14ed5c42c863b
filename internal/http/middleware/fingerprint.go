package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// DefaultFingerprintBypass are paths never subject to fingerprint checks.
var DefaultFingerprintBypass = []string{
	"/health",
	"/metrics",
	"/static/*",
}

// FingerprintChecker binds an operator browser session to the client that uses it.
// Active only reports whether the session was terminated.
type FingerprintChecker interface {
	Check(ctx context.Context, sessionKey, operatorID, ip, userAgent string) error
	Active(ctx context.Context, sessionKey string) error
}

// FingerprintConfig configures the operator fingerprint guard.
type FingerprintConfig struct {
	Enabled           bool
	Bypass            []string
	TrustForwardedFor bool
	Cookie            httputil.CookieConfig
	Logger            *slog.Logger
}

// Fingerprint terminates operator sessions that move to a different client.
// It must run after OperatorAuth; requests without operator claims pass through.
// Terminated sessions (logout) are refused even when Enabled is false.
func Fingerprint(checker FingerprintChecker, cfg FingerprintConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetOperatorClaims(r.Context())
			if !ok || PathAllowed(r.URL.Path, cfg.Bypass) {
				next.ServeHTTP(w, r)
				return
			}

			var err error
			if cfg.Enabled {
				ip := auth.ClientIP(r, cfg.TrustForwardedFor)
				err = checker.Check(r.Context(), claims.SessionKey(), claims.OperatorID(), ip, r.UserAgent())
			} else {
				err = checker.Active(r.Context(), claims.SessionKey())
			}
			switch {
			case err == nil:
				next.ServeHTTP(w, r)
			case errors.Is(err, domain.ErrFingerprintMismatch), errors.Is(err, domain.ErrSessionTerminated):
				httputil.ClearAccessTokenCookie(w, cfg.Cookie)
				httputil.Error(w, http.StatusUnauthorized, "session terminated")
			default:
				logger.Error("fingerprint check failed", "path", r.URL.Path, "error", err)
				httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
			}
		})
	}
}
