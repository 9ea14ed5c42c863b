package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

type contextKey string

const (
	// HostIDKey is the context key for the host bound to the device session.
	HostIDKey contextKey = "host_id"
	// SessionKey is the context key for the validated device session.
	SessionKey contextKey = "session"
	// OperatorClaimsKey is the context key for the operator token claims.
	OperatorClaimsKey contextKey = "operator_claims"
)

// Rejection reasons reported to SessionValidationConfig.OnReject.
const (
	RejectMissingToken = "missing_token"
	RejectInvalid      = "invalid_session"
	RejectIPMismatch   = "ip_mismatch"
	RejectUnavailable  = "store_unavailable"
)

// SessionChecker validates a device session token against the observed IP.
type SessionChecker interface {
	Validate(ctx context.Context, sessionToken, ip string) (*domain.ActiveSession, error)
}

// SessionValidationConfig configures the device session gate.
type SessionValidationConfig struct {
	// Allowlist holds paths that skip validation. An entry ending in "*" matches by prefix.
	Allowlist         []string
	TrustForwardedFor bool
	Logger            *slog.Logger
	// OnReject, if set, is called with the reason for every rejected request.
	OnReject func(reason string)
}

// SessionValidation gates requests on a valid, unexpired, IP-bound device session.
// Unknown and expired sessions get the same 403 so callers cannot tell them apart.
func SessionValidation(checker SessionChecker, cfg SessionValidationConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reject := func(w http.ResponseWriter, status int, reason, message string) {
		if cfg.OnReject != nil {
			cfg.OnReject(reason)
		}
		httputil.Error(w, status, message)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PathAllowed(r.URL.Path, cfg.Allowlist) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := httputil.BearerToken(r)
			if !ok {
				reject(w, http.StatusUnauthorized, RejectMissingToken, "missing authorization")
				return
			}

			ip := auth.ClientIP(r, cfg.TrustForwardedFor)
			session, err := checker.Validate(r.Context(), token, ip)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionExpired):
				reject(w, http.StatusForbidden, RejectInvalid, "invalid or expired session")
				return
			case errors.Is(err, domain.ErrIPMismatch):
				reject(w, http.StatusForbidden, RejectIPMismatch, "IP mismatch")
				return
			default:
				logger.Error("session validation failed", "path", r.URL.Path, "error", err)
				reject(w, http.StatusServiceUnavailable, RejectUnavailable, "service temporarily unavailable")
				return
			}

			ctx := context.WithValue(r.Context(), HostIDKey, session.HostID)
			ctx = context.WithValue(ctx, SessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PathAllowed reports whether path matches an allow-list entry exactly, or by
// prefix when the entry ends in "*".
func PathAllowed(path string, allowlist []string) bool {
	for _, entry := range allowlist {
		if prefix, ok := strings.CutSuffix(entry, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == entry {
			return true
		}
	}
	return false
}

// GetHostID extracts the session's host ID from the request context.
func GetHostID(ctx context.Context) (uuid.UUID, bool) {
	hostID, ok := ctx.Value(HostIDKey).(uuid.UUID)
	return hostID, ok
}

// GetSession extracts the validated device session from the request context.
func GetSession(ctx context.Context) (*domain.ActiveSession, bool) {
	session, ok := ctx.Value(SessionKey).(*domain.ActiveSession)
	return session, ok
}
