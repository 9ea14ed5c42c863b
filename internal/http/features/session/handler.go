package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// Exchanger trades initial tokens for sessions and extends sessions.
type Exchanger interface {
	GetSessionToken(ctx context.Context, initialToken, ip string) (*domain.SessionGrant, error)
	ExchangeToken(ctx context.Context, sessionToken, ip string) (*domain.SessionGrant, error)
}

// Revoker deletes sessions.
type Revoker interface {
	RevokeSession(ctx context.Context, sessionToken, ip string) error
}

// Handler handles device session endpoints.
type Handler struct {
	logger            *slog.Logger
	exchanger         Exchanger
	revoker           Revoker
	trustForwardedFor bool

	// OnExchangeRejected, if set, is called whenever an exchange is refused.
	OnExchangeRejected func()
}

// NewHandler creates a new session handler.
func NewHandler(logger *slog.Logger, exchanger Exchanger, revoker Revoker, trustForwardedFor bool) *Handler {
	return &Handler{
		logger:            logger,
		exchanger:         exchanger,
		revoker:           revoker,
		trustForwardedFor: trustForwardedFor,
	}
}

// SessionResponse represents a session grant.
type SessionResponse struct {
	SessionToken string    `json:"session_token"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// WhoAmIResponse describes the caller's device session.
type WhoAmIResponse struct {
	HostID    uuid.UUID `json:"host_id"`
	BoundIP   string    `json:"bound_ip"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Create exchanges an initial token for a bootstrap session.
// POST /api/session
// Authorization: Bearer <initial_token>
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.BearerToken(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "invalid authorization header")
		return
	}

	grant, err := h.exchanger.GetSessionToken(r.Context(), token, auth.ClientIP(r, h.trustForwardedFor))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenWrongState):
			httputil.Error(w, http.StatusForbidden, "pairing required")
		case errors.Is(err, domain.ErrInvalidToken),
			errors.Is(err, domain.ErrTokenNotFound),
			errors.Is(err, domain.ErrTokenExpired),
			errors.Is(err, domain.ErrTokenAlreadyConsumed):
			httputil.Error(w, http.StatusUnauthorized, "invalid or expired initial token")
		case errors.Is(err, domain.ErrStoreUnavailable):
			httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			h.logger.Error("session creation failed", "token_prefix", auth.TokenPrefix(token), "error", err)
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	httputil.JSON(w, http.StatusOK, toSessionResponse(grant))
}

// Exchange extends the caller's session.
// POST /api/session/exchange
// Authorization: Bearer <session_token>
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	token, ok := httputil.BearerToken(r)
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "missing authorization")
		return
	}

	grant, err := h.exchanger.ExchangeToken(r.Context(), token, auth.ClientIP(r, h.trustForwardedFor))
	if err != nil {
		if h.OnExchangeRejected != nil && !errors.Is(err, domain.ErrStoreUnavailable) {
			h.OnExchangeRejected()
		}
		switch {
		case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrSessionExpired):
			httputil.Error(w, http.StatusForbidden, "invalid or expired session")
		case errors.Is(err, domain.ErrIPMismatch):
			httputil.Error(w, http.StatusForbidden, "IP mismatch")
		case errors.Is(err, domain.ErrStoreUnavailable):
			httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			h.logger.Error("session exchange failed", "token_prefix", auth.TokenPrefix(token), "error", err)
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	httputil.JSON(w, http.StatusOK, toSessionResponse(grant))
}

// Revoke deletes the caller's session. It succeeds whether or not the session existed.
// DELETE /api/session
// Authorization: Bearer <session_token>
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if token, ok := httputil.BearerToken(r); ok {
		if err := h.revoker.RevokeSession(r.Context(), token, auth.ClientIP(r, h.trustForwardedFor)); err != nil {
			if errors.Is(err, domain.ErrStoreUnavailable) {
				httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
				return
			}
			h.logger.Error("session revoke failed", "token_prefix", auth.TokenPrefix(token), "error", err)
			httputil.Error(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// WhoAmI returns the host bound to the caller's session.
// GET /api/whoami
// Requires a validated session
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	session, ok := middleware.GetSession(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	httputil.JSON(w, http.StatusOK, WhoAmIResponse{
		HostID:    session.HostID,
		BoundIP:   session.BoundIP,
		ExpiresAt: session.ExpiresAt,
	})
}

func toSessionResponse(grant *domain.SessionGrant) SessionResponse {
	return SessionResponse{
		SessionToken: grant.SessionToken,
		ExpiresIn:    grant.ExpiresIn,
		ExpiresAt:    grant.ExpiresAt,
	}
}
