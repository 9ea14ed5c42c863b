package operator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/httputil"
)

// SessionTerminator ends an operator browser session server-side.
type SessionTerminator interface {
	Logout(ctx context.Context, sessionKey, operatorID string) error
}

// Handler handles operator console session endpoints.
type Handler struct {
	logger     *slog.Logger
	terminator SessionTerminator
	cookie     httputil.CookieConfig
	now        func() time.Time
}

// NewHandler creates a new operator session handler.
func NewHandler(logger *slog.Logger, terminator SessionTerminator, cookie httputil.CookieConfig) *Handler {
	return &Handler{
		logger:     logger,
		terminator: terminator,
		cookie:     cookie,
		now:        time.Now,
	}
}

// SessionResponse describes the operator console session.
type SessionResponse struct {
	OperatorID string    `json:"operator_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Login stores the presented operator token in an HttpOnly cookie so the
// console can drop the Authorization header.
// POST /bootstrap/operator/session
// Requires OperatorAuth
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetOperatorClaims(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	token, ok := httputil.BearerToken(r)
	if !ok {
		token, _ = httputil.GetAccessTokenFromCookie(r)
	}

	expiresAt := claims.ExpiresAt.Time
	httputil.SetAccessTokenCookie(w, token, expiresAt.Sub(h.now()), h.cookie)
	httputil.JSON(w, http.StatusOK, SessionResponse{
		OperatorID: claims.OperatorID(),
		ExpiresAt:  expiresAt,
	})
}

// Logout terminates the console session and clears its cookie. The operator
// token is refused afterwards even though it has not expired.
// DELETE /bootstrap/operator/session
// Requires OperatorAuth
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetOperatorClaims(r.Context())
	if !ok {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if err := h.terminator.Logout(r.Context(), claims.SessionKey(), claims.OperatorID()); err != nil {
		h.logger.Error("operator logout failed", "operator_id", claims.OperatorID(), "error", err)
		httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		return
	}

	httputil.ClearAccessTokenCookie(w, h.cookie)
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}
