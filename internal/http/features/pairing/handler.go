package pairing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// Verifier checks pairing codes relayed by a device.
type Verifier interface {
	VerifyPairingForHost(ctx context.Context, hostID uuid.UUID, code, ip string) (bool, error)
}

// StatusReader reports a host's pairing progress.
type StatusReader interface {
	PairingStatus(ctx context.Context, hostID uuid.UUID) (*auth.PairingStatus, error)
}

// Handler handles device pairing endpoints.
type Handler struct {
	logger            *slog.Logger
	verifier          Verifier
	status            StatusReader
	trustForwardedFor bool
}

// NewHandler creates a new pairing handler.
func NewHandler(logger *slog.Logger, verifier Verifier, status StatusReader, trustForwardedFor bool) *Handler {
	return &Handler{
		logger:            logger,
		verifier:          verifier,
		status:            status,
		trustForwardedFor: trustForwardedFor,
	}
}

// VerifyRequest represents a pairing code verification request.
type VerifyRequest struct {
	HostID string `json:"host_id"`
	Code   string `json:"code"`
}

// VerifyResponse represents a successful verification.
type VerifyResponse struct {
	Verified bool `json:"verified"`
}

// Verify checks a pairing code against the host's live token.
// POST /bootstrap/pairing-code/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		if middleware.HandleMaxBytesError(w, err) {
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hostID, err := uuid.Parse(req.HostID)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "host_id is required")
		return
	}
	if req.Code == "" {
		httputil.Error(w, http.StatusBadRequest, "code is required")
		return
	}

	ip := auth.ClientIP(r, h.trustForwardedFor)
	if _, err := h.verifier.VerifyPairingForHost(r.Context(), hostID, req.Code, ip); err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidPairingCode):
			httputil.Error(w, http.StatusUnauthorized, "invalid pairing code")
		case errors.Is(err, domain.ErrPairingCodeExpired):
			httputil.Error(w, http.StatusBadRequest, "pairing code expired")
		case errors.Is(err, domain.ErrPairingCodeMissing):
			httputil.Error(w, http.StatusBadRequest, "no pairing code issued")
		case errors.Is(err, domain.ErrTokenNotFound), errors.Is(err, domain.ErrHostNotFound):
			httputil.Error(w, http.StatusBadRequest, "no token issued for host")
		case errors.Is(err, domain.ErrTokenExpired):
			httputil.Error(w, http.StatusBadRequest, "token expired")
		case errors.Is(err, domain.ErrTokenWrongState):
			httputil.Error(w, http.StatusBadRequest, "token is not awaiting pairing")
		case errors.Is(err, domain.ErrStoreUnavailable):
			httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			h.logger.Error("pairing verification failed", "host_id", hostID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to verify pairing code")
		}
		return
	}

	httputil.JSON(w, http.StatusOK, VerifyResponse{Verified: true})
}

// Status reports whether the host's token is issued, paired, consumed or expired.
// GET /bootstrap/pairing-status?host_id=
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	hostID, err := uuid.Parse(r.URL.Query().Get("host_id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "host_id is required")
		return
	}

	status, err := h.status.PairingStatus(r.Context(), hostID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTokenNotFound):
			httputil.Error(w, http.StatusNotFound, "no token issued for host")
		case errors.Is(err, domain.ErrStoreUnavailable):
			httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
		default:
			h.logger.Error("pairing status failed", "host_id", hostID, "error", err)
			httputil.Error(w, http.StatusInternalServerError, "failed to read pairing status")
		}
		return
	}

	httputil.JSON(w, http.StatusOK, status)
}
