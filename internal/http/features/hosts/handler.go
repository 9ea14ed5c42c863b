package hosts

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/internal/http/middleware"
	"github.com/tendant/simple-bootstrap/internal/httputil"
	"github.com/tendant/simple-bootstrap/pkg/auth"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// Issuer is the operator-facing token service.
type Issuer interface {
	RegisterHost(ctx context.Context, hostname, ip, operatorID string) (*domain.Host, error)
	GetHost(ctx context.Context, id uuid.UUID) (*domain.Host, error)
	IssueToken(ctx context.Context, hostID uuid.UUID, ttl time.Duration, operatorID string) (*domain.IssuedToken, error)
	GeneratePairingCodeForHost(ctx context.Context, hostID uuid.UUID, operatorID string) (*domain.PairingCode, error)
	ListTokens(ctx context.Context, filter domain.TokenFilter, page, pageSize int) (*auth.TokenPage, error)
	DeleteToken(ctx context.Context, id uuid.UUID, operatorID string) error
}

// Handler handles operator host and token management endpoints.
type Handler struct {
	logger *slog.Logger
	issuer Issuer
}

// NewHandler creates a new hosts handler.
func NewHandler(logger *slog.Logger, issuer Issuer) *Handler {
	return &Handler{logger: logger, issuer: issuer}
}

// RegisterHostRequest represents a host registration request.
type RegisterHostRequest struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address"`
}

// HostResponse represents a registered host.
type HostResponse struct {
	ID            uuid.UUID  `json:"id"`
	Hostname      string     `json:"hostname"`
	IPAddress     *string    `json:"ip_address,omitempty"`
	InitStatus    string     `json:"init_status"`
	InitializedAt *time.Time `json:"initialized_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// IssueTokenRequest represents an initial token request.
type IssueTokenRequest struct {
	HostID     string `json:"host_id"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
}

// PairingCodeRequest represents a pairing code request.
type PairingCodeRequest struct {
	HostID string `json:"host_id"`
}

// PairingCodeResponse carries a freshly generated pairing code.
type PairingCodeResponse struct {
	Code             string    `json:"code"`
	ExpiresInSeconds int       `json:"expires_in_seconds"`
	ExpiresAt        time.Time `json:"expires_at"`
}

// TokenSummary describes a stored initial token. The raw token is never returned.
type TokenSummary struct {
	ID         uuid.UUID  `json:"id"`
	HostID     uuid.UUID  `json:"host_id"`
	Status     string     `json:"status"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedBy  *string    `json:"created_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedIP *string    `json:"consumed_ip,omitempty"`
}

// TokenListResponse is one page of tokens.
type TokenListResponse struct {
	Tokens   []TokenSummary `json:"tokens"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
}

// RegisterHost registers a device.
// POST /bootstrap/hosts
func (h *Handler) RegisterHost(w http.ResponseWriter, r *http.Request) {
	var req RegisterHostRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		if middleware.HandleMaxBytesError(w, err) {
			return
		}
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Hostname == "" {
		httputil.Error(w, http.StatusBadRequest, "hostname is required")
		return
	}

	host, err := h.issuer.RegisterHost(r.Context(), req.Hostname, req.IPAddress, middleware.GetOperatorID(r.Context()))
	if err != nil {
		h.writeError(w, "register host", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, toHostResponse(host))
}

// GetHost returns a host and its bootstrap progress.
// GET /bootstrap/hosts/{id}
func (h *Handler) GetHost(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid host id")
		return
	}

	host, err := h.issuer.GetHost(r.Context(), id)
	if err != nil {
		h.writeError(w, "get host", err)
		return
	}
	httputil.JSON(w, http.StatusOK, toHostResponse(host))
}

// IssueToken issues an initial token for a host.
// POST /bootstrap/token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
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
	if req.TTLSeconds < 0 {
		httputil.Error(w, http.StatusBadRequest, "ttl_seconds must be positive")
		return
	}
	if req.TTLSeconds > math.MaxInt64/int64(time.Second) {
		httputil.Error(w, http.StatusBadRequest, "ttl_seconds out of range")
		return
	}

	issued, err := h.issuer.IssueToken(r.Context(), hostID, time.Duration(req.TTLSeconds)*time.Second, middleware.GetOperatorID(r.Context()))
	if err != nil {
		h.writeError(w, "issue token", err)
		return
	}
	httputil.JSON(w, http.StatusCreated, issued)
}

// GeneratePairingCode generates a pairing code for the host's live token.
// POST /bootstrap/pairing-code
func (h *Handler) GeneratePairingCode(w http.ResponseWriter, r *http.Request) {
	var req PairingCodeRequest
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

	code, err := h.issuer.GeneratePairingCodeForHost(r.Context(), hostID, middleware.GetOperatorID(r.Context()))
	if err != nil {
		h.writeError(w, "generate pairing code", err)
		return
	}
	httputil.JSON(w, http.StatusOK, PairingCodeResponse{
		Code:             code.Code,
		ExpiresInSeconds: int(code.ExpiresIn.Seconds()),
		ExpiresAt:        code.ExpiresAt,
	})
}

// ListTokens lists tokens by status.
// GET /bootstrap/tokens?status=pending|used|expired|all&page=1&page_size=20
func (h *Handler) ListTokens(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))

	result, err := h.issuer.ListTokens(r.Context(), domain.ParseTokenFilter(q.Get("status")), page, pageSize)
	if err != nil {
		h.writeError(w, "list tokens", err)
		return
	}

	now := time.Now()
	resp := TokenListResponse{
		Tokens:   make([]TokenSummary, 0, len(result.Tokens)),
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
	}
	for _, t := range result.Tokens {
		resp.Tokens = append(resp.Tokens, TokenSummary{
			ID:         t.ID,
			HostID:     t.HostID,
			Status:     t.DisplayStatus(now),
			ExpiresAt:  t.ExpiresAt,
			CreatedBy:  t.CreatedBy,
			CreatedAt:  t.CreatedAt,
			ConsumedAt: t.ConsumedAt,
			ConsumedIP: t.ConsumedIP,
		})
	}
	httputil.JSON(w, http.StatusOK, resp)
}

// DeleteToken deletes a token.
// DELETE /bootstrap/tokens/{id}
func (h *Handler) DeleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid token id")
		return
	}

	if err := h.issuer.DeleteToken(r.Context(), id, middleware.GetOperatorID(r.Context())); err != nil {
		h.writeError(w, "delete token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidHostname):
		httputil.Error(w, http.StatusBadRequest, "invalid hostname")
	case errors.Is(err, domain.ErrInvalidIPAddress):
		httputil.Error(w, http.StatusBadRequest, "invalid ip_address")
	case errors.Is(err, domain.ErrInvalidTTL):
		httputil.Error(w, http.StatusBadRequest, "ttl_seconds out of range")
	case errors.Is(err, domain.ErrHostAlreadyExists):
		httputil.Error(w, http.StatusConflict, "host already exists")
	case errors.Is(err, domain.ErrHostNotFound):
		httputil.Error(w, http.StatusNotFound, "host not found")
	case errors.Is(err, domain.ErrTokenNotFound):
		httputil.Error(w, http.StatusNotFound, "token not found")
	case errors.Is(err, domain.ErrTokenExpired):
		httputil.Error(w, http.StatusConflict, "token expired")
	case errors.Is(err, domain.ErrTokenWrongState):
		httputil.Error(w, http.StatusConflict, "token is not awaiting pairing")
	case errors.Is(err, domain.ErrStoreUnavailable):
		httputil.Error(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	default:
		h.logger.Error("operator request failed", "op", op, "error", err)
		httputil.Error(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func toHostResponse(host *domain.Host) HostResponse {
	return HostResponse{
		ID:            host.ID,
		Hostname:      host.Hostname,
		IPAddress:     host.IPAddress,
		InitStatus:    string(host.InitStatus),
		InitializedAt: host.InitializedAt,
		CreatedAt:     host.CreatedAt,
	}
}
