package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

const (
	// DefaultInitialTokenTTL is used when IssueToken is called with a zero TTL.
	DefaultInitialTokenTTL = 24 * time.Hour

	// DefaultMaxInitialTokenTTL caps the TTL an operator may request.
	DefaultMaxInitialTokenTTL = 30 * 24 * time.Hour

	// MaxPageSize caps operator token listings.
	MaxPageSize = 100

	maxIssueAttempts = 3
)

// IssuerConfig holds token issuance settings.
type IssuerConfig struct {
	InitialTokenTTL    time.Duration
	MaxInitialTokenTTL time.Duration
	PairingCodeTTL     time.Duration
	StoreTimeout       time.Duration
}

// TokenIssuer registers hosts, issues initial tokens and generates pairing codes.
type TokenIssuer struct {
	config IssuerConfig
	hosts  repository.HostStore
	tokens repository.TokenStore
	hasher *Hasher
	events EventSink
	logger *slog.Logger
	now    Clock
}

// NewTokenIssuer creates a new token issuer.
func NewTokenIssuer(config IssuerConfig, hosts repository.HostStore, tokens repository.TokenStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock) *TokenIssuer {
	if config.InitialTokenTTL == 0 {
		config.InitialTokenTTL = DefaultInitialTokenTTL
	}
	if config.MaxInitialTokenTTL <= 0 {
		config.MaxInitialTokenTTL = DefaultMaxInitialTokenTTL
	}
	if config.MaxInitialTokenTTL < config.InitialTokenTTL {
		config.MaxInitialTokenTTL = config.InitialTokenTTL
	}
	if config.PairingCodeTTL == 0 {
		config.PairingCodeTTL = DefaultPairingCodeTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenIssuer{
		config: config,
		hosts:  hosts,
		tokens: tokens,
		hasher: hasher,
		events: sinkOrNop(events),
		logger: logger,
		now:    clockOrNow(now),
	}
}

func (s *TokenIssuer) store(ctx context.Context, op func(ctx context.Context) error) error {
	return storeCall(ctx, s.config.StoreTimeout, op)
}

// RegisterHost records a device that tokens can later be issued for.
func (s *TokenIssuer) RegisterHost(ctx context.Context, hostname, ip, operatorID string) (*domain.Host, error) {
	hostname = domain.NormalizeHostname(hostname)
	if err := domain.ValidateHostname(hostname); err != nil {
		return nil, err
	}
	var ipAddr *string
	if ip != "" {
		if err := domain.ValidateIP(ip); err != nil {
			return nil, err
		}
		ipAddr = &ip
	}

	now := s.now()
	host := &domain.Host{
		ID:         uuid.New(),
		Hostname:   hostname,
		IPAddress:  ipAddr,
		InitStatus: domain.HostInitPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store(ctx, func(ctx context.Context) error { return s.hosts.Create(ctx, host) }); err != nil {
		return nil, err
	}

	event := withHost(newEvent(domain.EventHostRegistered, domain.SeverityInfo, now, "host registered: "+hostname), host.ID)
	event.OperatorID = operatorID
	s.events.Emit(ctx, event)
	return host, nil
}

// GetHost returns a registered host.
func (s *TokenIssuer) GetHost(ctx context.Context, id uuid.UUID) (*domain.Host, error) {
	var host *domain.Host
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		host, err = s.hosts.GetByID(ctx, id)
		return err
	})
	return host, err
}

// IssueToken creates a new initial token for hostID. A zero ttl uses the default;
// a ttl above MaxInitialTokenTTL is rejected.
// Any still-live token previously issued for the host is expired.
func (s *TokenIssuer) IssueToken(ctx context.Context, hostID uuid.UUID, ttl time.Duration, operatorID string) (*domain.IssuedToken, error) {
	if ttl < 0 || ttl > s.config.MaxInitialTokenTTL {
		return nil, domain.ErrInvalidTTL
	}
	if ttl == 0 {
		ttl = s.config.InitialTokenTTL
	}

	if _, err := s.GetHost(ctx, hostID); err != nil {
		return nil, err
	}

	var createdBy *string
	if operatorID != "" {
		createdBy = &operatorID
	}

	for attempt := 1; ; attempt++ {
		raw, err := GenerateToken(TokenBytes)
		if err != nil {
			return nil, err
		}
		now := s.now()
		token := &domain.InitialToken{
			ID:        uuid.New(),
			HostID:    hostID,
			TokenHash: s.hasher.HashToken(raw),
			Status:    domain.TokenStatusIssued,
			ExpiresAt: now.Add(ttl),
			CreatedBy: createdBy,
			CreatedAt: now,
		}

		err = s.store(ctx, func(ctx context.Context) error { return s.tokens.CreateSuperseding(ctx, token, now) })
		if errors.Is(err, domain.ErrTokenCollision) && attempt < maxIssueAttempts {
			s.logger.Warn("token collision, regenerating", "host_id", hostID, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("issue token: %w", err)
		}

		s.markHost(ctx, hostID, domain.HostInitInitializing, now)

		event := withHost(newEvent(domain.EventTokenIssued, domain.SeverityInfo, now, "initial token issued"), hostID)
		event.OperatorID = operatorID
		event.TokenPrefix = TokenPrefix(raw)
		s.events.Emit(ctx, event)

		return &domain.IssuedToken{
			ID:        token.ID,
			Token:     raw,
			HostID:    hostID,
			ExpiresAt: token.ExpiresAt,
		}, nil
	}
}

// GeneratePairingCode replaces the pairing code of an issued, unexpired token.
func (s *TokenIssuer) GeneratePairingCode(ctx context.Context, tokenID uuid.UUID, operatorID string) (*domain.PairingCode, error) {
	token, err := s.GetToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	return s.generatePairingCode(ctx, token, operatorID)
}

// GeneratePairingCodeForHost generates a pairing code for the host's most recent token.
func (s *TokenIssuer) GeneratePairingCodeForHost(ctx context.Context, hostID uuid.UUID, operatorID string) (*domain.PairingCode, error) {
	var token *domain.InitialToken
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.tokens.GetLatestByHost(ctx, hostID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.generatePairingCode(ctx, token, operatorID)
}

func (s *TokenIssuer) generatePairingCode(ctx context.Context, token *domain.InitialToken, operatorID string) (*domain.PairingCode, error) {
	now := s.now()
	if token.IsExpired(now) {
		return nil, domain.ErrTokenExpired
	}
	if token.Status != domain.TokenStatusIssued {
		return nil, domain.ErrTokenWrongState
	}

	code, err := GeneratePairingCodeValue()
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(s.config.PairingCodeTTL)
	codeHash := s.hasher.HashPairingCode(token.ID, code)

	err = s.store(ctx, func(ctx context.Context) error {
		return s.tokens.SetPairingCode(ctx, token.ID, codeHash, expiresAt, now)
	})
	if err != nil {
		return nil, fmt.Errorf("set pairing code: %w", err)
	}

	event := withHost(newEvent(domain.EventPairingCodeGenerated, domain.SeverityInfo, now, "pairing code generated"), token.HostID)
	event.OperatorID = operatorID
	s.events.Emit(ctx, event)

	return &domain.PairingCode{Code: code, ExpiresAt: expiresAt, ExpiresIn: s.config.PairingCodeTTL}, nil
}

// GetToken returns a token by ID.
func (s *TokenIssuer) GetToken(ctx context.Context, id uuid.UUID) (*domain.InitialToken, error) {
	var token *domain.InitialToken
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.tokens.GetByID(ctx, id)
		return err
	})
	return token, err
}

// TokenPage is one page of an operator token listing.
type TokenPage struct {
	Tokens   []*domain.InitialToken
	Total    int
	Page     int
	PageSize int
}

// ListTokens returns tokens matching filter. page is 1-based; pageSize is clamped to [1, MaxPageSize].
func (s *TokenIssuer) ListTokens(ctx context.Context, filter domain.TokenFilter, page, pageSize int) (*TokenPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	now := s.now()
	result := &TokenPage{Page: page, PageSize: pageSize}
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		result.Tokens, result.Total, err = s.tokens.List(ctx, filter, now, pageSize, (page-1)*pageSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteToken removes a token. Sessions already created from it are unaffected.
func (s *TokenIssuer) DeleteToken(ctx context.Context, id uuid.UUID, operatorID string) error {
	token, err := s.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store(ctx, func(ctx context.Context) error { return s.tokens.Delete(ctx, id) }); err != nil {
		return err
	}

	event := withHost(newEvent(domain.EventTokenDeleted, domain.SeverityInfo, s.now(), "initial token deleted"), token.HostID)
	event.OperatorID = operatorID
	s.events.Emit(ctx, event)
	return nil
}

// PairingStatus is what a waiting device sees when it polls.
type PairingStatus struct {
	HostID    uuid.UUID `json:"host_id"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingStatus reports the state of the host's most recent token.
func (s *TokenIssuer) PairingStatus(ctx context.Context, hostID uuid.UUID) (*PairingStatus, error) {
	var token *domain.InitialToken
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.tokens.GetLatestByHost(ctx, hostID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &PairingStatus{
		HostID:    hostID,
		Status:    token.DisplayStatus(s.now()),
		ExpiresAt: token.ExpiresAt,
	}, nil
}

// markHost updates the host's bootstrap progress. Failure is logged, not returned.
func (s *TokenIssuer) markHost(ctx context.Context, hostID uuid.UUID, status domain.HostInitStatus, at time.Time) {
	err := s.store(ctx, func(ctx context.Context) error { return s.hosts.UpdateInitStatus(ctx, hostID, status, at) })
	if err != nil {
		s.logger.Warn("failed to update host init status", "host_id", hostID, "status", status, "error", err)
	}
}
