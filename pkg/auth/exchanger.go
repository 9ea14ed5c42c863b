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
	// DefaultBootstrapSessionTTL is the lifetime of a session minted from an initial token.
	DefaultBootstrapSessionTTL = time.Hour

	// DefaultExchangedSessionTTL is the lifetime granted by ExchangeToken.
	DefaultExchangedSessionTTL = 7 * 24 * time.Hour
)

// ExchangerConfig holds device session settings.
type ExchangerConfig struct {
	BootstrapSessionTTL time.Duration
	ExchangedSessionTTL time.Duration
	// RequirePairing rejects initial tokens that were never paired.
	RequirePairing bool
	StoreTimeout   time.Duration
}

// SessionExchanger turns initial tokens into IP-bound device sessions and extends them.
type SessionExchanger struct {
	config   ExchangerConfig
	hosts    repository.HostStore
	tokens   repository.TokenStore
	sessions repository.SessionStore
	hasher   *Hasher
	events   EventSink
	logger   *slog.Logger
	now      Clock
}

// NewSessionExchanger creates a new session exchanger.
func NewSessionExchanger(config ExchangerConfig, hosts repository.HostStore, tokens repository.TokenStore, sessions repository.SessionStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock) *SessionExchanger {
	if config.BootstrapSessionTTL == 0 {
		config.BootstrapSessionTTL = DefaultBootstrapSessionTTL
	}
	if config.ExchangedSessionTTL == 0 {
		config.ExchangedSessionTTL = DefaultExchangedSessionTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionExchanger{
		config:   config,
		hosts:    hosts,
		tokens:   tokens,
		sessions: sessions,
		hasher:   hasher,
		events:   sinkOrNop(events),
		logger:   logger,
		now:      clockOrNow(now),
	}
}

func (s *SessionExchanger) store(ctx context.Context, op func(ctx context.Context) error) error {
	return storeCall(ctx, s.config.StoreTimeout, op)
}

func (s *SessionExchanger) allowedStatuses() []domain.TokenStatus {
	if s.config.RequirePairing {
		return []domain.TokenStatus{domain.TokenStatusPaired}
	}
	return []domain.TokenStatus{domain.TokenStatusIssued, domain.TokenStatusPaired}
}

// GetSessionToken consumes initialToken and returns a bootstrap session bound to ip.
// Under concurrent calls with the same token at most one succeeds; the rest get
// domain.ErrTokenAlreadyConsumed.
func (s *SessionExchanger) GetSessionToken(ctx context.Context, initialToken, ip string) (*domain.SessionGrant, error) {
	if initialToken == "" {
		return nil, domain.ErrInvalidToken
	}
	now := s.now()

	var token *domain.InitialToken
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		token, err = s.tokens.GetByTokenHash(ctx, s.hasher.HashToken(initialToken))
		return err
	})
	if err != nil {
		s.reject(ctx, nil, initialToken, ip, err, now)
		return nil, err
	}

	var reason error
	_, transitionErr := token.Status.Consume()
	switch {
	case transitionErr != nil:
		reason = domain.ErrTokenAlreadyConsumed
	case token.IsExpired(now):
		reason = domain.ErrTokenExpired
	case s.config.RequirePairing && token.Status != domain.TokenStatusPaired:
		reason = domain.ErrTokenWrongState
	}
	if reason != nil {
		s.reject(ctx, &token.HostID, initialToken, ip, reason, now)
		return nil, reason
	}

	for attempt := 1; ; attempt++ {
		raw, err := GenerateToken(TokenBytes)
		if err != nil {
			return nil, err
		}
		tokenID := token.ID
		session := &domain.ActiveSession{
			ID:             uuid.New(),
			HostID:         token.HostID,
			InitialTokenID: &tokenID,
			TokenHash:      s.hasher.HashToken(raw),
			BoundIP:        ip,
			ExpiresAt:      now.Add(s.config.BootstrapSessionTTL),
			CreatedAt:      now,
		}

		err = s.store(ctx, func(ctx context.Context) error {
			return s.sessions.ConsumeAndCreate(ctx, token.ID, s.allowedStatuses(), session, now)
		})
		if errors.Is(err, domain.ErrTokenCollision) && attempt < maxIssueAttempts {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrTokenAlreadyConsumed) {
				s.reject(ctx, &token.HostID, initialToken, ip, err, now)
				return nil, err
			}
			return nil, fmt.Errorf("create session: %w", err)
		}

		s.markHostReady(ctx, token.HostID, now)

		event := withHost(newEvent(domain.EventSessionCreated, domain.SeverityInfo, now, "bootstrap session created"), token.HostID)
		event.IPAddress = ip
		event.TokenPrefix = TokenPrefix(initialToken)
		s.events.Emit(ctx, event)

		return &domain.SessionGrant{
			SessionToken: raw,
			HostID:       token.HostID,
			ExpiresIn:    int(s.config.BootstrapSessionTTL.Seconds()),
			ExpiresAt:    session.ExpiresAt,
		}, nil
	}
}

// ExchangeToken extends a live session presented from its bound IP. The expiry
// becomes the later of its current value and now + the exchanged TTL; the token is unchanged.
func (s *SessionExchanger) ExchangeToken(ctx context.Context, sessionToken, ip string) (*domain.SessionGrant, error) {
	if sessionToken == "" {
		return nil, domain.ErrInvalidToken
	}
	now := s.now()

	var session *domain.ActiveSession
	err := s.store(ctx, func(ctx context.Context) error {
		var err error
		session, err = s.sessions.GetByTokenHash(ctx, s.hasher.HashToken(sessionToken))
		return err
	})
	if err != nil {
		return nil, err
	}
	if session.IsExpired(now) {
		return nil, domain.ErrSessionExpired
	}
	if !session.MatchesIP(ip) {
		emitIPMismatch(ctx, s.events, session, sessionToken, ip, now)
		s.logger.Warn("session exchange from unbound IP",
			"host_id", session.HostID, "bound_ip", session.BoundIP, "observed_ip", ip,
			"token_prefix", TokenPrefix(sessionToken))
		return nil, domain.ErrIPMismatch
	}

	var expiresAt time.Time
	err = s.store(ctx, func(ctx context.Context) error {
		var err error
		expiresAt, err = s.sessions.Extend(ctx, session.ID, ip, now.Add(s.config.ExchangedSessionTTL), now)
		return err
	})
	if err != nil {
		return nil, err
	}

	event := withHost(newEvent(domain.EventSessionExchanged, domain.SeverityInfo, now, "session extended"), session.HostID)
	event.IPAddress = ip
	event.TokenPrefix = TokenPrefix(sessionToken)
	s.events.Emit(ctx, event)

	return &domain.SessionGrant{
		SessionToken: sessionToken,
		HostID:       session.HostID,
		ExpiresIn:    int(expiresAt.Sub(now).Seconds()),
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *SessionExchanger) reject(ctx context.Context, hostID *uuid.UUID, token, ip string, reason error, now time.Time) {
	if errors.Is(reason, domain.ErrStoreUnavailable) {
		return
	}
	event := newEvent(domain.EventSessionRejected, domain.SeverityWarning, now, reason.Error())
	event.HostID = hostID
	event.IPAddress = ip
	event.TokenPrefix = TokenPrefix(token)
	s.events.Emit(ctx, event)
	s.logger.Info("bootstrap session rejected", "reason", reason, "ip", ip, "token_prefix", TokenPrefix(token))
}

func (s *SessionExchanger) markHostReady(ctx context.Context, hostID uuid.UUID, at time.Time) {
	err := s.store(ctx, func(ctx context.Context) error {
		return s.hosts.UpdateInitStatus(ctx, hostID, domain.HostInitReady, at)
	})
	if err != nil {
		s.logger.Warn("failed to mark host ready", "host_id", hostID, "error", err)
	}
}

func emitIPMismatch(ctx context.Context, events EventSink, session *domain.ActiveSession, token, observedIP string, now time.Time) {
	event := withHost(newEvent(domain.EventIPMismatch, domain.SeverityHigh, now, "session used from unbound IP"), session.HostID)
	event.IPAddress = observedIP
	event.TokenPrefix = TokenPrefix(token)
	withDetails(event, map[string]string{"bound_ip": session.BoundIP, "observed_ip": observedIP})
	events.Emit(ctx, event)
}
