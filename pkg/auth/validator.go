package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// SessionValidator is the read-only check behind the request gate.
type SessionValidator struct {
	sessions     repository.SessionStore
	hasher       *Hasher
	events       EventSink
	logger       *slog.Logger
	now          Clock
	storeTimeout time.Duration
}

// NewSessionValidator creates a new session validator.
func NewSessionValidator(sessions repository.SessionStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock, storeTimeout time.Duration) *SessionValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionValidator{
		sessions:     sessions,
		hasher:       hasher,
		events:       sinkOrNop(events),
		logger:       logger,
		now:          clockOrNow(now),
		storeTimeout: storeTimeout,
	}
}

// Validate resolves sessionToken and checks expiry and exact IP binding.
// It returns domain.ErrSessionNotFound, domain.ErrSessionExpired or
// domain.ErrIPMismatch; callers decide how much of that to reveal.
func (v *SessionValidator) Validate(ctx context.Context, sessionToken, ip string) (*domain.ActiveSession, error) {
	var session *domain.ActiveSession
	err := storeCall(ctx, v.storeTimeout, func(ctx context.Context) error {
		var err error
		session, err = v.sessions.GetByTokenHash(ctx, v.hasher.HashToken(sessionToken))
		return err
	})
	if err != nil {
		return nil, err
	}

	now := v.now()
	if session.IsExpired(now) {
		return nil, domain.ErrSessionExpired
	}
	if !session.MatchesIP(ip) {
		emitIPMismatch(ctx, v.events, session, sessionToken, ip, now)
		v.logger.Warn("session used from unbound IP",
			"host_id", session.HostID, "bound_ip", session.BoundIP, "observed_ip", ip,
			"token_prefix", TokenPrefix(sessionToken))
		return nil, domain.ErrIPMismatch
	}
	return session, nil
}
