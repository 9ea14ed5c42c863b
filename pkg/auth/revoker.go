package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// SessionRevoker ends device sessions on request.
type SessionRevoker struct {
	sessions     repository.SessionStore
	hasher       *Hasher
	events       EventSink
	logger       *slog.Logger
	now          Clock
	storeTimeout time.Duration
}

// NewSessionRevoker creates a new session revoker.
func NewSessionRevoker(sessions repository.SessionStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock, storeTimeout time.Duration) *SessionRevoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionRevoker{
		sessions:     sessions,
		hasher:       hasher,
		events:       sinkOrNop(events),
		logger:       logger,
		now:          clockOrNow(now),
		storeTimeout: storeTimeout,
	}
}

// RevokeSession deletes the session for sessionToken. Revoking an unknown or
// already revoked session succeeds. Only store failures are returned.
func (r *SessionRevoker) RevokeSession(ctx context.Context, sessionToken, ip string) error {
	if sessionToken == "" {
		return nil
	}
	hash := r.hasher.HashToken(sessionToken)

	// Look up first only to attribute the event to a host.
	var session *domain.ActiveSession
	if err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) error {
		var err error
		session, err = r.sessions.GetByTokenHash(ctx, hash)
		return err
	}); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		r.logger.Warn("session lookup before revoke failed", "token_prefix", TokenPrefix(sessionToken), "error", err)
	}

	var deleted bool
	err := storeCall(ctx, r.storeTimeout, func(ctx context.Context) error {
		var err error
		deleted, err = r.sessions.DeleteByTokenHash(ctx, hash)
		return err
	})
	if err != nil {
		return err
	}
	if !deleted {
		return nil
	}

	event := newEvent(domain.EventSessionRevoked, domain.SeverityInfo, r.now(), "session revoked")
	if session != nil {
		withHost(event, session.HostID)
	}
	event.IPAddress = ip
	event.TokenPrefix = TokenPrefix(sessionToken)
	r.events.Emit(ctx, event)
	return nil
}
