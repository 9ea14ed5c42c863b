package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// HostStore persists known devices.
type HostStore interface {
	Create(ctx context.Context, host *domain.Host) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Host, error)
	UpdateInitStatus(ctx context.Context, id uuid.UUID, status domain.HostInitStatus, at time.Time) error
}

// TokenStore persists initial tokens. Status transitions are conditional updates:
// a zero-row update means another caller already moved the token.
type TokenStore interface {
	// CreateSuperseding inserts token and, in the same transaction, expires any
	// other unconsumed, unexpired token for the same host.
	CreateSuperseding(ctx context.Context, token *domain.InitialToken, now time.Time) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.InitialToken, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.InitialToken, error)
	GetLatestByHost(ctx context.Context, hostID uuid.UUID) (*domain.InitialToken, error)
	// SetPairingCode replaces the pairing code of an issued, unexpired token.
	SetPairingCode(ctx context.Context, id uuid.UUID, codeHash string, codeExpiresAt, now time.Time) error
	// MarkPaired moves issued -> paired iff the stored code hash still equals codeHash
	// and neither the token nor the code has expired. The code is cleared.
	MarkPaired(ctx context.Context, id uuid.UUID, codeHash string, now time.Time) error
	List(ctx context.Context, filter domain.TokenFilter, now time.Time, limit, offset int) ([]*domain.InitialToken, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.InitialToken, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SessionStore persists active device sessions.
type SessionStore interface {
	// ConsumeAndCreate moves the initial token from one of allowed to consumed and
	// inserts session, atomically. At most one caller per token succeeds.
	ConsumeAndCreate(ctx context.Context, tokenID uuid.UUID, allowed []domain.TokenStatus, session *domain.ActiveSession, now time.Time) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.ActiveSession, error)
	// Extend sets expires_at to the later of its current value and expiresAt,
	// only for an unexpired session still bound to boundIP. Returns the resulting expiry.
	Extend(ctx context.Context, id uuid.UUID, boundIP string, expiresAt, now time.Time) (time.Time, error)
	DeleteByTokenHash(ctx context.Context, tokenHash string) (bool, error)
	ListExpired(ctx context.Context, now time.Time) ([]*domain.ActiveSession, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// FingerprintStore persists operator browser session fingerprints.
type FingerprintStore interface {
	Get(ctx context.Context, sessionKey string) (*domain.FingerprintBinding, error)
	// Bind stores binding unless one already exists for the session key, and
	// returns whichever binding is stored afterwards.
	Bind(ctx context.Context, binding *domain.FingerprintBinding) (*domain.FingerprintBinding, error)
	Touch(ctx context.Context, sessionKey string, at time.Time) error
	Terminate(ctx context.Context, sessionKey string, at time.Time) error
	// Revoke stores binding already terminated, or terminates the existing binding
	// for its session key. Either way the session key is refused afterwards.
	Revoke(ctx context.Context, binding *domain.FingerprintBinding) error
	DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore persists security events.
type EventStore interface {
	Create(ctx context.Context, event *domain.SecurityEvent) error
}
