package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

const (
	// DefaultPairingCodeTTL is how long a pairing code stays valid.
	DefaultPairingCodeTTL = 5 * time.Minute

	pairingCodeSpace = 1_000_000
)

// GeneratePairingCodeValue returns a uniformly random six-digit code, leading zeros kept.
func GeneratePairingCodeValue() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pairingCodeSpace))
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return otp.DigitsSix.Format(int32(n.Int64())), nil
}

// PairingVerifier checks human-relayed pairing codes and performs the
// one-time issued -> paired transition.
type PairingVerifier struct {
	tokens       repository.TokenStore
	hasher       *Hasher
	events       EventSink
	logger       *slog.Logger
	now          Clock
	storeTimeout time.Duration
}

// NewPairingVerifier creates a new pairing verifier.
func NewPairingVerifier(tokens repository.TokenStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock, storeTimeout time.Duration) *PairingVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &PairingVerifier{
		tokens:       tokens,
		hasher:       hasher,
		events:       sinkOrNop(events),
		logger:       logger,
		now:          clockOrNow(now),
		storeTimeout: storeTimeout,
	}
}

// VerifyPairing reports whether code is the live pairing code for the token and,
// if so, marks the token paired. It fails closed: every false result carries the
// reason as a domain error. Only a store failure is returned as a non-domain error.
func (v *PairingVerifier) VerifyPairing(ctx context.Context, tokenID uuid.UUID, code, ip string) (bool, error) {
	now := v.now()

	var token *domain.InitialToken
	err := storeCall(ctx, v.storeTimeout, func(ctx context.Context) error {
		var err error
		token, err = v.tokens.GetByID(ctx, tokenID)
		return err
	})
	if err != nil {
		return v.fail(ctx, nil, ip, err, now)
	}
	return v.verify(ctx, token, code, ip, now)
}

// VerifyPairingForHost verifies code against the host's most recent token.
func (v *PairingVerifier) VerifyPairingForHost(ctx context.Context, hostID uuid.UUID, code, ip string) (bool, error) {
	now := v.now()

	var token *domain.InitialToken
	err := storeCall(ctx, v.storeTimeout, func(ctx context.Context) error {
		var err error
		token, err = v.tokens.GetLatestByHost(ctx, hostID)
		return err
	})
	if err != nil {
		return v.fail(ctx, &hostID, ip, err, now)
	}
	return v.verify(ctx, token, code, ip, now)
}

func (v *PairingVerifier) verify(ctx context.Context, token *domain.InitialToken, code, ip string, now time.Time) (bool, error) {
	hostID := token.HostID
	if token.IsExpired(now) {
		return v.fail(ctx, &hostID, ip, domain.ErrTokenExpired, now)
	}
	if _, err := token.Status.Pair(); err != nil {
		return v.fail(ctx, &hostID, ip, domain.ErrTokenWrongState, now)
	}
	switch {
	case token.PairingCodeHash == nil || token.PairingCodeExpiresAt == nil:
		return v.fail(ctx, &hostID, ip, domain.ErrPairingCodeMissing, now)
	case !token.HasLivePairingCode(now):
		return v.fail(ctx, &hostID, ip, domain.ErrPairingCodeExpired, now)
	}

	submitted := v.hasher.HashPairingCode(token.ID, code)
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(*token.PairingCodeHash)) != 1 {
		return v.fail(ctx, &hostID, ip, domain.ErrInvalidPairingCode, now)
	}

	err := storeCall(ctx, v.storeTimeout, func(ctx context.Context) error {
		return v.tokens.MarkPaired(ctx, token.ID, submitted, now)
	})
	if err != nil {
		// A concurrent verification or regeneration won the race.
		if errors.Is(err, domain.ErrTokenWrongState) {
			return v.fail(ctx, &hostID, ip, domain.ErrInvalidPairingCode, now)
		}
		return v.fail(ctx, &hostID, ip, err, now)
	}

	event := withHost(newEvent(domain.EventPairingVerified, domain.SeverityInfo, now, "pairing code verified"), hostID)
	event.IPAddress = ip
	v.events.Emit(ctx, event)
	return true, nil
}

func (v *PairingVerifier) fail(ctx context.Context, hostID *uuid.UUID, ip string, reason error, now time.Time) (bool, error) {
	if !isPairingRejection(reason) {
		v.logger.Error("pairing verification store failure", "error", reason)
		return false, reason
	}
	event := newEvent(domain.EventPairingFailed, domain.SeverityWarning, now, reason.Error())
	event.HostID = hostID
	event.IPAddress = ip
	v.events.Emit(ctx, event)
	v.logger.Warn("pairing verification failed", "reason", reason, "ip", ip)
	return false, reason
}

func isPairingRejection(err error) bool {
	for _, target := range []error{
		domain.ErrTokenNotFound, domain.ErrTokenExpired, domain.ErrTokenWrongState,
		domain.ErrPairingCodeMissing, domain.ErrPairingCodeExpired, domain.ErrInvalidPairingCode,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
