package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenStatus is the lifecycle state of an initial token.
type TokenStatus string

const (
	TokenStatusIssued   TokenStatus = "issued"
	TokenStatusPaired   TokenStatus = "paired"
	TokenStatusConsumed TokenStatus = "consumed"
)

// Valid reports whether s is a known status.
func (s TokenStatus) Valid() bool {
	switch s {
	case TokenStatusIssued, TokenStatusPaired, TokenStatusConsumed:
		return true
	}
	return false
}

// Pair returns the status after a successful pairing verification.
// Only an issued token can be paired.
func (s TokenStatus) Pair() (TokenStatus, error) {
	if s != TokenStatusIssued {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, TokenStatusPaired)
	}
	return TokenStatusPaired, nil
}

// Consume returns the status after the token is exchanged for a session.
// Consumed is terminal.
func (s TokenStatus) Consume() (TokenStatus, error) {
	if s != TokenStatusIssued && s != TokenStatusPaired {
		return s, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s, TokenStatusConsumed)
	}
	return TokenStatusConsumed, nil
}

// InitialToken is a one-time bootstrap credential issued to a host by an operator.
// The raw token is only known at issuance; TokenHash is what gets stored.
type InitialToken struct {
	ID                   uuid.UUID
	HostID               uuid.UUID
	TokenHash            string
	Status               TokenStatus
	ExpiresAt            time.Time
	PairingCodeHash      *string
	PairingCodeExpiresAt *time.Time
	CreatedBy            *string
	CreatedAt            time.Time
	ConsumedAt           *time.Time
	ConsumedIP           *string
}

// IsExpired reports whether the token is past its own expiry.
func (t *InitialToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// CanPair reports whether a pairing code may be generated or verified for the token.
func (t *InitialToken) CanPair(now time.Time) bool {
	return t.Status == TokenStatusIssued && !t.IsExpired(now)
}

// CanConsume reports whether the token may be exchanged for a session.
func (t *InitialToken) CanConsume(now time.Time) bool {
	return (t.Status == TokenStatusIssued || t.Status == TokenStatusPaired) && !t.IsExpired(now)
}

// HasLivePairingCode reports whether a pairing code is present and unexpired.
func (t *InitialToken) HasLivePairingCode(now time.Time) bool {
	return t.PairingCodeHash != nil && t.PairingCodeExpiresAt != nil && now.Before(*t.PairingCodeExpiresAt)
}

// DisplayStatus is the externally visible state, folding expiry into the status.
func (t *InitialToken) DisplayStatus(now time.Time) string {
	if t.Status != TokenStatusConsumed && t.IsExpired(now) {
		return "expired"
	}
	return string(t.Status)
}

// IssuedToken is returned once, at issuance, and carries the raw token.
type IssuedToken struct {
	ID        uuid.UUID `json:"id"`
	Token     string    `json:"token"`
	HostID    uuid.UUID `json:"host_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PairingCode is returned once, at generation, and carries the raw code.
type PairingCode struct {
	Code      string        `json:"code"`
	ExpiresAt time.Time     `json:"expires_at"`
	ExpiresIn time.Duration `json:"-"`
}

// TokenFilter selects tokens for operator listings.
type TokenFilter string

const (
	TokenFilterPending TokenFilter = "pending"
	TokenFilterUsed    TokenFilter = "used"
	TokenFilterExpired TokenFilter = "expired"
	TokenFilterAll     TokenFilter = "all"
)

// ParseTokenFilter maps a query value to a filter, defaulting to pending.
func ParseTokenFilter(s string) TokenFilter {
	switch TokenFilter(s) {
	case TokenFilterUsed, TokenFilterExpired, TokenFilterAll:
		return TokenFilter(s)
	}
	return TokenFilterPending
}
