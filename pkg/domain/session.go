package domain

import (
	"time"

	"github.com/google/uuid"
)

// ActiveSession is a device session bound to the IP it was created from.
type ActiveSession struct {
	ID             uuid.UUID
	HostID         uuid.UUID
	InitialTokenID *uuid.UUID
	TokenHash      string
	BoundIP        string
	ExpiresAt      time.Time
	CreatedAt      time.Time
	LastExchangeAt *time.Time
}

// IsExpired reports whether the session is past its expiry.
func (s *ActiveSession) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MatchesIP reports whether ip is exactly the bound IP. No prefix or subnet matching.
func (s *ActiveSession) MatchesIP(ip string) bool {
	return s.BoundIP == ip
}

// SessionGrant is what a device receives when a session is created or extended.
type SessionGrant struct {
	SessionToken string    `json:"session_token"`
	HostID       uuid.UUID `json:"-"`
	ExpiresIn    int       `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
}
