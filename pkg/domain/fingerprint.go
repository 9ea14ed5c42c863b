package domain

import "time"

// FingerprintBinding ties an operator browser session to the client that first used it.
type FingerprintBinding struct {
	SessionKey   string
	OperatorID   string
	Fingerprint  string
	BoundIP      string
	UserAgent    string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	TerminatedAt *time.Time
}

// IsTerminated reports whether the binding was invalidated.
func (b *FingerprintBinding) IsTerminated() bool {
	return b.TerminatedAt != nil
}
