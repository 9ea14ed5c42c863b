package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventKind names a bootstrap or session event.
type EventKind string

const (
	EventHostRegistered       EventKind = "host_registered"
	EventTokenIssued          EventKind = "token_issued"
	EventTokenDeleted         EventKind = "token_deleted"
	EventPairingCodeGenerated EventKind = "pairing_code_generated"
	EventPairingVerified      EventKind = "pairing_verified"
	EventPairingFailed        EventKind = "pairing_failed"
	EventSessionCreated       EventKind = "session_created"
	EventSessionRejected      EventKind = "session_rejected"
	EventSessionExchanged     EventKind = "session_exchanged"
	EventSessionRevoked       EventKind = "session_revoked"
	EventIPMismatch           EventKind = "ip_mismatch"
	EventFingerprintMismatch  EventKind = "fingerprint_mismatch"
)

// Severity grades how urgently an event needs attention.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// SecurityEvent is one entry emitted to the audit sink.
type SecurityEvent struct {
	ID          uuid.UUID
	Kind        EventKind
	Severity    Severity
	HostID      *uuid.UUID
	OperatorID  string
	IPAddress   string
	TokenPrefix string
	Description string
	Details     json.RawMessage
	CreatedAt   time.Time
}
