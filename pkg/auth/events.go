package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// EventSink receives security events. Emit must not fail the caller.
type EventSink interface {
	Emit(ctx context.Context, event *domain.SecurityEvent)
}

type nopSink struct{}

func (nopSink) Emit(context.Context, *domain.SecurityEvent) {}

func sinkOrNop(s EventSink) EventSink {
	if s == nil {
		return nopSink{}
	}
	return s
}

func newEvent(kind domain.EventKind, severity domain.Severity, at time.Time, description string) *domain.SecurityEvent {
	return &domain.SecurityEvent{
		ID:          uuid.New(),
		Kind:        kind,
		Severity:    severity,
		Description: description,
		CreatedAt:   at,
	}
}

func withHost(e *domain.SecurityEvent, hostID uuid.UUID) *domain.SecurityEvent {
	e.HostID = &hostID
	return e
}

func withDetails(e *domain.SecurityEvent, details map[string]string) *domain.SecurityEvent {
	if b, err := json.Marshal(details); err == nil {
		e.Details = b
	}
	return e
}

// Clock returns the current time. Services default to time.Now.
type Clock func() time.Time

func clockOrNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

// storeCall runs one store round-trip with the retry policy of repository.WithRetry.
func storeCall(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	return repository.WithRetry(ctx, timeout, op)
}
