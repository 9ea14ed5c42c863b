// Package audit records security events. Every sink is best-effort: a failure
// to record an event is logged and never reaches the caller.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// Sink receives security events. It is satisfied by auth.EventSink consumers.
type Sink interface {
	Emit(ctx context.Context, event *domain.SecurityEvent)
}

// SlogSink writes events as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink that logs to logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

// Emit logs the event at a level derived from its severity.
func (s *SlogSink) Emit(ctx context.Context, event *domain.SecurityEvent) {
	attrs := []slog.Attr{
		slog.String("event_id", event.ID.String()),
		slog.String("kind", string(event.Kind)),
		slog.String("severity", string(event.Severity)),
		slog.Time("at", event.CreatedAt),
	}
	if event.HostID != nil {
		attrs = append(attrs, slog.String("host_id", event.HostID.String()))
	}
	if event.OperatorID != "" {
		attrs = append(attrs, slog.String("operator_id", event.OperatorID))
	}
	if event.IPAddress != "" {
		attrs = append(attrs, slog.String("ip", event.IPAddress))
	}
	if event.TokenPrefix != "" {
		attrs = append(attrs, slog.String("token_prefix", event.TokenPrefix))
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, slog.String("details", string(event.Details)))
	}
	s.logger.LogAttrs(ctx, levelFor(event.Severity), "security event: "+event.Description, attrs...)
}

func levelFor(severity domain.Severity) slog.Level {
	switch severity {
	case domain.SeverityHigh:
		return slog.LevelError
	case domain.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// RepositorySink persists events to the security_events table.
type RepositorySink struct {
	store   repository.EventStore
	logger  *slog.Logger
	timeout time.Duration
}

// NewRepositorySink creates a sink backed by store. timeout bounds each write attempt.
func NewRepositorySink(store repository.EventStore, logger *slog.Logger, timeout time.Duration) *RepositorySink {
	return &RepositorySink{store: store, logger: logger, timeout: timeout}
}

// Emit stores the event. The write outlives a canceled request context.
func (s *RepositorySink) Emit(ctx context.Context, event *domain.SecurityEvent) {
	if s.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	err := repository.WithRetry(ctx, s.timeout, func(ctx context.Context) error {
		return s.store.Create(ctx, event)
	})
	if err != nil {
		s.logger.Error("failed to record security event",
			"kind", event.Kind,
			"event_id", event.ID,
			"error", err,
		)
	}
}

type multiSink []Sink

// Multi fans an event out to every non-nil sink, in order.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(ctx context.Context, event *domain.SecurityEvent) {
	for _, s := range m {
		s.Emit(ctx, event)
	}
}
