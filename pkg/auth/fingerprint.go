package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

// FingerprintGuard binds operator browser sessions to the IP and User-Agent
// that first used them and terminates sessions that later present a different pair.
// It is a hijack heuristic and never the only authorization check.
type FingerprintGuard struct {
	store        repository.FingerprintStore
	hasher       *Hasher
	events       EventSink
	logger       *slog.Logger
	now          Clock
	storeTimeout time.Duration
}

// NewFingerprintGuard creates a new fingerprint guard.
func NewFingerprintGuard(store repository.FingerprintStore, hasher *Hasher, events EventSink, logger *slog.Logger, now Clock, storeTimeout time.Duration) *FingerprintGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &FingerprintGuard{
		store:        store,
		hasher:       hasher,
		events:       sinkOrNop(events),
		logger:       logger,
		now:          clockOrNow(now),
		storeTimeout: storeTimeout,
	}
}

// Check binds sessionKey on first use and compares on later use. It returns
// domain.ErrFingerprintMismatch when the fingerprint changed (the binding is
// terminated) and domain.ErrSessionTerminated for a session terminated earlier.
func (g *FingerprintGuard) Check(ctx context.Context, sessionKey, operatorID, ip, userAgent string) error {
	now := g.now()
	fingerprint := g.hasher.Fingerprint(ip, userAgent)
	userAgent = SanitizeHeaderValue(userAgent, MaxUserAgentLength)

	var binding *domain.FingerprintBinding
	err := storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
		var err error
		binding, err = g.store.Get(ctx, sessionKey)
		return err
	})
	if errors.Is(err, domain.ErrSessionNotFound) {
		err = storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
			var err error
			binding, err = g.store.Bind(ctx, &domain.FingerprintBinding{
				SessionKey:  sessionKey,
				OperatorID:  operatorID,
				Fingerprint: fingerprint,
				BoundIP:     ip,
				UserAgent:   userAgent,
				CreatedAt:   now,
				LastSeenAt:  now,
			})
			return err
		})
		if err == nil && binding.Fingerprint == fingerprint {
			g.logger.Debug("session fingerprint bound", "operator_id", operatorID, "ip", ip)
			return nil
		}
	}
	if err != nil {
		return err
	}

	if binding.IsTerminated() {
		return domain.ErrSessionTerminated
	}
	if binding.Fingerprint != fingerprint {
		return g.terminate(ctx, binding, ip, userAgent, now)
	}

	if err := storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
		return g.store.Touch(ctx, sessionKey, now)
	}); err != nil {
		g.logger.Warn("failed to touch fingerprint binding", "error", err)
	}
	return nil
}

// Active reports domain.ErrSessionTerminated when sessionKey was terminated by
// logout or a fingerprint mismatch. It never binds or compares fingerprints, so it
// applies even when fingerprint checks are disabled.
func (g *FingerprintGuard) Active(ctx context.Context, sessionKey string) error {
	var binding *domain.FingerprintBinding
	err := storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
		var err error
		binding, err = g.store.Get(ctx, sessionKey)
		return err
	})
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if binding.IsTerminated() {
		return domain.ErrSessionTerminated
	}
	return nil
}

// Logout terminates sessionKey so the operator token behind it is refused from
// then on. A session never seen before is recorded as terminated; logging out
// twice keeps the first termination time.
func (g *FingerprintGuard) Logout(ctx context.Context, sessionKey, operatorID string) error {
	now := g.now()
	return storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
		return g.store.Revoke(ctx, &domain.FingerprintBinding{
			SessionKey:   sessionKey,
			OperatorID:   operatorID,
			CreatedAt:    now,
			LastSeenAt:   now,
			TerminatedAt: &now,
		})
	})
}

func (g *FingerprintGuard) terminate(ctx context.Context, binding *domain.FingerprintBinding, ip, userAgent string, now time.Time) error {
	err := storeCall(ctx, g.storeTimeout, func(ctx context.Context) error {
		return g.store.Terminate(ctx, binding.SessionKey, now)
	})
	if err != nil {
		return err
	}

	change := describeChange(binding, ip, userAgent)
	event := newEvent(domain.EventFingerprintMismatch, domain.SeverityHigh, now, change)
	event.OperatorID = binding.OperatorID
	event.IPAddress = ip
	withDetails(event, map[string]string{
		"bound_ip":            binding.BoundIP,
		"observed_ip":         ip,
		"bound_user_agent":    binding.UserAgent,
		"observed_user_agent": userAgent,
	})
	g.events.Emit(ctx, event)
	g.logger.Warn("session fingerprint mismatch, session terminated",
		"operator_id", binding.OperatorID, "change", change)
	return domain.ErrFingerprintMismatch
}

func describeChange(binding *domain.FingerprintBinding, ip, userAgent string) string {
	if binding.BoundIP != ip {
		return fmt.Sprintf("IP address changed from %s to %s", binding.BoundIP, ip)
	}
	if binding.UserAgent != userAgent {
		return fmt.Sprintf("User-Agent changed from %q to %q", binding.UserAgent, userAgent)
	}
	return "fingerprint changed"
}
