package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/repository"
)

const (
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultTokenRetention keeps expired initial tokens around for audit.
	DefaultTokenRetention = 7 * 24 * time.Hour

	sweepTimeout = 30 * time.Second
)

// SweeperConfig holds expiry sweep settings.
type SweeperConfig struct {
	Interval       time.Duration
	TokenRetention time.Duration
	// BindingRetention is how long terminated fingerprint bindings are kept. Zero uses TokenRetention.
	BindingRetention time.Duration
}

// SweepResult counts what one sweep deleted.
type SweepResult struct {
	Sessions int64
	Tokens   int64
	Bindings int64
}

// SweepCandidate describes one record a sweep would delete.
type SweepCandidate struct {
	Kind      string
	ID        uuid.UUID
	HostID    uuid.UUID
	ExpiresAt time.Time
}

// Sweeper deletes expired sessions and tokens past their retention.
type Sweeper struct {
	config       SweeperConfig
	sessions     repository.SessionStore
	tokens       repository.TokenStore
	fingerprints repository.FingerprintStore
	logger       *slog.Logger
	now          Clock

	// OnSweep, if set, is called after every successful sweep.
	OnSweep func(SweepResult)
}

// NewSweeper creates a new sweeper. fingerprints may be nil.
func NewSweeper(config SweeperConfig, sessions repository.SessionStore, tokens repository.TokenStore, fingerprints repository.FingerprintStore, logger *slog.Logger, now Clock) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.TokenRetention <= 0 {
		config.TokenRetention = DefaultTokenRetention
	}
	if config.BindingRetention <= 0 {
		config.BindingRetention = config.TokenRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		config:       config,
		sessions:     sessions,
		tokens:       tokens,
		fingerprints: fingerprints,
		logger:       logger,
		now:          clockOrNow(now),
	}
}

// Sweep deletes expired sessions, tokens that expired more than the retention
// period ago, and old terminated fingerprint bindings.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	now := s.now()
	var result SweepResult
	var errs []error

	var err error
	if result.Sessions, err = s.sessions.DeleteExpired(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("sweep sessions: %w", err))
	}
	if result.Tokens, err = s.tokens.DeleteExpiredBefore(ctx, now.Add(-s.config.TokenRetention)); err != nil {
		errs = append(errs, fmt.Errorf("sweep tokens: %w", err))
	}
	if s.fingerprints != nil {
		if result.Bindings, err = s.fingerprints.DeleteTerminatedBefore(ctx, now.Add(-s.config.BindingRetention)); err != nil {
			errs = append(errs, fmt.Errorf("sweep fingerprint bindings: %w", err))
		}
	}

	if len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	if s.OnSweep != nil {
		s.OnSweep(result)
	}
	return result, nil
}

// Plan lists what Sweep would delete without deleting anything.
func (s *Sweeper) Plan(ctx context.Context) ([]SweepCandidate, error) {
	now := s.now()

	sessions, err := s.sessions.ListExpired(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	tokens, err := s.tokens.ListExpiredBefore(ctx, now.Add(-s.config.TokenRetention))
	if err != nil {
		return nil, fmt.Errorf("list expired tokens: %w", err)
	}

	candidates := make([]SweepCandidate, 0, len(sessions)+len(tokens))
	for _, sess := range sessions {
		candidates = append(candidates, SweepCandidate{Kind: "session", ID: sess.ID, HostID: sess.HostID, ExpiresAt: sess.ExpiresAt})
	}
	for _, t := range tokens {
		candidates = append(candidates, SweepCandidate{Kind: "initial_token", ID: t.ID, HostID: t.HostID, ExpiresAt: t.ExpiresAt})
	}
	return candidates, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("session sweeper started", "interval", s.config.Interval, "token_retention", s.config.TokenRetention)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("session sweeper stopped")
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
			result, err := s.Sweep(sweepCtx)
			cancel()
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if result.Sessions+result.Tokens+result.Bindings > 0 {
				s.logger.Info("sweep completed",
					"sessions_deleted", result.Sessions,
					"tokens_deleted", result.Tokens,
					"bindings_deleted", result.Bindings)
			}
		}
	}
}
