package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// FingerprintsRepository handles operator session fingerprint bindings.
type FingerprintsRepository struct {
	db *sql.DB
}

// NewFingerprintsRepository creates a new fingerprints repository.
func NewFingerprintsRepository(db *sql.DB) *FingerprintsRepository {
	return &FingerprintsRepository{db: db}
}

// Get retrieves the binding for a session key.
func (r *FingerprintsRepository) Get(ctx context.Context, sessionKey string) (*domain.FingerprintBinding, error) {
	query := `
		SELECT session_key, operator_id, fingerprint, bound_ip, user_agent, created_at, last_seen_at, terminated_at
		FROM fingerprint_bindings
		WHERE session_key = $1
	`
	b := &domain.FingerprintBinding{}
	err := r.db.QueryRowContext(ctx, query, sessionKey).Scan(
		&b.SessionKey, &b.OperatorID, &b.Fingerprint, &b.BoundIP, &b.UserAgent,
		&b.CreatedAt, &b.LastSeenAt, &b.TerminatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Bind stores binding if the session key is new. The first writer wins.
func (r *FingerprintsRepository) Bind(ctx context.Context, binding *domain.FingerprintBinding) (*domain.FingerprintBinding, error) {
	query := `
		INSERT INTO fingerprint_bindings (session_key, operator_id, fingerprint, bound_ip, user_agent, created_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_key) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		binding.SessionKey, binding.OperatorID, binding.Fingerprint, binding.BoundIP,
		binding.UserAgent, binding.CreatedAt, binding.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, binding.SessionKey)
}

// Touch records activity on a live binding.
func (r *FingerprintsRepository) Touch(ctx context.Context, sessionKey string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fingerprint_bindings SET last_seen_at = $2 WHERE session_key = $1 AND terminated_at IS NULL`,
		sessionKey, at)
	return err
}

// Terminate marks the binding as terminated. Terminating twice keeps the first timestamp.
func (r *FingerprintsRepository) Terminate(ctx context.Context, sessionKey string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE fingerprint_bindings SET terminated_at = COALESCE(terminated_at, $2) WHERE session_key = $1`,
		sessionKey, at)
	return err
}

// Revoke inserts binding as terminated, or terminates the existing row for its session key.
func (r *FingerprintsRepository) Revoke(ctx context.Context, binding *domain.FingerprintBinding) error {
	query := `
		INSERT INTO fingerprint_bindings (session_key, operator_id, fingerprint, bound_ip, user_agent, created_at, last_seen_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (session_key) DO UPDATE
		SET terminated_at = COALESCE(fingerprint_bindings.terminated_at, EXCLUDED.terminated_at)
	`
	_, err := r.db.ExecContext(ctx, query,
		binding.SessionKey, binding.OperatorID, binding.Fingerprint, binding.BoundIP,
		binding.UserAgent, binding.CreatedAt, binding.TerminatedAt,
	)
	return err
}

// DeleteTerminatedBefore removes bindings terminated before cutoff.
func (r *FingerprintsRepository) DeleteTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM fingerprint_bindings WHERE terminated_at IS NOT NULL AND terminated_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(result)
}
