package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

const sessionColumns = `id, host_id, initial_token_id, token_hash, bound_ip, expires_at, created_at, last_exchange_at`

// SessionsRepository handles active device session persistence.
type SessionsRepository struct {
	db *sql.DB
}

// NewSessionsRepository creates a new sessions repository.
func NewSessionsRepository(db *sql.DB) *SessionsRepository {
	return &SessionsRepository{db: db}
}

func scanSession(row rowScanner) (*domain.ActiveSession, error) {
	s := &domain.ActiveSession{}
	err := row.Scan(
		&s.ID, &s.HostID, &s.InitialTokenID, &s.TokenHash, &s.BoundIP,
		&s.ExpiresAt, &s.CreatedAt, &s.LastExchangeAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ConsumeAndCreate consumes the initial token and inserts the session in one transaction.
// If the token is no longer in an allowed state, nothing is written.
func (r *SessionsRepository) ConsumeAndCreate(ctx context.Context, tokenID uuid.UUID, allowed []domain.TokenStatus, session *domain.ActiveSession, now time.Time) error {
	statuses := make([]string, len(allowed))
	for i, s := range allowed {
		statuses[i] = string(s)
	}

	return Tx(ctx, r.db, func(tx *sql.Tx) error {
		consume := `
			UPDATE initial_tokens
			SET status = 'consumed', consumed_at = $2, consumed_ip = $3,
			    pairing_code_hash = NULL, pairing_code_expires_at = NULL
			WHERE id = $1 AND status = ANY($4) AND expires_at > $2
		`
		result, err := tx.ExecContext(ctx, consume, tokenID, now, session.BoundIP, pq.Array(statuses))
		if err != nil {
			return fmt.Errorf("consume token: %w", err)
		}
		rows, err := affected(result)
		if err != nil {
			return err
		}
		if rows == 0 {
			return domain.ErrTokenAlreadyConsumed
		}

		insert := `
			INSERT INTO active_sessions (id, host_id, initial_token_id, token_hash, bound_ip, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err = tx.ExecContext(ctx, insert,
			session.ID, session.HostID, session.InitialTokenID, session.TokenHash,
			session.BoundIP, session.ExpiresAt, session.CreatedAt,
		)
		if isUniqueViolation(err) {
			return domain.ErrTokenCollision
		}
		return err
	})
}

// GetByTokenHash retrieves a session by the hash of its token, expired or not.
func (r *SessionsRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE token_hash = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, query, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Extend pushes expires_at forward, never backward, for a live session bound to boundIP.
func (r *SessionsRepository) Extend(ctx context.Context, id uuid.UUID, boundIP string, expiresAt, now time.Time) (time.Time, error) {
	query := `
		UPDATE active_sessions
		SET expires_at = GREATEST(expires_at, $3), last_exchange_at = $4
		WHERE id = $1 AND bound_ip = $2 AND expires_at > $4
		RETURNING expires_at
	`
	var newExpiry time.Time
	err := r.db.QueryRowContext(ctx, query, id, boundIP, expiresAt, now).Scan(&newExpiry)
	if err == nil {
		return newExpiry, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, err
	}

	// Nothing updated: report why.
	var storedIP string
	var storedExpiry time.Time
	err = r.db.QueryRowContext(ctx, `SELECT bound_ip, expires_at FROM active_sessions WHERE id = $1`, id).
		Scan(&storedIP, &storedExpiry)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if !now.Before(storedExpiry) {
		return time.Time{}, domain.ErrSessionExpired
	}
	return time.Time{}, domain.ErrIPMismatch
}

// DeleteByTokenHash removes a session. Reports whether a row was deleted.
func (r *SessionsRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return false, err
	}
	rows, err := affected(result)
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListExpired returns sessions whose expiry is at or before now.
func (r *SessionsRepository) ListExpired(ctx context.Context, now time.Time) ([]*domain.ActiveSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM active_sessions WHERE expires_at <= $1 ORDER BY expires_at`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.ActiveSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteExpired deletes sessions whose expiry is at or before now.
func (r *SessionsRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return affected(result)
}
