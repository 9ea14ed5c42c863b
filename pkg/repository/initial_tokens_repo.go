package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

const initialTokenColumns = `id, host_id, token_hash, status, expires_at, pairing_code_hash,
	pairing_code_expires_at, created_by, created_at, consumed_at, consumed_ip`

// InitialTokensRepository handles initial token persistence.
type InitialTokensRepository struct {
	db *sql.DB
}

// NewInitialTokensRepository creates a new initial tokens repository.
func NewInitialTokensRepository(db *sql.DB) *InitialTokensRepository {
	return &InitialTokensRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInitialToken(row rowScanner) (*domain.InitialToken, error) {
	t := &domain.InitialToken{}
	err := row.Scan(
		&t.ID, &t.HostID, &t.TokenHash, &t.Status, &t.ExpiresAt, &t.PairingCodeHash,
		&t.PairingCodeExpiresAt, &t.CreatedBy, &t.CreatedAt, &t.ConsumedAt, &t.ConsumedIP,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CreateSuperseding expires the host's other live tokens and inserts token in one transaction.
func (r *InitialTokensRepository) CreateSuperseding(ctx context.Context, token *domain.InitialToken, now time.Time) error {
	return Tx(ctx, r.db, func(tx *sql.Tx) error {
		supersede := `
			UPDATE initial_tokens
			SET expires_at = $2, pairing_code_hash = NULL, pairing_code_expires_at = NULL
			WHERE host_id = $1 AND status <> 'consumed' AND expires_at > $2
		`
		if _, err := tx.ExecContext(ctx, supersede, token.HostID, now); err != nil {
			return fmt.Errorf("supersede tokens: %w", err)
		}

		insert := `
			INSERT INTO initial_tokens (id, host_id, token_hash, status, expires_at, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`
		_, err := tx.ExecContext(ctx, insert,
			token.ID, token.HostID, token.TokenHash, token.Status, token.ExpiresAt, token.CreatedBy, token.CreatedAt,
		)
		if isUniqueViolation(err) {
			return domain.ErrTokenCollision
		}
		return err
	})
}

// GetByID retrieves a token by ID.
func (r *InitialTokensRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.InitialToken, error) {
	query := `SELECT ` + initialTokenColumns + ` FROM initial_tokens WHERE id = $1`
	return r.getOne(ctx, query, id)
}

// GetByTokenHash retrieves a token by the hash of its raw value.
func (r *InitialTokensRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.InitialToken, error) {
	query := `SELECT ` + initialTokenColumns + ` FROM initial_tokens WHERE token_hash = $1`
	return r.getOne(ctx, query, tokenHash)
}

// GetLatestByHost retrieves the most recently issued token for a host. A token
// superseded in the same instant has the earlier expiry, so it never wins a tie.
func (r *InitialTokensRepository) GetLatestByHost(ctx context.Context, hostID uuid.UUID) (*domain.InitialToken, error) {
	query := `SELECT ` + initialTokenColumns + ` FROM initial_tokens
		WHERE host_id = $1
		ORDER BY created_at DESC, expires_at DESC, id DESC
		LIMIT 1`
	return r.getOne(ctx, query, hostID)
}

func (r *InitialTokensRepository) getOne(ctx context.Context, query string, arg any) (*domain.InitialToken, error) {
	t, err := scanInitialToken(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// SetPairingCode replaces the pairing code on an issued, unexpired token.
func (r *InitialTokensRepository) SetPairingCode(ctx context.Context, id uuid.UUID, codeHash string, codeExpiresAt, now time.Time) error {
	query := `
		UPDATE initial_tokens
		SET pairing_code_hash = $2, pairing_code_expires_at = $3
		WHERE id = $1 AND status = 'issued' AND expires_at > $4
	`
	result, err := r.db.ExecContext(ctx, query, id, codeHash, codeExpiresAt, now)
	if err != nil {
		return err
	}
	return r.requireOne(ctx, result, id)
}

// MarkPaired moves an issued token to paired if codeHash is still the live code.
func (r *InitialTokensRepository) MarkPaired(ctx context.Context, id uuid.UUID, codeHash string, now time.Time) error {
	query := `
		UPDATE initial_tokens
		SET status = 'paired', pairing_code_hash = NULL, pairing_code_expires_at = NULL
		WHERE id = $1
		  AND status = 'issued'
		  AND pairing_code_hash = $2
		  AND pairing_code_expires_at > $3
		  AND expires_at > $3
	`
	result, err := r.db.ExecContext(ctx, query, id, codeHash, now)
	if err != nil {
		return err
	}
	return r.requireOne(ctx, result, id)
}

// requireOne distinguishes a missing token from one in the wrong state after a conditional update.
func (r *InitialTokensRepository) requireOne(ctx context.Context, result sql.Result, id uuid.UUID) error {
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM initial_tokens WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrTokenNotFound
	}
	return domain.ErrTokenWrongState
}

// filterClause returns the WHERE clause for filter and its arguments, numbered from $1.
func filterClause(filter domain.TokenFilter, now time.Time) (string, []any) {
	switch filter {
	case domain.TokenFilterUsed:
		return `status = 'consumed'`, nil
	case domain.TokenFilterExpired:
		return `status <> 'consumed' AND expires_at <= $1`, []any{now}
	case domain.TokenFilterAll:
		return `TRUE`, nil
	default:
		return `status <> 'consumed' AND expires_at > $1`, []any{now}
	}
}

// List returns one page of tokens matching filter, newest first, plus the total match count.
func (r *InitialTokensRepository) List(ctx context.Context, filter domain.TokenFilter, now time.Time, limit, offset int) ([]*domain.InitialToken, int, error) {
	where, args := filterClause(filter, now)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM initial_tokens WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM initial_tokens WHERE %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, initialTokenColumns, where, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tokens []*domain.InitialToken
	for rows.Next() {
		t, err := scanInitialToken(rows)
		if err != nil {
			return nil, 0, err
		}
		tokens = append(tokens, t)
	}
	return tokens, total, rows.Err()
}

// Delete removes a token. Sessions created from it keep running.
func (r *InitialTokensRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM initial_tokens WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrTokenNotFound
	}
	return nil
}

// ListExpiredBefore returns tokens, in any status, that expired before cutoff.
func (r *InitialTokensRepository) ListExpiredBefore(ctx context.Context, cutoff time.Time) ([]*domain.InitialToken, error) {
	query := `SELECT ` + initialTokenColumns + ` FROM initial_tokens
		WHERE expires_at < $1
		ORDER BY expires_at`
	rows, err := r.db.QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*domain.InitialToken
	for rows.Next() {
		t, err := scanInitialToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeleteExpiredBefore deletes tokens, in any status, that expired before cutoff.
func (r *InitialTokensRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM initial_tokens WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return affected(result)
}
