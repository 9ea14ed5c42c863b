package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// HostsRepository handles host persistence.
type HostsRepository struct {
	db *sql.DB
}

// NewHostsRepository creates a new hosts repository.
func NewHostsRepository(db *sql.DB) *HostsRepository {
	return &HostsRepository{db: db}
}

// Create inserts a host. Hostnames are unique.
func (r *HostsRepository) Create(ctx context.Context, host *domain.Host) error {
	query := `
		INSERT INTO hosts (id, hostname, ip_address, init_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		host.ID, host.Hostname, host.IPAddress, host.InitStatus, host.CreatedAt, host.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrHostAlreadyExists
	}
	return err
}

// GetByID retrieves a host by ID.
func (r *HostsRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Host, error) {
	query := `
		SELECT id, hostname, ip_address, init_status, initialized_at, created_at, updated_at
		FROM hosts
		WHERE id = $1
	`
	host := &domain.Host{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&host.ID, &host.Hostname, &host.IPAddress, &host.InitStatus,
		&host.InitializedAt, &host.CreatedAt, &host.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrHostNotFound
	}
	if err != nil {
		return nil, err
	}
	return host, nil
}

// UpdateInitStatus moves a host to status. Reaching ready stamps initialized_at once.
func (r *HostsRepository) UpdateInitStatus(ctx context.Context, id uuid.UUID, status domain.HostInitStatus, at time.Time) error {
	query := `
		UPDATE hosts
		SET init_status = $2,
		    initialized_at = CASE WHEN $2 = 'ready' THEN COALESCE(initialized_at, $3) ELSE initialized_at END,
		    updated_at = $3
		WHERE id = $1
	`
	result, err := r.db.ExecContext(ctx, query, id, string(status), at)
	if err != nil {
		return err
	}
	rows, err := affected(result)
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrHostNotFound
	}
	return nil
}
