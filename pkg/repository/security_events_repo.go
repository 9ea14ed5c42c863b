package repository

import (
	"context"
	"database/sql"

	"github.com/tendant/simple-bootstrap/pkg/domain"
)

// SecurityEventsRepository appends security events.
type SecurityEventsRepository struct {
	db *sql.DB
}

// NewSecurityEventsRepository creates a new security events repository.
func NewSecurityEventsRepository(db *sql.DB) *SecurityEventsRepository {
	return &SecurityEventsRepository{db: db}
}

// Create inserts an event.
func (r *SecurityEventsRepository) Create(ctx context.Context, event *domain.SecurityEvent) error {
	query := `
		INSERT INTO security_events (id, kind, severity, host_id, operator_id, ip_address, token_prefix, description, details, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8, $9, $10)
	`
	var details any
	if len(event.Details) > 0 {
		details = []byte(event.Details)
	}
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.Kind, event.Severity, event.HostID, event.OperatorID,
		event.IPAddress, event.TokenPrefix, event.Description, details, event.CreatedAt,
	)
	return err
}
