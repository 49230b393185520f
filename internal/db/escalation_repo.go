package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// EscalationRepo provides database operations for the human-attention queue.
type EscalationRepo struct {
	db DBTX
}

// NewEscalationRepo creates a new EscalationRepo.
func NewEscalationRepo(db DBTX) *EscalationRepo {
	return &EscalationRepo{db: db}
}

// EscalationFilter defines filters for listing escalations.
type EscalationFilter struct {
	TicketID *int64
	Reason   *models.EscalationReason
	OpenOnly bool
	Limit    int
	Offset   int
}

// Create creates a new escalation.
func (r *EscalationRepo) Create(e *models.Escalation) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid escalation: %w", err)
	}

	query := `
		INSERT INTO escalations (ticket_id, reason, message, resolved, created_at)
		VALUES (?, ?, ?, 0, ?)
	`
	now := time.Now()
	result, err := r.db.Exec(query, e.TicketID, e.Reason, nullString(e.Message), FormatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create escalation: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get escalation id: %w", err)
	}

	e.ID = id
	e.Resolved = false
	e.CreatedAt = now
	return nil
}

// GetByID retrieves an escalation by ID.
func (r *EscalationRepo) GetByID(id int64) (*models.Escalation, error) {
	query := `
		SELECT e.id, e.ticket_id, e.reason, e.message, e.resolved, e.resolved_at, e.created_at,
			t.key AS ticket_key, t.title AS ticket_title
		FROM escalations e
		JOIN tickets t ON e.ticket_id = t.id
		WHERE e.id = ?
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// List retrieves escalations matching the given filter, newest first.
func (r *EscalationRepo) List(filter EscalationFilter) ([]*models.Escalation, error) {
	query := `
		SELECT e.id, e.ticket_id, e.reason, e.message, e.resolved, e.resolved_at, e.created_at,
			t.key AS ticket_key, t.title AS ticket_title
		FROM escalations e
		JOIN tickets t ON e.ticket_id = t.id
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.TicketID != nil {
		query += " AND e.ticket_id = ?"
		args = append(args, *filter.TicketID)
	}
	if filter.Reason != nil {
		query += " AND e.reason = ?"
		args = append(args, *filter.Reason)
	}
	if filter.OpenOnly {
		query += " AND e.resolved = 0"
	}

	query += " ORDER BY e.created_at DESC, e.id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalations: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Resolve marks an escalation as resolved.
func (r *EscalationRepo) Resolve(id int64) error {
	query := `UPDATE escalations SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`
	result, err := r.db.Exec(query, NowRFC3339(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve escalation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("escalation not found or already resolved")
	}

	return nil
}

// ResolveByTicket resolves all open escalations for a ticket. Used when an
// operator requeues or cancels the ticket.
func (r *EscalationRepo) ResolveByTicket(ticketID int64) (int64, error) {
	query := `UPDATE escalations SET resolved = 1, resolved_at = ? WHERE ticket_id = ? AND resolved = 0`
	result, err := r.db.Exec(query, NowRFC3339(), ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve escalations: %w", err)
	}
	return result.RowsAffected()
}

// HasOpen checks if a ticket already has an open escalation for a reason.
// The sweeps use this to avoid duplicate escalations on every pass.
func (r *EscalationRepo) HasOpen(ticketID int64, reason models.EscalationReason) (bool, error) {
	query := `SELECT 1 FROM escalations WHERE ticket_id = ? AND reason = ? AND resolved = 0 LIMIT 1`
	var exists int
	err := r.db.QueryRow(query, ticketID, reason).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check open escalation: %w", err)
	}
	return true, nil
}

// CountOpen counts unresolved escalations.
func (r *EscalationRepo) CountOpen() (int, error) {
	query := `SELECT COUNT(*) FROM escalations WHERE resolved = 0`
	var count int
	if err := r.db.QueryRow(query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count open escalations: %w", err)
	}
	return count, nil
}

func (r *EscalationRepo) scanOne(row *sql.Row) (*models.Escalation, error) {
	var e models.Escalation
	var message sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.TicketID, &e.Reason, &message, &e.Resolved, &resolvedAt, &e.CreatedAt,
		&e.TicketKey, &e.TicketTitle,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan escalation: %w", err)
	}

	e.Message = message.String
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

func (r *EscalationRepo) scanMany(rows *sql.Rows) ([]*models.Escalation, error) {
	var escalations []*models.Escalation
	for rows.Next() {
		var e models.Escalation
		var message sql.NullString
		var resolvedAt sql.NullTime

		err := rows.Scan(
			&e.ID, &e.TicketID, &e.Reason, &message, &e.Resolved, &resolvedAt, &e.CreatedAt,
			&e.TicketKey, &e.TicketTitle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}

		e.Message = message.String
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.Time
		}
		escalations = append(escalations, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return escalations, nil
}
