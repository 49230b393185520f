package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// EventRepo provides database operations for the append-only activity
// event stream. Events are never updated or deleted individually; the
// autoincrement id doubles as the stream cursor for resume.
type EventRepo struct {
	db DBTX
}

// NewEventRepo creates a new EventRepo.
func NewEventRepo(db DBTX) *EventRepo {
	return &EventRepo{db: db}
}

// EventFilter defines filters for listing events.
type EventFilter struct {
	TicketID  *int64
	Category  *models.EventCategory
	ActorType *models.ActorType
	ActorID   string
	Since     *time.Time
	Limit     int
	Offset    int
}

// Append appends a new event to the stream.
func (r *EventRepo) Append(e *models.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	query := `
		INSERT INTO events (ticket_id, category, actor_type, actor_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := r.db.Exec(query,
		e.TicketID, e.Category, e.ActorType, nullString(e.ActorID),
		e.Message, nullString(e.Metadata), FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}

	e.ID = id
	e.CreatedAt = now
	return nil
}

// GetByID retrieves an event by ID.
func (r *EventRepo) GetByID(id int64) (*models.Event, error) {
	query := `
		SELECT e.id, e.ticket_id, e.category, e.actor_type, e.actor_id,
			e.message, e.metadata, e.created_at,
			t.key AS ticket_key
		FROM events e
		JOIN tickets t ON e.ticket_id = t.id
		WHERE e.id = ?
	`
	return r.scanOne(r.db.QueryRow(query, id))
}

// ListByTicket retrieves a ticket's events in append order, starting after
// the given event id. Pass afterID 0 for the full history. This is the
// query behind both the activity API and live stream resume.
func (r *EventRepo) ListByTicket(ticketID, afterID int64, limit int) ([]*models.Event, error) {
	query := `
		SELECT e.id, e.ticket_id, e.category, e.actor_type, e.actor_id,
			e.message, e.metadata, e.created_at,
			t.key AS ticket_key
		FROM events e
		JOIN tickets t ON e.ticket_id = t.id
		WHERE e.ticket_id = ? AND e.id > ?
		ORDER BY e.id
	`
	args := []interface{}{ticketID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// List retrieves events matching the given filter, newest first.
func (r *EventRepo) List(filter EventFilter) ([]*models.Event, error) {
	query := `
		SELECT e.id, e.ticket_id, e.category, e.actor_type, e.actor_id,
			e.message, e.metadata, e.created_at,
			t.key AS ticket_key
		FROM events e
		JOIN tickets t ON e.ticket_id = t.id
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.TicketID != nil {
		query += " AND e.ticket_id = ?"
		args = append(args, *filter.TicketID)
	}
	if filter.Category != nil {
		query += " AND e.category = ?"
		args = append(args, *filter.Category)
	}
	if filter.ActorType != nil {
		query += " AND e.actor_type = ?"
		args = append(args, *filter.ActorType)
	}
	if filter.ActorID != "" {
		query += " AND e.actor_id = ?"
		args = append(args, filter.ActorID)
	}
	if filter.Since != nil {
		query += " AND e.created_at >= ?"
		args = append(args, FormatTime(*filter.Since))
	}

	query += " ORDER BY e.id DESC"

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
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// LatestID returns the id of the most recent event for a ticket, or 0 if
// the ticket has no events yet.
func (r *EventRepo) LatestID(ticketID int64) (int64, error) {
	query := `SELECT COALESCE(MAX(id), 0) FROM events WHERE ticket_id = ?`
	var id int64
	if err := r.db.QueryRow(query, ticketID).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to get latest event id: %w", err)
	}
	return id, nil
}

// CountByCategory counts events per category, optionally since a time.
func (r *EventRepo) CountByCategory(since *time.Time) (map[models.EventCategory]int, error) {
	query := `SELECT category, COUNT(*) FROM events`
	args := []interface{}{}
	if since != nil {
		query += " WHERE created_at >= ?"
		args = append(args, FormatTime(*since))
	}
	query += " GROUP BY category"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EventCategory]int)
	for rows.Next() {
		var category models.EventCategory
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[category] = count
	}
	return counts, rows.Err()
}

func (r *EventRepo) scanOne(row *sql.Row) (*models.Event, error) {
	var e models.Event
	var actorID, metadata sql.NullString

	err := row.Scan(
		&e.ID, &e.TicketID, &e.Category, &e.ActorType, &actorID,
		&e.Message, &metadata, &e.CreatedAt, &e.TicketKey,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	e.ActorID = actorID.String
	e.Metadata = metadata.String
	return &e, nil
}

func (r *EventRepo) scanMany(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var actorID, metadata sql.NullString

		err := rows.Scan(
			&e.ID, &e.TicketID, &e.Category, &e.ActorType, &actorID,
			&e.Message, &metadata, &e.CreatedAt, &e.TicketKey,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		e.ActorID = actorID.String
		e.Metadata = metadata.String
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
