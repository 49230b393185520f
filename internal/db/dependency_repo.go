package db

import (
	"database/sql"
	"fmt"

	"github.com/parallax-code/gantry/internal/models"
)

// DependencyRepo provides database operations for ticket dependencies.
// A dependency edge points from a dependent ticket to a prerequisite that
// must reach done before the dependent can be claimed.
type DependencyRepo struct {
	db DBTX
}

// NewDependencyRepo creates a new DependencyRepo.
func NewDependencyRepo(db DBTX) *DependencyRepo {
	return &DependencyRepo{db: db}
}

// Add adds a dependency from ticketID to prerequisiteID.
func (r *DependencyRepo) Add(ticketID, prerequisiteID int64) error {
	if ticketID == prerequisiteID {
		return fmt.Errorf("ticket cannot depend on itself")
	}

	// Check for circular dependency
	if circular, err := r.wouldCreateCycle(ticketID, prerequisiteID); err != nil {
		return fmt.Errorf("failed to check for circular dependency: %w", err)
	} else if circular {
		return fmt.Errorf("adding this dependency would create a circular dependency")
	}

	query := `INSERT INTO ticket_dependencies (ticket_id, prerequisite_id, created_at) VALUES (?, ?, ?)`
	_, err := r.db.Exec(query, ticketID, prerequisiteID, NowRFC3339())
	if err != nil {
		return fmt.Errorf("failed to add dependency: %w", err)
	}
	return nil
}

// Remove removes a dependency between two tickets.
func (r *DependencyRepo) Remove(ticketID, prerequisiteID int64) error {
	query := `DELETE FROM ticket_dependencies WHERE ticket_id = ? AND prerequisite_id = ?`
	result, err := r.db.Exec(query, ticketID, prerequisiteID)
	if err != nil {
		return fmt.Errorf("failed to remove dependency: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dependency not found")
	}
	return nil
}

// GetPrerequisites retrieves all tickets the given ticket depends on.
func (r *DependencyRepo) GetPrerequisites(ticketID int64) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		JOIN ticket_dependencies td ON t.id = td.prerequisite_id
		WHERE td.ticket_id = ?
		ORDER BY t.created_at, t.id
	`
	rows, err := r.db.Query(query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get prerequisites: %w", err)
	}
	defer rows.Close()

	return r.scanTickets(rows)
}

// GetDependents retrieves all tickets that depend on the given ticket.
func (r *DependencyRepo) GetDependents(ticketID int64) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		JOIN ticket_dependencies td ON t.id = td.ticket_id
		WHERE td.prerequisite_id = ?
		ORDER BY t.created_at, t.id
	`
	rows, err := r.db.Query(query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get dependents: %w", err)
	}
	defer rows.Close()

	return r.scanTickets(rows)
}

// GetUnmetPrerequisites retrieves prerequisites that have not reached done.
func (r *DependencyRepo) GetUnmetPrerequisites(ticketID int64) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		JOIN ticket_dependencies td ON t.id = td.prerequisite_id
		WHERE td.ticket_id = ? AND t.state != 'done'
		ORDER BY t.created_at, t.id
	`
	rows, err := r.db.Query(query, ticketID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unmet prerequisites: %w", err)
	}
	defer rows.Close()

	return r.scanTickets(rows)
}

// HasUnmetPrerequisites checks if a ticket has any prerequisite not yet done.
func (r *DependencyRepo) HasUnmetPrerequisites(ticketID int64) (bool, error) {
	query := `
		SELECT 1 FROM ticket_dependencies td
		JOIN tickets pre ON td.prerequisite_id = pre.id
		WHERE td.ticket_id = ? AND pre.state != 'done'
		LIMIT 1
	`
	var exists int
	err := r.db.QueryRow(query, ticketID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check prerequisites: %w", err)
	}
	return true, nil
}

// Exists checks if a dependency edge exists between two tickets.
func (r *DependencyRepo) Exists(ticketID, prerequisiteID int64) (bool, error) {
	query := `SELECT 1 FROM ticket_dependencies WHERE ticket_id = ? AND prerequisite_id = ? LIMIT 1`
	var exists int
	err := r.db.QueryRow(query, ticketID, prerequisiteID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check dependency: %w", err)
	}
	return true, nil
}

// ListUnresolvable retrieves non-terminal tickets with at least one
// cancelled or quarantined prerequisite. These can never become ready
// on their own.
func (r *DependencyRepo) ListUnresolvable() ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		WHERE t.state NOT IN ('done', 'cancelled', 'quarantined')
		AND EXISTS (
			SELECT 1 FROM ticket_dependencies td
			JOIN tickets pre ON td.prerequisite_id = pre.id
			WHERE td.ticket_id = t.id AND pre.state IN ('cancelled', 'quarantined')
		)
		ORDER BY t.created_at, t.id
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolvable tickets: %w", err)
	}
	defer rows.Close()

	return r.scanTickets(rows)
}

// wouldCreateCycle checks if adding a dependency from ticketID to
// prerequisiteID would create a cycle. This uses a recursive CTE to
// traverse the dependency graph.
func (r *DependencyRepo) wouldCreateCycle(ticketID, prerequisiteID int64) (bool, error) {
	// Check if prerequisiteID already (transitively) depends on ticketID
	query := `
		WITH RECURSIVE dep_chain(id) AS (
			SELECT prerequisite_id FROM ticket_dependencies WHERE ticket_id = ?
			UNION
			SELECT td.prerequisite_id
			FROM ticket_dependencies td
			JOIN dep_chain dc ON td.ticket_id = dc.id
		)
		SELECT 1 FROM dep_chain WHERE id = ? LIMIT 1
	`
	var exists int
	err := r.db.QueryRow(query, prerequisiteID, ticketID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountPrerequisites counts the number of prerequisites for a ticket.
func (r *DependencyRepo) CountPrerequisites(ticketID int64) (int, error) {
	query := `SELECT COUNT(*) FROM ticket_dependencies WHERE ticket_id = ?`
	var count int
	err := r.db.QueryRow(query, ticketID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count prerequisites: %w", err)
	}
	return count, nil
}

// CountDependents counts the number of tickets that depend on the given ticket.
func (r *DependencyRepo) CountDependents(ticketID int64) (int, error) {
	query := `SELECT COUNT(*) FROM ticket_dependencies WHERE prerequisite_id = ?`
	var count int
	err := r.db.QueryRow(query, ticketID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dependents: %w", err)
	}
	return count, nil
}

func (r *DependencyRepo) scanTickets(rows *sql.Rows) ([]*models.Ticket, error) {
	var tickets []*models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		tickets = append(tickets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tickets: %w", err)
	}
	return tickets, nil
}
