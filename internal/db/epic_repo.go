package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/models"
)

// EpicRepo provides database operations for epics.
type EpicRepo struct {
	db DBTX
}

// NewEpicRepo creates a new EpicRepo.
func NewEpicRepo(db DBTX) *EpicRepo {
	return &EpicRepo{db: db}
}

// Create creates a new epic. A missing key is generated.
func (r *EpicRepo) Create(e *models.Epic) error {
	if e.Key == "" {
		e.Key = common.NewEpicKey()
	}
	if e.Status == "" {
		e.Status = models.EpicStatusOpen
	}

	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid epic: %w", err)
	}

	query := `
		INSERT INTO epics (key, title, description, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	nowStr := FormatTime(now)
	result, err := r.db.Exec(query, e.Key, e.Title, nullString(e.Description), e.Status, nowStr, nowStr)
	if err != nil {
		return fmt.Errorf("failed to create epic: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get epic id: %w", err)
	}

	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

// GetByID retrieves an epic by ID.
func (r *EpicRepo) GetByID(id int64) (*models.Epic, error) {
	query := `SELECT id, key, title, description, status, created_at, updated_at FROM epics WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByKey retrieves an epic by its key.
func (r *EpicRepo) GetByKey(key string) (*models.Epic, error) {
	query := `SELECT id, key, title, description, status, created_at, updated_at FROM epics WHERE key = ?`
	return r.scanOne(r.db.QueryRow(query, key))
}

// List retrieves all epics with ticket progress, optionally restricted to
// open epics.
func (r *EpicRepo) List(openOnly bool) ([]models.EpicWithProgress, error) {
	query := `
		SELECT e.id, e.key, e.title, e.description, e.status, e.created_at, e.updated_at,
			COUNT(t.id) AS ticket_count,
			SUM(CASE WHEN t.state = 'done' THEN 1 ELSE 0 END) AS done_count
		FROM epics e
		LEFT JOIN tickets t ON t.epic_id = e.id
	`
	if openOnly {
		query += " WHERE e.status = 'open'"
	}
	query += " GROUP BY e.id ORDER BY e.created_at, e.id"

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list epics: %w", err)
	}
	defer rows.Close()

	var epics []models.EpicWithProgress
	for rows.Next() {
		var e models.EpicWithProgress
		var desc sql.NullString
		var doneCount sql.NullInt64
		err := rows.Scan(
			&e.ID, &e.Key, &e.Title, &desc, &e.Status, &e.CreatedAt, &e.UpdatedAt,
			&e.TicketCount, &doneCount,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan epic: %w", err)
		}
		e.Description = desc.String
		e.DoneCount = int(doneCount.Int64)
		if e.TicketCount > 0 {
			e.DonePct = float64(e.DoneCount) / float64(e.TicketCount) * 100
		}
		epics = append(epics, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating epics: %w", err)
	}
	return epics, nil
}

// Update updates an epic's title, description, and status.
func (r *EpicRepo) Update(e *models.Epic) error {
	if e.ID <= 0 {
		return fmt.Errorf("epic id is required")
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid epic: %w", err)
	}

	query := `UPDATE epics SET title = ?, description = ?, status = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, e.Title, nullString(e.Description), e.Status, NowRFC3339(), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update epic: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("epic not found")
	}

	return nil
}

// Delete deletes an epic by ID. Tickets keep existing; their epic link nulls.
func (r *EpicRepo) Delete(id int64) error {
	query := `DELETE FROM epics WHERE id = ?`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete epic: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("epic not found")
	}

	return nil
}

func (r *EpicRepo) scanOne(row *sql.Row) (*models.Epic, error) {
	var e models.Epic
	var desc sql.NullString
	err := row.Scan(&e.ID, &e.Key, &e.Title, &desc, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan epic: %w", err)
	}
	e.Description = desc.String
	return &e, nil
}
