package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// PersonaRepo provides database operations for personas.
type PersonaRepo struct {
	db DBTX
}

// NewPersonaRepo creates a new PersonaRepo.
func NewPersonaRepo(db DBTX) *PersonaRepo {
	return &PersonaRepo{db: db}
}

// Create creates a new persona.
func (r *PersonaRepo) Create(p *models.Persona) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid persona: %w", err)
	}

	query := `
		INSERT INTO personas (name, description, instructions, is_builtin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	nowStr := FormatTime(now)
	result, err := r.db.Exec(query, p.Name, p.Description, p.Instructions, p.IsBuiltin, nowStr, nowStr)
	if err != nil {
		return fmt.Errorf("failed to create persona: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get persona id: %w", err)
	}

	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetByID retrieves a persona by ID.
func (r *PersonaRepo) GetByID(id int64) (*models.Persona, error) {
	query := `SELECT id, name, description, instructions, is_builtin, created_at, updated_at FROM personas WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByName retrieves a persona by its name.
func (r *PersonaRepo) GetByName(name string) (*models.Persona, error) {
	query := `SELECT id, name, description, instructions, is_builtin, created_at, updated_at FROM personas WHERE name = ?`
	return r.scanOne(r.db.QueryRow(query, name))
}

// List retrieves all personas, optionally filtered by builtin status.
// If builtinFilter is nil, returns all personas.
func (r *PersonaRepo) List(builtinFilter *bool) ([]*models.Persona, error) {
	var query string
	var rows *sql.Rows
	var err error

	if builtinFilter == nil {
		query = `SELECT id, name, description, instructions, is_builtin, created_at, updated_at FROM personas ORDER BY name`
		rows, err = r.db.Query(query)
	} else {
		query = `SELECT id, name, description, instructions, is_builtin, created_at, updated_at FROM personas WHERE is_builtin = ? ORDER BY name`
		rows, err = r.db.Query(query, *builtinFilter)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update updates a persona. Built-in personas cannot be updated.
func (r *PersonaRepo) Update(p *models.Persona) error {
	if p.ID <= 0 {
		return fmt.Errorf("persona id is required")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid persona: %w", err)
	}

	existing, err := r.GetByID(p.ID)
	if err != nil {
		return fmt.Errorf("failed to get existing persona: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("persona not found")
	}
	if existing.IsBuiltin {
		return fmt.Errorf("cannot update built-in persona")
	}

	query := `UPDATE personas SET description = ?, instructions = ?, updated_at = ? WHERE id = ?`
	result, err := r.db.Exec(query, p.Description, p.Instructions, NowRFC3339(), p.ID)
	if err != nil {
		return fmt.Errorf("failed to update persona: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("persona not found")
	}

	return nil
}

// Delete deletes a persona by ID. Built-in personas cannot be deleted.
func (r *PersonaRepo) Delete(id int64) error {
	existing, err := r.GetByID(id)
	if err != nil {
		return fmt.Errorf("failed to get existing persona: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("persona not found")
	}
	if existing.IsBuiltin {
		return fmt.Errorf("cannot delete built-in persona")
	}

	query := `DELETE FROM personas WHERE id = ?`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete persona: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("persona not found")
	}

	return nil
}

// Exists checks if a persona with the given name exists.
func (r *PersonaRepo) Exists(name string) (bool, error) {
	query := `SELECT 1 FROM personas WHERE name = ? LIMIT 1`
	var exists int
	err := r.db.QueryRow(query, name).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check persona existence: %w", err)
	}
	return true, nil
}

func (r *PersonaRepo) scanOne(row *sql.Row) (*models.Persona, error) {
	var p models.Persona
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &desc, &p.Instructions, &p.IsBuiltin, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan persona: %w", err)
	}
	p.Description = desc.String
	return &p, nil
}

func (r *PersonaRepo) scanMany(rows *sql.Rows) ([]*models.Persona, error) {
	var personas []*models.Persona
	for rows.Next() {
		var p models.Persona
		var desc sql.NullString
		err := rows.Scan(&p.ID, &p.Name, &desc, &p.Instructions, &p.IsBuiltin, &p.CreatedAt, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan persona: %w", err)
		}
		p.Description = desc.String
		personas = append(personas, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating personas: %w", err)
	}
	return personas, nil
}
