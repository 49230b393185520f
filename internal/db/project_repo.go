package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// ProjectRepo provides database operations for projects.
type ProjectRepo struct {
	db DBTX
}

// NewProjectRepo creates a new ProjectRepo.
func NewProjectRepo(db DBTX) *ProjectRepo {
	return &ProjectRepo{db: db}
}

const projectColumns = `
	id, key, name, description, repo_url, base_branch, model,
	validation_level, max_attempts, claim_ttl_minutes, persona,
	created_at, updated_at`

// Create creates a new project.
func (r *ProjectRepo) Create(p *models.Project) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	query := `
		INSERT INTO projects (
			key, name, description, repo_url, base_branch, model,
			validation_level, max_attempts, claim_ttl_minutes, persona,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	nowStr := FormatTime(now)
	result, err := r.db.Exec(query,
		p.Key, p.Name, nullString(p.Description), nullString(p.RepoURL),
		nullString(p.BaseBranch), nullString(p.Model),
		nullString(string(p.ValidationLevel)), nullInt(p.MaxAttempts),
		nullInt(p.ClaimTTLMinutes), nullString(p.Persona),
		nowStr, nowStr,
	)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get project id: %w", err)
	}

	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// GetByID retrieves a project by ID.
func (r *ProjectRepo) GetByID(id int64) (*models.Project, error) {
	query := `SELECT` + projectColumns + ` FROM projects WHERE id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByKey retrieves a project by its key.
func (r *ProjectRepo) GetByKey(key string) (*models.Project, error) {
	query := `SELECT` + projectColumns + ` FROM projects WHERE key = ?`
	return r.scanOne(r.db.QueryRow(query, key))
}

// List retrieves all projects.
func (r *ProjectRepo) List() ([]*models.Project, error) {
	query := `SELECT` + projectColumns + ` FROM projects ORDER BY key`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Update updates a project, including its claim-time overrides.
func (r *ProjectRepo) Update(p *models.Project) error {
	if p.ID <= 0 {
		return fmt.Errorf("project id is required")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid project: %w", err)
	}

	query := `
		UPDATE projects SET
			name = ?, description = ?, repo_url = ?, base_branch = ?,
			model = ?, validation_level = ?, max_attempts = ?,
			claim_ttl_minutes = ?, persona = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		p.Name, nullString(p.Description), nullString(p.RepoURL),
		nullString(p.BaseBranch), nullString(p.Model),
		nullString(string(p.ValidationLevel)), nullInt(p.MaxAttempts),
		nullInt(p.ClaimTTLMinutes), nullString(p.Persona),
		NowRFC3339(), p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project not found")
	}

	return nil
}

// Delete deletes a project by ID.
func (r *ProjectRepo) Delete(id int64) error {
	query := `DELETE FROM projects WHERE id = ?`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("project not found")
	}

	return nil
}

// Exists checks if a project with the given key exists.
func (r *ProjectRepo) Exists(key string) (bool, error) {
	query := `SELECT 1 FROM projects WHERE key = ? LIMIT 1`
	var exists int
	err := r.db.QueryRow(query, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check project existence: %w", err)
	}
	return true, nil
}

func (r *ProjectRepo) scanOne(row *sql.Row) (*models.Project, error) {
	p, err := scanProject(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	return p, nil
}

func (r *ProjectRepo) scanMany(rows *sql.Rows) ([]*models.Project, error) {
	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating projects: %w", err)
	}
	return projects, nil
}

func scanProject(scan func(dest ...interface{}) error) (*models.Project, error) {
	var p models.Project
	var desc, repoURL, baseBranch, model, level, persona sql.NullString
	var maxAttempts, claimTTL sql.NullInt64

	err := scan(
		&p.ID, &p.Key, &p.Name, &desc, &repoURL, &baseBranch, &model,
		&level, &maxAttempts, &claimTTL, &persona,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Description = desc.String
	p.RepoURL = repoURL.String
	p.BaseBranch = baseBranch.String
	p.Model = model.String
	p.ValidationLevel = models.ValidationLevel(level.String)
	p.MaxAttempts = int(maxAttempts.Int64)
	p.ClaimTTLMinutes = int(claimTTL.Int64)
	p.Persona = persona.String
	return &p, nil
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
