package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/models"
)

// TicketRepo provides database operations for tickets, including the
// claim/heartbeat/complete protocol. Every claim mutation is a single
// compare-and-set UPDATE so concurrent agents can never hold the same
// ticket.
type TicketRepo struct {
	db DBTX
}

// NewTicketRepo creates a new TicketRepo.
func NewTicketRepo(db DBTX) *TicketRepo {
	return &TicketRepo{db: db}
}

// TicketFilter defines filters for listing tickets.
type TicketFilter struct {
	ProjectID  *int64
	ProjectKey string
	EpicID     *int64
	State      *models.State
	Scope      *models.Scope
	AssigneeID string
	Limit      int
	Offset     int
}

// ticketColumns is the shared select list. Project and epic keys come from
// LEFT JOINs because both groupings are optional.
const ticketColumns = `
	t.id, t.key, t.project_id, t.epic_id, t.title, t.description,
	t.criteria, t.files_to_create, t.files_to_modify, t.scope, t.state,
	t.repo_url, t.base_branch, t.branch_name, t.model,
	t.attempts, t.max_attempts, t.last_error_class, t.review_feedback,
	t.assignee_id, t.claim_token, t.claim_expires_at, t.last_heartbeat,
	t.pr_url, t.commit_sha, t.created_at, t.updated_at, t.completed_at,
	p.key AS project_key, e.key AS epic_key`

const ticketFrom = `
	FROM tickets t
	LEFT JOIN projects p ON t.project_id = p.id
	LEFT JOIN epics e ON t.epic_id = e.id`

// claimedStates is the SQL set of states during which an agent holds a claim.
const claimedStates = `('assigned', 'in_progress', 'verifying')`

// Create creates a new ticket. Missing key, state, scope, and attempt
// budget are defaulted.
func (r *TicketRepo) Create(t *models.Ticket) error {
	if t.Key == "" {
		t.Key = common.NewTicketKey()
	}
	if t.State == "" {
		t.State = models.StateDraft
	}
	if t.Scope == "" {
		t.Scope = models.ScopeMedium
	}
	if t.MaxAttempts == 0 {
		t.MaxAttempts = 3
	}

	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid ticket: %w", err)
	}

	query := `
		INSERT INTO tickets (
			key, project_id, epic_id, title, description,
			criteria, files_to_create, files_to_modify, scope, state,
			repo_url, base_branch, branch_name, model,
			attempts, max_attempts, last_error_class, review_feedback,
			assignee_id, pr_url, commit_sha,
			created_at, updated_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()

	result, err := r.db.Exec(query,
		t.Key, nullInt64(t.ProjectID), nullInt64(t.EpicID), t.Title, nullString(t.Description),
		marshalCriteria(t.Criteria), marshalStrings(t.FilesToCreate), marshalStrings(t.FilesToModify), t.Scope, t.State,
		t.RepoURL, nullString(t.BaseBranch), nullString(t.BranchName), nullString(t.Model),
		t.Attempts, t.MaxAttempts, nullErrorClass(t.LastErrorClass), nullString(t.ReviewFeedback),
		nullString(t.AssigneeID), nullString(t.PRURL), nullString(t.CommitSHA),
		FormatTime(now), FormatTime(now), FormatTimePtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get ticket id: %w", err)
	}

	t.ID = id
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// GetByID retrieves a ticket by ID.
func (r *TicketRepo) GetByID(id int64) (*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + ` WHERE t.id = ?`
	return r.scanOne(r.db.QueryRow(query, id))
}

// GetByKey retrieves a ticket by its key (e.g., "TKT-00AB12CD").
func (r *TicketRepo) GetByKey(key string) (*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + ` WHERE t.key = ?`
	return r.scanOne(r.db.QueryRow(query, key))
}

// List retrieves tickets matching the given filter, oldest first.
func (r *TicketRepo) List(filter TicketFilter) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + ` WHERE 1=1`
	args := []interface{}{}

	if filter.ProjectID != nil {
		query += " AND t.project_id = ?"
		args = append(args, *filter.ProjectID)
	}
	if filter.ProjectKey != "" {
		query += " AND p.key = ?"
		args = append(args, filter.ProjectKey)
	}
	if filter.EpicID != nil {
		query += " AND t.epic_id = ?"
		args = append(args, *filter.EpicID)
	}
	if filter.State != nil {
		query += " AND t.state = ?"
		args = append(args, *filter.State)
	}
	if filter.Scope != nil {
		query += " AND t.scope = ?"
		args = append(args, *filter.Scope)
	}
	if filter.AssigneeID != "" {
		query += " AND t.assignee_id = ?"
		args = append(args, filter.AssigneeID)
	}

	query += " ORDER BY t.created_at, t.id"

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
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ListReady retrieves tickets eligible for claiming: state ready, attempt
// budget remaining, and every prerequisite done. Oldest first so the queue
// is FIFO.
func (r *TicketRepo) ListReady(limit int) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		WHERE t.state = 'ready'
		AND t.attempts < t.max_attempts
		AND NOT EXISTS (
			SELECT 1 FROM ticket_dependencies td
			JOIN tickets pre ON td.prerequisite_id = pre.id
			WHERE td.ticket_id = t.id
			AND pre.state != 'done'
		)
		ORDER BY t.created_at, t.id
	`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ready tickets: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// NextReady returns the oldest claimable ticket, optionally scoped to a
// project or epic and skipping the given ticket IDs. Returns nil when
// the queue is empty. Callers that lose the subsequent claim race should
// retry with the loser's ID added to excluded.
func (r *TicketRepo) NextReady(projectID, epicID *int64, excluded []int64) (*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		WHERE t.state = 'ready'
		AND t.attempts < t.max_attempts
		AND NOT EXISTS (
			SELECT 1 FROM ticket_dependencies td
			JOIN tickets pre ON td.prerequisite_id = pre.id
			WHERE td.ticket_id = t.id
			AND pre.state != 'done'
		)
	`
	args := []interface{}{}
	if projectID != nil {
		query += " AND t.project_id = ?"
		args = append(args, *projectID)
	}
	if epicID != nil {
		query += " AND t.epic_id = ?"
		args = append(args, *epicID)
	}
	if len(excluded) > 0 {
		query += " AND t.id NOT IN (?" + strings.Repeat(",?", len(excluded)-1) + ")"
		for _, id := range excluded {
			args = append(args, id)
		}
	}
	query += " ORDER BY t.created_at, t.id LIMIT 1"

	return r.scanOne(r.db.QueryRow(query, args...))
}

// Update updates a ticket's editable fields. Claim fields and attempt
// counters are managed by the protocol methods, not here.
func (r *TicketRepo) Update(t *models.Ticket) error {
	if t.ID <= 0 {
		return fmt.Errorf("ticket id is required")
	}

	query := `
		UPDATE tickets SET
			title = ?, description = ?, criteria = ?,
			files_to_create = ?, files_to_modify = ?, scope = ?,
			repo_url = ?, base_branch = ?, branch_name = ?, model = ?,
			max_attempts = ?, project_id = ?, epic_id = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.Exec(query,
		t.Title, nullString(t.Description), marshalCriteria(t.Criteria),
		marshalStrings(t.FilesToCreate), marshalStrings(t.FilesToModify), t.Scope,
		t.RepoURL, nullString(t.BaseBranch), nullString(t.BranchName), nullString(t.Model),
		t.MaxAttempts, nullInt64(t.ProjectID), nullInt64(t.EpicID), NowRFC3339(),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ticket not found")
	}

	return nil
}

// TransitionState performs a compare-and-set state change. It returns false
// if the ticket was not in the expected state.
func (r *TicketRepo) TransitionState(id int64, from, to models.State) (bool, error) {
	query := `UPDATE tickets SET state = ?, updated_at = ? WHERE id = ? AND state = ?`
	result, err := r.db.Exec(query, to, NowRFC3339(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Claim atomically assigns a ready ticket to an agent. It returns false if
// the ticket was taken by another agent first, left ready state, or has no
// attempt budget remaining.
func (r *TicketRepo) Claim(id int64, agentID, token string, expiresAt time.Time) (bool, error) {
	now := time.Now()
	query := `
		UPDATE tickets SET
			state = 'assigned', assignee_id = ?, claim_token = ?,
			claim_expires_at = ?, last_heartbeat = ?, updated_at = ?
		WHERE id = ? AND state = 'ready' AND attempts < max_attempts
	`
	result, err := r.db.Exec(query,
		agentID, token, FormatTime(expiresAt), FormatTime(now), FormatTime(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// HeartbeatByToken extends a claim. It returns false if the token no longer
// matches a live claim, which tells the agent its claim was reclaimed.
func (r *TicketRepo) HeartbeatByToken(key, token string, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE tickets SET claim_expires_at = ?, last_heartbeat = ?, updated_at = ?
		WHERE key = ? AND claim_token = ? AND state IN ` + claimedStates
	now := NowRFC3339()
	result, err := r.db.Exec(query, FormatTime(expiresAt), now, now, key, token)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// AdvanceByToken moves a claimed ticket between working states
// (assigned → in_progress → verifying → in_progress). The token must match.
func (r *TicketRepo) AdvanceByToken(key, token string, from, to models.State) (bool, error) {
	query := `
		UPDATE tickets SET state = ?, last_heartbeat = ?, updated_at = ?
		WHERE key = ? AND claim_token = ? AND state = ?
	`
	now := NowRFC3339()
	result, err := r.db.Exec(query, to, now, now, key, token, from)
	if err != nil {
		return false, fmt.Errorf("failed to advance ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CompleteByToken finishes a claimed ticket: records the PR and commit,
// spends one attempt, releases the claim, and moves to in_review.
func (r *TicketRepo) CompleteByToken(key, token, prURL, commitSHA string) (bool, error) {
	query := `
		UPDATE tickets SET
			state = 'in_review', attempts = attempts + 1,
			pr_url = ?, commit_sha = ?, last_error_class = NULL,
			claim_token = NULL, claim_expires_at = NULL, updated_at = ?
		WHERE key = ? AND claim_token = ? AND state IN ` + claimedStates
	result, err := r.db.Exec(query, prURL, commitSHA, NowRFC3339(), key, token)
	if err != nil {
		return false, fmt.Errorf("failed to complete ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// FailByToken records an agent-reported failure: spends one attempt,
// releases the claim, and moves to the given state (ready for retryable
// failures, needs_review otherwise). The assignee is cleared only when the
// ticket returns to the queue.
func (r *TicketRepo) FailByToken(key, token string, to models.State, errorClass models.ErrorClass) (bool, error) {
	query := `
		UPDATE tickets SET
			state = ?, attempts = attempts + 1, last_error_class = ?,
			claim_token = NULL, claim_expires_at = NULL, updated_at = ?,
			assignee_id = CASE WHEN ? = 'ready' THEN NULL ELSE assignee_id END
		WHERE key = ? AND claim_token = ? AND state IN ` + claimedStates
	result, err := r.db.Exec(query, to, errorClass, NowRFC3339(), to, key, token)
	if err != nil {
		return false, fmt.Errorf("failed to fail ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListExpiredClaims retrieves claimed tickets whose claim expiry has passed.
func (r *TicketRepo) ListExpiredClaims(now time.Time) ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		WHERE t.state IN ` + claimedStates + `
		AND t.claim_expires_at <= ?
		ORDER BY t.claim_expires_at
	`
	rows, err := r.db.Query(query, FormatTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// ReleaseExpired returns an expired claim to the queue, spending one
// attempt. The token and expiry are re-checked inside the UPDATE so a
// heartbeat that lands between the sweep's scan and this call wins.
func (r *TicketRepo) ReleaseExpired(id int64, token string, now time.Time) (bool, error) {
	query := `
		UPDATE tickets SET
			state = 'ready', attempts = attempts + 1, last_error_class = 'heartbeat_lost',
			assignee_id = NULL, claim_token = NULL, claim_expires_at = NULL,
			last_heartbeat = NULL, updated_at = ?
		WHERE id = ? AND claim_token = ? AND state IN ` + claimedStates + `
		AND claim_expires_at <= ?
	`
	result, err := r.db.Exec(query, FormatTime(now), id, token, FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to release expired claim: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListExhaustedReady retrieves ready tickets whose attempt budget is spent.
// These are quarantine candidates for the sweep.
func (r *TicketRepo) ListExhaustedReady() ([]*models.Ticket, error) {
	query := `SELECT` + ticketColumns + ticketFrom + `
		WHERE t.state = 'ready' AND t.attempts >= t.max_attempts
		ORDER BY t.updated_at
	`
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted tickets: %w", err)
	}
	defer rows.Close()

	return r.scanMany(rows)
}

// Quarantine moves a ready ticket with a spent attempt budget out of the
// queue. The budget is re-checked inside the UPDATE.
func (r *TicketRepo) Quarantine(id int64) (bool, error) {
	query := `
		UPDATE tickets SET state = 'quarantined', updated_at = ?
		WHERE id = ? AND state = 'ready' AND attempts >= max_attempts
	`
	result, err := r.db.Exec(query, NowRFC3339(), id)
	if err != nil {
		return false, fmt.Errorf("failed to quarantine ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Approve accepts an in_review ticket's pull request and closes the ticket.
func (r *TicketRepo) Approve(id int64) (bool, error) {
	now := NowRFC3339()
	query := `
		UPDATE tickets SET state = 'done', completed_at = ?, updated_at = ?
		WHERE id = ? AND state = 'in_review'
	`
	result, err := r.db.Exec(query, now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to approve ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RequestChanges sends an in_review ticket back to the queue with reviewer
// feedback. The attempt budget resets so the rework gets a full run.
func (r *TicketRepo) RequestChanges(id int64, feedback string) (bool, error) {
	query := `
		UPDATE tickets SET
			state = 'ready', attempts = 0, review_feedback = ?,
			last_error_class = NULL, updated_at = ?
		WHERE id = ? AND state = 'in_review'
	`
	result, err := r.db.Exec(query, feedback, NowRFC3339(), id)
	if err != nil {
		return false, fmt.Errorf("failed to request changes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Requeue returns a needs_review or quarantined ticket to the queue with a
// fresh attempt budget.
func (r *TicketRepo) Requeue(id int64, from models.State) (bool, error) {
	query := `
		UPDATE tickets SET
			state = 'ready', attempts = 0, last_error_class = NULL, updated_at = ?
		WHERE id = ? AND state = ?
	`
	result, err := r.db.Exec(query, NowRFC3339(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to requeue ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Cancel moves a ticket to cancelled and releases any claim.
func (r *TicketRepo) Cancel(id int64, from models.State) (bool, error) {
	query := `
		UPDATE tickets SET
			state = 'cancelled', claim_token = NULL, claim_expires_at = NULL,
			updated_at = ?
		WHERE id = ? AND state = ?
	`
	result, err := r.db.Exec(query, NowRFC3339(), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to cancel ticket: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// Delete deletes a ticket by ID.
func (r *TicketRepo) Delete(id int64) error {
	query := `DELETE FROM tickets WHERE id = ?`
	result, err := r.db.Exec(query, id)
	if err != nil {
		return fmt.Errorf("failed to delete ticket: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("ticket not found")
	}

	return nil
}

// CountByState counts tickets by state, optionally restricted to a project.
func (r *TicketRepo) CountByState(projectID *int64) (map[models.State]int, error) {
	query := `SELECT state, COUNT(*) FROM tickets`
	args := []interface{}{}
	if projectID != nil {
		query += " WHERE project_id = ?"
		args = append(args, *projectID)
	}
	query += " GROUP BY state"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count tickets: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.State]int)
	for rows.Next() {
		var state models.State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[state] = count
	}
	return counts, rows.Err()
}

func (r *TicketRepo) scanOne(row *sql.Row) (*models.Ticket, error) {
	t, err := scanTicket(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan ticket: %w", err)
	}
	return t, nil
}

func (r *TicketRepo) scanMany(rows *sql.Rows) ([]*models.Ticket, error) {
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

// scanTicket scans one row in ticketColumns order.
func scanTicket(scan func(dest ...interface{}) error) (*models.Ticket, error) {
	var t models.Ticket
	var desc, baseBranch, branch, model, errClass, feedback sql.NullString
	var assignee, claimToken, prURL, commitSHA, projectKey, epicKey sql.NullString
	var criteria, filesCreate, filesModify string
	var projectID, epicID sql.NullInt64
	var claimExpires, lastHeartbeat, completedAt sql.NullTime

	err := scan(
		&t.ID, &t.Key, &projectID, &epicID, &t.Title, &desc,
		&criteria, &filesCreate, &filesModify, &t.Scope, &t.State,
		&t.RepoURL, &baseBranch, &branch, &model,
		&t.Attempts, &t.MaxAttempts, &errClass, &feedback,
		&assignee, &claimToken, &claimExpires, &lastHeartbeat,
		&prURL, &commitSHA, &t.CreatedAt, &t.UpdatedAt, &completedAt,
		&projectKey, &epicKey,
	)
	if err != nil {
		return nil, err
	}

	t.Description = desc.String
	t.BaseBranch = baseBranch.String
	t.BranchName = branch.String
	t.Model = model.String
	t.ReviewFeedback = feedback.String
	t.AssigneeID = assignee.String
	t.ClaimToken = claimToken.String
	t.PRURL = prURL.String
	t.CommitSHA = commitSHA.String
	t.ProjectKey = projectKey.String
	t.EpicKey = epicKey.String
	if errClass.Valid {
		t.LastErrorClass = models.ErrorClass(errClass.String)
	}
	if projectID.Valid {
		t.ProjectID = &projectID.Int64
	}
	if epicID.Valid {
		t.EpicID = &epicID.Int64
	}
	if claimExpires.Valid {
		t.ClaimExpiresAt = &claimExpires.Time
	}
	if lastHeartbeat.Valid {
		t.LastHeartbeat = &lastHeartbeat.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal([]byte(criteria), &t.Criteria); err != nil {
		return nil, fmt.Errorf("failed to decode criteria: %w", err)
	}
	if err := json.Unmarshal([]byte(filesCreate), &t.FilesToCreate); err != nil {
		return nil, fmt.Errorf("failed to decode files_to_create: %w", err)
	}
	if err := json.Unmarshal([]byte(filesModify), &t.FilesToModify); err != nil {
		return nil, fmt.Errorf("failed to decode files_to_modify: %w", err)
	}

	return &t, nil
}

func marshalStrings(s []string) string {
	if len(s) == 0 {
		return "[]"
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func marshalCriteria(c []models.AcceptanceCriterion) string {
	if len(c) == 0 {
		return "[]"
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Helper functions for nullable types
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func nullErrorClass(e models.ErrorClass) sql.NullString {
	if e == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(e), Valid: true}
}
