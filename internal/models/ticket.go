package models

import (
	"fmt"
	"time"
)

// AcceptanceCriterion is one checkable requirement on a ticket. IDs are
// stable ("AC-1", "AC-2", …) so the model and the PR table can reference
// them across attempts.
type AcceptanceCriterion struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// CriterionResult is the model-reported status for one criterion.
type CriterionResult struct {
	ID        string          `json:"id"`
	Criterion string          `json:"criterion"`
	Status    CriterionStatus `json:"status"`
	Evidence  string          `json:"evidence,omitempty"`
}

// Ticket represents a unit of coding work.
type Ticket struct {
	ID  int64  `json:"id"`
	Key string `json:"key"`

	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// State (state machine)
	State State `json:"state"`

	// What to build
	Criteria      []AcceptanceCriterion `json:"acceptance_criteria"`
	FilesToCreate []string              `json:"files_to_create,omitempty"`
	FilesToModify []string              `json:"files_to_modify,omitempty"`
	Scope         Scope                 `json:"estimated_scope"`

	// Where to build it
	RepoURL    string `json:"repo_url"`
	BaseBranch string `json:"base_branch,omitempty"`
	BranchName string `json:"branch_name,omitempty"`

	// Grouping
	ProjectID *int64 `json:"project_id,omitempty"`
	EpicID    *int64 `json:"epic_id,omitempty"`

	// Per-ticket model override (rarely set; project settings usually win)
	Model string `json:"model,omitempty"`

	// Attempt tracking
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LastErrorClass ErrorClass `json:"last_error_class,omitempty"`

	// Reviewer feedback carried into the next generation prompt
	ReviewFeedback string `json:"review_feedback,omitempty"`

	// Claim fields. Token and expiry are non-null exactly while
	// State.IsClaimed(); AssigneeID persists after release for attribution.
	AssigneeID     string     `json:"assignee_id,omitempty"`
	ClaimToken     string     `json:"-"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`

	// Timestamps
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Result of a successful run
	PRURL     string `json:"pr_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`

	// Computed fields (populated by queries, not stored)
	ProjectKey string `json:"project_key,omitempty"`
	EpicKey    string `json:"epic_key,omitempty"`
}

// Validate validates the ticket fields.
func (t *Ticket) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if !t.State.IsValid() {
		return fmt.Errorf("invalid state: %s", t.State)
	}
	if t.Scope != "" && !t.Scope.IsValid() {
		return fmt.Errorf("invalid scope: %s", t.Scope)
	}
	if t.RepoURL == "" {
		return fmt.Errorf("repo_url is required")
	}
	if t.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if t.Attempts < 0 {
		return fmt.Errorf("attempts cannot be negative")
	}
	if t.LastErrorClass != "" && !t.LastErrorClass.IsValid() {
		return fmt.Errorf("invalid error class: %s", t.LastErrorClass)
	}
	for i, c := range t.Criteria {
		if c.ID == "" || c.Description == "" {
			return fmt.Errorf("criterion %d is missing id or description", i+1)
		}
	}
	return nil
}

// WellFormed reports whether the ticket may be promoted out of draft:
// it must target at least one file and carry at least one criterion.
func (t *Ticket) WellFormed() bool {
	return len(t.FilesToCreate)+len(t.FilesToModify) > 0 && len(t.Criteria) > 0
}

// IsTerminal returns true if the ticket is in a terminal state.
func (t *Ticket) IsTerminal() bool {
	return t.State.IsTerminal()
}

// IsClaimed returns true if a worker currently holds the ticket.
func (t *Ticket) IsClaimed() bool {
	return t.State.IsClaimed()
}

// ClaimExpired returns true if the ticket is claimed and the claim has
// passed its expiry.
func (t *Ticket) ClaimExpired(now time.Time) bool {
	return t.IsClaimed() && t.ClaimExpiresAt != nil && t.ClaimExpiresAt.Before(now)
}

// AttemptsExhausted returns true if the ticket has used its attempt budget.
func (t *Ticket) AttemptsExhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// Dependency represents an edge from a dependent ticket to a prerequisite
// that must reach done first.
type Dependency struct {
	TicketID       int64     `json:"ticket_id"`
	PrerequisiteID int64     `json:"prerequisite_id"`
	CreatedAt      time.Time `json:"created_at"`

	// Computed fields
	TicketKey       string `json:"ticket_key,omitempty"`
	PrerequisiteKey string `json:"prerequisite_key,omitempty"`
}

// Validate validates the dependency edge.
func (d *Dependency) Validate() error {
	if d.TicketID <= 0 {
		return fmt.Errorf("ticket_id is required")
	}
	if d.PrerequisiteID <= 0 {
		return fmt.Errorf("prerequisite_id is required")
	}
	if d.TicketID == d.PrerequisiteID {
		return fmt.Errorf("ticket cannot depend on itself")
	}
	return nil
}
