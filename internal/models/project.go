package models

import (
	"fmt"
	"regexp"
	"time"
)

// Project groups tickets and carries the per-project overrides consulted
// at claim time. Zero-valued override fields fall back to the global
// configuration.
type Project struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	// Default repository for tickets created under this project.
	RepoURL string `json:"repo_url,omitempty"`

	// Claim-time overrides; empty/zero means "use global config".
	Model           string          `json:"model,omitempty"`
	ValidationLevel ValidationLevel `json:"validation_level,omitempty"`
	MaxAttempts     int             `json:"max_attempts,omitempty"`
	ClaimTTLMinutes int             `json:"claim_ttl_minutes,omitempty"`
	BaseBranch      string          `json:"base_branch,omitempty"`
	Persona         string          `json:"persona,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// projectKeyRegex validates project keys (uppercase alphanumeric, 2-10 chars).
var projectKeyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// ValidateProjectKey validates a project key.
func ValidateProjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("project key cannot be empty")
	}
	if !projectKeyRegex.MatchString(key) {
		return fmt.Errorf("project key must be 2-10 uppercase alphanumeric characters starting with a letter")
	}
	return nil
}

// Validate validates the project fields.
func (p *Project) Validate() error {
	if err := ValidateProjectKey(p.Key); err != nil {
		return err
	}
	if p.Name == "" {
		return fmt.Errorf("project name cannot be empty")
	}
	if p.ValidationLevel != "" && !p.ValidationLevel.IsValid() {
		return fmt.Errorf("invalid validation level: %s", p.ValidationLevel)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts cannot be negative")
	}
	if p.ClaimTTLMinutes < 0 {
		return fmt.Errorf("claim_ttl_minutes cannot be negative")
	}
	return nil
}
