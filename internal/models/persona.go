package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Persona is a named system-prompt identity applied when a worker generates
// code. Projects select a persona by name; the claim response carries the
// resolved instructions.
type Persona struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Instructions string    `json:"instructions"`
	IsBuiltin    bool      `json:"is_builtin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// personaNameRegex validates persona names (lowercase alphanumeric with hyphens, 2-50 chars).
var personaNameRegex = regexp.MustCompile(`^[a-z][a-z0-9-]{1,49}$`)

// ValidatePersonaName validates a persona name.
func ValidatePersonaName(name string) error {
	if name == "" {
		return fmt.Errorf("persona name cannot be empty")
	}
	if !personaNameRegex.MatchString(name) {
		return fmt.Errorf("persona name must be 2-50 lowercase alphanumeric characters with hyphens, starting with a letter")
	}
	if strings.Contains(name, "--") {
		return fmt.Errorf("persona name cannot contain consecutive hyphens")
	}
	return nil
}

// Validate validates the persona fields.
func (p *Persona) Validate() error {
	if err := ValidatePersonaName(p.Name); err != nil {
		return err
	}
	if p.Description == "" {
		return fmt.Errorf("persona description cannot be empty")
	}
	if p.Instructions == "" {
		return fmt.Errorf("persona instructions cannot be empty")
	}
	return nil
}
