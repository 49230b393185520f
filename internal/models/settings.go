package models

// ProjectSettings is the resolved settings bundle handed to a worker with a
// claimed ticket: project overrides merged over global defaults. Workers
// treat it as read-only for the lifetime of the claim.
type ProjectSettings struct {
	Model               string          `json:"model,omitempty"`
	ValidationLevel     ValidationLevel `json:"validation_level"`
	MaxAttempts         int             `json:"max_attempts"`
	ClaimTTLSeconds     int             `json:"claim_ttl_seconds"`
	BaseBranch          string          `json:"base_branch"`
	Persona             string          `json:"persona,omitempty"`
	PersonaInstructions string          `json:"persona_instructions,omitempty"`
}
