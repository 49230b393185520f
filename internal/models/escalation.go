package models

import (
	"fmt"
	"time"
)

// EscalationReason says why a ticket was surfaced for human attention.
type EscalationReason string

const (
	EscalationNeedsReview    EscalationReason = "needs_review"
	EscalationQuarantined    EscalationReason = "quarantined"
	EscalationDependencyDead EscalationReason = "dependency_unresolvable"
)

// IsValid returns true if the escalation reason is recognized.
func (r EscalationReason) IsValid() bool {
	switch r {
	case EscalationNeedsReview, EscalationQuarantined, EscalationDependencyDead:
		return true
	}
	return false
}

// Escalation is a row in the human-attention queue. Created by the
// completion sink and the sweeps; resolved manually.
type Escalation struct {
	ID         int64            `json:"id"`
	TicketID   int64            `json:"ticket_id"`
	Reason     EscalationReason `json:"reason"`
	Message    string           `json:"message,omitempty"`
	Resolved   bool             `json:"resolved"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`

	// Computed fields
	TicketKey   string `json:"ticket_key,omitempty"`
	TicketTitle string `json:"ticket_title,omitempty"`
}

// Validate validates the escalation fields.
func (e *Escalation) Validate() error {
	if e.TicketID <= 0 {
		return fmt.Errorf("ticket_id is required")
	}
	if !e.Reason.IsValid() {
		return fmt.Errorf("invalid escalation reason: %s", e.Reason)
	}
	return nil
}
