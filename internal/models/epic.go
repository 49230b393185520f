package models

import (
	"fmt"
	"time"
)

// Epic is a thematic grouping of tickets. Tickets point at an epic; epic
// progress is derived from their states.
type Epic struct {
	ID          int64     `json:"id"`
	Key         string    `json:"key"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"` // open, closed
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Epic statuses
const (
	EpicStatusOpen   = "open"
	EpicStatusClosed = "closed"
)

// EpicWithProgress extends Epic with ticket counts.
type EpicWithProgress struct {
	Epic
	TicketCount int     `json:"ticket_count"`
	DoneCount   int     `json:"done_count"`
	DonePct     float64 `json:"done_pct"`
}

// Validate validates the epic fields.
func (e *Epic) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("epic key cannot be empty")
	}
	if e.Title == "" {
		return fmt.Errorf("epic title cannot be empty")
	}
	if e.Status != EpicStatusOpen && e.Status != EpicStatusClosed {
		return fmt.Errorf("invalid epic status: %s (must be open or closed)", e.Status)
	}
	return nil
}

// IsOpen returns true if the epic is open.
func (e *Epic) IsOpen() bool {
	return e.Status == EpicStatusOpen
}
