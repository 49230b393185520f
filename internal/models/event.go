package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one append-only record in a ticket's activity history. Events
// are the authoritative history; the activity feed is a projection ordered
// by ID.
type Event struct {
	ID        int64         `json:"id"`
	TicketID  int64         `json:"ticket_id"`
	Category  EventCategory `json:"category"`
	ActorType ActorType     `json:"actor_type"`
	ActorID   string        `json:"actor_id,omitempty"`
	Message   string        `json:"message,omitempty"`
	Metadata  string        `json:"metadata,omitempty"` // JSON string
	CreatedAt time.Time     `json:"created_at"`

	// Computed fields
	TicketKey string `json:"ticket_key,omitempty"`
}

// Validate validates the event fields.
func (e *Event) Validate() error {
	if e.TicketID <= 0 {
		return fmt.Errorf("ticket_id is required")
	}
	if !e.Category.IsValid() {
		return fmt.Errorf("invalid event category: %s", e.Category)
	}
	if !e.ActorType.IsValid() {
		return fmt.Errorf("invalid actor_type: %s", e.ActorType)
	}
	return nil
}

// GetMetadata parses the JSON metadata into a map.
func (e *Event) GetMetadata() (map[string]interface{}, error) {
	if e.Metadata == "" {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

// SetMetadata sets the metadata from a map.
func (e *Event) SetMetadata(meta map[string]interface{}) error {
	if meta == nil {
		e.Metadata = ""
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	e.Metadata = string(data)
	return nil
}

// NewEvent creates an event ready for appending.
func NewEvent(ticketID int64, category EventCategory, actorType ActorType, actorID, message string) *Event {
	return &Event{
		TicketID:  ticketID,
		Category:  category,
		ActorType: actorType,
		ActorID:   actorID,
		Message:   message,
		CreatedAt: time.Now(),
	}
}

// NewEventWithMetadata creates an event carrying structured metadata.
func NewEventWithMetadata(ticketID int64, category EventCategory, actorType ActorType, actorID, message string, meta map[string]interface{}) (*Event, error) {
	ev := NewEvent(ticketID, category, actorType, actorID, message)
	if err := ev.SetMetadata(meta); err != nil {
		return nil, err
	}
	return ev, nil
}
