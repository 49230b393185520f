// Package tasks provides the background sweeps that run inside
// gantry serve: claim reclamation, quarantine, and dependency health.
package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
)

// ReclaimItem is the outcome for one ticket touched by the sweep.
type ReclaimItem struct {
	TicketID     int64  `json:"ticket_id"`
	TicketKey    string `json:"ticket_key"`
	AgentID      string `json:"agent_id,omitempty"`
	NewState     string `json:"new_state"`
	Attempts     int    `json:"attempts"`
	MaxAttempts  int    `json:"max_attempts"`
	ErrorMessage string `json:"error,omitempty"`
}

// ReclaimResult summarizes one sweep pass.
type ReclaimResult struct {
	Scanned     int            `json:"scanned"`
	Reclaimed   int            `json:"reclaimed"`
	Quarantined int            `json:"quarantined"`
	Errors      int            `json:"errors"`
	Results     []*ReclaimItem `json:"results,omitempty"`
	DryRun      bool           `json:"dry_run"`
}

// Reclaimer returns expired claims to the queue and quarantines tickets
// whose attempt budget is spent. Both steps are CAS updates, so a sweep
// racing a live worker or another sweep is harmless.
type Reclaimer struct {
	db      *sql.DB
	tickets *db.TicketRepo

	notify func(*models.Event)
}

// NewReclaimer creates a Reclaimer.
func NewReclaimer(database *sql.DB) *Reclaimer {
	return &Reclaimer{
		db:      database,
		tickets: db.NewTicketRepo(database),
	}
}

// OnEvent registers a callback invoked after each committed event append.
func (r *Reclaimer) OnEvent(fn func(*models.Event)) {
	r.notify = fn
}

func (r *Reclaimer) emit(ev *models.Event) {
	if r.notify != nil && ev != nil {
		r.notify(ev)
	}
}

// Sweep runs one full pass: reclaim expired claims, then quarantine
// exhausted ready tickets. With dryRun it reports what would change
// without touching the store.
func (r *Reclaimer) Sweep(dryRun bool) (*ReclaimResult, error) {
	result := &ReclaimResult{DryRun: dryRun}
	now := time.Now()

	expired, err := r.tickets.ListExpiredClaims(now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	result.Scanned = len(expired)

	for _, ticket := range expired {
		item := r.reclaim(ticket, now, dryRun)
		result.Results = append(result.Results, item)
		if item.ErrorMessage != "" {
			result.Errors++
		} else {
			result.Reclaimed++
		}
	}

	exhausted, err := r.tickets.ListExhaustedReady()
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted tickets: %w", err)
	}
	result.Scanned += len(exhausted)

	for _, ticket := range exhausted {
		item := r.quarantine(ticket, dryRun)
		result.Results = append(result.Results, item)
		if item.ErrorMessage != "" {
			result.Errors++
		} else {
			result.Quarantined++
		}
	}

	return result, nil
}

// reclaim returns one expired claim to the queue, spending an attempt.
func (r *Reclaimer) reclaim(ticket *models.Ticket, now time.Time, dryRun bool) *ReclaimItem {
	item := &ReclaimItem{
		TicketID:    ticket.ID,
		TicketKey:   ticket.Key,
		AgentID:     ticket.AssigneeID,
		NewState:    string(models.StateReady),
		Attempts:    ticket.Attempts + 1,
		MaxAttempts: ticket.MaxAttempts,
	}
	if dryRun {
		return item
	}

	ev, err := models.NewEventWithMetadata(ticket.ID, models.EventFailure,
		models.ActorSystem, "reclaimer",
		fmt.Sprintf("Claim expired; attempt %d lost", ticket.Attempts+1),
		map[string]interface{}{
			"reason":   string(models.ErrClassHeartbeatLost),
			"agent_id": ticket.AssigneeID,
			"attempt":  ticket.Attempts + 1,
		})
	if err != nil {
		item.ErrorMessage = fmt.Sprintf("failed to build event: %v", err)
		return item
	}

	released := false
	err = r.inTx(func(tickets *db.TicketRepo, events *db.EventRepo, _ *db.EscalationRepo) error {
		ok, err := tickets.ReleaseExpired(ticket.ID, ticket.ClaimToken, now)
		if err != nil {
			return err
		}
		released = ok
		if !ok {
			// A heartbeat landed after the scan; the claim is live again.
			return nil
		}
		return events.Append(ev)
	})
	if err != nil {
		item.ErrorMessage = err.Error()
		return item
	}
	if !released {
		item.ErrorMessage = "claim refreshed before release"
		return item
	}
	r.emit(ev)
	return item
}

// quarantine moves one exhausted ready ticket out of the queue and files
// an escalation for it.
func (r *Reclaimer) quarantine(ticket *models.Ticket, dryRun bool) *ReclaimItem {
	item := &ReclaimItem{
		TicketID:    ticket.ID,
		TicketKey:   ticket.Key,
		NewState:    string(models.StateQuarantined),
		Attempts:    ticket.Attempts,
		MaxAttempts: ticket.MaxAttempts,
	}
	if dryRun {
		return item
	}

	ev, err := models.NewEventWithMetadata(ticket.ID, models.EventFailure,
		models.ActorSystem, "reclaimer",
		fmt.Sprintf("Quarantined after %d of %d attempts", ticket.Attempts, ticket.MaxAttempts),
		map[string]interface{}{
			"attempts":     ticket.Attempts,
			"max_attempts": ticket.MaxAttempts,
		})
	if err != nil {
		item.ErrorMessage = fmt.Sprintf("failed to build event: %v", err)
		return item
	}

	moved := false
	err = r.inTx(func(tickets *db.TicketRepo, events *db.EventRepo, escalations *db.EscalationRepo) error {
		ok, err := tickets.Quarantine(ticket.ID)
		if err != nil {
			return err
		}
		moved = ok
		if !ok {
			return nil
		}
		if err := events.Append(ev); err != nil {
			return err
		}
		open, err := escalations.HasOpen(ticket.ID, models.EscalationQuarantined)
		if err != nil {
			return err
		}
		if open {
			return nil
		}
		return escalations.Create(&models.Escalation{
			TicketID: ticket.ID,
			Reason:   models.EscalationQuarantined,
			Message:  fmt.Sprintf("attempt budget spent (%d/%d)", ticket.Attempts, ticket.MaxAttempts),
		})
	})
	if err != nil {
		item.ErrorMessage = err.Error()
		return item
	}
	if !moved {
		item.ErrorMessage = "ticket left ready before quarantine"
		return item
	}
	r.emit(ev)
	return item
}

// inTx runs fn inside a transaction with repositories bound to it.
func (r *Reclaimer) inTx(fn func(*db.TicketRepo, *db.EventRepo, *db.EscalationRepo) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(db.NewTicketRepo(tx), db.NewEventRepo(tx), db.NewEscalationRepo(tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunDaemon runs the sweep every interval until the context ends. The
// first pass runs immediately. Errors are reported through callback and
// never stop the loop.
func (r *Reclaimer) RunDaemon(ctx context.Context, interval time.Duration, callback func(*ReclaimResult, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if result, err := r.Sweep(false); callback != nil {
		callback(result, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := r.Sweep(false)
			if callback != nil {
				callback(result, err)
			}
		}
	}
}
