package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
)

// DepHealthItem is the outcome for one ticket flagged by the sweep.
type DepHealthItem struct {
	TicketID      int64    `json:"ticket_id"`
	TicketKey     string   `json:"ticket_key"`
	Prerequisites []string `json:"prerequisites,omitempty"`
	Flagged       bool     `json:"flagged"`
	ErrorMessage  string   `json:"error,omitempty"`
}

// DepHealthResult summarizes one dependency health pass.
type DepHealthResult struct {
	Scanned int              `json:"scanned"`
	Flagged int              `json:"flagged"`
	Errors  int              `json:"errors"`
	Results []*DepHealthItem `json:"results,omitempty"`
}

// DepHealth flags tickets whose prerequisites can never complete: a
// cancelled or quarantined prerequisite leaves the dependent stuck
// behind the readiness gate with no path forward. Flagging files an
// escalation and records a failure event; the ticket itself stays put
// so a human can cancel, requeue, or rewire it.
type DepHealth struct {
	db   *sql.DB
	deps *db.DependencyRepo

	notify func(*models.Event)
}

// NewDepHealth creates a DepHealth sweep.
func NewDepHealth(database *sql.DB) *DepHealth {
	return &DepHealth{
		db:   database,
		deps: db.NewDependencyRepo(database),
	}
}

// OnEvent registers a callback invoked after each committed event append.
func (d *DepHealth) OnEvent(fn func(*models.Event)) {
	d.notify = fn
}

// Sweep runs one pass over the dependency graph.
func (d *DepHealth) Sweep() (*DepHealthResult, error) {
	result := &DepHealthResult{}

	stuck, err := d.deps.ListUnresolvable()
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolvable tickets: %w", err)
	}
	result.Scanned = len(stuck)

	for _, ticket := range stuck {
		item := d.flag(ticket)
		result.Results = append(result.Results, item)
		if item.ErrorMessage != "" {
			result.Errors++
		} else if item.Flagged {
			result.Flagged++
		}
	}

	return result, nil
}

// flag files a single escalation for a stuck ticket. Already-open
// escalations make this a no-op, so repeated sweeps stay quiet.
func (d *DepHealth) flag(ticket *models.Ticket) *DepHealthItem {
	item := &DepHealthItem{
		TicketID:  ticket.ID,
		TicketKey: ticket.Key,
	}

	prereqs, err := d.deps.GetPrerequisites(ticket.ID)
	if err != nil {
		item.ErrorMessage = fmt.Sprintf("failed to get prerequisites: %v", err)
		return item
	}
	var dead []string
	for _, pre := range prereqs {
		if pre.State == models.StateCancelled || pre.State == models.StateQuarantined {
			dead = append(dead, pre.Key)
		}
	}
	item.Prerequisites = dead

	message := fmt.Sprintf("Prerequisite %s can no longer complete", strings.Join(dead, ", "))
	ev, err := models.NewEventWithMetadata(ticket.ID, models.EventFailure,
		models.ActorSystem, "dep-health", message,
		map[string]interface{}{
			"reason":        string(models.ErrClassDependencyDead),
			"prerequisites": dead,
		})
	if err != nil {
		item.ErrorMessage = fmt.Sprintf("failed to build event: %v", err)
		return item
	}

	err = d.inTx(func(events *db.EventRepo, escalations *db.EscalationRepo) error {
		open, err := escalations.HasOpen(ticket.ID, models.EscalationDependencyDead)
		if err != nil {
			return err
		}
		if open {
			return nil
		}
		item.Flagged = true
		if err := escalations.Create(&models.Escalation{
			TicketID: ticket.ID,
			Reason:   models.EscalationDependencyDead,
			Message:  message,
		}); err != nil {
			return err
		}
		return events.Append(ev)
	})
	if err != nil {
		item.ErrorMessage = err.Error()
		item.Flagged = false
		return item
	}
	if item.Flagged {
		d.emit(ev)
	}
	return item
}

func (d *DepHealth) emit(ev *models.Event) {
	if d.notify != nil && ev != nil {
		d.notify(ev)
	}
}

// inTx runs fn inside a transaction with repositories bound to it.
func (d *DepHealth) inTx(fn func(*db.EventRepo, *db.EscalationRepo) error) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(db.NewEventRepo(tx), db.NewEscalationRepo(tx)); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RunDaemon runs the sweep every interval until the context ends. The
// first pass runs immediately. Errors are reported through callback and
// never stop the loop.
func (d *DepHealth) RunDaemon(ctx context.Context, interval time.Duration, callback func(*DepHealthResult, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if result, err := d.Sweep(); callback != nil {
		callback(result, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := d.Sweep()
			if callback != nil {
				callback(result, err)
			}
		}
	}
}
