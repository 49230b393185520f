package service

import (
	"database/sql"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/errors"
	"github.com/parallax-code/gantry/internal/models"
)

// EscalationService surfaces and resolves the human-attention queue.
// Rows are created by the completion sink and the sweeps; this service
// only reads and resolves them.
type EscalationService struct {
	escalations *db.EscalationRepo
	tickets     *db.TicketRepo
}

// NewEscalationService creates an EscalationService.
func NewEscalationService(database *sql.DB) *EscalationService {
	return &EscalationService{
		escalations: db.NewEscalationRepo(database),
		tickets:     db.NewTicketRepo(database),
	}
}

// List returns escalations matching the filter, newest first.
func (s *EscalationService) List(filter db.EscalationFilter) ([]*models.Escalation, error) {
	items, err := s.escalations.List(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to list escalations")
	}
	return items, nil
}

// Get returns an escalation by ID.
func (s *EscalationService) Get(id int64) (*models.Escalation, error) {
	esc, err := s.escalations.GetByID(id)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to get escalation")
	}
	if esc == nil {
		return nil, errors.NotFound("escalation %d not found", id)
	}
	return esc, nil
}

// Resolve marks an escalation handled. The ticket itself is untouched;
// requeue or cancel it separately.
func (s *EscalationService) Resolve(id int64) (*models.Escalation, error) {
	esc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if esc.Resolved {
		return nil, errors.StateError("escalation %d is already resolved", id)
	}
	if err := s.escalations.Resolve(id); err != nil {
		return nil, errors.WrapStorage(err, "failed to resolve escalation")
	}
	return s.Get(id)
}

// CountOpen returns the number of unresolved escalations.
func (s *EscalationService) CountOpen() (int, error) {
	n, err := s.escalations.CountOpen()
	if err != nil {
		return 0, errors.WrapStorage(err, "failed to count escalations")
	}
	return n, nil
}
