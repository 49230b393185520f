package service

import (
	"database/sql"
	"strings"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/errors"
	"github.com/parallax-code/gantry/internal/models"
)

// EpicService manages thematic ticket groupings. Epic progress is derived
// from member ticket states, never stored.
type EpicService struct {
	epics   *db.EpicRepo
	tickets *db.TicketRepo
}

// NewEpicService creates an EpicService.
func NewEpicService(database *sql.DB) *EpicService {
	return &EpicService{
		epics:   db.NewEpicRepo(database),
		tickets: db.NewTicketRepo(database),
	}
}

// Create creates an epic with a generated EP- key.
func (s *EpicService) Create(title, description string) (*models.Epic, error) {
	epic := &models.Epic{
		Key:         common.NewEpicKey(),
		Title:       strings.TrimSpace(title),
		Description: description,
		Status:      models.EpicStatusOpen,
	}
	if err := epic.Validate(); err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}
	if err := s.epics.Create(epic); err != nil {
		return nil, errors.WrapStorage(err, "failed to create epic")
	}
	return epic, nil
}

// Get returns an epic by key.
func (s *EpicService) Get(key string) (*models.Epic, error) {
	normalized, err := common.NormalizeEpicKey(key)
	if err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}
	epic, err := s.epics.GetByKey(normalized)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to get epic")
	}
	if epic == nil {
		return nil, errors.NotFound("epic %s not found", normalized)
	}
	return epic, nil
}

// List returns epics with ticket progress counts.
func (s *EpicService) List(openOnly bool) ([]models.EpicWithProgress, error) {
	epics, err := s.epics.List(openOnly)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to list epics")
	}
	return epics, nil
}

// EpicDetail is an epic with its member tickets.
type EpicDetail struct {
	Epic    *models.Epic     `json:"epic"`
	Tickets []*models.Ticket `json:"tickets"`
}

// Detail returns an epic and its tickets.
func (s *EpicService) Detail(key string) (*EpicDetail, error) {
	epic, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	tickets, err := s.tickets.List(db.TicketFilter{EpicID: &epic.ID})
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to list epic tickets")
	}
	return &EpicDetail{Epic: epic, Tickets: tickets}, nil
}

// Close marks an epic closed. Member tickets are unaffected.
func (s *EpicService) Close(key string) (*models.Epic, error) {
	epic, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if epic.Status == models.EpicStatusClosed {
		return nil, errors.StateError("epic %s is already closed", epic.Key)
	}
	epic.Status = models.EpicStatusClosed
	if err := s.epics.Update(epic); err != nil {
		return nil, errors.WrapStorage(err, "failed to update epic")
	}
	return epic, nil
}
