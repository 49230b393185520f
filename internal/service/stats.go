package service

import (
	"database/sql"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/errors"
	"github.com/parallax-code/gantry/internal/models"
)

// StatsService aggregates queue, success, and throughput metrics for the
// stats command and the admin API.
type StatsService struct {
	stats       *db.StatsRepo
	tickets     *db.TicketRepo
	escalations *db.EscalationRepo
}

// NewStatsService creates a StatsService.
func NewStatsService(database *sql.DB) *StatsService {
	return &StatsService{
		stats:       db.NewStatsRepo(database),
		tickets:     db.NewTicketRepo(database),
		escalations: db.NewEscalationRepo(database),
	}
}

// Summary bundles every stats block into one response.
type Summary struct {
	Queue           *db.QueueMetrics      `json:"queue"`
	Success         *db.SuccessMetrics    `json:"success"`
	Throughput      *db.ThroughputMetrics `json:"throughput"`
	WIP             []db.WIPByState       `json:"wip_by_state"`
	OpenEscalations int                   `json:"open_escalations"`
	ProjectKey      string                `json:"project_key,omitempty"`
}

// GetSummary returns the full stats summary, optionally scoped to one
// project.
func (s *StatsService) GetSummary(filter db.StatsFilter) (*Summary, error) {
	queue, err := s.stats.GetQueueMetrics(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load queue metrics")
	}
	success, err := s.stats.GetSuccessMetrics(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load success metrics")
	}
	throughput, err := s.stats.GetThroughputMetrics(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load throughput metrics")
	}
	wip, err := s.stats.GetWIPByState(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load WIP counts")
	}
	open, err := s.escalations.CountOpen()
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to count escalations")
	}

	return &Summary{
		Queue:           queue,
		Success:         success,
		Throughput:      throughput,
		WIP:             wip,
		OpenEscalations: open,
		ProjectKey:      filter.ProjectKey,
	}, nil
}

// CompletionTrend returns per-day completion counts for the last n days.
func (s *StatsService) CompletionTrend(filter db.StatsFilter, days int) ([]db.TrendDataPoint, error) {
	trend, err := s.stats.GetCompletionTrend(filter, days)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load completion trend")
	}
	return trend, nil
}

// StateCounts returns the number of tickets per state.
func (s *StatsService) StateCounts(projectID *int64) (map[models.State]int, error) {
	counts, err := s.tickets.CountByState(projectID)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to count tickets")
	}
	return counts, nil
}
