package db

import (
	"database/sql"
	"fmt"
	"time"
)

// StatsRepo provides database operations for orchestrator statistics.
type StatsRepo struct {
	db DBTX
}

// NewStatsRepo creates a new StatsRepo.
func NewStatsRepo(db DBTX) *StatsRepo {
	return &StatsRepo{db: db}
}

// StatsFilter defines filters for statistics queries.
type StatsFilter struct {
	ProjectKey string
	Since      *time.Time
}

// QueueMetrics describes the current shape of the work queue.
type QueueMetrics struct {
	ReadyCount          int     `json:"ready_count"`
	ClaimedCount        int     `json:"claimed_count"`
	InReviewCount       int     `json:"in_review_count"`
	NeedsAttentionCount int     `json:"needs_attention_count"`
	OldestReadyHours    float64 `json:"oldest_ready_hours"`
}

// SuccessMetrics describes completion quality over the filtered window.
type SuccessMetrics struct {
	DoneCount         int     `json:"done_count"`
	CancelledCount    int     `json:"cancelled_count"`
	SuccessRate       float64 `json:"success_rate"`
	FirstTryCount     int     `json:"first_try_count"`
	FirstTryRate      float64 `json:"first_try_rate"`
	AvgAttemptsOnDone float64 `json:"avg_attempts_on_done"`
}

// ThroughputMetrics counts completions over recent windows.
type ThroughputMetrics struct {
	CompletedToday int `json:"completed_today"`
	CompletedWeek  int `json:"completed_week"`
	CompletedMonth int `json:"completed_month"`
}

// WIPByState is a work-in-progress count for one state.
type WIPByState struct {
	State string `json:"state"`
	Count int    `json:"count"`
}

// TrendDataPoint represents a single point in a completion trend.
type TrendDataPoint struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// GetQueueMetrics returns the current queue shape.
func (r *StatsRepo) GetQueueMetrics(filter StatsFilter) (*QueueMetrics, error) {
	where, args := r.buildFilterWhere(filter, "t")

	query := fmt.Sprintf(`
		SELECT
			SUM(CASE WHEN t.state = 'ready' THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.state IN ('assigned', 'in_progress', 'verifying') THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.state = 'in_review' THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.state IN ('needs_review', 'quarantined') THEN 1 ELSE 0 END),
			COALESCE(MAX(CASE WHEN t.state = 'ready'
				THEN (julianday('now') - julianday(t.created_at)) * 24 END), 0)
		FROM tickets t
		LEFT JOIN projects p ON t.project_id = p.id
		WHERE 1=1 %s
	`, where)

	m := &QueueMetrics{}
	var ready, claimed, inReview, attention sql.NullInt64
	var oldest sql.NullFloat64
	err := r.db.QueryRow(query, args...).Scan(&ready, &claimed, &inReview, &attention, &oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue metrics: %w", err)
	}
	m.ReadyCount = int(ready.Int64)
	m.ClaimedCount = int(claimed.Int64)
	m.InReviewCount = int(inReview.Int64)
	m.NeedsAttentionCount = int(attention.Int64)
	m.OldestReadyHours = oldest.Float64
	return m, nil
}

// GetSuccessMetrics calculates completion quality metrics.
func (r *StatsRepo) GetSuccessMetrics(filter StatsFilter) (*SuccessMetrics, error) {
	where, args := r.buildFilterWhere(filter, "t")

	query := fmt.Sprintf(`
		SELECT
			SUM(CASE WHEN t.state = 'done' THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.state = 'cancelled' THEN 1 ELSE 0 END),
			SUM(CASE WHEN t.state = 'done' AND t.attempts <= 1 THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN t.state = 'done' THEN t.attempts END), 0)
		FROM tickets t
		LEFT JOIN projects p ON t.project_id = p.id
		WHERE 1=1 %s
	`, where)

	m := &SuccessMetrics{}
	var done, cancelled, firstTry sql.NullInt64
	var avgAttempts sql.NullFloat64
	err := r.db.QueryRow(query, args...).Scan(&done, &cancelled, &firstTry, &avgAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to get success metrics: %w", err)
	}
	m.DoneCount = int(done.Int64)
	m.CancelledCount = int(cancelled.Int64)
	m.FirstTryCount = int(firstTry.Int64)
	m.AvgAttemptsOnDone = avgAttempts.Float64

	if total := m.DoneCount + m.CancelledCount; total > 0 {
		m.SuccessRate = float64(m.DoneCount) / float64(total) * 100
	}
	if m.DoneCount > 0 {
		m.FirstTryRate = float64(m.FirstTryCount) / float64(m.DoneCount) * 100
	}
	return m, nil
}

// GetThroughputMetrics counts completed tickets over recent windows.
func (r *StatsRepo) GetThroughputMetrics(filter StatsFilter) (*ThroughputMetrics, error) {
	metrics := &ThroughputMetrics{}

	projectWhere := ""
	var projectArgs []interface{}
	if filter.ProjectKey != "" {
		projectWhere = " AND p.key = ?"
		projectArgs = append(projectArgs, filter.ProjectKey)
	}

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekAgo := today.AddDate(0, 0, -7)
	monthAgo := today.AddDate(0, -1, 0)

	query := fmt.Sprintf(`
		SELECT COUNT(*)
		FROM tickets t
		LEFT JOIN projects p ON t.project_id = p.id
		WHERE t.state = 'done'
		AND t.completed_at >= ? %s
	`, projectWhere)

	args := append([]interface{}{FormatTime(today)}, projectArgs...)
	err := r.db.QueryRow(query, args...).Scan(&metrics.CompletedToday)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get today's throughput: %w", err)
	}

	args = append([]interface{}{FormatTime(weekAgo)}, projectArgs...)
	err = r.db.QueryRow(query, args...).Scan(&metrics.CompletedWeek)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get weekly throughput: %w", err)
	}

	args = append([]interface{}{FormatTime(monthAgo)}, projectArgs...)
	err = r.db.QueryRow(query, args...).Scan(&metrics.CompletedMonth)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get monthly throughput: %w", err)
	}

	return metrics, nil
}

// GetWIPByState returns current non-terminal ticket counts grouped by state.
func (r *StatsRepo) GetWIPByState(filter StatsFilter) ([]WIPByState, error) {
	where, args := r.buildFilterWhere(filter, "t")
	query := fmt.Sprintf(`
		SELECT t.state, COUNT(*)
		FROM tickets t
		LEFT JOIN projects p ON t.project_id = p.id
		WHERE t.state NOT IN ('done', 'cancelled') %s
		GROUP BY t.state
		ORDER BY COUNT(*) DESC
	`, where)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get WIP by state: %w", err)
	}
	defer rows.Close()

	var results []WIPByState
	for rows.Next() {
		var w WIPByState
		if err := rows.Scan(&w.State, &w.Count); err != nil {
			return nil, fmt.Errorf("failed to scan WIP: %w", err)
		}
		results = append(results, w)
	}
	return results, rows.Err()
}

// GetCompletionTrend returns daily completion counts for the last N days.
func (r *StatsRepo) GetCompletionTrend(filter StatsFilter, days int) ([]TrendDataPoint, error) {
	if days <= 0 {
		days = 14
	}

	projectWhere := ""
	var projectArgs []interface{}
	if filter.ProjectKey != "" {
		projectWhere = " AND p.key = ?"
		projectArgs = append(projectArgs, filter.ProjectKey)
	}

	since := time.Now().AddDate(0, 0, -days)
	query := fmt.Sprintf(`
		SELECT DATE(t.completed_at) AS day, COUNT(*)
		FROM tickets t
		LEFT JOIN projects p ON t.project_id = p.id
		WHERE t.state = 'done'
		AND t.completed_at >= ? %s
		GROUP BY day
		ORDER BY day
	`, projectWhere)

	args := append([]interface{}{FormatTime(since)}, projectArgs...)
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get completion trend: %w", err)
	}
	defer rows.Close()

	var points []TrendDataPoint
	for rows.Next() {
		var p TrendDataPoint
		if err := rows.Scan(&p.Date, &p.Count); err != nil {
			return nil, fmt.Errorf("failed to scan trend point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (r *StatsRepo) buildFilterWhere(filter StatsFilter, alias string) (string, []interface{}) {
	where := ""
	var args []interface{}

	if filter.ProjectKey != "" {
		where += " AND p.key = ?"
		args = append(args, filter.ProjectKey)
	}
	if filter.Since != nil {
		where += fmt.Sprintf(" AND %s.created_at >= ?", alias)
		args = append(args, FormatTime(*filter.Since))
	}

	return where, args
}
