package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/service"
)

// Stats command flags
var (
	statsProject   string
	statsSince     string
	statsTrendDays int
)

func init() {
	statsCmd.Flags().StringVarP(&statsProject, "project", "p", "", "Scope stats to one project")
	statsCmd.Flags().StringVar(&statsSince, "since", "", "Filter from date (YYYY-MM-DD)")
	statsCmd.Flags().IntVar(&statsTrendDays, "trend-days", 30, "Number of days for the completion trend (1-365)")

	rootCmd.AddCommand(statsCmd)
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue and throughput statistics",
	Long: `Show the queue shape, success metrics, throughput, work in progress,
and the completion trend.

Examples:
  gantry stats
  gantry stats --project WEB
  gantry stats --since 2026-08-01`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

type statsResult struct {
	*service.Summary
	Trend     []db.TrendDataPoint `json:"completion_trend,omitempty"`
	TrendDays int                 `json:"trend_days"`
}

func runStats(cmd *cobra.Command, args []string) error {
	if statsTrendDays < 1 || statsTrendDays > 365 {
		return ErrInvalidArgs("--trend-days must be between 1 and 365")
	}

	filter := db.StatsFilter{ProjectKey: strings.ToUpper(statsProject)}
	if statsSince != "" {
		since, err := time.Parse("2006-01-02", statsSince)
		if err != nil {
			return ErrInvalidArgs("invalid --since date format (use YYYY-MM-DD)")
		}
		filter.Since = &since
	}

	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	svc := service.NewStatsService(database.DB)
	summary, err := svc.GetSummary(filter)
	if err != nil {
		return err
	}
	trend, err := svc.CompletionTrend(filter, statsTrendDays)
	if err != nil {
		return err
	}

	result := statsResult{Summary: summary, Trend: trend, TrendDays: statsTrendDays}

	if IsJSON() {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	printStats(result)
	return nil
}

func printStats(result statsResult) {
	title := "Gantry Stats"
	if result.ProjectKey != "" {
		title = fmt.Sprintf("Gantry Stats: %s", result.ProjectKey)
	}
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 65))

	fmt.Println()
	fmt.Println("Queue")
	fmt.Println(strings.Repeat("-", 30))
	if result.Queue != nil {
		fmt.Printf("  Ready:              %5d\n", result.Queue.ReadyCount)
		fmt.Printf("  Claimed:            %5d\n", result.Queue.ClaimedCount)
		fmt.Printf("  In review:          %5d\n", result.Queue.InReviewCount)
		fmt.Printf("  Needs attention:    %5d\n", result.Queue.NeedsAttentionCount)
		if result.Queue.OldestReadyHours > 0 {
			fmt.Printf("  Oldest ready:       %5.1fh\n", result.Queue.OldestReadyHours)
		}
	} else {
		fmt.Println("  No data")
	}

	fmt.Println()
	fmt.Println("Success")
	fmt.Println(strings.Repeat("-", 30))
	if result.Success != nil {
		closed := result.Success.DoneCount + result.Success.CancelledCount
		fmt.Printf("  Success rate:       %5.1f%%  (%d/%d closed)\n",
			result.Success.SuccessRate, result.Success.DoneCount, closed)
		fmt.Printf("  First-try rate:     %5.1f%%  (%d done on the first attempt)\n",
			result.Success.FirstTryRate, result.Success.FirstTryCount)
		if result.Success.AvgAttemptsOnDone > 0 {
			fmt.Printf("  Avg attempts:       %5.1f\n", result.Success.AvgAttemptsOnDone)
		}
	} else {
		fmt.Println("  No data")
	}

	fmt.Println()
	fmt.Println("Throughput")
	fmt.Println(strings.Repeat("-", 30))
	if result.Throughput != nil {
		fmt.Printf("  Today:              %5d\n", result.Throughput.CompletedToday)
		fmt.Printf("  This week:          %5d\n", result.Throughput.CompletedWeek)
		fmt.Printf("  This month:         %5d\n", result.Throughput.CompletedMonth)
	} else {
		fmt.Println("  No data")
	}

	fmt.Println()
	fmt.Println("Work in Progress")
	fmt.Println(strings.Repeat("-", 30))
	if len(result.WIP) > 0 {
		total := 0
		for _, wip := range result.WIP {
			total += wip.Count
			fmt.Printf("  %-18s %5d\n", wip.State+":", wip.Count)
		}
		fmt.Printf("  %-18s %5d\n", "Total:", total)
	} else {
		fmt.Println("  No active work")
	}

	fmt.Println()
	fmt.Println("Escalations")
	fmt.Println(strings.Repeat("-", 30))
	fmt.Printf("  Open:               %5d\n", result.OpenEscalations)

	if len(result.Trend) > 0 {
		fmt.Println()
		fmt.Printf("Completion Trend (last %d days)\n", result.TrendDays)
		fmt.Println(strings.Repeat("-", 30))
		total := 0
		for _, point := range result.Trend {
			total += point.Count
		}
		fmt.Printf("  Total completed:    %5d\n", total)
		fmt.Printf("  Days with activity: %5d\n", len(result.Trend))
		fmt.Printf("  Avg per active day: %5.1f\n", float64(total)/float64(len(result.Trend)))

		// Last few active days
		start := len(result.Trend) - 5
		if start < 0 {
			start = 0
		}
		fmt.Println()
		for _, point := range result.Trend[start:] {
			fmt.Printf("  %s  %3d  %s\n", point.Date, point.Count, strings.Repeat("#", cap60(point.Count)))
		}
	}
}

// cap60 bounds bar lengths so one busy day can't wrap the terminal.
func cap60(n int) int {
	if n > 60 {
		return 60
	}
	if n < 0 {
		return 0
	}
	return n
}
