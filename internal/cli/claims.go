package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/tasks"
)

// Claims command flags
var (
	claimsProject string
	claimsDryRun  bool
)

func init() {
	claimsListCmd.Flags().StringVarP(&claimsProject, "project", "p", "", "Filter by project")

	claimsExpireCmd.Flags().BoolVar(&claimsDryRun, "dry-run", false, "Report what would change without changing it")

	claimsCmd.AddCommand(claimsListCmd)
	claimsCmd.AddCommand(claimsExpireCmd)

	rootCmd.AddCommand(claimsCmd)
}

var claimsCmd = &cobra.Command{
	Use:   "claims",
	Short: "Claim monitoring commands",
	Long: `Inspect and sweep active claims. A claim is an agent's exclusive lease
on a ticket; it expires unless heartbeats extend it.`,
}

// claims list
var claimsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active claims",
	Long: `List tickets currently held by an agent (assigned, in_progress, or
verifying) with their claim expiry.

Examples:
  gantry claims list
  gantry claims list --project WEB`,
	Args: cobra.NoArgs,
	RunE: runClaimsList,
}

func runClaimsList(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	var claimed []*models.Ticket
	for _, state := range []models.State{models.StateAssigned, models.StateInProgress, models.StateVerifying} {
		tickets, err := svc.List(db.TicketFilter{
			State:      &state,
			ProjectKey: strings.ToUpper(claimsProject),
		})
		if err != nil {
			return err
		}
		claimed = append(claimed, tickets...)
	}

	if len(claimed) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No active claims.")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(claimed, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	now := time.Now()
	fmt.Printf("%-14s %-12s %-18s %-10s %s\n", "KEY", "STATE", "AGENT", "EXPIRES", "TITLE")
	fmt.Println(strings.Repeat("-", 90))
	for _, t := range claimed {
		expires := "-"
		if t.ClaimExpiresAt != nil {
			remaining := t.ClaimExpiresAt.Sub(now).Round(time.Second)
			if remaining < 0 {
				expires = "expired"
			} else {
				expires = remaining.String()
			}
		}
		fmt.Printf("%-14s %-12s %-18s %-10s %s\n",
			t.Key,
			t.State,
			truncate(t.AssigneeID, 18),
			expires,
			truncate(t.Title, 30),
		)
	}

	return nil
}

// claims expire
var claimsExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Sweep expired claims",
	Long: `Run one reclaim sweep: tickets whose claim expired return to the ready
queue with an extra attempt on the counter, and ready tickets with a
spent attempt budget are quarantined. The same sweep runs periodically
inside "gantry serve"; this command is for running it by hand.

Examples:
  gantry claims expire
  gantry claims expire --dry-run`,
	Args: cobra.NoArgs,
	RunE: runClaimsExpire,
}

func runClaimsExpire(cmd *cobra.Command, args []string) error {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	result, err := tasks.NewReclaimer(database.DB).Sweep(claimsDryRun)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	prefix := ""
	if result.DryRun {
		prefix = "[dry run] "
	}
	OutputLine("%sScanned %d, reclaimed %d, quarantined %d", prefix, result.Scanned, result.Reclaimed, result.Quarantined)
	for _, item := range result.Results {
		if item.ErrorMessage != "" {
			OutputLine("  %s: error: %s", item.TicketKey, item.ErrorMessage)
			continue
		}
		OutputLine("  %s -> %s (attempt %d/%d)", item.TicketKey, item.NewState, item.Attempts, item.MaxAttempts)
	}

	return nil
}
