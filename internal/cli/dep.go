package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
)

var depActor string

func init() {
	depAddCmd.Flags().StringVar(&depActor, "actor", "", "Actor recorded on the event")

	depCmd.AddCommand(depAddCmd)
	depCmd.AddCommand(depListCmd)

	rootCmd.AddCommand(depCmd)
}

var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Dependency management commands",
	Long: `Manage ticket dependencies. A ticket with unmet prerequisites sits in
ready but is skipped by claims until every prerequisite is done.`,
}

// dep add
var depAddCmd = &cobra.Command{
	Use:   "add <TICKET> <PREREQUISITE>",
	Short: "Add a dependency between tickets",
	Long: `Make TICKET depend on PREREQUISITE. The ticket is not claimable until
the prerequisite is done. Cycles are rejected.

Examples:
  gantry dep add TKT-5E6F7A8B TKT-1A2B3C4D`,
	Args: cobra.ExactArgs(2),
	RunE: runDepAdd,
}

func runDepAdd(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := svc.AddDependency(args[0], args[1], depActor); err != nil {
		return err
	}

	if IsJSON() {
		result := map[string]string{"ticket": args[0], "depends_on": args[1]}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("%s now depends on %s", strings.ToUpper(args[0]), strings.ToUpper(args[1]))
	return nil
}

// dep list
var depListCmd = &cobra.Command{
	Use:   "list <TICKET>",
	Short: "List a ticket's dependencies",
	Long: `Show what a ticket depends on and what it blocks.

Examples:
  gantry dep list TKT-5E6F7A8B`,
	Args: cobra.ExactArgs(1),
	RunE: runDepList,
}

type depListResult struct {
	Ticket        string           `json:"ticket"`
	Prerequisites []*models.Ticket `json:"prerequisites,omitempty"`
	Dependents    []*models.Ticket `json:"dependents,omitempty"`
}

func runDepList(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	ticket, err := svc.Get(args[0])
	if err != nil {
		return err
	}

	deps := db.NewDependencyRepo(database.DB)
	prereqs, err := deps.GetPrerequisites(ticket.ID)
	if err != nil {
		return ErrDatabase(err, "failed to load prerequisites")
	}
	dependents, err := deps.GetDependents(ticket.ID)
	if err != nil {
		return ErrDatabase(err, "failed to load dependents")
	}

	if IsJSON() {
		result := depListResult{Ticket: ticket.Key, Prerequisites: prereqs, Dependents: dependents}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(prereqs) == 0 && len(dependents) == 0 {
		OutputLine("%s has no dependencies.", ticket.Key)
		return nil
	}

	if len(prereqs) > 0 {
		OutputLine("%s depends on:", ticket.Key)
		for _, dep := range prereqs {
			mark := " "
			if dep.State == models.StateDone {
				mark = "x"
			}
			fmt.Printf("  [%s] %-14s %-12s %s\n", mark, dep.Key, dep.State, truncate(dep.Title, 40))
		}
	}

	if len(dependents) > 0 {
		if len(prereqs) > 0 {
			fmt.Println()
		}
		OutputLine("%s blocks:", ticket.Key)
		for _, dep := range dependents {
			fmt.Printf("      %-14s %-12s %s\n", dep.Key, dep.State, truncate(dep.Title, 40))
		}
	}

	return nil
}
