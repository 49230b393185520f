package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/service"
)

// Escalation command flags
var (
	escalationAll   bool
	escalationLimit int
)

func init() {
	escalationListCmd.Flags().BoolVar(&escalationAll, "all", false, "Include resolved escalations")
	escalationListCmd.Flags().IntVarP(&escalationLimit, "limit", "l", 50, "Max escalations to show")

	escalationCmd.AddCommand(escalationListCmd)
	escalationCmd.AddCommand(escalationResolveCmd)

	rootCmd.AddCommand(escalationCmd)
}

var escalationCmd = &cobra.Command{
	Use:   "escalation",
	Short: "Escalation queue commands",
	Long: `Work the escalation queue. An escalation is filed when a ticket needs a
human: it was parked in needs_review or quarantined, or a prerequisite
terminated without completing.`,
}

// openEscalationService opens the database and builds the escalation
// service over it. The caller must Close the returned database.
func openEscalationService() (*db.DB, *service.EscalationService, error) {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return nil, nil, ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	return database, service.NewEscalationService(database.DB), nil
}

// escalation list
var escalationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List escalations",
	Long: `List open escalations, newest first.

Examples:
  gantry escalation list
  gantry escalation list --all`,
	Args: cobra.NoArgs,
	RunE: runEscalationList,
}

func runEscalationList(cmd *cobra.Command, args []string) error {
	database, svc, err := openEscalationService()
	if err != nil {
		return err
	}
	defer database.Close()

	escalations, err := svc.List(db.EscalationFilter{
		OpenOnly: !escalationAll,
		Limit:    escalationLimit,
	})
	if err != nil {
		return err
	}

	if len(escalations) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No escalations.")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(escalations, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-6s %-14s %-26s %-9s %s\n", "ID", "TICKET", "REASON", "STATUS", "MESSAGE")
	fmt.Println(strings.Repeat("-", 100))
	for _, e := range escalations {
		status := "open"
		if e.Resolved {
			status = "resolved"
		}
		fmt.Printf("%-6d %-14s %-26s %-9s %s\n",
			e.ID,
			e.TicketKey,
			e.Reason,
			status,
			truncate(e.Message, 40),
		)
	}

	return nil
}

// escalation resolve
var escalationResolveCmd = &cobra.Command{
	Use:   "resolve <ID>",
	Short: "Resolve an escalation",
	Long: `Mark an escalation resolved. Resolving only clears the queue entry; use
"gantry ticket ready" or "gantry ticket cancel" to move the ticket itself.

Examples:
  gantry escalation resolve 7`,
	Args: cobra.ExactArgs(1),
	RunE: runEscalationResolve,
}

func runEscalationResolve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return ErrInvalidArgs("invalid escalation id: %s", args[0])
	}

	database, svc, err := openEscalationService()
	if err != nil {
		return err
	}
	defer database.Close()

	escalation, err := svc.Resolve(id)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(escalation, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Escalation %d resolved (%s)", escalation.ID, escalation.TicketKey)
	return nil
}
