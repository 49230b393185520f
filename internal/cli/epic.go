package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// Epic command flags
var (
	epicDescription string
	epicOpenOnly    bool
)

func init() {
	epicCreateCmd.Flags().StringVarP(&epicDescription, "description", "d", "", "Detailed description")

	epicListCmd.Flags().BoolVar(&epicOpenOnly, "open", false, "Show only open epics")

	epicCmd.AddCommand(epicCreateCmd)
	epicCmd.AddCommand(epicListCmd)
	epicCmd.AddCommand(epicShowCmd)
	epicCmd.AddCommand(epicCloseCmd)

	rootCmd.AddCommand(epicCmd)
}

var epicCmd = &cobra.Command{
	Use:   "epic",
	Short: "Epic management commands",
	Long:  `Manage epics. An epic groups related tickets and tracks their combined progress.`,
}

// openEpicService opens the database and builds the epic service over it.
// The caller must Close the returned database.
func openEpicService() (*db.DB, *service.EpicService, error) {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return nil, nil, ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	return database, service.NewEpicService(database.DB), nil
}

// epic create
var epicCreateCmd = &cobra.Command{
	Use:   "create <TITLE>",
	Short: "Create a new epic",
	Long: `Create a new epic.

Examples:
  gantry epic create "Checkout rework"
  gantry epic create "Checkout rework" -d "Replace the legacy cart flow"`,
	Args: cobra.ExactArgs(1),
	RunE: runEpicCreate,
}

func runEpicCreate(cmd *cobra.Command, args []string) error {
	database, svc, err := openEpicService()
	if err != nil {
		return err
	}
	defer database.Close()

	epic, err := svc.Create(args[0], epicDescription)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(epic, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Created: %s", epic.Key)
	OutputLine("Title: %s", epic.Title)
	return nil
}

// epic list
var epicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List epics with progress",
	Long: `List epics with their ticket counts and completion percentage.

Examples:
  gantry epic list
  gantry epic list --open`,
	Args: cobra.NoArgs,
	RunE: runEpicList,
}

func runEpicList(cmd *cobra.Command, args []string) error {
	database, svc, err := openEpicService()
	if err != nil {
		return err
	}
	defer database.Close()

	epics, err := svc.List(epicOpenOnly)
	if err != nil {
		return err
	}

	if len(epics) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No epics found.")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(epics, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-13s %-8s %-10s %s\n", "KEY", "STATUS", "PROGRESS", "TITLE")
	fmt.Println(strings.Repeat("-", 75))
	for _, e := range epics {
		fmt.Printf("%-13s %-8s %-10s %s\n",
			e.Key,
			e.Status,
			fmt.Sprintf("%d/%d", e.DoneCount, e.TicketCount),
			truncate(e.Title, 40),
		)
	}

	return nil
}

// epic show
var epicShowCmd = &cobra.Command{
	Use:   "show <EPIC>",
	Short: "Show epic details",
	Long: `Display an epic with its member tickets.

Examples:
  gantry epic show EP-1A2B3C4D`,
	Args: cobra.ExactArgs(1),
	RunE: runEpicShow,
}

func runEpicShow(cmd *cobra.Command, args []string) error {
	database, svc, err := openEpicService()
	if err != nil {
		return err
	}
	defer database.Close()

	detail, err := svc.Detail(args[0])
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(detail, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	epic := detail.Epic

	fmt.Println(strings.Repeat("=", 65))
	fmt.Printf("%s: %s\n", epic.Key, epic.Title)
	fmt.Println(strings.Repeat("=", 65))
	fmt.Println()
	fmt.Printf("Status:      %s\n", epic.Status)
	fmt.Printf("Created:     %s\n", epic.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	if epic.Description != "" {
		fmt.Println()
		fmt.Println(epic.Description)
	}

	if len(detail.Tickets) > 0 {
		done := 0
		for _, t := range detail.Tickets {
			if t.State == models.StateDone {
				done++
			}
		}
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Printf("Tickets (%d/%d done):\n", done, len(detail.Tickets))
		fmt.Println(strings.Repeat("-", 65))
		for _, t := range detail.Tickets {
			fmt.Printf("  %-14s %-12s %s\n", t.Key, t.State, truncate(t.Title, 34))
		}
	}

	return nil
}

// epic close
var epicCloseCmd = &cobra.Command{
	Use:   "close <EPIC>",
	Short: "Close an epic",
	Long: `Close an epic. Member tickets are unaffected; closing just marks the
grouping finished.

Examples:
  gantry epic close EP-1A2B3C4D`,
	Args: cobra.ExactArgs(1),
	RunE: runEpicClose,
}

func runEpicClose(cmd *cobra.Command, args []string) error {
	database, svc, err := openEpicService()
	if err != nil {
		return err
	}
	defer database.Close()

	epic, err := svc.Close(args[0])
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(epic, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("%s closed", epic.Key)
	return nil
}
