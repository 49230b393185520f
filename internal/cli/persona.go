package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/db"
)

var personaBuiltinOnly bool

func init() {
	personaListCmd.Flags().BoolVar(&personaBuiltinOnly, "builtin", false, "Show only built-in personas")

	personaCmd.AddCommand(personaListCmd)
	personaCmd.AddCommand(personaShowCmd)

	rootCmd.AddCommand(personaCmd)
}

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Persona commands",
	Long: `Inspect personas. A persona is the system-prompt identity an agent
assumes for a ticket; projects select one by name. Built-in personas
are seeded by "gantry init".`,
}

// persona list
var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	Args:  cobra.NoArgs,
	RunE:  runPersonaList,
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	var builtinFilter *bool
	if personaBuiltinOnly {
		builtinFilter = &personaBuiltinOnly
	}

	personas, err := db.NewPersonaRepo(database.DB).List(builtinFilter)
	if err != nil {
		return ErrDatabase(err, "failed to list personas")
	}

	if len(personas) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No personas found. Run 'gantry init' to seed the built-in set.")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(personas, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-16s %-8s %s\n", "NAME", "BUILTIN", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 80))
	for _, p := range personas {
		builtin := ""
		if p.IsBuiltin {
			builtin = "yes"
		}
		fmt.Printf("%-16s %-8s %s\n", p.Name, builtin, truncate(p.Description, 52))
	}

	return nil
}

// persona show
var personaShowCmd = &cobra.Command{
	Use:   "show <NAME>",
	Short: "Show a persona's instructions",
	Long: `Display a persona, including the full instruction text agents receive
as their system prompt.

Examples:
  gantry persona show implementer`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonaShow,
}

func runPersonaShow(cmd *cobra.Command, args []string) error {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	persona, err := db.NewPersonaRepo(database.DB).GetByName(args[0])
	if err != nil {
		return ErrDatabase(err, "failed to get persona")
	}
	if persona == nil {
		return ErrNotFoundWithSuggestion(
			"Run 'gantry persona list' to see available personas.",
			"persona %s not found", args[0],
		)
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(persona, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Persona: %s\n", persona.Name)
	if persona.IsBuiltin {
		fmt.Println("Builtin: yes")
	}
	fmt.Printf("Description: %s\n", persona.Description)
	fmt.Println()
	fmt.Println("Instructions:")
	fmt.Println(strings.Repeat("-", 65))
	fmt.Println(persona.Instructions)

	return nil
}
