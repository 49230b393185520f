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

// Project command flags
var (
	projectName        string
	projectDescription string
	projectRepo        string
)

// Settings flags (separate so "set" can distinguish unset from empty)
var (
	projectSetName        string
	projectSetDescription string
	projectSetRepo        string
	projectSetModel       string
	projectSetValidation  string
	projectSetMaxAttempts int
	projectSetClaimTTL    int
	projectSetBase        string
	projectSetPersona     string
)

func init() {
	// project create
	projectCreateCmd.Flags().StringVarP(&projectName, "name", "n", "", "Human-readable project name (required)")
	projectCreateCmd.Flags().StringVarP(&projectDescription, "description", "d", "", "Project description")
	projectCreateCmd.Flags().StringVar(&projectRepo, "repo", "", "Default repository URL for the project's tickets")
	projectCreateCmd.MarkFlagRequired("name")

	// project set
	projectSetCmd.Flags().StringVarP(&projectSetName, "name", "n", "", "Update project name")
	projectSetCmd.Flags().StringVarP(&projectSetDescription, "description", "d", "", "Update project description")
	projectSetCmd.Flags().StringVar(&projectSetRepo, "repo", "", "Update default repository URL")
	projectSetCmd.Flags().StringVar(&projectSetModel, "model", "", "Preferred model for the project's tickets")
	projectSetCmd.Flags().StringVar(&projectSetValidation, "validation", "", "Validation level (minimal, standard, strict)")
	projectSetCmd.Flags().IntVar(&projectSetMaxAttempts, "max-attempts", 0, "Attempt budget override")
	projectSetCmd.Flags().IntVar(&projectSetClaimTTL, "claim-ttl", 0, "Claim TTL override in minutes")
	projectSetCmd.Flags().StringVar(&projectSetBase, "base", "", "Base branch override")
	projectSetCmd.Flags().StringVar(&projectSetPersona, "persona", "", "Persona for the project's tickets")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectSetCmd)

	rootCmd.AddCommand(projectCmd)
}

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Project management commands",
	Long: `Manage projects. A project groups tickets and carries the settings
agents resolve at claim time: model, validation level, attempt budget,
claim TTL, base branch, and persona.`,
}

// project create
var projectCreateCmd = &cobra.Command{
	Use:   "create <KEY>",
	Short: "Create a new project",
	Long: `Create a new project with the specified key.

The key must be 2-10 uppercase alphanumeric characters starting with a letter.

Examples:
  gantry project create WEB --name "Web Application"
  gantry project create INFRA -n "Infrastructure" --repo https://github.com/acme/infra`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectCreate,
}

func runProjectCreate(cmd *cobra.Command, args []string) error {
	key := strings.ToUpper(args[0])

	if err := models.ValidateProjectKey(key); err != nil {
		return ErrInvalidArgsWithSuggestion(
			"Project keys must be 2-10 uppercase alphanumeric characters starting with a letter (e.g., WEB, INFRA2).",
			"invalid project key: %v", err,
		)
	}

	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	repo := db.NewProjectRepo(database.DB)

	exists, err := repo.Exists(key)
	if err != nil {
		return ErrDatabase(err, "failed to check project")
	}
	if exists {
		return ErrStateErrorWithSuggestion(
			fmt.Sprintf("Use a different key, or run 'gantry project show %s' to see the existing project.", key),
			"project %s already exists", key,
		)
	}

	project := &models.Project{
		Key:         key,
		Name:        projectName,
		Description: projectDescription,
		RepoURL:     projectRepo,
	}

	if err := repo.Create(project); err != nil {
		return ErrDatabase(err, "failed to create project")
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(project, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Created project: %s", project.Key)
	OutputLine("Name: %s", project.Name)
	if project.RepoURL != "" {
		OutputLine("Repo: %s", project.RepoURL)
	}

	return nil
}

// project list
var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

func runProjectList(cmd *cobra.Command, args []string) error {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	repo := db.NewProjectRepo(database.DB)
	projects, err := repo.List()
	if err != nil {
		return ErrDatabase(err, "failed to list projects")
	}

	if len(projects) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No projects found. Create one with: gantry project create <KEY> --name <NAME>")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(projects, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("%-10s %-24s %-34s %s\n", "KEY", "NAME", "REPO", "CREATED")
	fmt.Println(strings.Repeat("-", 82))
	for _, p := range projects {
		fmt.Printf("%-10s %-24s %-34s %s\n",
			p.Key,
			truncate(p.Name, 24),
			truncate(p.RepoURL, 34),
			p.CreatedAt.Local().Format("2006-01-02"),
		)
	}

	return nil
}

// project show
var projectShowCmd = &cobra.Command{
	Use:   "show <KEY>",
	Short: "Show project details",
	Long:  `Display a project's settings and its ticket counts by state.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectShow,
}

type projectShowResult struct {
	*models.Project
	StateCounts map[models.State]int `json:"state_counts"`
}

func runProjectShow(cmd *cobra.Command, args []string) error {
	key := strings.ToUpper(args[0])

	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	repo := db.NewProjectRepo(database.DB)
	project, err := repo.GetByKey(key)
	if err != nil {
		return ErrDatabase(err, "failed to get project")
	}
	if project == nil {
		return ErrNotFoundWithSuggestion(SuggestListProjects, "project %s not found", key)
	}

	counts, err := service.NewStatsService(database.DB).StateCounts(&project.ID)
	if err != nil {
		return err
	}

	if IsJSON() {
		result := projectShowResult{Project: project, StateCounts: counts}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Project: %s\n", project.Key)
	fmt.Printf("Name: %s\n", project.Name)
	if project.Description != "" {
		fmt.Printf("Description: %s\n", project.Description)
	}
	if project.RepoURL != "" {
		fmt.Printf("Repo: %s\n", project.RepoURL)
	}
	fmt.Printf("Created: %s\n", project.CreatedAt.Local().Format("2006-01-02 15:04:05"))

	fmt.Println()
	fmt.Println("Settings (blank = global default):")
	fmt.Printf("  Model:            %s\n", orDash(project.Model))
	fmt.Printf("  Validation:       %s\n", orDash(string(project.ValidationLevel)))
	fmt.Printf("  Max attempts:     %s\n", orDashInt(project.MaxAttempts))
	fmt.Printf("  Claim TTL (min):  %s\n", orDashInt(project.ClaimTTLMinutes))
	fmt.Printf("  Base branch:      %s\n", orDash(project.BaseBranch))
	fmt.Printf("  Persona:          %s\n", orDash(project.Persona))

	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Println()
	fmt.Println("Tickets by state:")
	if total == 0 {
		fmt.Println("  none")
		return nil
	}
	// Stable order, skipping empty states
	order := []models.State{
		models.StateDraft, models.StateReady, models.StateAssigned,
		models.StateInProgress, models.StateVerifying, models.StateInReview,
		models.StateDone, models.StateNeedsReview, models.StateCancelled,
		models.StateQuarantined,
	}
	for _, state := range order {
		if counts[state] > 0 {
			fmt.Printf("  %-14s %5d\n", string(state)+":", counts[state])
		}
	}
	fmt.Printf("  %-14s %5d\n", "total:", total)

	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func orDashInt(n int) string {
	if n == 0 {
		return "-"
	}
	return fmt.Sprintf("%d", n)
}

// project set
var projectSetCmd = &cobra.Command{
	Use:   "set <KEY>",
	Short: "Update project settings",
	Long: `Update a project's claim-time settings. Only the flags you pass change;
agents pick up new settings on their next claim.

Examples:
  gantry project set WEB --model claude-opus-4-1
  gantry project set WEB --validation strict --max-attempts 5
  gantry project set WEB --persona bug-fixer --base develop`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectSet,
}

func runProjectSet(cmd *cobra.Command, args []string) error {
	key := strings.ToUpper(args[0])

	if !cmd.Flags().Changed("name") && !cmd.Flags().Changed("description") &&
		!cmd.Flags().Changed("repo") && !cmd.Flags().Changed("model") &&
		!cmd.Flags().Changed("validation") && !cmd.Flags().Changed("max-attempts") &&
		!cmd.Flags().Changed("claim-ttl") && !cmd.Flags().Changed("base") &&
		!cmd.Flags().Changed("persona") {
		return ErrInvalidArgs("nothing to update: pass at least one setting flag")
	}

	database, err := db.Open(GetDBPath())
	if err != nil {
		return ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	defer database.Close()

	repo := db.NewProjectRepo(database.DB)
	project, err := repo.GetByKey(key)
	if err != nil {
		return ErrDatabase(err, "failed to get project")
	}
	if project == nil {
		return ErrNotFoundWithSuggestion(SuggestListProjects, "project %s not found", key)
	}

	if cmd.Flags().Changed("name") {
		project.Name = projectSetName
	}
	if cmd.Flags().Changed("description") {
		project.Description = projectSetDescription
	}
	if cmd.Flags().Changed("repo") {
		project.RepoURL = projectSetRepo
	}
	if cmd.Flags().Changed("model") {
		project.Model = projectSetModel
	}
	if cmd.Flags().Changed("validation") {
		if projectSetValidation == "" {
			project.ValidationLevel = ""
		} else {
			level, err := models.ParseValidationLevel(projectSetValidation)
			if err != nil {
				return ErrInvalidArgs("%v", err)
			}
			project.ValidationLevel = level
		}
	}
	if cmd.Flags().Changed("max-attempts") {
		if projectSetMaxAttempts < 0 {
			return ErrInvalidArgs("--max-attempts cannot be negative")
		}
		project.MaxAttempts = projectSetMaxAttempts
	}
	if cmd.Flags().Changed("claim-ttl") {
		if projectSetClaimTTL < 0 {
			return ErrInvalidArgs("--claim-ttl cannot be negative")
		}
		project.ClaimTTLMinutes = projectSetClaimTTL
	}
	if cmd.Flags().Changed("base") {
		project.BaseBranch = projectSetBase
	}
	if cmd.Flags().Changed("persona") {
		if projectSetPersona != "" {
			personas := db.NewPersonaRepo(database.DB)
			exists, err := personas.Exists(projectSetPersona)
			if err != nil {
				return ErrDatabase(err, "failed to check persona")
			}
			if !exists {
				return ErrNotFoundWithSuggestion(
					"Run 'gantry persona list' to see available personas.",
					"persona %s not found", projectSetPersona,
				)
			}
		}
		project.Persona = projectSetPersona
	}

	if err := repo.Update(project); err != nil {
		return ErrDatabase(err, "failed to update project")
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(project, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Updated project: %s", project.Key)
	return nil
}
