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

// Ticket command flags
var (
	ticketDescription string
	ticketCriteria    []string
	ticketCreateFiles []string
	ticketModifyFiles []string
	ticketScope       string
	ticketRepo        string
	ticketBase        string
	ticketModel       string
	ticketMaxAttempts int
	ticketProject     string
	ticketEpic        string
	ticketDependsOn   []string
	ticketReady       bool
	ticketActor       string
	ticketState       string
	ticketLimit       int
	ticketReason      string
	ticketApprove     bool
	ticketReject      bool
	ticketFeedback    string
	ticketReviewer    string
	ticketLogAfter    int64
)

func init() {
	// ticket create
	ticketCreateCmd.Flags().StringVarP(&ticketDescription, "description", "d", "", "Detailed description")
	ticketCreateCmd.Flags().StringArrayVarP(&ticketCriteria, "criterion", "c", nil, "Acceptance criterion (repeatable)")
	ticketCreateCmd.Flags().StringArrayVar(&ticketCreateFiles, "create", nil, "File the agent must create (repeatable)")
	ticketCreateCmd.Flags().StringArrayVar(&ticketModifyFiles, "modify", nil, "File the agent must modify (repeatable)")
	ticketCreateCmd.Flags().StringVar(&ticketScope, "scope", "", "Estimated scope (small, medium, large)")
	ticketCreateCmd.Flags().StringVar(&ticketRepo, "repo", "", "Repository URL (default from project)")
	ticketCreateCmd.Flags().StringVar(&ticketBase, "base", "", "Base branch (default from project settings)")
	ticketCreateCmd.Flags().StringVar(&ticketModel, "model", "", "Model override for this ticket")
	ticketCreateCmd.Flags().IntVar(&ticketMaxAttempts, "max-attempts", 0, "Attempt budget (default from settings)")
	ticketCreateCmd.Flags().StringVarP(&ticketProject, "project", "p", "", "Project key")
	ticketCreateCmd.Flags().StringVar(&ticketEpic, "epic", "", "Epic key")
	ticketCreateCmd.Flags().StringSliceVar(&ticketDependsOn, "depends-on", nil, "Ticket keys this depends on (comma-separated)")
	ticketCreateCmd.Flags().BoolVar(&ticketReady, "ready", false, "Promote straight into the ready queue")
	ticketCreateCmd.Flags().StringVar(&ticketActor, "actor", "", "Actor recorded on the event")

	// ticket list
	ticketListCmd.Flags().StringVarP(&ticketState, "state", "s", "", "Filter by state")
	ticketListCmd.Flags().StringVarP(&ticketProject, "project", "p", "", "Filter by project")
	ticketListCmd.Flags().StringVar(&ticketEpic, "epic", "", "Filter by epic")
	ticketListCmd.Flags().StringVar(&ticketScope, "scope", "", "Filter by scope")
	ticketListCmd.Flags().IntVarP(&ticketLimit, "limit", "l", 50, "Max tickets to show")

	// ticket ready
	ticketReadyCmd.Flags().StringVar(&ticketActor, "actor", "", "Actor recorded on the event")

	// ticket cancel
	ticketCancelCmd.Flags().StringVar(&ticketReason, "reason", "", "Why the ticket is cancelled")
	ticketCancelCmd.Flags().StringVar(&ticketActor, "actor", "", "Actor recorded on the event")

	// ticket review
	ticketReviewCmd.Flags().BoolVar(&ticketApprove, "approve", false, "Approve the pull request outcome")
	ticketReviewCmd.Flags().BoolVar(&ticketReject, "request-changes", false, "Send the ticket back with feedback")
	ticketReviewCmd.Flags().StringVar(&ticketFeedback, "feedback", "", "Feedback carried into the next attempt")
	ticketReviewCmd.Flags().StringVar(&ticketReviewer, "reviewer", "", "Reviewer recorded on the event")

	// ticket log
	ticketLogCmd.Flags().IntVarP(&ticketLimit, "limit", "l", 50, "Max events to show")
	ticketLogCmd.Flags().Int64Var(&ticketLogAfter, "after", 0, "Only events with id greater than this")

	ticketCmd.AddCommand(ticketCreateCmd)
	ticketCmd.AddCommand(ticketListCmd)
	ticketCmd.AddCommand(ticketShowCmd)
	ticketCmd.AddCommand(ticketReadyCmd)
	ticketCmd.AddCommand(ticketCancelCmd)
	ticketCmd.AddCommand(ticketReviewCmd)
	ticketCmd.AddCommand(ticketLogCmd)

	rootCmd.AddCommand(ticketCmd)
}

var ticketCmd = &cobra.Command{
	Use:   "ticket",
	Short: "Ticket management commands",
	Long:  `Manage tickets. A ticket is the unit of work an agent claims: target files, acceptance criteria, and scope.`,
}

// openTicketService opens the database and builds the ticket service over
// it. The caller must Close the returned database.
func openTicketService() (*db.DB, *service.TicketService, error) {
	database, err := db.Open(GetDBPath())
	if err != nil {
		return nil, nil, ErrDatabaseWithSuggestion(err, SuggestRunInit, "failed to open database")
	}
	return database, service.NewTicketService(database.DB, GetConfig().Defaults), nil
}

// truncate shortens s to maxLen runes, marking the cut with an ellipsis.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// ticket create
var ticketCreateCmd = &cobra.Command{
	Use:   "create <TITLE>",
	Short: "Create a new ticket",
	Long: `Create a new ticket. Tickets start in draft; promote them with
"gantry ticket ready" or pass --ready when the ticket already names its
target files and acceptance criteria.

Examples:
  gantry ticket create "Add login endpoint" --project WEB \
    --create src/routes/login.js --criterion "POST /login returns a session token"
  gantry ticket create "Fix pagination off-by-one" -p WEB --modify src/db/page.js \
    -c "Last page is reachable" -c "Empty result sets render" --scope small --ready
  gantry ticket create "Extract retry helper" --repo https://github.com/acme/site \
    --modify src/http.js --create src/retry.js -c "Callers share one retry policy" \
    --depends-on TKT-1A2B3C4D`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketCreate,
}

func runTicketCreate(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	ticket, err := svc.Create(service.CreateTicketInput{
		Title:         args[0],
		Description:   ticketDescription,
		Criteria:      ticketCriteria,
		FilesToCreate: ticketCreateFiles,
		FilesToModify: ticketModifyFiles,
		Scope:         ticketScope,
		RepoURL:       ticketRepo,
		BaseBranch:    ticketBase,
		Model:         ticketModel,
		MaxAttempts:   ticketMaxAttempts,
		ProjectKey:    ticketProject,
		EpicKey:       ticketEpic,
		DependsOn:     ticketDependsOn,
		Ready:         ticketReady,
		Actor:         ticketActor,
	})
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(ticket, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Created: %s", ticket.Key)
	OutputLine("Title: %s", ticket.Title)
	OutputLine("State: %s", ticket.State)
	OutputLine("Branch: %s", ticket.BranchName)

	return nil
}

// ticket list
var ticketListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tickets with filtering",
	Long: `List tickets with optional filtering by state, project, epic, or scope.

Examples:
  gantry ticket list
  gantry ticket list --state ready
  gantry ticket list --project WEB --state in_progress
  gantry ticket list --epic EP-1A2B3C4D`,
	Args: cobra.NoArgs,
	RunE: runTicketList,
}

func runTicketList(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	filter := db.TicketFilter{
		ProjectKey: strings.ToUpper(ticketProject),
		Limit:      ticketLimit,
	}

	if ticketState != "" {
		state, err := models.ParseState(ticketState)
		if err != nil {
			return ErrInvalidArgs("%v", err)
		}
		filter.State = &state
	}

	if ticketScope != "" {
		scope, err := models.ParseScope(ticketScope)
		if err != nil {
			return ErrInvalidArgs("%v", err)
		}
		filter.Scope = &scope
	}

	if ticketEpic != "" {
		epic, err := service.NewEpicService(database.DB).Get(ticketEpic)
		if err != nil {
			return err
		}
		filter.EpicID = &epic.ID
	}

	tickets, err := svc.List(filter)
	if err != nil {
		return err
	}

	if len(tickets) == 0 {
		if IsJSON() {
			fmt.Println("[]")
			return nil
		}
		OutputLine("No tickets found.")
		return nil
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(tickets, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	// Table format
	fmt.Printf("%-14s %-12s %-8s %-9s %s\n", "KEY", "STATE", "SCOPE", "ATTEMPTS", "TITLE")
	fmt.Println(strings.Repeat("-", 84))
	for _, t := range tickets {
		fmt.Printf("%-14s %-12s %-8s %-9s %s\n",
			t.Key,
			t.State,
			t.Scope,
			fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts),
			truncate(t.Title, 38),
		)
	}

	return nil
}

// ticket show
var ticketShowCmd = &cobra.Command{
	Use:   "show <TICKET>",
	Short: "Show ticket details",
	Long: `Display detailed information about a ticket, including its acceptance
criteria, target files, dependencies, and claim status.

Examples:
  gantry ticket show TKT-1A2B3C4D`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketShow,
}

func runTicketShow(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
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

	ticket := detail.Ticket

	fmt.Println(strings.Repeat("=", 65))
	fmt.Printf("%s: %s\n", ticket.Key, ticket.Title)
	fmt.Println(strings.Repeat("=", 65))
	fmt.Println()
	fmt.Printf("State:       %s\n", ticket.State)
	if ticket.Scope != "" {
		fmt.Printf("Scope:       %s\n", ticket.Scope)
	}
	if ticket.ProjectKey != "" {
		fmt.Printf("Project:     %s\n", ticket.ProjectKey)
	}
	if ticket.EpicKey != "" {
		fmt.Printf("Epic:        %s\n", ticket.EpicKey)
	}
	fmt.Printf("Repo:        %s\n", ticket.RepoURL)
	if ticket.BaseBranch != "" {
		fmt.Printf("Base:        %s\n", ticket.BaseBranch)
	}
	if ticket.BranchName != "" {
		fmt.Printf("Branch:      %s\n", ticket.BranchName)
	}
	if ticket.Model != "" {
		fmt.Printf("Model:       %s\n", ticket.Model)
	}
	fmt.Printf("Attempts:    %d/%d\n", ticket.Attempts, ticket.MaxAttempts)
	if ticket.LastErrorClass != "" {
		fmt.Printf("Last error:  %s\n", ticket.LastErrorClass)
	}
	fmt.Println()
	fmt.Printf("Created:     %s\n", ticket.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", ticket.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if ticket.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", ticket.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}

	if ticket.State.IsClaimed() {
		fmt.Println()
		fmt.Printf("Assignee:    %s\n", ticket.AssigneeID)
		if ticket.ClaimExpiresAt != nil {
			fmt.Printf("Claim until: %s\n", ticket.ClaimExpiresAt.Local().Format("2006-01-02 15:04:05"))
		}
	}

	if ticket.PRURL != "" || ticket.CommitSHA != "" {
		fmt.Println()
		if ticket.PRURL != "" {
			fmt.Printf("PR:          %s\n", ticket.PRURL)
		}
		if ticket.CommitSHA != "" {
			fmt.Printf("Commit:      %s\n", ticket.CommitSHA)
		}
	}

	if ticket.Description != "" {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Description:")
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println(ticket.Description)
	}

	if len(ticket.Criteria) > 0 {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Acceptance criteria:")
		fmt.Println(strings.Repeat("-", 65))
		for _, c := range ticket.Criteria {
			fmt.Printf("  %-6s %s\n", c.ID, c.Description)
		}
	}

	if len(ticket.FilesToCreate)+len(ticket.FilesToModify) > 0 {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Target files:")
		fmt.Println(strings.Repeat("-", 65))
		for _, f := range ticket.FilesToCreate {
			fmt.Printf("  create %s\n", f)
		}
		for _, f := range ticket.FilesToModify {
			fmt.Printf("  modify %s\n", f)
		}
	}

	if ticket.ReviewFeedback != "" {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Review feedback:")
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println(ticket.ReviewFeedback)
	}

	if len(detail.Prerequisites) > 0 {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Depends on:")
		fmt.Println(strings.Repeat("-", 65))
		for _, dep := range detail.Prerequisites {
			mark := " "
			if dep.State == models.StateDone {
				mark = "x"
			}
			fmt.Printf("  [%s] %s %s\n", mark, dep.Key, truncate(dep.Title, 45))
		}
	}

	if len(detail.Dependents) > 0 {
		fmt.Println()
		fmt.Println(strings.Repeat("-", 65))
		fmt.Println("Blocks:")
		fmt.Println(strings.Repeat("-", 65))
		for _, dep := range detail.Dependents {
			fmt.Printf("      %s %s\n", dep.Key, truncate(dep.Title, 45))
		}
	}

	return nil
}

// ticket ready
var ticketReadyCmd = &cobra.Command{
	Use:   "ready <TICKET>",
	Short: "Promote a ticket into the ready queue",
	Long: `Promote a draft ticket into the ready queue, making it claimable once
its prerequisites are done. The ticket must name at least one target
file and one acceptance criterion.

For a ticket parked in needs_review or quarantined, ready requeues it:
the attempt counter resets and the ticket goes back to the queue.

Examples:
  gantry ticket ready TKT-1A2B3C4D`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketReady,
}

func runTicketReady(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	current, err := svc.Get(args[0])
	if err != nil {
		return err
	}

	var ticket *models.Ticket
	if current.State.NeedsAttention() {
		ticket, err = svc.Requeue(current.Key, ticketActor)
	} else {
		ticket, err = svc.MarkReady(current.Key, ticketActor)
	}
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(ticket, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("%s is %s", ticket.Key, ticket.State)
	return nil
}

// ticket cancel
var ticketCancelCmd = &cobra.Command{
	Use:   "cancel <TICKET>",
	Short: "Cancel a ticket",
	Long: `Cancel a ticket. Cancelled is terminal: the ticket never becomes
claimable again, and dependents waiting on it are flagged by the
dependency health sweep.

Examples:
  gantry ticket cancel TKT-1A2B3C4D --reason "superseded by TKT-5E6F7A8B"`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketCancel,
}

func runTicketCancel(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	ticket, err := svc.Cancel(args[0], ticketActor, ticketReason)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(ticket, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("%s cancelled", ticket.Key)
	return nil
}

// ticket review
var ticketReviewCmd = &cobra.Command{
	Use:   "review <TICKET>",
	Short: "Record a review verdict",
	Long: `Record the human verdict on a ticket in review. Approve moves the
ticket to done; request-changes sends it back to the ready queue with
the feedback carried into the next generation prompt.

Examples:
  gantry ticket review TKT-1A2B3C4D --approve
  gantry ticket review TKT-1A2B3C4D --request-changes \
    --feedback "Handle the empty cart case in checkout.js"`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketReview,
}

func runTicketReview(cmd *cobra.Command, args []string) error {
	if ticketApprove == ticketReject {
		return ErrInvalidArgs("exactly one of --approve or --request-changes is required")
	}

	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	verdict := models.VerdictApprove
	if ticketReject {
		verdict = models.VerdictRequestChanges
	}

	ticket, err := svc.Review(args[0], ticketReviewer, verdict, ticketFeedback)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(ticket, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("%s is %s", ticket.Key, ticket.State)
	return nil
}

// ticket log
var ticketLogCmd = &cobra.Command{
	Use:   "log <TICKET>",
	Short: "Show a ticket's activity log",
	Long: `Show the append-only activity log for a ticket, oldest first: state
changes, claims, generation and validation reports, git operations,
heartbeats, failures.

Examples:
  gantry ticket log TKT-1A2B3C4D
  gantry ticket log TKT-1A2B3C4D --limit 20
  gantry ticket log TKT-1A2B3C4D --after 512`,
	Args: cobra.ExactArgs(1),
	RunE: runTicketLog,
}

func runTicketLog(cmd *cobra.Command, args []string) error {
	database, svc, err := openTicketService()
	if err != nil {
		return err
	}
	defer database.Close()

	events, err := svc.Activity(args[0], ticketLogAfter, ticketLimit)
	if err != nil {
		return err
	}

	if IsJSON() {
		data, _ := json.MarshalIndent(events, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	if len(events) == 0 {
		OutputLine("No activity.")
		return nil
	}

	fmt.Printf("%-20s %-16s %-16s %s\n", "TIME", "CATEGORY", "ACTOR", "MESSAGE")
	fmt.Println(strings.Repeat("-", 100))
	for _, ev := range events {
		actor := ev.ActorID
		if actor == "" {
			actor = string(ev.ActorType)
		}
		fmt.Printf("%-20s %-16s %-16s %s\n",
			ev.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			ev.Category,
			truncate(actor, 16),
			truncate(ev.Message, 44),
		)
	}

	return nil
}
