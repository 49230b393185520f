package cli

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/db"
	gerrors "github.com/parallax-code/gantry/internal/errors"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// testDBWithPath creates a temporary file-based database for CLI tests.
// Commands open the database themselves via --db, so unlike the service
// tests an in-memory database cannot be shared with them.
func testDBWithPath(t *testing.T) (*db.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")

	database, err := db.Open(path)
	require.NoError(t, err)
	require.NoError(t, database.Migrate())

	t.Cleanup(func() { database.Close() })
	return database, path
}

// captureOutput captures stdout and stderr during function execution.
// Commands print with fmt.Printf, so cobra's SetOut is not enough.
func captureOutput(fn func()) (string, string) {
	oldStdout := os.Stdout
	oldStderr := os.Stderr

	rOut, wOut, _ := os.Pipe()
	rErr, wErr, _ := os.Pipe()

	os.Stdout = wOut
	os.Stderr = wErr

	fn()

	wOut.Close()
	wErr.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	var wg sync.WaitGroup
	var stdout, stderr string

	wg.Add(2)
	go func() {
		defer wg.Done()
		out, _ := io.ReadAll(rOut)
		stdout = string(out)
	}()
	go func() {
		defer wg.Done()
		out, _ := io.ReadAll(rErr)
		stderr = string(out)
	}()
	wg.Wait()

	return stdout, stderr
}

// resetGlobalFlags resets all global CLI flags to their default values.
// Cobra keeps flag state between Execute calls, so every test run starts
// here. Defaults must match the init() functions that register the flags.
func resetGlobalFlags() {
	// Clear cobra's per-flag Changed markers too; commands like "project
	// set" consult Changed(), and stale bits from a previous Execute would
	// leak across tests.
	resetChangedFlags(rootCmd)

	// Root command flags
	dbPath = ""
	jsonOut = false
	quiet = false
	verbose = false
	noColor = false

	// Tests must never touch the real backup directory.
	globalConfig = config.DefaultConfig()
	globalConfig.Backup.Enabled = false

	// init flags
	initForce = false
	initPromptKey = false

	// serve flags
	serveHost = ""
	servePort = 0

	// worker flags
	workerProject = ""
	workerEpic = ""
	workerAgentID = ""
	workerOrchestrator = ""

	// project flags
	projectName = ""
	projectDescription = ""
	projectRepo = ""
	projectSetName = ""
	projectSetDescription = ""
	projectSetRepo = ""
	projectSetModel = ""
	projectSetValidation = ""
	projectSetMaxAttempts = 0
	projectSetClaimTTL = 0
	projectSetBase = ""
	projectSetPersona = ""

	// ticket flags
	ticketDescription = ""
	ticketCriteria = nil
	ticketCreateFiles = nil
	ticketModifyFiles = nil
	ticketScope = ""
	ticketRepo = ""
	ticketBase = ""
	ticketModel = ""
	ticketMaxAttempts = 0
	ticketProject = ""
	ticketEpic = ""
	ticketDependsOn = nil
	ticketReady = false
	ticketActor = ""
	ticketState = ""
	ticketLimit = 50
	ticketReason = ""
	ticketApprove = false
	ticketReject = false
	ticketFeedback = ""
	ticketReviewer = ""
	ticketLogAfter = 0

	// dep flags
	depActor = ""

	// epic flags
	epicDescription = ""
	epicOpenOnly = false

	// escalation flags
	escalationAll = false
	escalationLimit = 50

	// claims flags
	claimsProject = ""
	claimsDryRun = false

	// stats flags
	statsProject = ""
	statsSince = ""
	statsTrendDays = 30

	// persona flags
	personaBuiltinOnly = false
}

// resetChangedFlags recursively clears the Changed state cobra records on
// every flag of cmd and its subcommands after a parse.
func resetChangedFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	cmd.PersistentFlags().VisitAll(func(f *pflag.Flag) { f.Changed = false })
	for _, sub := range cmd.Commands() {
		resetChangedFlags(sub)
	}
}

// runCmd executes a command with the given args against the test database
// and returns captured stdout and the execution error.
func runCmd(t *testing.T, testDBPath string, args ...string) (string, error) {
	t.Helper()
	resetGlobalFlags()

	fullArgs := append([]string{"--db", testDBPath}, args...)
	rootCmd.SetArgs(fullArgs)

	var execErr error
	stdout, _ := captureOutput(func() {
		execErr = rootCmd.Execute()
	})

	return stdout, execErr
}

// runCmdJSON executes a command with --json and unmarshals the result.
func runCmdJSON(t *testing.T, testDBPath string, result interface{}, args ...string) error {
	t.Helper()
	resetGlobalFlags()

	fullArgs := append([]string{"--db", testDBPath, "--json"}, args...)
	rootCmd.SetArgs(fullArgs)

	var execErr error
	stdout, _ := captureOutput(func() {
		execErr = rootCmd.Execute()
	})

	if execErr != nil {
		return execErr
	}
	if result != nil && stdout != "" {
		return json.Unmarshal([]byte(stdout), result)
	}
	return nil
}

// createTicket creates a ticket through the CLI and returns it. Keys are
// generated server-side, so tests capture them from the JSON output.
func createTicket(t *testing.T, testDBPath string, args ...string) *models.Ticket {
	t.Helper()
	var ticket models.Ticket
	fullArgs := append([]string{"ticket", "create"}, args...)
	err := runCmdJSON(t, testDBPath, &ticket, fullArgs...)
	require.NoError(t, err)
	require.NotEmpty(t, ticket.Key)
	return &ticket
}

// createReadyTicket creates a well-formed ticket that starts in ready.
func createReadyTicket(t *testing.T, testDBPath, title string) *models.Ticket {
	t.Helper()
	return createTicket(t, testDBPath, title,
		"--create", "internal/feature.go",
		"--criterion", "feature compiles and is covered by a test",
		"--repo", "https://github.com/acme/site",
		"--ready")
}

// ticketSvc builds a ticket service over the shared test database so tests
// can drive the worker protocol (claim, complete) that has no CLI verb.
func ticketSvc(database *db.DB) *service.TicketService {
	return service.NewTicketService(database.DB, config.DefaultConfig().Defaults)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		s      string
		maxLen int
		want   string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a longer string", 10, "this is..."},
		{"ab", 3, "ab"},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.s, tt.maxLen))
		})
	}
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid args", ErrInvalidArgs("bad flag"), ExitInvalidArgs},
		{"not found", ErrNotFound("no such thing"), ExitNotFound},
		{"state error", ErrStateError("wrong state"), ExitStateError},
		{"database", ErrDatabase(nil, "boom"), ExitDBError},
		{"stale claim", ErrStaleClaim("expired"), ExitStaleClaim},
		{"general", ErrGeneral("oops"), ExitGeneralError},
		{"plain error", assert.AnError, ExitGeneralError},
		{"domain invalid args", gerrors.InvalidArgs("bad"), ExitInvalidArgs},
		{"domain not found", gerrors.NotFound("gone"), ExitNotFound},
		{"domain state error", gerrors.StateError("stuck"), ExitStateError},
		{"domain storage", gerrors.Storage("io"), ExitDBError},
		{"domain stale claim", gerrors.StaleClaim("lost"), ExitStaleClaim},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestFormatErrorMessage(t *testing.T) {
	err := ErrNotFoundWithSuggestion(SuggestListTickets, "ticket TKT-1A2B3C4D not found")
	msg := FormatErrorMessage(err)
	assert.Contains(t, msg, "ticket TKT-1A2B3C4D not found")
	assert.Contains(t, msg, "Suggestion:")

	plain := FormatErrorMessage(assert.AnError)
	assert.NotContains(t, plain, "Suggestion:")
}

// =============================================================================
// version
// =============================================================================

func TestCmdVersion(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "gantry")
	assert.Contains(t, output, "Go: go")
}

func TestCmdVersionJSON(t *testing.T) {
	_, path := testDBWithPath(t)

	var result map[string]interface{}
	err := runCmdJSON(t, path, &result, "version")
	require.NoError(t, err)
	assert.Contains(t, result, "version")
	assert.Contains(t, result, "platform")
}

// =============================================================================
// init
// =============================================================================

func TestCmdInit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "gantry.db")

	output, err := runCmd(t, path, "init")
	require.NoError(t, err)
	assert.Contains(t, output, "Initialized gantry database at")
	assert.Contains(t, output, "Schema version:")
	assert.Contains(t, output, "built-in personas")
	assert.True(t, db.Exists(path))

	// A sample config lands next to the database directory under $HOME.
	_, statErr := os.Stat(config.DefaultConfigPath())
	assert.NoError(t, statErr)
}

func TestCmdInitExistingDatabase(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "init")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Contains(t, err.Error(), "--force")
}

func TestCmdInitForce(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	database, path := testDBWithPath(t)

	// Plant a row, then re-init and verify it is gone.
	repo := db.NewProjectRepo(database.DB)
	require.NoError(t, repo.Create(&models.Project{Key: "DOOMED", Name: "Doomed"}))
	database.Close()

	output, err := runCmd(t, path, "init", "--force")
	require.NoError(t, err)
	assert.Contains(t, output, "Initialized gantry database at")

	fresh, err := db.Open(path)
	require.NoError(t, err)
	defer fresh.Close()
	project, err := db.NewProjectRepo(fresh.DB).GetByKey("DOOMED")
	require.NoError(t, err)
	assert.Nil(t, project)
}

func TestCmdInitJSON(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "gantry.db")

	var result initResult
	err := runCmdJSON(t, path, &result, "init")
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, len(db.DefaultPersonas), result.Personas)
	assert.NotZero(t, result.Schema)
	assert.True(t, result.ConfigCreated)
}

// =============================================================================
// project
// =============================================================================

func TestCmdProjectCreate(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "project", "create", "WEBAPP", "--name", "Web Application")
	require.NoError(t, err)
	assert.Contains(t, output, "Created project: WEBAPP")
	assert.Contains(t, output, "Name: Web Application")
}

func TestCmdProjectCreateJSON(t *testing.T) {
	_, path := testDBWithPath(t)

	var result models.Project
	err := runCmdJSON(t, path, &result, "project", "create", "acme",
		"--name", "Acme", "--repo", "https://github.com/acme/site")
	require.NoError(t, err)
	assert.Equal(t, "ACME", result.Key, "keys are stored upper-case")
	assert.Equal(t, "https://github.com/acme/site", result.RepoURL)
}

func TestCmdProjectCreateDuplicate(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "project", "create", "DUPE", "--name", "First")
	require.NoError(t, err)

	_, err = runCmd(t, path, "project", "create", "DUPE", "--name", "Second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdProjectCreateInvalidKey(t *testing.T) {
	_, path := testDBWithPath(t)

	tests := []struct {
		name string
		key  string
	}{
		{"too short", "A"},
		{"too long", "ABCDEFGHIJK"},
		{"starts with number", "1ABC"},
		{"special chars", "AB-CD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runCmd(t, path, "project", "create", tt.key, "--name", "Test")
			require.Error(t, err)
			assert.Equal(t, ExitInvalidArgs, ExitCode(err))
		})
	}
}

func TestCmdProjectList(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "project", "create", "ALPHA", "--name", "Alpha Project")
	require.NoError(t, err)
	_, err = runCmd(t, path, "project", "create", "BETA", "--name", "Beta Project")
	require.NoError(t, err)

	output, err := runCmd(t, path, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "ALPHA")
	assert.Contains(t, output, "BETA")
	assert.Contains(t, output, "Alpha Project")
}

func TestCmdProjectListEmpty(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "project", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No projects found")
}

func TestCmdProjectShow(t *testing.T) {
	_, path := testDBWithPath(t)

	_, _ = runCmd(t, path, "project", "create", "SHOW", "--name", "Show Test", "--description", "Testing show")
	createTicket(t, path, "Dummy ticket", "--project", "SHOW")

	output, err := runCmd(t, path, "project", "show", "SHOW")
	require.NoError(t, err)
	assert.Contains(t, output, "Project: SHOW")
	assert.Contains(t, output, "Name: Show Test")
	assert.Contains(t, output, "Testing show")
	assert.Contains(t, output, "Tickets by state:")
	assert.Contains(t, output, "draft")
}

func TestCmdProjectShowNotFound(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "project", "show", "NOPE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestCmdProjectSet(t *testing.T) {
	database, path := testDBWithPath(t)
	require.NoError(t, db.SeedDefaultPersonas(database.DB))

	_, _ = runCmd(t, path, "project", "create", "TUNE", "--name", "Tunable")

	output, err := runCmd(t, path, "project", "set", "TUNE",
		"--model", "claude-opus-4-1",
		"--max-attempts", "5",
		"--persona", "bug-fixer")
	require.NoError(t, err)
	assert.Contains(t, output, "Updated project: TUNE")

	showOutput, err := runCmd(t, path, "project", "show", "TUNE")
	require.NoError(t, err)
	assert.Contains(t, showOutput, "claude-opus-4-1")
	assert.Contains(t, showOutput, "bug-fixer")
}

func TestCmdProjectSetNoFlags(t *testing.T) {
	_, path := testDBWithPath(t)

	_, _ = runCmd(t, path, "project", "create", "NOOP", "--name", "No-op")

	_, err := runCmd(t, path, "project", "set", "NOOP")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to update")
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

func TestCmdProjectSetUnknownPersona(t *testing.T) {
	_, path := testDBWithPath(t)

	_, _ = runCmd(t, path, "project", "create", "PERS", "--name", "Persona")

	_, err := runCmd(t, path, "project", "set", "PERS", "--persona", "ghostwriter")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

// =============================================================================
// ticket
// =============================================================================

func TestCmdTicketCreate(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "ticket", "create", "Add login page")
	require.NoError(t, err)
	assert.Contains(t, output, "Created: TKT-")
	assert.Contains(t, output, "Title: Add login page")
	assert.Contains(t, output, "State: draft")
}

func TestCmdTicketCreateReady(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "Implement rate limiter")
	assert.Equal(t, models.StateReady, ticket.State)
	assert.Len(t, ticket.Criteria, 1)
	assert.Equal(t, "AC-1", ticket.Criteria[0].ID)
	assert.Contains(t, ticket.BranchName, strings.ToLower(ticket.Key))
}

func TestCmdTicketCreateReadyNotWellFormed(t *testing.T) {
	_, path := testDBWithPath(t)

	// --ready without target files or criteria must be rejected.
	_, err := runCmd(t, path, "ticket", "create", "Vague wish", "--ready")
	require.Error(t, err)
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdTicketCreateUnknownProject(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "ticket", "create", "Orphan", "--project", "NOEXIST")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestCmdTicketCreateInheritsProjectRepo(t *testing.T) {
	_, path := testDBWithPath(t)

	_, _ = runCmd(t, path, "project", "create", "INH", "--name", "Inherit",
		"--repo", "https://github.com/acme/inherit")

	ticket := createTicket(t, path, "Inherited repo", "--project", "INH")
	assert.Equal(t, "https://github.com/acme/inherit", ticket.RepoURL)
	assert.Equal(t, "INH", ticket.ProjectKey)
}

func TestCmdTicketList(t *testing.T) {
	_, path := testDBWithPath(t)

	first := createTicket(t, path, "Ticket One")
	second := createReadyTicket(t, path, "Ticket Two")

	output, err := runCmd(t, path, "ticket", "list")
	require.NoError(t, err)
	assert.Contains(t, output, first.Key)
	assert.Contains(t, output, second.Key)
	assert.Contains(t, output, "Ticket One")
}

func TestCmdTicketListStateFilter(t *testing.T) {
	_, path := testDBWithPath(t)

	draft := createTicket(t, path, "Still a draft")
	ready := createReadyTicket(t, path, "Ready to claim")

	output, err := runCmd(t, path, "ticket", "list", "--state", "ready")
	require.NoError(t, err)
	assert.Contains(t, output, ready.Key)
	assert.NotContains(t, output, draft.Key)
}

func TestCmdTicketListInvalidState(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "ticket", "list", "--state", "sleeping")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

func TestCmdTicketListEmpty(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "ticket", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No tickets found")
}

func TestCmdTicketListJSON(t *testing.T) {
	_, path := testDBWithPath(t)

	createTicket(t, path, "JSON Ticket 1")
	createTicket(t, path, "JSON Ticket 2")

	var result []*models.Ticket
	err := runCmdJSON(t, path, &result, "ticket", "list")
	require.NoError(t, err)
	assert.Len(t, result, 2)
}

func TestCmdTicketShow(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Detail Ticket",
		"--description", "A detailed description",
		"--criterion", "handler returns 200",
		"--create", "api/handler.go")

	output, err := runCmd(t, path, "ticket", "show", ticket.Key)
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key)
	assert.Contains(t, output, "Detail Ticket")
	assert.Contains(t, output, "A detailed description")
	assert.Contains(t, output, "State:")
	assert.Contains(t, output, "Attempts:    0/")
	assert.Contains(t, output, "handler returns 200")
	assert.Contains(t, output, "api/handler.go")
}

func TestCmdTicketShowLowercaseKey(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Case insensitive")

	output, err := runCmd(t, path, "ticket", "show", strings.ToLower(ticket.Key))
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key)
}

func TestCmdTicketShowNotFound(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "ticket", "show", "TKT-00000000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

func TestCmdTicketShowDependencies(t *testing.T) {
	_, path := testDBWithPath(t)

	prereq := createReadyTicket(t, path, "Build the schema")
	dependent := createTicket(t, path, "Build the API", "--depends-on", prereq.Key)

	output, err := runCmd(t, path, "ticket", "show", dependent.Key)
	require.NoError(t, err)
	assert.Contains(t, output, "Depends on:")
	assert.Contains(t, output, prereq.Key)

	prereqOutput, err := runCmd(t, path, "ticket", "show", prereq.Key)
	require.NoError(t, err)
	assert.Contains(t, prereqOutput, "Blocks:")
	assert.Contains(t, prereqOutput, dependent.Key)
}

func TestCmdTicketReady(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Approve me",
		"--create", "cmd/tool/main.go",
		"--criterion", "tool prints usage")

	output, err := runCmd(t, path, "ticket", "ready", ticket.Key)
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key+" is ready")
}

func TestCmdTicketReadyNotWellFormed(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Not fleshed out yet")

	_, err := runCmd(t, path, "ticket", "ready", ticket.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not well-formed")
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdTicketCancel(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Cancel me")

	output, err := runCmd(t, path, "ticket", "cancel", ticket.Key, "--reason", "superseded")
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key+" cancelled")

	var detail service.TicketDetail
	require.NoError(t, runCmdJSON(t, path, &detail, "ticket", "show", ticket.Key))
	assert.Equal(t, models.StateCancelled, detail.Ticket.State)
}

func TestCmdTicketCancelTerminal(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Cancel twice")
	_, err := runCmd(t, path, "ticket", "cancel", ticket.Key)
	require.NoError(t, err)

	_, err = runCmd(t, path, "ticket", "cancel", ticket.Key)
	require.Error(t, err)
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdTicketReviewApprove(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "Ship the feature")

	// Drive the worker protocol directly; review itself is the CLI verb.
	svc := ticketSvc(database)
	claim, err := svc.Claim(service.ClaimRequest{AgentID: "agent-test"})
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, ticket.Key, claim.Ticket.Key)

	_, err = svc.Complete(claim.Ticket.ID, "agent-test", claim.ClaimToken, service.CompleteReport{
		Success:   true,
		PRURL:     "https://github.com/acme/site/pull/7",
		CommitSHA: "abc1234",
	})
	require.NoError(t, err)

	output, err := runCmd(t, path, "ticket", "review", ticket.Key, "--approve", "--reviewer", "alex")
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key+" is done")
}

func TestCmdTicketReviewRequestChanges(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "Needs another pass")

	svc := ticketSvc(database)
	claim, err := svc.Claim(service.ClaimRequest{AgentID: "agent-test"})
	require.NoError(t, err)
	require.NotNil(t, claim)
	_, err = svc.Complete(claim.Ticket.ID, "agent-test", claim.ClaimToken, service.CompleteReport{
		Success: true,
		PRURL:   "https://github.com/acme/site/pull/8",
	})
	require.NoError(t, err)

	// Feedback is mandatory for request_changes.
	_, err = runCmd(t, path, "ticket", "review", ticket.Key, "--request-changes")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))

	output, err := runCmd(t, path, "ticket", "review", ticket.Key,
		"--request-changes", "--feedback", "missing error handling on the write path")
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key+" is ready")
}

func TestCmdTicketReviewVerdictRequired(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "No verdict")

	_, err := runCmd(t, path, "ticket", "review", ticket.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --approve or --request-changes")

	_, err = runCmd(t, path, "ticket", "review", ticket.Key, "--approve", "--request-changes")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

func TestCmdTicketReviewNotInReview(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Still a draft")

	_, err := runCmd(t, path, "ticket", "review", ticket.Key, "--approve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only in_review tickets")
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdTicketLog(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Log me", "--actor", "alex")
	_, err := runCmd(t, path, "ticket", "cancel", ticket.Key, "--reason", "changed plans")
	require.NoError(t, err)

	output, err := runCmd(t, path, "ticket", "log", ticket.Key)
	require.NoError(t, err)
	assert.Contains(t, output, "Ticket created")
	assert.Contains(t, output, "Cancelled: changed plans")
	assert.Contains(t, output, "alex")
}

func TestCmdTicketLogAfter(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Paged log")
	_, _ = runCmd(t, path, "ticket", "cancel", ticket.Key)

	var all []*models.Event
	require.NoError(t, runCmdJSON(t, path, &all, "ticket", "log", ticket.Key))
	require.Len(t, all, 2)

	var tail []*models.Event
	require.NoError(t, runCmdJSON(t, path, &tail, "ticket", "log", ticket.Key,
		"--after", "1"))
	require.Len(t, tail, 1)
	assert.Greater(t, tail[0].ID, all[0].ID)
}

// =============================================================================
// dep
// =============================================================================

func TestCmdDepAddAndList(t *testing.T) {
	_, path := testDBWithPath(t)

	prereq := createReadyTicket(t, path, "Schema first")
	dependent := createTicket(t, path, "API second")

	output, err := runCmd(t, path, "dep", "add", dependent.Key, prereq.Key)
	require.NoError(t, err)
	assert.Contains(t, output, dependent.Key+" now depends on "+prereq.Key)

	listOutput, err := runCmd(t, path, "dep", "list", dependent.Key)
	require.NoError(t, err)
	assert.Contains(t, listOutput, dependent.Key+" depends on:")
	assert.Contains(t, listOutput, prereq.Key)

	blocksOutput, err := runCmd(t, path, "dep", "list", prereq.Key)
	require.NoError(t, err)
	assert.Contains(t, blocksOutput, prereq.Key+" blocks:")
	assert.Contains(t, blocksOutput, dependent.Key)
}

func TestCmdDepAddCycle(t *testing.T) {
	_, path := testDBWithPath(t)

	a := createTicket(t, path, "A")
	b := createTicket(t, path, "B")
	c := createTicket(t, path, "C")

	_, err := runCmd(t, path, "dep", "add", b.Key, a.Key)
	require.NoError(t, err)
	_, err = runCmd(t, path, "dep", "add", c.Key, b.Key)
	require.NoError(t, err)

	_, err = runCmd(t, path, "dep", "add", a.Key, c.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestCmdDepAddSelf(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Self-sufficient")

	_, err := runCmd(t, path, "dep", "add", ticket.Key, ticket.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "itself")
}

func TestCmdDepListNone(t *testing.T) {
	_, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Independent")

	output, err := runCmd(t, path, "dep", "list", ticket.Key)
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key+" has no dependencies.")
}

// =============================================================================
// epic
// =============================================================================

func TestCmdEpicCreate(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "epic", "create", "Payments revamp", "-d", "Everything billing")
	require.NoError(t, err)
	assert.Contains(t, output, "Created: EP-")
	assert.Contains(t, output, "Title: Payments revamp")
}

func TestCmdEpicListAndShow(t *testing.T) {
	_, path := testDBWithPath(t)

	var epic models.Epic
	require.NoError(t, runCmdJSON(t, path, &epic, "epic", "create", "Search overhaul"))

	_ = createTicket(t, path, "Query parser", "--epic", epic.Key)

	listOutput, err := runCmd(t, path, "epic", "list")
	require.NoError(t, err)
	assert.Contains(t, listOutput, epic.Key)
	assert.Contains(t, listOutput, "Search overhaul")
	assert.Contains(t, listOutput, "0/1")

	showOutput, err := runCmd(t, path, "epic", "show", epic.Key)
	require.NoError(t, err)
	assert.Contains(t, showOutput, epic.Key+": Search overhaul")
	assert.Contains(t, showOutput, "Status:      open")
	assert.Contains(t, showOutput, "Tickets (0/1 done):")
	assert.Contains(t, showOutput, "Query parser")
}

func TestCmdEpicClose(t *testing.T) {
	_, path := testDBWithPath(t)

	var epic models.Epic
	require.NoError(t, runCmdJSON(t, path, &epic, "epic", "create", "Wrap-up"))

	output, err := runCmd(t, path, "epic", "close", epic.Key)
	require.NoError(t, err)
	assert.Contains(t, output, epic.Key+" closed")

	listOutput, err := runCmd(t, path, "epic", "list", "--open")
	require.NoError(t, err)
	assert.NotContains(t, listOutput, epic.Key)
}

func TestCmdEpicShowNotFound(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "epic", "show", "EP-00000000")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

// =============================================================================
// escalation
// =============================================================================

func TestCmdEscalationListAndResolve(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Troubled ticket")
	esc := &models.Escalation{
		TicketID: ticket.ID,
		Reason:   models.EscalationNeedsReview,
		Message:  "attempt budget exhausted",
	}
	require.NoError(t, db.NewEscalationRepo(database.DB).Create(esc))

	listOutput, err := runCmd(t, path, "escalation", "list")
	require.NoError(t, err)
	assert.Contains(t, listOutput, "needs_review")
	assert.Contains(t, listOutput, ticket.Key)
	assert.Contains(t, listOutput, "attempt budget exhausted")

	resolveOutput, err := runCmd(t, path, "escalation", "resolve", "1")
	require.NoError(t, err)
	assert.Contains(t, resolveOutput, "Escalation 1 resolved")
	assert.Contains(t, resolveOutput, ticket.Key)

	// Open-only list hides it now; --all still shows it.
	openOutput, err := runCmd(t, path, "escalation", "list")
	require.NoError(t, err)
	assert.Contains(t, openOutput, "No escalations.")

	allOutput, err := runCmd(t, path, "escalation", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, allOutput, "resolved")
}

func TestCmdEscalationResolveTwice(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createTicket(t, path, "Once is enough")
	require.NoError(t, db.NewEscalationRepo(database.DB).Create(&models.Escalation{
		TicketID: ticket.ID,
		Reason:   models.EscalationQuarantined,
	}))

	_, err := runCmd(t, path, "escalation", "resolve", "1")
	require.NoError(t, err)

	_, err = runCmd(t, path, "escalation", "resolve", "1")
	require.Error(t, err)
	assert.Equal(t, ExitStateError, ExitCode(err))
}

func TestCmdEscalationResolveBadID(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "escalation", "resolve", "first")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid escalation id")
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

// =============================================================================
// claims
// =============================================================================

func TestCmdClaimsList(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "Under way")
	svc := ticketSvc(database)
	claim, err := svc.Claim(service.ClaimRequest{AgentID: "agent-7"})
	require.NoError(t, err)
	require.NotNil(t, claim)
	require.Equal(t, ticket.Key, claim.Ticket.Key)

	output, err := runCmd(t, path, "claims", "list")
	require.NoError(t, err)
	assert.Contains(t, output, ticket.Key)
	assert.Contains(t, output, "agent-7")
	assert.Contains(t, output, "assigned")
}

func TestCmdClaimsListEmpty(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "claims", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No active claims.")
}

func TestCmdClaimsExpire(t *testing.T) {
	database, path := testDBWithPath(t)

	ticket := createReadyTicket(t, path, "Abandoned work")

	// An already-expired claim, as left behind by a crashed agent.
	won, err := db.NewTicketRepo(database.DB).Claim(ticket.ID, "agent-gone",
		common.NewClaimToken(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, won)

	dryOutput, err := runCmd(t, path, "claims", "expire", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, dryOutput, "[dry run] Scanned 1, reclaimed 1, quarantined 0")

	output, err := runCmd(t, path, "claims", "expire")
	require.NoError(t, err)
	assert.Contains(t, output, "Scanned 1, reclaimed 1, quarantined 0")
	assert.Contains(t, output, ticket.Key+" -> ready")

	// Nothing left to sweep.
	again, err := runCmd(t, path, "claims", "expire")
	require.NoError(t, err)
	assert.Contains(t, again, "Scanned 0")
}

// =============================================================================
// stats
// =============================================================================

func TestCmdStats(t *testing.T) {
	_, path := testDBWithPath(t)

	createReadyTicket(t, path, "Queued work")
	canceled := createTicket(t, path, "Dead end")
	_, _ = runCmd(t, path, "ticket", "cancel", canceled.Key)

	output, err := runCmd(t, path, "stats")
	require.NoError(t, err)
	assert.Contains(t, output, "Gantry Stats")
	assert.Contains(t, output, "Queue")
	assert.Regexp(t, `Ready:\s+1`, output)
	assert.Contains(t, output, "Work in Progress")
	assert.Contains(t, output, "Escalations")
}

func TestCmdStatsJSON(t *testing.T) {
	_, path := testDBWithPath(t)

	createReadyTicket(t, path, "Queued work")

	var result map[string]interface{}
	err := runCmdJSON(t, path, &result, "stats")
	require.NoError(t, err)
	assert.Contains(t, result, "queue")
	assert.Contains(t, result, "wip_by_state")
	assert.Contains(t, result, "trend_days")
}

func TestCmdStatsProjectScope(t *testing.T) {
	_, path := testDBWithPath(t)

	_, _ = runCmd(t, path, "project", "create", "SCOPE", "--name", "Scoped")

	output, err := runCmd(t, path, "stats", "--project", "SCOPE")
	require.NoError(t, err)
	assert.Contains(t, output, "Gantry Stats: SCOPE")
}

func TestCmdStatsBadSince(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "stats", "--since", "last tuesday")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

func TestCmdStatsBadTrendDays(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "stats", "--trend-days", "0")
	require.Error(t, err)
	assert.Equal(t, ExitInvalidArgs, ExitCode(err))
}

// =============================================================================
// persona
// =============================================================================

func TestCmdPersonaList(t *testing.T) {
	database, path := testDBWithPath(t)
	require.NoError(t, db.SeedDefaultPersonas(database.DB))

	output, err := runCmd(t, path, "persona", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "implementer")
	assert.Contains(t, output, "bug-fixer")
	assert.Contains(t, output, "yes")
}

func TestCmdPersonaListEmpty(t *testing.T) {
	_, path := testDBWithPath(t)

	output, err := runCmd(t, path, "persona", "list")
	require.NoError(t, err)
	assert.Contains(t, output, "No personas found")
}

func TestCmdPersonaShow(t *testing.T) {
	database, path := testDBWithPath(t)
	require.NoError(t, db.SeedDefaultPersonas(database.DB))

	output, err := runCmd(t, path, "persona", "show", "test-writer")
	require.NoError(t, err)
	assert.Contains(t, output, "Persona: test-writer")
	assert.Contains(t, output, "Instructions:")
}

func TestCmdPersonaShowNotFound(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "persona", "show", "ghostwriter")
	require.Error(t, err)
	assert.Equal(t, ExitNotFound, ExitCode(err))
}

// =============================================================================
// cross-cutting
// =============================================================================

func TestCmdQuietSuppressesOutput(t *testing.T) {
	_, path := testDBWithPath(t)

	resetGlobalFlags()
	rootCmd.SetArgs([]string{"--db", path, "--quiet", "project", "create", "HUSH", "--name", "Quiet"})

	var execErr error
	stdout, _ := captureOutput(func() {
		execErr = rootCmd.Execute()
	})
	require.NoError(t, execErr)
	assert.Empty(t, stdout)
}

func TestCmdInvalidCommand(t *testing.T) {
	_, path := testDBWithPath(t)

	_, err := runCmd(t, path, "notacommand")
	require.Error(t, err)
}

func TestCmdTicketLifecycle(t *testing.T) {
	database, path := testDBWithPath(t)

	// create (draft) -> ready -> claim -> complete -> review approve -> done,
	// with the dependent ticket unblocking along the way.
	prereq := createTicket(t, path, "Lay foundation",
		"--create", "internal/base.go",
		"--criterion", "base package compiles")
	dependent := createReadyTicket(t, path, "Build on top")
	_, err := runCmd(t, path, "dep", "add", dependent.Key, prereq.Key)
	require.NoError(t, err)

	_, err = runCmd(t, path, "ticket", "ready", prereq.Key)
	require.NoError(t, err)

	svc := ticketSvc(database)

	// The dependent is ready-but-gated; only the prerequisite is claimable.
	claim, err := svc.Claim(service.ClaimRequest{AgentID: "agent-flow"})
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, prereq.Key, claim.Ticket.Key)

	_, err = svc.Complete(claim.Ticket.ID, "agent-flow", claim.ClaimToken, service.CompleteReport{
		Success:   true,
		PRURL:     "https://github.com/acme/site/pull/11",
		CommitSHA: "fedcba9",
	})
	require.NoError(t, err)

	output, err := runCmd(t, path, "ticket", "review", prereq.Key, "--approve")
	require.NoError(t, err)
	assert.Contains(t, output, prereq.Key+" is done")

	// With the prerequisite done the dependent surfaces in the queue.
	next, err := svc.Claim(service.ClaimRequest{AgentID: "agent-flow"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, dependent.Key, next.Ticket.Key)
}
