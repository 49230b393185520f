// Package cli implements the gantry command line: database lifecycle,
// ticket and dependency management, the orchestrator server, the worker
// loop, and operator queries (claims, escalations, stats).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/backup"
	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/db"
)

// Version information (set at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Global flags
var (
	dbPath  string
	jsonOut bool
	quiet   bool
	verbose bool
	noColor bool
)

// Global configuration (loaded once at startup)
var globalConfig *config.Config

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitNotFound     = 3
	ExitStateError   = 4
	ExitDBError      = 5
	ExitStaleClaim   = 6
)

// skipBackupCommands lists commands that should not trigger automatic backup.
// These are either commands that don't need a database, or that initialize it.
var skipBackupCommands = map[string]bool{
	"help":    true,
	"version": true,
	"init":    true,
}

var rootCmd = &cobra.Command{
	Use:   "gantry",
	Short: "Orchestrator for autonomous coding agents",
	Long: `Gantry coordinates fleets of autonomous coding agents. Tickets describe
work (target files, acceptance criteria, scope); agents claim ready
tickets over HTTP, generate and validate changes, push a branch, open a
pull request, and report back. Dependencies gate readiness, expired
claims return to the queue, and failures escalate to a human.

Use "gantry init" to initialize the database.
Use "gantry serve" to start the orchestrator.
Use "gantry worker" to start an agent loop.
Use "gantry --help" to see all available commands.`,
	Version:       Version,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return runAutoBackup(cmd)
	},
}

func init() {
	// Load global configuration at startup
	var err error
	globalConfig, err = config.Load()
	if err != nil {
		// If config file is invalid, print warning but continue with defaults
		fmt.Fprintf(os.Stderr, "Warning: failed to load config file: %v\n", err)
		globalConfig = config.DefaultConfig()
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to database file (default ~/.gantry/gantry.db)")
	rootCmd.PersistentFlags().BoolVarP(&jsonOut, "json", "j", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	// Set version template for --version flag
	rootCmd.SetVersionTemplate(fmt.Sprintf("gantry %s (%s, %s)\n", Version, shortCommit(), shortDate()))
}

// shortCommit returns the first 7 characters of the git commit hash
func shortCommit() string {
	if len(GitCommit) >= 7 {
		return GitCommit[:7]
	}
	return GitCommit
}

// shortDate returns just the date portion of BuildDate (YYYY-MM-DD)
func shortDate() string {
	if len(BuildDate) >= 10 {
		return BuildDate[:10]
	}
	return BuildDate
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// runAutoBackup performs automatic backup if needed before command execution.
// It skips backup for commands that don't need it (help, version, init).
func runAutoBackup(cmd *cobra.Command) error {
	cmdName := cmd.Name()
	if skipBackupCommands[cmdName] {
		return nil
	}

	if globalConfig == nil || !globalConfig.Backup.Enabled {
		return nil
	}

	path := GetDBPath()
	if path == "" {
		path = db.DefaultDBPath
	}
	path = expandPath(path)

	// No point backing up a database that doesn't exist yet
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	mgr := backup.NewManager(path, globalConfig.Backup)
	backupPath, err := mgr.BackupIfNeeded()
	if err != nil {
		// Log warning but don't fail the command
		VerboseOutput("Warning: automatic backup failed: %v\n", err)
		return nil
	}

	if backupPath != "" {
		VerboseOutput("Created backup: %s\n", backupPath)
	}

	return nil
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) == 0 {
		return path
	}

	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home + path[1:]
	}

	return path
}

// GetDBPath returns the database path from flags, config, or default.
// Priority: flag > env > config file > default
func GetDBPath() string {
	// Command-line flag has highest priority
	if dbPath != "" {
		return dbPath
	}
	// Config already handles env > file > default
	if globalConfig != nil {
		return globalConfig.GetDB()
	}
	return "" // Will use default in db.Open
}

// IsJSON returns whether JSON output is requested
func IsJSON() bool {
	return jsonOut
}

// IsNoColor returns whether colored output should be disabled.
// Priority: flag > env > config file > default
func IsNoColor() bool {
	if noColor {
		return true
	}
	if globalConfig != nil {
		return globalConfig.NoColor
	}
	return false
}

// GetConfig returns the global configuration.
// This should only be used when direct access to all config values is needed.
func GetConfig() *config.Config {
	if globalConfig != nil {
		return globalConfig
	}
	return config.DefaultConfig()
}

// IsQuiet returns whether quiet mode is enabled
func IsQuiet() bool {
	return quiet
}

// IsVerbose returns whether verbose mode is enabled
func IsVerbose() bool {
	return verbose
}

// Output prints to stdout unless quiet mode is enabled
func Output(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format, args...)
	}
}

// OutputLine prints a line to stdout unless quiet mode is enabled
func OutputLine(format string, args ...interface{}) {
	if !quiet {
		fmt.Printf(format+"\n", args...)
	}
}

// VerboseOutput prints to stdout only in verbose mode
func VerboseOutput(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Printf(format, args...)
	}
}

// ErrorOutput prints to stderr
func ErrorOutput(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
}
