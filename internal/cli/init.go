package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/db"
)

var (
	initForce     bool
	initPromptKey bool
)

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing database")
	initCmd.Flags().BoolVar(&initPromptKey, "prompt-key", false, "Prompt for the shared agent key (hidden input)")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize gantry for first-time use",
	Long: `Initialize gantry by creating the ~/.gantry/ directory and database.

This command:
- Creates ~/.gantry/ directory if it doesn't exist
- Creates gantry.db with the database schema
- Seeds the built-in personas
- Writes a commented sample config to ~/.gantry/config.toml if absent

Use --force to overwrite an existing database.
Use --prompt-key to set the shared agent key without it appearing in
shell history; the key is written to the config file, never echoed.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

type initResult struct {
	Database      string `json:"database"`
	Created       bool   `json:"created"`
	Schema        int64  `json:"schema_version,omitempty"`
	Personas      int    `json:"personas_seeded,omitempty"`
	ConfigPath    string `json:"config_path,omitempty"`
	ConfigCreated bool   `json:"config_created,omitempty"`
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetDBPath()

	// Check if database already exists
	if db.Exists(path) && !initForce {
		if IsJSON() {
			result := initResult{Database: path}
			if path == "" {
				result.Database = db.DefaultDBPath
			}
			data, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		displayPath := path
		if displayPath == "" {
			displayPath = db.DefaultDBPath
		}
		return fmt.Errorf("database already exists at %s (use --force to overwrite)", displayPath)
	}

	// Read the agent key before touching anything so an aborted prompt
	// leaves no half-initialized state behind.
	var agentKey string
	if initPromptKey {
		key, err := readAgentKey()
		if err != nil {
			return fmt.Errorf("failed to read agent key: %w", err)
		}
		agentKey = key
	}

	// Delete existing database if force is set
	if initForce && db.Exists(path) {
		VerboseOutput("Removing existing database...\n")
		if err := db.Delete(path); err != nil {
			return fmt.Errorf("failed to remove existing database: %w", err)
		}
	}

	// Open/create the database
	VerboseOutput("Creating database...\n")
	database, err := db.Open(path)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer database.Close()

	// Run migrations
	VerboseOutput("Running migrations...\n")
	if err := database.Migrate(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Seed built-in personas
	VerboseOutput("Seeding personas...\n")
	if err := db.SeedDefaultPersonas(database.DB); err != nil {
		return fmt.Errorf("failed to seed personas: %w", err)
	}

	// Get schema version
	version, err := database.MigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	configPath, configCreated, err := writeSampleConfig(agentKey)
	if err != nil {
		return err
	}

	displayPath := database.Path()

	if IsJSON() {
		result := initResult{
			Database:      displayPath,
			Created:       true,
			Schema:        version,
			Personas:      len(db.DefaultPersonas),
			ConfigPath:    configPath,
			ConfigCreated: configCreated,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
		return nil
	}

	OutputLine("Initialized gantry database at %s", displayPath)
	OutputLine("Schema version: %d", version)
	OutputLine("Seeded %d built-in personas", len(db.DefaultPersonas))
	if configCreated {
		OutputLine("Wrote sample config to %s", configPath)
	}

	return nil
}

// writeSampleConfig writes the commented sample config if no config file
// exists yet. A prompted agent key is injected into the new file; when the
// file already exists it is left untouched and the operator is told where
// to put the key.
func writeSampleConfig(agentKey string) (path string, created bool, err error) {
	path = config.DefaultConfigPath()
	if path == "" {
		return "", false, nil
	}

	if _, statErr := os.Stat(path); statErr == nil {
		if agentKey != "" {
			ErrorOutput("Config file already exists at %s; set agent_key there manually.\n", path)
		}
		return path, false, nil
	}

	sample := config.SampleConfig()
	if agentKey != "" {
		sample = strings.Replace(sample, `# agent_key = ""`, fmt.Sprintf("agent_key = %q", agentKey), 1)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", false, fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(sample), 0600); err != nil {
		return "", false, fmt.Errorf("failed to write config file: %w", err)
	}
	return path, true, nil
}

// readAgentKey prompts for the shared agent key. On a terminal the input
// is hidden; otherwise one line is read from stdin so the key can be
// piped in.
func readAgentKey() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Agent key: ")
		key, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(key)), nil
	}

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
