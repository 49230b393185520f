// Package config provides configuration file and environment variable support
// for gantry.
//
// Configuration priority (highest to lowest):
//  1. Command-line flags
//  2. Environment variables (GANTRY_*)
//  3. Config file (~/.gantry/config.toml)
//  4. Built-in defaults
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the gantry configuration shared by the orchestrator
// server, the worker daemon, and the CLI.
type Config struct {
	// DB is the path to the database file.
	// Default: ~/.gantry/gantry.db
	DB string `toml:"db"`

	// NoColor disables colored output.
	NoColor bool `toml:"no_color"`

	// AgentKey is the shared service key workers present as X-Agent-Key.
	// Empty disables the check (local development).
	AgentKey string `toml:"agent_key"`

	Server   ServerConfig   `toml:"server"`
	Defaults DefaultsConfig `toml:"defaults"`
	Worker   WorkerConfig   `toml:"worker"`
	LLM      LLMConfig      `toml:"llm"`
	Git      GitConfig      `toml:"git"`
	Backup   BackupConfig   `toml:"backup"`
}

// ServerConfig configures the orchestrator HTTP server.
type ServerConfig struct {
	// Host to bind. Default: 127.0.0.1
	Host string `toml:"host"`
	// Port to bind. Default: 7433
	Port int `toml:"port"`
}

// DefaultsConfig holds the global ticket defaults that project settings
// override at claim time.
type DefaultsConfig struct {
	// ClaimTTLMinutes is how long a claim lives without a heartbeat.
	ClaimTTLMinutes int `toml:"claim_ttl_minutes"`
	// MaxAttempts is the per-ticket attempt budget.
	MaxAttempts int `toml:"max_attempts"`
	// ValidationLevel is the validator ladder: minimal, standard, strict.
	ValidationLevel string `toml:"validation_level"`
	// BaseBranch is the branch ticket branches fork from.
	BaseBranch string `toml:"base_branch"`
	// Persona is the default persona name for generation.
	Persona string `toml:"persona"`
}

// WorkerConfig configures the worker daemon and its per-ticket pipeline.
type WorkerConfig struct {
	// OrchestratorURL is the base URL of the gantry server.
	OrchestratorURL string `toml:"orchestrator_url"`
	// PollIntervalSeconds is the sleep between empty claim polls.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	// HeartbeatSeconds is the heartbeat period. 0 means claim TTL / 4.
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
	// MaxInternalAttempts bounds the generation-validation retry loop
	// inside a single claim.
	MaxInternalAttempts int `toml:"max_internal_attempts"`
	// GenerationTimeoutSeconds bounds one LLM call.
	GenerationTimeoutSeconds int `toml:"generation_timeout_seconds"`
	// ValidationTimeoutSeconds bounds one full validator ladder run.
	ValidationTimeoutSeconds int `toml:"validation_timeout_seconds"`
	// TicketTimeoutMinutes is the per-ticket wall-clock ceiling.
	TicketTimeoutMinutes int `toml:"ticket_timeout_minutes"`
	// MaxFileLines is the truncation threshold when presenting existing
	// files to the model (head half, ellipsis, tail half).
	MaxFileLines int `toml:"max_file_lines"`
	// WorkspaceRoot is where per-ticket git clones live.
	WorkspaceRoot string `toml:"workspace_root"`
	// Model overrides model selection globally when set.
	Model string `toml:"model"`
	// ScopeModels maps estimated ticket scope to a model.
	ScopeModels map[string]string `toml:"scope_models"`
	// ModelAllowList restricts which models project settings may pick.
	// Empty allows anything.
	ModelAllowList []string `toml:"model_allow_list"`
	// ProtectedGlobs are path patterns the patch engine must never write,
	// in addition to .git/**.
	ProtectedGlobs []string `toml:"protected_globs"`
}

// LLMConfig configures the upstream model API.
type LLMConfig struct {
	// BaseURL of the Messages API. Default: https://api.anthropic.com
	BaseURL string `toml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key. The
	// key itself never lives in the config file.
	APIKeyEnv string `toml:"api_key_env"`
	// MaxTokens caps a single generation response.
	MaxTokens int `toml:"max_tokens"`
}

// GitConfig configures repository access and the PR forge.
type GitConfig struct {
	// AuthorName and AuthorEmail form the deterministic commit identity.
	AuthorName  string `toml:"author_name"`
	AuthorEmail string `toml:"author_email"`
	// TokenEnv names the environment variable holding the forge token,
	// used for both HTTPS clones and PR creation.
	TokenEnv string `toml:"token_env"`
	// APIBase is the forge REST endpoint. Default: https://api.github.com
	APIBase string `toml:"api_base"`
}

// BackupConfig configures automatic database backups.
type BackupConfig struct {
	// Enabled turns automatic backups on. Default: true
	Enabled bool `toml:"enabled"`
	// IntervalHours is the minimum age of the newest backup before a new
	// one is taken. Default: 24
	IntervalHours int `toml:"interval_hours"`
	// MaxCount is how many rotated backups to keep. Default: 3
	MaxCount int `toml:"max_count"`
	// Path overrides the backup directory (defaults beside the database).
	Path string `toml:"path"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 7433,
		},
		Defaults: DefaultsConfig{
			ClaimTTLMinutes: 30,
			MaxAttempts:     3,
			ValidationLevel: "standard",
			BaseBranch:      "main",
			Persona:         "implementer",
		},
		Worker: WorkerConfig{
			OrchestratorURL:          "http://127.0.0.1:7433",
			PollIntervalSeconds:      15,
			MaxInternalAttempts:      3,
			GenerationTimeoutSeconds: 300,
			ValidationTimeoutSeconds: 120,
			TicketTimeoutMinutes:     60,
			MaxFileLines:             400,
			WorkspaceRoot:            "~/.gantry/workspaces",
			ScopeModels: map[string]string{
				"small":  "claude-haiku-4-5",
				"medium": "claude-sonnet-4-5",
				"large":  "claude-opus-4-1",
			},
			ProtectedGlobs: []string{".github/workflows/**"},
		},
		LLM: LLMConfig{
			BaseURL:   "https://api.anthropic.com",
			APIKeyEnv: "ANTHROPIC_API_KEY",
			MaxTokens: 8192,
		},
		Git: GitConfig{
			AuthorName:  "Gantry Worker",
			AuthorEmail: "gantry-worker@localhost",
			TokenEnv:    "GITHUB_TOKEN",
			APIBase:     "https://api.github.com",
		},
		Backup: BackupConfig{
			Enabled:       true,
			IntervalHours: 24,
			MaxCount:      3,
		},
	}
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".gantry", "config.toml")
}

// Load loads configuration from the config file and environment variables.
// Environment variables take precedence over file settings.
// Returns default config if the config file doesn't exist.
func Load() (*Config, error) {
	return LoadFromPath(DefaultConfigPath())
}

// LoadFromPath loads configuration from a specific file path.
// Environment variables take precedence over file settings.
// Returns default config if the config file doesn't exist.
func LoadFromPath(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if _, err := toml.DecodeFile(configPath, cfg); err != nil {
				return nil, err
			}
		}
		// If file doesn't exist, just continue with defaults
	}

	cfg.applyEnv()

	return cfg, nil
}

// applyEnv applies environment variable overrides to the config.
func (c *Config) applyEnv() {
	if db := os.Getenv("GANTRY_DB"); db != "" {
		c.DB = db
	}
	// GANTRY_DB_PATH takes precedence over GANTRY_DB (more explicit name)
	if dbPath := os.Getenv("GANTRY_DB_PATH"); dbPath != "" {
		c.DB = dbPath
	}

	// GANTRY_NO_COLOR - any value means true
	if _, ok := os.LookupEnv("GANTRY_NO_COLOR"); ok {
		c.NoColor = true
	}

	if key := os.Getenv("GANTRY_AGENT_KEY"); key != "" {
		c.AgentKey = key
	}

	if host := os.Getenv("GANTRY_SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("GANTRY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}

	if url := os.Getenv("GANTRY_ORCHESTRATOR_URL"); url != "" {
		c.Worker.OrchestratorURL = url
	}
	if model := os.Getenv("GANTRY_WORKER_MODEL"); model != "" {
		c.Worker.Model = model
	}
	if root := os.Getenv("GANTRY_WORKSPACE_ROOT"); root != "" {
		c.Worker.WorkspaceRoot = root
	}
	if interval := os.Getenv("GANTRY_POLL_INTERVAL_SECONDS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil && n > 0 {
			c.Worker.PollIntervalSeconds = n
		}
	}

	if ttl := os.Getenv("GANTRY_CLAIM_TTL_MINUTES"); ttl != "" {
		if n, err := strconv.Atoi(ttl); err == nil && n > 0 {
			c.Defaults.ClaimTTLMinutes = n
		}
	}
	if branch := os.Getenv("GANTRY_BASE_BRANCH"); branch != "" {
		c.Defaults.BaseBranch = branch
	}

	if url := os.Getenv("GANTRY_LLM_BASE_URL"); url != "" {
		c.LLM.BaseURL = url
	}
	if base := os.Getenv("GANTRY_GIT_API_BASE"); base != "" {
		c.Git.APIBase = base
	}
}

// GetDB returns the database path, using the default if not set.
func (c *Config) GetDB() string {
	if c.DB != "" {
		return c.DB
	}
	return "" // Empty signals use of db.DefaultDBPath
}

// ServerAddr returns the host:port the orchestrator binds.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ClaimTTL returns the default claim TTL as a duration.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.Defaults.ClaimTTLMinutes) * time.Minute
}

// HeartbeatPeriod returns the worker heartbeat period. When unset it is a
// quarter of the claim TTL, so three beats can be lost before expiry.
func (c *Config) HeartbeatPeriod() time.Duration {
	if c.Worker.HeartbeatSeconds > 0 {
		return time.Duration(c.Worker.HeartbeatSeconds) * time.Second
	}
	return c.ClaimTTL() / 4
}

// PollInterval returns the sleep between empty claim polls.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// GenerationTimeout bounds a single LLM call.
func (c *Config) GenerationTimeout() time.Duration {
	return time.Duration(c.Worker.GenerationTimeoutSeconds) * time.Second
}

// ValidationTimeout bounds a full validator ladder run.
func (c *Config) ValidationTimeout() time.Duration {
	return time.Duration(c.Worker.ValidationTimeoutSeconds) * time.Second
}

// TicketTimeout is the per-ticket wall-clock ceiling.
func (c *Config) TicketTimeout() time.Duration {
	return time.Duration(c.Worker.TicketTimeoutMinutes) * time.Minute
}

// ModelForScope returns the configured model for an estimated scope,
// falling back to the medium model, then any non-empty mapping.
func (c *Config) ModelForScope(scope string) string {
	if m, ok := c.Worker.ScopeModels[scope]; ok && m != "" {
		return m
	}
	if m, ok := c.Worker.ScopeModels["medium"]; ok && m != "" {
		return m
	}
	for _, m := range c.Worker.ScopeModels {
		if m != "" {
			return m
		}
	}
	return ""
}

// ModelAllowed reports whether a model may be selected by project or
// ticket overrides. An empty allow-list permits everything.
func (c *Config) ModelAllowed(model string) bool {
	if len(c.Worker.ModelAllowList) == 0 {
		return true
	}
	for _, m := range c.Worker.ModelAllowList {
		if m == model {
			return true
		}
	}
	return false
}

// SampleConfig returns a sample configuration file content.
func SampleConfig() string {
	return `# Gantry Configuration File
# Location: ~/.gantry/config.toml
#
# Configuration priority (highest to lowest):
#   1. Command-line flags
#   2. Environment variables (GANTRY_*)
#   3. This config file
#   4. Built-in defaults

# Path to the database file
# Default: ~/.gantry/gantry.db
# Environment: GANTRY_DB or GANTRY_DB_PATH (GANTRY_DB_PATH takes precedence)
# db = "/path/to/gantry.db"

# Disable colored output
# Environment: GANTRY_NO_COLOR (any value = true)
# no_color = false

# Shared service key workers must present as X-Agent-Key.
# Empty disables the check. Environment: GANTRY_AGENT_KEY
# agent_key = ""

[server]
# Orchestrator bind address.
# Environment: GANTRY_SERVER_HOST, GANTRY_SERVER_PORT
# host = "127.0.0.1"
# port = 7433

[defaults]
# Global ticket defaults; project settings override these at claim time.
# claim_ttl_minutes = 30
# max_attempts = 3
# validation_level = "standard"   # minimal | standard | strict
# base_branch = "main"
# persona = "implementer"

[worker]
# orchestrator_url = "http://127.0.0.1:7433"
# poll_interval_seconds = 15
# heartbeat_seconds = 0           # 0 = claim TTL / 4
# max_internal_attempts = 3
# generation_timeout_seconds = 300
# validation_timeout_seconds = 120
# ticket_timeout_minutes = 60
# max_file_lines = 400
# workspace_root = "~/.gantry/workspaces"
# model = ""                      # global model override
# model_allow_list = []
# protected_globs = [".github/workflows/**"]

[worker.scope_models]
# small = "claude-haiku-4-5"
# medium = "claude-sonnet-4-5"
# large = "claude-opus-4-1"

[llm]
# base_url = "https://api.anthropic.com"
# api_key_env = "ANTHROPIC_API_KEY"
# max_tokens = 8192

[git]
# author_name = "Gantry Worker"
# author_email = "gantry-worker@localhost"
# token_env = "GITHUB_TOKEN"
# api_base = "https://api.github.com"

[backup]
# Automatic database backups, taken on CLI startup.
# enabled = true
# interval_hours = 24
# max_count = 3
# path = ""                       # defaults beside the database
`
}

// WriteConfigFile writes the sample config file to the specified path.
// Creates parent directories if needed.
func WriteConfigFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(SampleConfig()), 0644)
}
