package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/parallax-code/gantry/internal/worker"
)

// Worker command flags
var (
	workerProject      string
	workerEpic         string
	workerAgentID      string
	workerOrchestrator string
)

func init() {
	workerCmd.Flags().StringVar(&workerProject, "project", "", "Only claim tickets in this project")
	workerCmd.Flags().StringVar(&workerEpic, "epic", "", "Only claim tickets in this epic")
	workerCmd.Flags().StringVar(&workerAgentID, "agent-id", "", "Agent identity (default gantry-<random>)")
	workerCmd.Flags().StringVar(&workerOrchestrator, "orchestrator", "", "Orchestrator URL (default from config)")

	rootCmd.AddCommand(workerCmd)
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start an agent worker loop",
	Long: `Start the autonomous worker loop: claim a ready ticket from the
orchestrator, generate a change set with the model, validate it, commit,
push a branch, open a pull request, and report back. The loop polls for
work and runs until interrupted.

The model API key is read from the environment variable named in the
config ([llm] api_key_env, default ANTHROPIC_API_KEY). The git token
([git] token_env, default GITHUB_TOKEN) is needed for private remotes
and pull requests.

Examples:
  gantry worker                         # Claim from any project
  gantry worker --project WEB           # Claim only WEB tickets
  gantry worker --epic EP-1A2B3C4D      # Claim only tickets in one epic
  gantry worker --agent-id agent-ci-1   # Stable identity across restarts`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	if workerOrchestrator != "" {
		cfg.Worker.OrchestratorURL = workerOrchestrator
	}

	level := slog.LevelInfo
	if IsVerbose() {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	w, err := worker.New(cfg, worker.Options{
		Logger:     logger,
		AgentID:    workerAgentID,
		ProjectKey: workerProject,
		EpicKey:    workerEpic,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return w.Run(ctx)
}
