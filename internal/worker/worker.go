// Package worker runs the autonomous coding loop: claim a ticket from the
// orchestrator, generate a change set with the model, materialize and
// validate it, commit, open a pull request, and report back. One worker
// processes one ticket at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/forge"
	"github.com/parallax-code/gantry/internal/gitops"
	"github.com/parallax-code/gantry/internal/llm"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/validate"
)

// Git is the subset of git operations the pipeline needs.
type Git interface {
	EnsureWorkspace(ctx context.Context, dir, remote, token string) (bool, error)
	CheckoutBranch(ctx context.Context, dir, branch, base string) error
	ResetHard(ctx context.Context, dir string) error
	HasChanges(ctx context.Context, dir string) (bool, error)
	CommitAll(ctx context.Context, dir, message, authorName, authorEmail string) (string, error)
	Push(ctx context.Context, dir, remote, token, branch string) error
}

// Forge opens pull requests.
type Forge interface {
	CreatePull(ctx context.Context, owner, repo string, pr forge.PullRequest) (string, error)
}

// validateFunc runs the validator ladder over files under root. Tests
// inject their own; the real one comes from validatorFor.
type validateFunc func(ctx context.Context, root string, fallback models.ValidationLevel, files []string) []validate.Error

// validatorFor binds the ladder to a workspace. Repo-local overrides are
// read here, once per ticket: later attempts must not pick up a
// .gantry.yml the generation itself wrote.
func (w *Worker) validatorFor(root string) validateFunc {
	if w.validate != nil {
		return w.validate
	}
	runner, err := validate.NewRunner(root)
	if err != nil {
		return func(context.Context, string, models.ValidationLevel, []string) []validate.Error {
			return []validate.Error{{
				Type:    validate.TypeSyntax,
				File:    validate.OverridesFile,
				Message: fmt.Sprintf("unreadable validation overrides: %v", err),
			}}
		}
	}
	return func(ctx context.Context, _ string, fallback models.ValidationLevel, files []string) []validate.Error {
		return runner.Run(ctx, runner.Level(fallback), files)
	}
}

// Worker is the claim-loop daemon.
type Worker struct {
	cfg   *config.Config
	api   *APIClient
	llm   llm.Client
	git   Git
	forge Forge
	// validate, when non-nil, replaces validatorFor's runner.
	validate validateFunc
	logger   *slog.Logger

	agentID  string
	gitToken string

	projectKey string
	epicKey    string
}

// Options are the optional knobs for New.
type Options struct {
	Logger *slog.Logger
	// AgentID overrides the generated agent identity.
	AgentID string
	// ProjectKey and EpicKey narrow what the worker claims.
	ProjectKey string
	EpicKey    string
}

// New builds a worker from config. The model API key is read from the
// environment variable the config names; a missing key is fatal because
// every ticket needs it. A missing git token is only a warning so local
// remotes keep working.
func New(cfg *config.Config, opts Options) (*Worker, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	apiKey := os.Getenv(cfg.LLM.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is empty; the worker cannot call the model API", cfg.LLM.APIKeyEnv)
	}

	gitToken := os.Getenv(cfg.Git.TokenEnv)
	if gitToken == "" {
		logger.Warn("git token not set; pushes and pull requests will fail on private remotes",
			"env", cfg.Git.TokenEnv)
	}

	agentID := opts.AgentID
	if agentID == "" {
		agentID = "gantry-" + uuid.NewString()[:8]
	}

	return &Worker{
		cfg:        cfg,
		api:        NewAPIClient(cfg.Worker.OrchestratorURL, cfg.AgentKey),
		llm:        llm.NewAnthropic(cfg.LLM.BaseURL, apiKey),
		git:        gitops.New(),
		forge:      forge.NewGitHub(cfg.Git.APIBase, gitToken),
		logger:     logger,
		agentID:    agentID,
		gitToken:   gitToken,
		projectKey: opts.ProjectKey,
		epicKey:    opts.EpicKey,
	}, nil
}

// Run executes the claim loop until ctx is cancelled. Cancellation is
// honored between tickets only: an in-flight pipeline always runs to its
// own completion or timeout, so a SIGINT never strands a half-done claim.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"agent", w.agentID,
		"orchestrator", w.cfg.Worker.OrchestratorURL,
		"poll_interval", w.cfg.PollInterval())

	for ctx.Err() == nil {
		claim, err := w.api.Claim(ctx, w.agentID, w.projectKey, w.epicKey)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Error("claim poll failed", "error", err)
			}
			w.idle(ctx)
		case claim == nil:
			w.idle(ctx)
		default:
			w.execute(claim)
		}
	}

	w.logger.Info("worker stopped", "agent", w.agentID)
	return nil
}

// idle sleeps one poll interval or until shutdown.
func (w *Worker) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval()):
	}
}

// execute runs one claimed ticket end to end and reports the outcome. The
// pipeline context is independent of the claim loop's: only the ticket
// timeout or a lost claim cancels it.
func (w *Worker) execute(claim *Claim) {
	ticket := claim.Ticket
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.TicketTimeout())
	defer cancel()

	stopHeartbeat := w.startHeartbeat(ctx, cancel, claim)
	defer stopHeartbeat()

	logger := w.logger.With("ticket", ticket.Key, "agent", w.agentID)
	logger.Info("executing ticket", "title", ticket.Title, "attempt", ticket.Attempts+1)

	report, failure := w.runPipeline(ctx, claim, logger)

	// The report rides a fresh context: the pipeline's may already be
	// cancelled or past its deadline.
	rctx, rcancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer rcancel()

	switch {
	case report != nil:
		if err := w.api.Complete(rctx, ticket.ID, w.agentID, claim.ClaimToken, *report); err != nil {
			logger.Error("completion report failed", "error", err)
			return
		}
		logger.Info("ticket complete", "pr", report.PRURL)
	case failure != nil:
		logger.Warn("ticket failed", "class", failure.Class, "error", failure.Message)
		if err := w.api.Fail(rctx, ticket.ID, w.agentID, claim.ClaimToken, failure.Message, failure.Class, failure.Retry); err != nil {
			logger.Error("failure report failed", "error", err)
		}
	}
}

// startHeartbeat keeps the claim alive in the background. A stale reply
// means the claim is lost, which cancels the whole pipeline.
func (w *Worker) startHeartbeat(ctx context.Context, cancel context.CancelFunc, claim *Claim) func() {
	hbCtx, stop := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(w.heartbeatPeriod(claim.Settings))
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				_, err := w.api.Heartbeat(hbCtx, claim.Ticket.ID, w.agentID, claim.ClaimToken)
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.Stale() {
					w.logger.Warn("claim lost, abandoning ticket", "ticket", claim.Ticket.Key)
					cancel()
					return
				}
				if err != nil && hbCtx.Err() == nil {
					w.logger.Warn("heartbeat failed", "ticket", claim.Ticket.Key, "error", err)
				}
			}
		}
	}()

	return stop
}

// heartbeatPeriod is the configured period, or a quarter of the claim TTL
// so three beats can be lost before the claim expires.
func (w *Worker) heartbeatPeriod(settings *models.ProjectSettings) time.Duration {
	if w.cfg.Worker.HeartbeatSeconds > 0 {
		return time.Duration(w.cfg.Worker.HeartbeatSeconds) * time.Second
	}
	if settings != nil && settings.ClaimTTLSeconds > 0 {
		return time.Duration(settings.ClaimTTLSeconds) * time.Second / 4
	}
	return w.cfg.HeartbeatPeriod()
}

// selectModel resolves the model for a ticket: the global config override
// wins, then the project setting when the allow-list permits it, then the
// per-ticket override, then the scope map.
func (w *Worker) selectModel(ticket *models.Ticket, settings *models.ProjectSettings) (string, error) {
	if m := w.cfg.Worker.Model; m != "" {
		return m, nil
	}
	if settings != nil && settings.Model != "" && w.cfg.ModelAllowed(settings.Model) {
		return settings.Model, nil
	}
	if ticket.Model != "" {
		return ticket.Model, nil
	}

	scope := ticket.Scope
	if scope == "" {
		scope = models.ScopeMedium
	}
	if m := w.cfg.ModelForScope(string(scope)); m != "" {
		return m, nil
	}
	return "", fmt.Errorf("no model configured for scope %q", scope)
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
