package worker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/forge"
	"github.com/parallax-code/gantry/internal/llm"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/patch"
	"github.com/parallax-code/gantry/internal/prompt"
	"github.com/parallax-code/gantry/internal/service"
	"github.com/parallax-code/gantry/internal/validate"
)

// pipelineFailure is a terminal pipeline error mapped onto the failure
// classes the orchestrator routes on.
type pipelineFailure struct {
	Class   models.ErrorClass
	Message string
	Retry   bool
}

func (f *pipelineFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Class, f.Message)
}

func failf(class models.ErrorClass, retry bool, format string, args ...interface{}) *pipelineFailure {
	return &pipelineFailure{Class: class, Message: fmt.Sprintf(format, args...), Retry: retry}
}

// run carries the per-ticket pipeline state.
type run struct {
	w        *Worker
	logger   *slog.Logger
	ticket   *models.Ticket
	token    string
	settings *models.ProjectSettings

	dir    string
	branch string
	base   string
	model  string

	// written is the union of files materialized across internal attempts.
	written map[string]struct{}
}

// runPipeline executes one claimed ticket: workspace, generation loop,
// commit, push, pull request. It returns either a success report or a
// classified failure, never both.
func (w *Worker) runPipeline(ctx context.Context, claim *Claim, logger *slog.Logger) (*service.CompleteReport, *pipelineFailure) {
	r := &run{
		w:        w,
		logger:   logger,
		ticket:   claim.Ticket,
		token:    claim.ClaimToken,
		settings: claim.Settings,
		written:  map[string]struct{}{},
	}

	r.base = r.ticket.BaseBranch
	if r.base == "" && r.settings != nil {
		r.base = r.settings.BaseBranch
	}
	if r.base == "" {
		r.base = w.cfg.Defaults.BaseBranch
	}
	r.branch = r.ticket.BranchName
	if r.branch == "" {
		r.branch = common.BranchName(r.ticket.Key, r.ticket.Title)
	}

	model, err := w.selectModel(r.ticket, r.settings)
	if err != nil {
		return nil, failf(models.ErrClassAPIError, true, "select model: %v", err)
	}
	r.model = model

	r.advance(ctx, models.StateInProgress)

	if f := r.setup(ctx); f != nil {
		return nil, f
	}

	gen, f := r.generate(ctx)
	if f != nil {
		return nil, f
	}

	sha, f := r.commitAndPush(ctx, gen)
	if f != nil {
		return nil, f
	}

	prURL, f := r.openPR(ctx, gen, sha)
	if f != nil {
		return nil, f
	}

	return &service.CompleteReport{
		Success:        true,
		PRURL:          prURL,
		BranchName:     r.branch,
		CommitSHA:      sha,
		CriteriaStatus: gen.CriteriaStatus,
		FilesChanged:   r.changedFiles(),
	}, nil
}

// setup prepares the workspace clone and checks out the ticket branch.
func (r *run) setup(ctx context.Context) *pipelineFailure {
	root := expandPath(r.w.cfg.Worker.WorkspaceRoot)
	r.dir = filepath.Join(root, r.ticket.Key)

	cloned, err := r.w.git.EnsureWorkspace(ctx, r.dir, r.ticket.RepoURL, r.w.gitToken)
	if err != nil {
		return failf(models.ErrClassGitError, true, "prepare workspace: %v", err)
	}
	if err := r.w.git.CheckoutBranch(ctx, r.dir, r.branch, r.base); err != nil {
		return failf(models.ErrClassGitError, true, "checkout %s: %v", r.branch, err)
	}

	r.activity(ctx, models.EventGitOperation, "Workspace prepared", map[string]interface{}{
		"cloned": cloned,
		"branch": r.branch,
	})
	return nil
}

// generate runs the generation-validation loop until the change set is
// clean or the internal attempt budget runs out.
func (r *run) generate(ctx context.Context) (*Generation, *pipelineFailure) {
	snippets, f := r.fetchSnippets()
	if f != nil {
		return nil, f
	}

	basePrompt, err := prompt.Task(prompt.TaskInput{
		Ticket:   r.ticket,
		Snippets: snippets,
		Feedback: r.ticket.ReviewFeedback,
	})
	if err != nil {
		return nil, failf(models.ErrClassAPIError, false, "build prompt: %v", err)
	}

	engine := patch.NewEngine(r.dir, r.w.cfg.Worker.ProtectedGlobs)
	check := r.w.validatorFor(r.dir)
	maxAttempts := r.w.cfg.Worker.MaxInternalAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	current := basePrompt
	resetDone := false
	var lastErrs []validate.Error
	var lastPatchFailed bool

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()

		genCtx, genCancel := context.WithTimeout(ctx, r.w.cfg.GenerationTimeout())
		resp, err := r.w.llm.Complete(genCtx, llm.Request{
			Model:     r.model,
			System:    r.persona(),
			Prompt:    current,
			MaxTokens: r.w.cfg.LLM.MaxTokens,
		})
		genCancel()
		if err != nil {
			return nil, classifyModelError(err)
		}

		digest := payloadDigest(resp.Text)

		gen, parseErr := ParseGeneration(resp.Text)
		if parseErr != nil {
			errs := []validate.Error{{
				Type:    "format",
				Message: fmt.Sprintf("%v; respond with the single JSON object only", parseErr),
			}}
			r.recordAttempt(ctx, attempt, start, resp.Usage, digest, len(errs))
			if attempt == maxAttempts {
				return nil, failf(models.ErrClassAPIError, true, "model output unparseable after %d attempts: %v", maxAttempts, parseErr)
			}
			if current, err = prompt.Retry(basePrompt, errs); err != nil {
				return nil, failf(models.ErrClassAPIError, false, "build retry prompt: %v", err)
			}
			continue
		}

		// A BLOCKED criterion means the ticket cannot proceed at all;
		// retrying would burn attempts on the same wall.
		for _, c := range gen.CriteriaStatus {
			if c.Status == models.CriterionBlocked {
				r.recordAttempt(ctx, attempt, start, resp.Usage, digest, 0)
				return nil, failf(models.ErrClassBlocked, false, "criterion %s blocked: %s", c.ID, c.Evidence)
			}
		}

		// A re-claimed ticket may find leftovers from the previous
		// worker; materialization starts from the branch tip.
		if !resetDone {
			if r.ticket.Attempts >= 1 {
				if err := r.w.git.ResetHard(ctx, r.dir); err != nil {
					return nil, failf(models.ErrClassGitError, true, "reset workspace: %v", err)
				}
			}
			resetDone = true
		}

		files := append([]patch.File{}, gen.Files...)
		for _, t := range gen.Tests {
			files = append(files, patch.File{Path: t.Path, Action: patch.ActionCreate, Content: t.Content})
		}

		result := engine.Apply(files)
		for _, p := range result.Written {
			r.written[p] = struct{}{}
		}

		actions := make(map[string]string, len(files))
		for _, f := range files {
			actions[f.Path] = f.Action
		}
		var errs []validate.Error
		for _, fl := range result.Failed {
			msg := fmt.Sprintf("cannot write %s: %s", fl.Path, fl.Reason)
			if actions[fl.Path] == patch.ActionModify {
				msg = fmt.Sprintf("PATCH FAILED for %s (%s): you must rewrite the full file with action=create", fl.Path, fl.Reason)
			}
			errs = append(errs, validate.Error{Type: "patch", File: fl.Path, Message: msg})
		}
		patchFailed := result.FailedModify(files)

		r.advance(ctx, models.StateVerifying)

		vctx, vcancel := context.WithTimeout(ctx, r.w.cfg.ValidationTimeout())
		errs = append(errs, check(vctx, r.dir, r.validationLevel(), result.Written)...)
		vcancel()

		r.recordAttempt(ctx, attempt, start, resp.Usage, digest, len(errs))

		if len(errs) == 0 {
			return gen, nil
		}

		r.logger.Info("attempt failed checks", "attempt", attempt, "errors", len(errs))
		r.activity(ctx, models.EventValidation, fmt.Sprintf("Attempt %d failed with %d errors", attempt, len(errs)),
			map[string]interface{}{"errors": errs})

		lastErrs, lastPatchFailed = errs, patchFailed

		if attempt < maxAttempts {
			r.advance(ctx, models.StateInProgress)
			if current, err = prompt.Retry(basePrompt, errs); err != nil {
				return nil, failf(models.ErrClassAPIError, false, "build retry prompt: %v", err)
			}
		}
	}

	class := models.ErrClassValidationExhausted
	if lastPatchFailed {
		class = models.ErrClassPatchExhausted
	}
	return nil, failf(class, true, "%d internal attempts exhausted with %d unresolved errors", maxAttempts, len(lastErrs))
}

// fetchSnippets reads the current contents of files the ticket wants
// modified. Missing files are fine at this point: a later create may
// cover them.
func (r *run) fetchSnippets() ([]prompt.Snippet, *pipelineFailure) {
	var snippets []prompt.Snippet
	for _, rel := range r.ticket.FilesToModify {
		data, err := os.ReadFile(filepath.Join(r.dir, filepath.FromSlash(rel)))
		if os.IsNotExist(err) {
			r.logger.Info("file to modify does not exist yet", "path", rel)
			continue
		}
		if err != nil {
			return nil, failf(models.ErrClassGitError, true, "read %s: %v", rel, err)
		}
		snippets = append(snippets, prompt.BoundSnippet(rel, string(data), r.w.cfg.Worker.MaxFileLines))
	}
	return snippets, nil
}

// commitAndPush stages everything, commits with the deterministic author
// identity, and pushes the ticket branch.
func (r *run) commitAndPush(ctx context.Context, gen *Generation) (string, *pipelineFailure) {
	dirty, err := r.w.git.HasChanges(ctx, r.dir)
	if err != nil {
		return "", failf(models.ErrClassGitError, true, "git status: %v", err)
	}
	if !dirty {
		return "", failf(models.ErrClassEmptyCommit, false, "generation produced no changes")
	}

	message := strings.TrimSpace(fmt.Sprintf("%s: %s\n\n%s", r.ticket.Key, r.ticket.Title, gen.Summary))
	sha, err := r.w.git.CommitAll(ctx, r.dir, message, r.w.cfg.Git.AuthorName, r.w.cfg.Git.AuthorEmail)
	if err != nil {
		return "", failf(models.ErrClassGitError, true, "commit: %v", err)
	}

	if err := r.w.git.Push(ctx, r.dir, r.ticket.RepoURL, r.w.gitToken, r.branch); err != nil {
		return "", failf(models.ErrClassGitError, true, "push %s: %v", r.branch, err)
	}

	r.activity(ctx, models.EventGitOperation, "Pushed "+r.branch, map[string]interface{}{
		"commit": sha,
		"branch": r.branch,
	})
	return sha, nil
}

// openPR creates the pull request for the pushed branch.
func (r *run) openPR(ctx context.Context, gen *Generation, sha string) (string, *pipelineFailure) {
	owner, repo, err := forge.ParseRepoURL(r.ticket.RepoURL)
	if err != nil {
		return "", failf(models.ErrClassGitError, false, "repo url: %v", err)
	}

	prURL, err := r.w.forge.CreatePull(ctx, owner, repo, forge.PullRequest{
		Title: fmt.Sprintf("%s: %s", r.ticket.Key, r.ticket.Title),
		Head:  r.branch,
		Base:  r.base,
		Body:  pullRequestBody(gen),
	})
	if err != nil {
		return "", failf(models.ErrClassGitError, true, "create pull request: %v", err)
	}
	return prURL, nil
}

// pullRequestBody renders the PR description: summary, the criteria
// table, and the root cause section when the model reported one.
func pullRequestBody(gen *Generation) string {
	var b strings.Builder
	b.WriteString("## Summary\n\n")
	if gen.Summary != "" {
		b.WriteString(gen.Summary)
	} else {
		b.WriteString("(no summary provided)")
	}

	if len(gen.CriteriaStatus) > 0 {
		b.WriteString("\n\n## Acceptance criteria\n\n")
		b.WriteString("| ID | Criterion | Status | Evidence |\n")
		b.WriteString("|----|-----------|--------|----------|\n")
		for _, c := range gen.CriteriaStatus {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
				c.ID, tableCell(c.Criterion), c.Status, tableCell(c.Evidence))
		}
	}

	if gen.RootCause != "" {
		b.WriteString("\n## Root cause\n\n")
		b.WriteString(gen.RootCause)
	}
	return b.String()
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func (r *run) persona() string {
	if r.settings != nil {
		return r.settings.PersonaInstructions
	}
	return ""
}

func (r *run) validationLevel() models.ValidationLevel {
	if r.settings != nil && r.settings.ValidationLevel != "" {
		return r.settings.ValidationLevel
	}
	return models.ValidationStandard
}

// advance moves the ticket's state. Failures are logged, not fatal: a
// stale claim surfaces through the heartbeat, and losing a cosmetic state
// change is not worth abandoning the run.
func (r *run) advance(ctx context.Context, state models.State) {
	if err := r.w.api.Advance(ctx, r.ticket.ID, r.w.agentID, r.token, state); err != nil {
		r.logger.Warn("status advance failed", "state", state, "error", err)
	}
}

// activity appends a progress event. Best effort.
func (r *run) activity(ctx context.Context, category models.EventCategory, message string, meta map[string]interface{}) {
	if err := r.w.api.AppendActivity(ctx, r.ticket.Key, r.w.agentID, category, message, meta); err != nil {
		r.logger.Warn("activity append failed", "error", err)
	}
}

// recordAttempt appends the attempt-history event: duration, error count,
// token usage, and the digest of the raw generation payload.
func (r *run) recordAttempt(ctx context.Context, attempt int, start time.Time, usage llm.Usage, digest string, errCount int) {
	r.activity(ctx, models.EventCodeGeneration, fmt.Sprintf("Generation attempt %d", attempt), map[string]interface{}{
		"attempt":        attempt,
		"duration_ms":    time.Since(start).Milliseconds(),
		"error_count":    errCount,
		"input_tokens":   usage.InputTokens,
		"output_tokens":  usage.OutputTokens,
		"payload_digest": digest,
	})
}

func (r *run) changedFiles() []string {
	files := make([]string, 0, len(r.written))
	for p := range r.written {
		files = append(files, p)
	}
	sort.Strings(files)
	return files
}

// classifyModelError buckets an LLM failure: HTTP-level replies are
// api_error with the status deciding the retry verdict (rate limits and
// server errors retry, auth and bad requests do not), everything else
// (DNS, connect, timeout) is network_error and retryable. Both abort
// internal retries.
func classifyModelError(err error) *pipelineFailure {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RetryAfter != nil {
			return failf(models.ErrClassAPIError, apiErr.Retryable(),
				"model api: %v (retry after %s)", apiErr, apiErr.RetryAfter.Round(time.Second))
		}
		return failf(models.ErrClassAPIError, apiErr.Retryable(), "model api: %v", apiErr)
	}
	return failf(models.ErrClassNetworkError, true, "model call: %v", err)
}

// payloadDigest is the BLAKE3 digest of the raw model output, recorded in
// the attempt history so identical regenerations are visible.
func payloadDigest(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
