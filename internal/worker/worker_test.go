package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/forge"
	"github.com/parallax-code/gantry/internal/llm"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/validate"
)

// fakeLLM replays scripted responses and records every request.
type fakeLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	replies  []string
	errs     []error
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.requests)
	f.requests = append(f.requests, req)
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.replies) {
		return nil, errors.New("fakeLLM: no reply scripted for this call")
	}
	return &llm.Response{
		Text:  f.replies[i],
		Usage: llm.Usage{InputTokens: 120, OutputTokens: 40},
	}, nil
}

// fakeGit satisfies Git without shelling out. EnsureWorkspace creates the
// directory for real so the patch engine has somewhere to write.
type fakeGit struct {
	mu         sync.Mutex
	hasChanges bool
	sha        string
	pushErr    error

	resets    int
	checkouts [][3]string
	commits   []string
	pushes    []string
}

func (g *fakeGit) EnsureWorkspace(_ context.Context, dir, _, _ string) (bool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, err
	}
	return true, nil
}

func (g *fakeGit) CheckoutBranch(_ context.Context, dir, branch, base string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, [3]string{dir, branch, base})
	return nil
}

func (g *fakeGit) ResetHard(_ context.Context, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	return nil
}

func (g *fakeGit) HasChanges(_ context.Context, _ string) (bool, error) {
	return g.hasChanges, nil
}

func (g *fakeGit) CommitAll(_ context.Context, _, message, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits = append(g.commits, message)
	return g.sha, nil
}

func (g *fakeGit) Push(_ context.Context, _, _, _, branch string) error {
	if g.pushErr != nil {
		return g.pushErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushes = append(g.pushes, branch)
	return nil
}

// fakeForge records the pull request it was asked to open.
type fakeForge struct {
	mu    sync.Mutex
	url   string
	err   error
	owner string
	repo  string
	pr    forge.PullRequest
	calls int
}

func (f *fakeForge) CreatePull(_ context.Context, owner, repo string, pr forge.PullRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.owner, f.repo, f.pr = owner, repo, pr
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type recordedActivity struct {
	Category string
	Message  string
	Metadata map[string]any
}

// orchestrator is an httptest stand-in for the gantry server, recording
// everything the worker reports back.
type orchestrator struct {
	mu         sync.Mutex
	statuses   []string
	activities []recordedActivity
	completes  []map[string]any
	fails      []map[string]any
	heartbeats int
	staleBeats bool
}

func newOrchestrator(t *testing.T) (*orchestrator, *httptest.Server) {
	t.Helper()
	rec := &orchestrator{}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /claim", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /heartbeat", func(w http.ResponseWriter, r *http.Request) {
		rec.mu.Lock()
		rec.heartbeats++
		stale := rec.staleBeats
		rec.mu.Unlock()
		if stale {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error": "stale_claim", "message": "claim token does not match"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"claim_expires_at": time.Now().Add(30 * time.Minute)})
	})
	mux.HandleFunc("POST /status", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			State string `json:"state"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.statuses = append(rec.statuses, body.State)
		rec.mu.Unlock()
		_, _ = w.Write([]byte(`{"ticket": {}}`))
	})
	mux.HandleFunc("POST /complete", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.completes = append(rec.completes, body)
		rec.mu.Unlock()
		_, _ = w.Write([]byte(`{"ticket": {}}`))
	})
	mux.HandleFunc("POST /fail", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.fails = append(rec.fails, body)
		rec.mu.Unlock()
		_, _ = w.Write([]byte(`{"ticket": {}}`))
	})
	mux.HandleFunc("POST /tickets/{key}/activity", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Category string         `json:"category"`
			Message  string         `json:"message"`
			Metadata map[string]any `json:"metadata"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.activities = append(rec.activities, recordedActivity{body.Category, body.Message, body.Metadata})
		rec.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return rec, srv
}

func (o *orchestrator) categories() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.activities))
	for i, a := range o.activities {
		out[i] = a.Category
	}
	return out
}

func (o *orchestrator) countCategory(cat string) int {
	n := 0
	for _, c := range o.categories() {
		if c == cat {
			n++
		}
	}
	return n
}

func (o *orchestrator) firstActivity(cat string) (recordedActivity, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range o.activities {
		if a.Category == cat {
			return a, true
		}
	}
	return recordedActivity{}, false
}

func newTestWorker(t *testing.T, orchURL string, llmc llm.Client, g Git, f Forge, vf validateFunc) *Worker {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Worker.OrchestratorURL = orchURL
	cfg.Worker.WorkspaceRoot = t.TempDir()
	cfg.Worker.MaxInternalAttempts = 2
	cfg.Worker.PollIntervalSeconds = 1
	cfg.Worker.TicketTimeoutMinutes = 1
	if vf == nil {
		vf = func(context.Context, string, models.ValidationLevel, []string) []validate.Error { return nil }
	}
	return &Worker{
		cfg:      cfg,
		api:      NewAPIClient(orchURL, "test-key"),
		llm:      llmc,
		git:      g,
		forge:    f,
		validate: vf,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		agentID:  "agent-test",
		gitToken: "hub-token",
	}
}

func testClaim() *Claim {
	return &Claim{
		Ticket: &models.Ticket{
			ID:    7,
			Key:   "TKT-0A1B2C3D",
			Title: "Add foo helper",
			State: models.StateAssigned,
			Criteria: []models.AcceptanceCriterion{
				{ID: "AC-1", Description: "exports foo"},
			},
			FilesToCreate: []string{"src/a.js"},
			RepoURL:       "https://github.com/acme/site",
			BranchName:    "gantry/tkt-0a1b2c3d-add-foo-helper",
			Scope:         models.ScopeSmall,
			MaxAttempts:   3,
		},
		ClaimToken:     "claim-tok",
		ClaimExpiresAt: time.Now().Add(30 * time.Minute),
		Settings: &models.ProjectSettings{
			ValidationLevel:     models.ValidationStandard,
			MaxAttempts:         3,
			ClaimTTLSeconds:     1800,
			BaseBranch:          "main",
			Persona:             "implementer",
			PersonaInstructions: "You write minimal, tested changes.",
		},
	}
}

const happyGeneration = `{
  "files": [{"path": "src/a.js", "action": "create", "content": "export function foo() { return 1; }\n"}],
  "tests": [{"path": "src/a.test.js", "content": "test('foo', () => {});\n"}],
  "summary": "Adds foo.",
  "acceptance_criteria_status": [
    {"id": "AC-1", "criterion": "exports foo", "status": "SATISFIED", "evidence": "src/a.js exports foo"}
  ]
}`

func TestExecuteHappyPath(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true, sha: "abc1234"}
	f := &fakeForge{url: "https://github.com/acme/site/pull/12"}
	l := &fakeLLM{replies: []string{"```json\n" + happyGeneration + "\n```"}}

	var vRoot string
	var vLevel models.ValidationLevel
	var vFiles []string
	vf := func(_ context.Context, root string, fallback models.ValidationLevel, files []string) []validate.Error {
		vRoot, vLevel, vFiles = root, fallback, files
		return nil
	}

	w := newTestWorker(t, srv.URL, l, g, f, vf)
	claim := testClaim()
	w.execute(claim)

	// The completion report carries the claim token and the outcome.
	require.Len(t, rec.completes, 1, "fails: %v", rec.fails)
	c := rec.completes[0]
	assert.Equal(t, float64(7), c["ticket_id"])
	assert.Equal(t, "claim-tok", c["claim_token"])
	assert.Equal(t, true, c["success"])
	assert.Equal(t, "https://github.com/acme/site/pull/12", c["pr_url"])
	assert.Equal(t, "abc1234", c["commit_sha"])
	assert.Equal(t, "gantry/tkt-0a1b2c3d-add-foo-helper", c["branch_name"])

	files, ok := c["files_changed"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"src/a.js", "src/a.test.js"}, files)

	criteria, ok := c["criteria_status"].([]any)
	require.True(t, ok)
	require.Len(t, criteria, 1)
	assert.Equal(t, "AC-1", criteria[0].(map[string]any)["id"])
	assert.Equal(t, "SATISFIED", criteria[0].(map[string]any)["status"])

	// The generated file and its test landed in the real workspace.
	dir := filepath.Join(w.cfg.Worker.WorkspaceRoot, "TKT-0A1B2C3D")
	data, err := os.ReadFile(filepath.Join(dir, "src", "a.js"))
	require.NoError(t, err)
	assert.Equal(t, "export function foo() { return 1; }\n", string(data))
	_, err = os.Stat(filepath.Join(dir, "src", "a.test.js"))
	require.NoError(t, err)

	// Model request: persona as system prompt, scope-selected model,
	// ticket material in the prompt.
	require.Len(t, l.requests, 1)
	assert.Equal(t, "You write minimal, tested changes.", l.requests[0].System)
	assert.Equal(t, "claude-haiku-4-5", l.requests[0].Model)
	assert.Equal(t, 8192, l.requests[0].MaxTokens)
	assert.Contains(t, l.requests[0].Prompt, "# Ticket TKT-0A1B2C3D: Add foo helper")
	assert.Contains(t, l.requests[0].Prompt, "AC-1: exports foo")

	// Validators saw the workspace and both written files.
	assert.Equal(t, dir, vRoot)
	assert.Equal(t, models.ValidationStandard, vLevel)
	assert.Equal(t, []string{"src/a.js", "src/a.test.js"}, vFiles)

	// State walked in_progress then verifying; activity trail has the
	// workspace, attempt, and push events in order.
	assert.Equal(t, []string{"in_progress", "verifying"}, rec.statuses)
	assert.Equal(t, []string{"git_operation", "code_generation", "git_operation"}, rec.categories())

	gen, ok := rec.firstActivity("code_generation")
	require.True(t, ok)
	assert.Equal(t, float64(1), gen.Metadata["attempt"])
	assert.Equal(t, float64(0), gen.Metadata["error_count"])
	assert.Equal(t, float64(120), gen.Metadata["input_tokens"])
	assert.Equal(t, float64(40), gen.Metadata["output_tokens"])
	digest, _ := gen.Metadata["payload_digest"].(string)
	assert.Len(t, digest, 64)

	// Git and forge surfaces.
	require.Len(t, g.commits, 1)
	assert.Equal(t, "TKT-0A1B2C3D: Add foo helper\n\nAdds foo.", g.commits[0])
	assert.Equal(t, []string{"gantry/tkt-0a1b2c3d-add-foo-helper"}, g.pushes)
	assert.Zero(t, g.resets, "first attempt must not reset the workspace")
	require.Len(t, g.checkouts, 1)
	assert.Equal(t, "main", g.checkouts[0][2])

	assert.Equal(t, "acme", f.owner)
	assert.Equal(t, "site", f.repo)
	assert.Equal(t, "TKT-0A1B2C3D: Add foo helper", f.pr.Title)
	assert.Equal(t, "main", f.pr.Base)
	assert.Contains(t, f.pr.Body, "| AC-1 |")

	assert.Empty(t, rec.fails)
}

func TestExecutePatchFallbackRetry(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true, sha: "def5678"}
	f := &fakeForge{url: "https://github.com/acme/site/pull/13"}

	patchMiss := `{
	  "files": [{"path": "src/b.js", "action": "modify", "patches": [{"search": "const missing = 9;", "replace": "const missing = 10;"}]}],
	  "summary": "Tweak b.",
	  "acceptance_criteria_status": [{"id": "AC-1", "criterion": "exports foo", "status": "SATISFIED", "evidence": "ok"}]
	}`
	rewrite := `{
	  "files": [{"path": "src/b.js", "action": "create", "content": "const value = 2;\n"}],
	  "summary": "Rewrote b.",
	  "acceptance_criteria_status": [{"id": "AC-1", "criterion": "exports foo", "status": "SATISFIED", "evidence": "ok"}],
	  "root_cause_analysis": "Patch anchored on a line that does not exist."
	}`
	l := &fakeLLM{replies: []string{patchMiss, rewrite}}

	w := newTestWorker(t, srv.URL, l, g, f, nil)
	claim := testClaim()
	claim.Ticket.FilesToCreate = nil
	claim.Ticket.FilesToModify = []string{"src/b.js"}

	// Seed the file the ticket wants modified.
	dir := filepath.Join(w.cfg.Worker.WorkspaceRoot, claim.Ticket.Key)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "b.js"), []byte("const value = 1;\n"), 0o644))

	w.execute(claim)

	require.Len(t, l.requests, 2)
	// Attempt 1 saw the current file contents.
	assert.Contains(t, l.requests[0].Prompt, "const value = 1;")
	// Attempt 2 got the structured patch failure and the create fallback
	// directive on top of the original prompt.
	assert.Contains(t, l.requests[1].Prompt, "## Fix these errors")
	assert.Contains(t, l.requests[1].Prompt, "PATCH FAILED for src/b.js")
	assert.Contains(t, l.requests[1].Prompt, "action=create")
	assert.Contains(t, l.requests[1].Prompt, "# Ticket TKT-0A1B2C3D: Add foo helper")

	// The rewrite landed.
	data, err := os.ReadFile(filepath.Join(dir, "src", "b.js"))
	require.NoError(t, err)
	assert.Equal(t, "const value = 2;\n", string(data))

	require.Len(t, rec.completes, 1, "fails: %v", rec.fails)
	assert.Contains(t, f.pr.Body, "## Root cause")

	// Attempt history has both generations and the one validation failure;
	// state bounced back to in_progress for the retry.
	assert.Equal(t, 2, rec.countCategory("code_generation"))
	assert.Equal(t, 1, rec.countCategory("validation"))
	assert.Equal(t, []string{"in_progress", "verifying", "in_progress", "verifying"}, rec.statuses)
}

func TestExecuteBlockedCriterion(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true}
	blocked := `{
	  "files": [],
	  "summary": "Cannot proceed.",
	  "acceptance_criteria_status": [{"id": "AC-1", "criterion": "exports foo", "status": "BLOCKED", "evidence": "repo lacks a payments API"}]
	}`
	l := &fakeLLM{replies: []string{blocked}}

	w := newTestWorker(t, srv.URL, l, g, &fakeForge{}, nil)
	w.execute(testClaim())

	assert.Empty(t, rec.completes)
	require.Len(t, rec.fails, 1)
	fail := rec.fails[0]
	assert.Equal(t, "blocked", fail["error_class"])
	assert.Equal(t, false, fail["should_retry"])
	msg, _ := fail["error_message"].(string)
	assert.Contains(t, msg, "AC-1")
	assert.Contains(t, msg, "repo lacks a payments API")

	// Nothing was committed and no second attempt was burned.
	assert.Empty(t, g.commits)
	require.Len(t, l.requests, 1)
	assert.Equal(t, []string{"in_progress"}, rec.statuses)
}

func TestExecuteValidationExhausted(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true}
	l := &fakeLLM{replies: []string{happyGeneration, happyGeneration}}

	vf := func(context.Context, string, models.ValidationLevel, []string) []validate.Error {
		return []validate.Error{{Type: validate.TypeLint, File: "src/a.js", Line: 3, Column: 7, Message: "no-unused-vars 'x'"}}
	}

	w := newTestWorker(t, srv.URL, l, g, &fakeForge{}, vf)
	w.execute(testClaim())

	require.Len(t, l.requests, 2)
	assert.Contains(t, l.requests[1].Prompt, "[lint] src/a.js:3:7 no-unused-vars 'x'")

	require.Len(t, rec.fails, 1)
	fail := rec.fails[0]
	assert.Equal(t, "validation_exhausted", fail["error_class"])
	assert.Equal(t, true, fail["should_retry"])
	msg, _ := fail["error_message"].(string)
	assert.Contains(t, msg, "2 internal attempts exhausted")

	assert.Empty(t, g.commits)
	assert.Equal(t, 2, rec.countCategory("code_generation"))
	assert.Equal(t, 2, rec.countCategory("validation"))
}

func TestExecutePatchExhausted(t *testing.T) {
	rec, srv := newOrchestrator(t)
	patchMiss := `{
	  "files": [{"path": "src/b.js", "action": "modify", "patches": [{"search": "const missing = 9;", "replace": "const missing = 10;"}]}],
	  "summary": "Tweak b.",
	  "acceptance_criteria_status": [{"id": "AC-1", "criterion": "exports foo", "status": "SATISFIED", "evidence": "ok"}]
	}`
	l := &fakeLLM{replies: []string{patchMiss}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.cfg.Worker.MaxInternalAttempts = 1
	claim := testClaim()
	claim.Ticket.FilesToCreate = nil
	claim.Ticket.FilesToModify = []string{"src/b.js"}
	w.execute(claim)

	require.Len(t, rec.fails, 1)
	assert.Equal(t, "patch_exhausted", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])
	msg, _ := rec.fails[0]["error_message"].(string)
	assert.Contains(t, msg, "1 internal attempts exhausted")
}

func TestExecuteProtectedPathRejected(t *testing.T) {
	rec, srv := newOrchestrator(t)
	protected := `{
	  "files": [{"path": ".github/workflows/ci.yml", "action": "create", "content": "on: push\n"}],
	  "summary": "Edit CI.",
	  "acceptance_criteria_status": [{"id": "AC-1", "criterion": "exports foo", "status": "SATISFIED", "evidence": "ok"}]
	}`
	l := &fakeLLM{replies: []string{protected}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.cfg.Worker.MaxInternalAttempts = 1
	claim := testClaim()
	w.execute(claim)

	// A rejected create is not a patch failure, so the class stays
	// validation_exhausted.
	require.Len(t, rec.fails, 1)
	assert.Equal(t, "validation_exhausted", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])

	// The protected path never touched disk.
	dir := filepath.Join(w.cfg.Worker.WorkspaceRoot, claim.Ticket.Key)
	_, err := os.Stat(filepath.Join(dir, ".github", "workflows", "ci.yml"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecuteUnparseableOutput(t *testing.T) {
	rec, srv := newOrchestrator(t)
	l := &fakeLLM{replies: []string{"I cannot help with that.", "Still prose."}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.execute(testClaim())

	require.Len(t, l.requests, 2)
	assert.Contains(t, l.requests[1].Prompt, "respond with the single JSON object only")

	require.Len(t, rec.fails, 1)
	assert.Equal(t, "api_error", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])
	msg, _ := rec.fails[0]["error_message"].(string)
	assert.Contains(t, msg, "unparseable after 2 attempts")
}

func TestExecuteEmptyCommit(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: false}
	l := &fakeLLM{replies: []string{happyGeneration}}

	w := newTestWorker(t, srv.URL, l, g, &fakeForge{}, nil)
	w.execute(testClaim())

	require.Len(t, rec.fails, 1)
	assert.Equal(t, "empty_commit", rec.fails[0]["error_class"])
	assert.Equal(t, false, rec.fails[0]["should_retry"])
	msg, _ := rec.fails[0]["error_message"].(string)
	assert.Contains(t, msg, "no changes")
	assert.Empty(t, g.commits)
}

func TestExecuteModelAPIError(t *testing.T) {
	rec, srv := newOrchestrator(t)
	retryAfter := 30 * time.Second
	l := &fakeLLM{errs: []error{llm.ErrorFromStatus(529, "overloaded", &retryAfter)}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.execute(testClaim())

	// Transport-level failures abort internal retries immediately.
	require.Len(t, l.requests, 1)
	require.Len(t, rec.fails, 1)
	assert.Equal(t, "api_error", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])
	msg, _ := rec.fails[0]["error_message"].(string)
	assert.Contains(t, msg, "model api")
	assert.Contains(t, msg, "retry after 30s")
}

func TestExecuteModelAuthError(t *testing.T) {
	rec, srv := newOrchestrator(t)
	l := &fakeLLM{errs: []error{llm.ErrorFromStatus(401, "invalid x-api-key", nil)}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.execute(testClaim())

	// An auth failure will not improve with another attempt.
	require.Len(t, rec.fails, 1)
	assert.Equal(t, "api_error", rec.fails[0]["error_class"])
	assert.Equal(t, false, rec.fails[0]["should_retry"])
}

func TestExecuteNetworkError(t *testing.T) {
	rec, srv := newOrchestrator(t)
	l := &fakeLLM{errs: []error{errors.New("dial tcp: connection refused")}}

	w := newTestWorker(t, srv.URL, l, &fakeGit{}, &fakeForge{}, nil)
	w.execute(testClaim())

	require.Len(t, rec.fails, 1)
	assert.Equal(t, "network_error", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])
}

func TestExecutePushFailure(t *testing.T) {
	rec, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true, sha: "abc1234", pushErr: errors.New("remote: permission denied")}
	l := &fakeLLM{replies: []string{happyGeneration}}

	w := newTestWorker(t, srv.URL, l, g, &fakeForge{}, nil)
	w.execute(testClaim())

	require.Len(t, rec.fails, 1)
	assert.Equal(t, "git_error", rec.fails[0]["error_class"])
	assert.Equal(t, true, rec.fails[0]["should_retry"])
	msg, _ := rec.fails[0]["error_message"].(string)
	assert.Contains(t, msg, "push")
}

func TestExecuteResetsWorkspaceOnReclaim(t *testing.T) {
	_, srv := newOrchestrator(t)
	g := &fakeGit{hasChanges: true, sha: "abc1234"}
	l := &fakeLLM{replies: []string{happyGeneration}}

	w := newTestWorker(t, srv.URL, l, g, &fakeForge{url: "https://github.com/acme/site/pull/14"}, nil)
	claim := testClaim()
	claim.Ticket.Attempts = 1 // a previous worker already tried this ticket
	w.execute(claim)

	assert.Equal(t, 1, g.resets)
}

func TestHeartbeatStaleClaimCancelsPipeline(t *testing.T) {
	rec, srv := newOrchestrator(t)
	rec.staleBeats = true

	w := newTestWorker(t, srv.URL, &fakeLLM{}, &fakeGit{}, &fakeForge{}, nil)
	claim := testClaim()
	claim.Settings.ClaimTTLSeconds = 1 // 250ms heartbeat period

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := w.startHeartbeat(ctx, cancel, claim)
	defer stop()

	require.Eventually(t, func() bool { return ctx.Err() != nil }, 3*time.Second, 25*time.Millisecond,
		"a stale heartbeat must cancel the pipeline context")

	rec.mu.Lock()
	beats := rec.heartbeats
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, beats, 1)
}

func TestRunStopsOnCancel(t *testing.T) {
	_, srv := newOrchestrator(t) // claim endpoint always replies 204

	w := newTestWorker(t, srv.URL, &fakeLLM{}, &fakeGit{}, &fakeForge{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestSelectModel(t *testing.T) {
	cfg := config.DefaultConfig()
	w := &Worker{cfg: cfg}

	ticket := &models.Ticket{Scope: models.ScopeLarge}
	settings := &models.ProjectSettings{}

	m, err := w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", m, "scope map is the floor")

	ticket.Scope = ""
	m, err = w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", m, "empty scope falls back to medium")

	ticket.Model = "claude-haiku-4-5"
	m, err = w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", m, "ticket override beats the scope map")

	settings.Model = "claude-opus-4-1"
	m, err = w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", m, "project setting beats the ticket")

	cfg.Worker.ModelAllowList = []string{"claude-haiku-4-5"}
	m, err = w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", m, "allow-list blocks the project setting")

	cfg.Worker.Model = "claude-opus-4-1"
	m, err = w.selectModel(ticket, settings)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus-4-1", m, "global override wins")
}

func TestSelectModelNoScopeMapping(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Worker.ScopeModels = nil
	w := &Worker{cfg: cfg}

	_, err := w.selectModel(&models.Ticket{Scope: models.ScopeSmall}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no model configured")
}

func TestHeartbeatPeriod(t *testing.T) {
	cfg := config.DefaultConfig()
	w := &Worker{cfg: cfg}

	assert.Equal(t, 450*time.Second, w.heartbeatPeriod(&models.ProjectSettings{ClaimTTLSeconds: 1800}),
		"quarter of the claim TTL")
	assert.Equal(t, cfg.HeartbeatPeriod(), w.heartbeatPeriod(nil),
		"config fallback when settings are absent")

	cfg.Worker.HeartbeatSeconds = 20
	assert.Equal(t, 20*time.Second, w.heartbeatPeriod(&models.ProjectSettings{ClaimTTLSeconds: 1800}),
		"explicit config wins")
}
