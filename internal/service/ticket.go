// Package service implements the orchestration workflows: ticket
// lifecycle, the claim/heartbeat/complete protocol, review verdicts, and
// the escalation queue. Services coordinate repositories and the state
// machine; every state change runs its CAS update and event append in
// one transaction.
package service

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/parallax-code/gantry/internal/common"
	"github.com/parallax-code/gantry/internal/config"
	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/errors"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/state"
)

// claimRetryLimit bounds how many CAS losses a single Claim call absorbs
// before reporting an empty queue.
const claimRetryLimit = 8

// TicketService provides the ticket workflow operations: create, promote,
// claim, heartbeat, advance, complete, fail, review, cancel, and requeue.
type TicketService struct {
	db          *sql.DB
	tickets     *db.TicketRepo
	projects    *db.ProjectRepo
	personas    *db.PersonaRepo
	deps        *db.DependencyRepo
	epics       *db.EpicRepo
	events      *db.EventRepo
	escalations *db.EscalationRepo
	machine     *state.Machine
	defaults    config.DefaultsConfig

	notify func(*models.Event)
}

// NewTicketService creates a TicketService over the given database.
// defaults supplies the global settings that project overrides merge onto.
func NewTicketService(database *sql.DB, defaults config.DefaultsConfig) *TicketService {
	return &TicketService{
		db:          database,
		tickets:     db.NewTicketRepo(database),
		projects:    db.NewProjectRepo(database),
		personas:    db.NewPersonaRepo(database),
		deps:        db.NewDependencyRepo(database),
		epics:       db.NewEpicRepo(database),
		events:      db.NewEventRepo(database),
		escalations: db.NewEscalationRepo(database),
		machine:     state.NewMachine(),
		defaults:    defaults,
	}
}

// OnEvent registers a callback invoked after each committed event append.
// The server wires this to the SSE broadcaster.
func (s *TicketService) OnEvent(fn func(*models.Event)) {
	s.notify = fn
}

// emit delivers committed events to the notify callback, if any.
func (s *TicketService) emit(events ...*models.Event) {
	if s.notify == nil {
		return
	}
	for _, ev := range events {
		if ev != nil {
			s.notify(ev)
		}
	}
}

// txRepos bundles the repositories bound to one transaction.
type txRepos struct {
	tickets     *db.TicketRepo
	events      *db.EventRepo
	escalations *db.EscalationRepo
}

// transact runs fn inside a transaction. The CAS update and its event
// append commit or roll back together.
func (s *TicketService) transact(fn func(tx *txRepos) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.WrapStorage(err, "failed to begin transaction")
	}
	repos := &txRepos{
		tickets:     db.NewTicketRepo(tx),
		events:      db.NewEventRepo(tx),
		escalations: db.NewEscalationRepo(tx),
	}
	if err := fn(repos); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapStorage(err, "failed to commit transaction")
	}
	return nil
}

// CreateTicketInput carries the fields for a new ticket.
type CreateTicketInput struct {
	Title         string
	Description   string
	Criteria      []string
	FilesToCreate []string
	FilesToModify []string
	Scope         string
	RepoURL       string
	BaseBranch    string
	Model         string
	MaxAttempts   int
	ProjectKey    string
	EpicKey       string
	DependsOn     []string
	Ready         bool
	Actor         string
}

// Create creates a ticket in draft (or ready when input.Ready is set and
// the ticket is well-formed), registers its dependencies, and appends the
// creation event.
func (s *TicketService) Create(input CreateTicketInput) (*models.Ticket, error) {
	ticket := &models.Ticket{
		Key:           common.NewTicketKey(),
		Title:         strings.TrimSpace(input.Title),
		Description:   input.Description,
		State:         models.StateDraft,
		FilesToCreate: input.FilesToCreate,
		FilesToModify: input.FilesToModify,
		RepoURL:       input.RepoURL,
		BaseBranch:    input.BaseBranch,
		Model:         input.Model,
		MaxAttempts:   input.MaxAttempts,
	}

	for i, desc := range input.Criteria {
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		ticket.Criteria = append(ticket.Criteria, models.AcceptanceCriterion{
			ID:          fmt.Sprintf("AC-%d", i+1),
			Description: desc,
		})
	}

	if input.Scope != "" {
		scope, err := models.ParseScope(input.Scope)
		if err != nil {
			return nil, errors.InvalidArgs("%v", err)
		}
		ticket.Scope = scope
	}

	if input.ProjectKey != "" {
		project, err := s.projects.GetByKey(strings.ToUpper(input.ProjectKey))
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load project")
		}
		if project == nil {
			return nil, errors.NotFound("project %s not found", strings.ToUpper(input.ProjectKey))
		}
		ticket.ProjectID = &project.ID
		ticket.ProjectKey = project.Key
		if ticket.RepoURL == "" {
			ticket.RepoURL = project.RepoURL
		}
		if ticket.BaseBranch == "" {
			ticket.BaseBranch = project.BaseBranch
		}
	}

	if input.EpicKey != "" {
		key, err := common.NormalizeEpicKey(input.EpicKey)
		if err != nil {
			return nil, errors.InvalidArgs("%v", err)
		}
		epic, err := s.epics.GetByKey(key)
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load epic")
		}
		if epic == nil {
			return nil, errors.NotFound("epic %s not found", key)
		}
		ticket.EpicID = &epic.ID
		ticket.EpicKey = epic.Key
	}

	if input.Ready {
		if !ticket.WellFormed() {
			return nil, errors.StateError("ticket cannot start ready: it needs at least one target file and one acceptance criterion")
		}
		ticket.State = models.StateReady
	}

	ticket.BranchName = common.BranchName(ticket.Key, ticket.Title)

	if err := ticket.Validate(); err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}

	// Resolve dependency keys before touching the store so a bad key
	// fails the whole create.
	var prereqs []*models.Ticket
	for _, depKey := range input.DependsOn {
		prereq, err := s.Get(depKey)
		if err != nil {
			return nil, err
		}
		prereqs = append(prereqs, prereq)
	}

	if err := s.tickets.Create(ticket); err != nil {
		return nil, errors.WrapStorage(err, "failed to create ticket")
	}

	for _, prereq := range prereqs {
		if err := s.deps.Add(ticket.ID, prereq.ID); err != nil {
			return nil, errors.Wrap(err, errors.KindInvalidArgs, "failed to add dependency on %s", prereq.Key)
		}
	}

	ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorHuman, input.Actor,
		fmt.Sprintf("Ticket created in %s", ticket.State))
	if err := s.events.Append(ev); err != nil {
		return nil, errors.WrapStorage(err, "failed to append event")
	}
	s.emit(ev)

	return s.reload(ticket.ID)
}

// Get returns a ticket by its key (case-insensitive, TKT- prefix optional).
func (s *TicketService) Get(key string) (*models.Ticket, error) {
	normalized, err := common.NormalizeTicketKey(key)
	if err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}
	ticket, err := s.tickets.GetByKey(normalized)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to get ticket")
	}
	if ticket == nil {
		return nil, errors.NotFound("ticket %s not found", normalized).
			WithSuggestion("Run 'gantry ticket list' to see known tickets.")
	}
	return ticket, nil
}

// List returns tickets matching the filter.
func (s *TicketService) List(filter db.TicketFilter) ([]*models.Ticket, error) {
	tickets, err := s.tickets.List(filter)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to list tickets")
	}
	return tickets, nil
}

// TicketDetail is a ticket with its dependency neighborhood.
type TicketDetail struct {
	Ticket        *models.Ticket   `json:"ticket"`
	Prerequisites []*models.Ticket `json:"prerequisites,omitempty"`
	Dependents    []*models.Ticket `json:"dependents,omitempty"`
}

// Detail returns a ticket with its prerequisites and dependents.
func (s *TicketService) Detail(key string) (*TicketDetail, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	prereqs, err := s.deps.GetPrerequisites(ticket.ID)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load prerequisites")
	}
	dependents, err := s.deps.GetDependents(ticket.ID)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to load dependents")
	}
	return &TicketDetail{Ticket: ticket, Prerequisites: prereqs, Dependents: dependents}, nil
}

// MarkReady promotes a draft ticket into the ready queue.
func (s *TicketService) MarkReady(key, actor string) (*models.Ticket, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if err := s.machine.CanTransition(ticket, models.StateReady, state.TransitionTypeManual, ""); err != nil {
		return nil, errors.StateError("%v", err)
	}
	if ticket.State == models.StateDraft && !ticket.WellFormed() {
		return nil, errors.StateError("ticket %s is not well-formed: it needs at least one target file and one acceptance criterion", ticket.Key)
	}

	ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorHuman, actor, "Approved for work")
	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.TransitionState(ticket.ID, ticket.State, models.StateReady)
		if err != nil {
			return errors.WrapStorage(err, "failed to transition ticket")
		}
		if !ok {
			return errors.StaleState("ticket %s moved out of %s", ticket.Key, ticket.State)
		}
		return tx.events.Append(ev)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return s.reload(ticket.ID)
}

// Cancel cancels a ticket from any non-terminal state. A live claim is
// not interrupted; the worker discovers the cancellation as a stale claim
// on its next heartbeat and must not push.
func (s *TicketService) Cancel(key, actor, reason string) (*models.Ticket, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if err := s.machine.CanTransition(ticket, models.StateCancelled, state.TransitionTypeManual, reason); err != nil {
		return nil, errors.StateError("%v", err)
	}

	msg := "Cancelled"
	if reason != "" {
		msg = "Cancelled: " + reason
	}
	ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorHuman, actor, msg)
	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.Cancel(ticket.ID, ticket.State)
		if err != nil {
			return errors.WrapStorage(err, "failed to cancel ticket")
		}
		if !ok {
			return errors.StaleState("ticket %s moved out of %s", ticket.Key, ticket.State)
		}
		if _, err := tx.escalations.ResolveByTicket(ticket.ID); err != nil {
			return errors.WrapStorage(err, "failed to resolve escalations")
		}
		return tx.events.Append(ev)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return s.reload(ticket.ID)
}

// Requeue returns a needs_review or quarantined ticket to the ready queue
// with a fresh attempt budget.
func (s *TicketService) Requeue(key, actor string) (*models.Ticket, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if ticket.State != models.StateNeedsReview && ticket.State != models.StateQuarantined {
		return nil, errors.StateError("ticket %s is %s; only needs_review or quarantined tickets can be requeued", ticket.Key, ticket.State)
	}

	ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorHuman, actor,
		"Requeued with a fresh attempt budget")
	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.Requeue(ticket.ID, ticket.State)
		if err != nil {
			return errors.WrapStorage(err, "failed to requeue ticket")
		}
		if !ok {
			return errors.StaleState("ticket %s moved out of %s", ticket.Key, ticket.State)
		}
		if _, err := tx.escalations.ResolveByTicket(ticket.ID); err != nil {
			return errors.WrapStorage(err, "failed to resolve escalations")
		}
		return tx.events.Append(ev)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return s.reload(ticket.ID)
}

// AddDependency records that ticket must wait for prerequisite. Self and
// cyclic edges are rejected.
func (s *TicketService) AddDependency(ticketKey, prereqKey, actor string) error {
	ticket, err := s.Get(ticketKey)
	if err != nil {
		return err
	}
	prereq, err := s.Get(prereqKey)
	if err != nil {
		return err
	}
	if err := s.deps.Add(ticket.ID, prereq.ID); err != nil {
		return errors.Wrap(err, errors.KindInvalidArgs, "failed to add dependency")
	}

	ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorHuman, actor,
		fmt.Sprintf("Now depends on %s", prereq.Key))
	if err := s.events.Append(ev); err != nil {
		return errors.WrapStorage(err, "failed to append event")
	}
	s.emit(ev)
	return nil
}

// ClaimRequest identifies the polling agent and optional queue filters.
type ClaimRequest struct {
	AgentID    string `json:"agent_id"`
	ProjectKey string `json:"project_id,omitempty"`
	EpicKey    string `json:"epic,omitempty"`
}

// ClaimResult is a won claim: the ticket, the bearer token for the claim,
// and the settings the worker should run under.
type ClaimResult struct {
	Ticket         *models.Ticket          `json:"ticket"`
	ClaimToken     string                  `json:"claim_token"`
	ClaimExpiresAt time.Time               `json:"claim_expires_at"`
	Settings       *models.ProjectSettings `json:"project_settings"`

	// Conflicts is how many tickets were lost to concurrent claims
	// before this one was granted. Internal instrumentation, not part
	// of the response body.
	Conflicts int `json:"-"`
}

// Claim atomically assigns the oldest eligible ready ticket to agentID.
// Returns (nil, nil) when no ticket is eligible. A lost CAS race excludes
// the contested ticket and retries, up to claimRetryLimit times.
func (s *TicketService) Claim(req ClaimRequest) (*ClaimResult, error) {
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, errors.InvalidArgs("agent_id is required")
	}

	var projectID *int64
	if req.ProjectKey != "" {
		project, err := s.projects.GetByKey(strings.ToUpper(req.ProjectKey))
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load project")
		}
		if project == nil {
			return nil, errors.NotFound("project %s not found", strings.ToUpper(req.ProjectKey))
		}
		projectID = &project.ID
	}

	var epicID *int64
	if req.EpicKey != "" {
		key, err := common.NormalizeEpicKey(req.EpicKey)
		if err != nil {
			return nil, errors.InvalidArgs("%v", err)
		}
		epic, err := s.epics.GetByKey(key)
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load epic")
		}
		if epic == nil {
			return nil, errors.NotFound("epic %s not found", key)
		}
		epicID = &epic.ID
	}

	var excluded []int64
	for i := 0; i < claimRetryLimit; i++ {
		candidate, err := s.tickets.NextReady(projectID, epicID, excluded)
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to query ready queue")
		}
		if candidate == nil {
			return nil, nil
		}

		settings, err := s.ResolveSettings(candidate)
		if err != nil {
			return nil, err
		}

		token := common.NewClaimToken()
		expiresAt := time.Now().Add(time.Duration(settings.ClaimTTLSeconds) * time.Second)

		ev, err := models.NewEventWithMetadata(candidate.ID, models.EventTicketClaimed,
			models.ActorAgent, req.AgentID,
			fmt.Sprintf("Claimed by %s", req.AgentID),
			map[string]interface{}{
				"agent_id":         req.AgentID,
				"claim_expires_at": expiresAt.UTC().Format(time.RFC3339),
				"attempt":          candidate.Attempts + 1,
			})
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to build event")
		}

		won := false
		err = s.transact(func(tx *txRepos) error {
			ok, err := tx.tickets.Claim(candidate.ID, req.AgentID, token, expiresAt)
			if err != nil {
				return errors.WrapStorage(err, "failed to claim ticket")
			}
			won = ok
			if !ok {
				return nil
			}
			return tx.events.Append(ev)
		})
		if err != nil {
			return nil, err
		}
		if !won {
			excluded = append(excluded, candidate.ID)
			continue
		}
		s.emit(ev)

		ticket, err := s.reload(candidate.ID)
		if err != nil {
			return nil, err
		}
		return &ClaimResult{
			Ticket:         ticket,
			ClaimToken:     token,
			ClaimExpiresAt: expiresAt.UTC(),
			Settings:       settings,
			Conflicts:      len(excluded),
		}, nil
	}

	return nil, nil
}

// Heartbeat extends the claim expiry for the token holder. The first
// heartbeat moves the ticket from assigned to in_progress.
func (s *TicketService) Heartbeat(ticketID int64, agentID, token string) (*models.Ticket, error) {
	ticket, err := s.claimed(ticketID, token)
	if err != nil {
		return nil, err
	}

	settings, err := s.ResolveSettings(ticket)
	if err != nil {
		return nil, err
	}
	expiresAt := time.Now().Add(time.Duration(settings.ClaimTTLSeconds) * time.Second)

	ok, err := s.tickets.HeartbeatByToken(ticket.Key, token, expiresAt)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to record heartbeat")
	}
	if !ok {
		return nil, errors.StaleClaim("claim on %s is no longer held", ticket.Key)
	}

	if ticket.State == models.StateAssigned {
		ev := models.NewEvent(ticket.ID, models.EventHeartbeat, models.ActorAgent, agentID, "Work started")
		err = s.transact(func(tx *txRepos) error {
			ok, err := tx.tickets.AdvanceByToken(ticket.Key, token, models.StateAssigned, models.StateInProgress)
			if err != nil {
				return errors.WrapStorage(err, "failed to advance ticket")
			}
			if !ok {
				// Raced with another transition; the extend already succeeded.
				return nil
			}
			return tx.events.Append(ev)
		})
		if err != nil {
			return nil, err
		}
		s.emit(ev)
	}

	return s.reload(ticket.ID)
}

// Advance performs a worker-driven move between the claimed states
// (in_progress → verifying when validation begins, verifying →
// in_progress when the generation loop resumes).
func (s *TicketService) Advance(ticketID int64, agentID, token string, to models.State) (*models.Ticket, error) {
	ticket, err := s.claimed(ticketID, token)
	if err != nil {
		return nil, err
	}
	if !to.IsClaimed() {
		return nil, errors.InvalidArgs("state %s is not reachable by a status report", to)
	}
	if err := s.machine.CanTransition(ticket, to, state.TransitionTypeWorker, ""); err != nil {
		return nil, errors.StateError("%v", err)
	}

	category := state.CategoryForTransition(ticket.State, to, state.TransitionTypeWorker)
	ev := models.NewEvent(ticket.ID, category, models.ActorAgent, agentID,
		fmt.Sprintf("State changed from %s to %s", ticket.State, to))
	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.AdvanceByToken(ticket.Key, token, ticket.State, to)
		if err != nil {
			return errors.WrapStorage(err, "failed to advance ticket")
		}
		if !ok {
			return errors.StaleClaim("claim on %s is no longer held", ticket.Key)
		}
		return tx.events.Append(ev)
	})
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return s.reload(ticket.ID)
}

// CompleteReport is the worker's final word on a claimed ticket.
type CompleteReport struct {
	Success        bool                     `json:"success"`
	PRURL          string                   `json:"pr_url,omitempty"`
	BranchName     string                   `json:"branch_name,omitempty"`
	CommitSHA      string                   `json:"commit_sha,omitempty"`
	CriteriaStatus []models.CriterionResult `json:"criteria_status,omitempty"`
	FilesChanged   []string                 `json:"files_changed,omitempty"`
	ErrorMessage   string                   `json:"error,omitempty"`
	ErrorClass     models.ErrorClass        `json:"error_class,omitempty"`
	ShouldRetry    bool                     `json:"should_retry,omitempty"`
}

// Complete finishes an execution. Success records the PR and moves the
// ticket to in_review; failure routes through the retry policy. Both
// paths consume one attempt and clear the claim.
func (s *TicketService) Complete(ticketID int64, agentID, token string, report CompleteReport) (*models.Ticket, error) {
	ticket, err := s.claimed(ticketID, token)
	if err != nil {
		return nil, err
	}

	if !report.Success {
		return s.fail(ticket, agentID, token, report.ErrorMessage, report.ErrorClass, report.ShouldRetry)
	}

	if report.PRURL == "" {
		return nil, errors.InvalidArgs("a successful completion requires pr_url")
	}

	meta := map[string]interface{}{
		"pr_url":     report.PRURL,
		"commit_sha": report.CommitSHA,
		"attempt":    ticket.Attempts + 1,
	}
	if report.BranchName != "" {
		meta["branch"] = report.BranchName
	}
	if len(report.FilesChanged) > 0 {
		meta["files_changed"] = report.FilesChanged
	}
	if len(report.CriteriaStatus) > 0 {
		criteria := map[string]interface{}{}
		for _, cr := range report.CriteriaStatus {
			criteria[cr.ID] = string(cr.Status)
		}
		meta["criteria"] = criteria
	}

	completed, err := models.NewEventWithMetadata(ticket.ID, models.EventCompleted,
		models.ActorAgent, agentID, "Execution succeeded; awaiting review", meta)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to build event")
	}
	prCreated, err := models.NewEventWithMetadata(ticket.ID, models.EventPRCreated,
		models.ActorAgent, agentID, "Opened "+report.PRURL,
		map[string]interface{}{"pr_url": report.PRURL})
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to build event")
	}

	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.CompleteByToken(ticket.Key, token, report.PRURL, report.CommitSHA)
		if err != nil {
			return errors.WrapStorage(err, "failed to complete ticket")
		}
		if !ok {
			return errors.StaleClaim("claim on %s is no longer held", ticket.Key)
		}
		if err := tx.events.Append(completed); err != nil {
			return err
		}
		return tx.events.Append(prCreated)
	})
	if err != nil {
		return nil, err
	}
	s.emit(completed, prCreated)
	return s.reload(ticket.ID)
}

// Fail records a failed execution and routes the ticket per the retry
// policy: non-retryable failures and exhausted budgets go to human
// review, everything else returns to the queue.
func (s *TicketService) Fail(ticketID int64, agentID, token, message string, class models.ErrorClass, shouldRetry bool) (*models.Ticket, error) {
	ticket, err := s.claimed(ticketID, token)
	if err != nil {
		return nil, err
	}
	return s.fail(ticket, agentID, token, message, class, shouldRetry)
}

func (s *TicketService) fail(ticket *models.Ticket, agentID, token, message string, class models.ErrorClass, shouldRetry bool) (*models.Ticket, error) {
	if !class.IsValid() {
		return nil, errors.InvalidArgs("invalid error class: %q", class)
	}

	// The attempts cap is authoritative: a should_retry hint never buys
	// an execution past max_attempts.
	attempts := ticket.Attempts + 1
	retryable := shouldRetry && class.Retryable()
	to := models.StateReady
	if !retryable || attempts >= ticket.MaxAttempts {
		to = models.StateNeedsReview
	}

	meta := map[string]interface{}{
		"error_class":  string(class),
		"should_retry": shouldRetry,
		"attempt":      attempts,
		"routed_to":    string(to),
	}
	if message != "" {
		meta["message"] = message
	}
	ev, err := models.NewEventWithMetadata(ticket.ID, models.EventFailure,
		models.ActorAgent, agentID,
		fmt.Sprintf("Attempt %d failed (%s)", attempts, class), meta)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to build event")
	}

	err = s.transact(func(tx *txRepos) error {
		ok, err := tx.tickets.FailByToken(ticket.Key, token, to, class)
		if err != nil {
			return errors.WrapStorage(err, "failed to record failure")
		}
		if !ok {
			return errors.StaleClaim("claim on %s is no longer held", ticket.Key)
		}
		if err := tx.events.Append(ev); err != nil {
			return err
		}
		if to == models.StateNeedsReview {
			return s.escalate(tx, ticket, class, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.emit(ev)
	return s.reload(ticket.ID)
}

// escalate files a human-attention row for a ticket routed out of the
// automatic retry loop. At most one open escalation per (ticket, reason).
func (s *TicketService) escalate(tx *txRepos, ticket *models.Ticket, class models.ErrorClass, message string) error {
	reason := models.EscalationNeedsReview
	if class == models.ErrClassDependencyDead {
		reason = models.EscalationDependencyDead
	}
	open, err := tx.escalations.HasOpen(ticket.ID, reason)
	if err != nil {
		return errors.WrapStorage(err, "failed to check escalations")
	}
	if open {
		return nil
	}
	esc := &models.Escalation{
		TicketID: ticket.ID,
		Reason:   reason,
		Message:  message,
	}
	if err := tx.escalations.Create(esc); err != nil {
		return errors.WrapStorage(err, "failed to create escalation")
	}
	return nil
}

// Review applies a reviewer verdict to an in_review ticket. Approve
// finishes the ticket; request_changes returns it to ready with a fresh
// attempt budget and the feedback attached for the next prompt.
func (s *TicketService) Review(key, reviewer string, verdict models.Verdict, feedback string) (*models.Ticket, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	if ticket.State != models.StateInReview {
		return nil, errors.StateError("ticket %s is %s; only in_review tickets take a verdict", ticket.Key, ticket.State)
	}

	switch verdict {
	case models.VerdictApprove:
		ev, err := models.NewEventWithMetadata(ticket.ID, models.EventCompleted,
			models.ActorHuman, reviewer, "Approved",
			map[string]interface{}{"verdict": string(models.VerdictApprove)})
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to build event")
		}
		err = s.transact(func(tx *txRepos) error {
			ok, err := tx.tickets.Approve(ticket.ID)
			if err != nil {
				return errors.WrapStorage(err, "failed to approve ticket")
			}
			if !ok {
				return errors.StaleState("ticket %s left in_review", ticket.Key)
			}
			if _, err := tx.escalations.ResolveByTicket(ticket.ID); err != nil {
				return errors.WrapStorage(err, "failed to resolve escalations")
			}
			return tx.events.Append(ev)
		})
		if err != nil {
			return nil, err
		}
		s.emit(ev)

	case models.VerdictRequestChanges:
		if strings.TrimSpace(feedback) == "" {
			return nil, errors.InvalidArgs("request_changes requires feedback for the next attempt")
		}
		ev, err := models.NewEventWithMetadata(ticket.ID, models.EventStatusChange,
			models.ActorHuman, reviewer, "Changes requested",
			map[string]interface{}{
				"verdict":  string(models.VerdictRequestChanges),
				"feedback": feedback,
			})
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to build event")
		}
		err = s.transact(func(tx *txRepos) error {
			ok, err := tx.tickets.RequestChanges(ticket.ID, feedback)
			if err != nil {
				return errors.WrapStorage(err, "failed to request changes")
			}
			if !ok {
				return errors.StaleState("ticket %s left in_review", ticket.Key)
			}
			return tx.events.Append(ev)
		})
		if err != nil {
			return nil, err
		}
		s.emit(ev)

	default:
		return nil, errors.InvalidArgs("invalid verdict: %q", verdict)
	}

	return s.reload(ticket.ID)
}

// AppendActivity appends a worker- or human-authored event to a ticket's
// history.
func (s *TicketService) AppendActivity(key string, actorType models.ActorType, actorID string, category models.EventCategory, message string, metadata map[string]interface{}) (*models.Event, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	ev, err := models.NewEventWithMetadata(ticket.ID, category, actorType, actorID, message, metadata)
	if err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, errors.InvalidArgs("%v", err)
	}
	if err := s.events.Append(ev); err != nil {
		return nil, errors.WrapStorage(err, "failed to append event")
	}
	ev.TicketKey = ticket.Key
	s.emit(ev)
	return ev, nil
}

// Activity returns a ticket's event history after the given event ID.
func (s *TicketService) Activity(key string, afterID int64, limit int) ([]*models.Event, error) {
	ticket, err := s.Get(key)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByTicket(ticket.ID, afterID, limit)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to list events")
	}
	return events, nil
}

// ResolveSettings merges project overrides over the global defaults and
// attaches the persona instructions the worker should generate under.
func (s *TicketService) ResolveSettings(ticket *models.Ticket) (*models.ProjectSettings, error) {
	level, err := models.ParseValidationLevel(s.defaults.ValidationLevel)
	if err != nil {
		level = models.ValidationStandard
	}
	settings := &models.ProjectSettings{
		ValidationLevel: level,
		MaxAttempts:     s.defaults.MaxAttempts,
		ClaimTTLSeconds: s.defaults.ClaimTTLMinutes * 60,
		BaseBranch:      s.defaults.BaseBranch,
		Persona:         s.defaults.Persona,
	}

	if ticket.ProjectID != nil {
		project, err := s.projects.GetByID(*ticket.ProjectID)
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load project")
		}
		if project != nil {
			if project.Model != "" {
				settings.Model = project.Model
			}
			if project.ValidationLevel != "" {
				settings.ValidationLevel = project.ValidationLevel
			}
			if project.MaxAttempts > 0 {
				settings.MaxAttempts = project.MaxAttempts
			}
			if project.ClaimTTLMinutes > 0 {
				settings.ClaimTTLSeconds = project.ClaimTTLMinutes * 60
			}
			if project.BaseBranch != "" {
				settings.BaseBranch = project.BaseBranch
			}
			if project.Persona != "" {
				settings.Persona = project.Persona
			}
		}
	}

	// A per-ticket model pin beats the project setting.
	if ticket.Model != "" {
		settings.Model = ticket.Model
	}
	if ticket.MaxAttempts > 0 {
		settings.MaxAttempts = ticket.MaxAttempts
	}
	if ticket.BaseBranch != "" {
		settings.BaseBranch = ticket.BaseBranch
	}

	if settings.Persona != "" {
		persona, err := s.personas.GetByName(settings.Persona)
		if err != nil {
			return nil, errors.WrapStorage(err, "failed to load persona")
		}
		if persona != nil {
			settings.PersonaInstructions = persona.Instructions
		}
	}

	return settings, nil
}

// claimed fetches a ticket by ID and verifies the caller holds its claim.
func (s *TicketService) claimed(ticketID int64, token string) (*models.Ticket, error) {
	ticket, err := s.tickets.GetByID(ticketID)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to get ticket")
	}
	if ticket == nil {
		return nil, errors.NotFound("ticket %d not found", ticketID)
	}
	if !ticket.IsClaimed() || token == "" || ticket.ClaimToken != token {
		return nil, errors.StaleClaim("claim on %s is no longer held", ticket.Key)
	}
	return ticket, nil
}

// reload re-reads a ticket after a mutation.
func (s *TicketService) reload(id int64) (*models.Ticket, error) {
	ticket, err := s.tickets.GetByID(id)
	if err != nil {
		return nil, errors.WrapStorage(err, "failed to reload ticket")
	}
	if ticket == nil {
		return nil, errors.NotFound("ticket %d disappeared", id)
	}
	return ticket, nil
}
