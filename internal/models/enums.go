// Package models defines the domain models for gantry.
package models

// State represents the position of a ticket in its lifecycle.
// - draft: created but not yet approved for work
// - ready: approved, eligible for claiming once dependencies are done
// - assigned: claimed by a worker, no heartbeat yet
// - in_progress: worker has heartbeated and is generating code
// - verifying: worker is running validation on candidate files
// - in_review: PR opened, awaiting an external review verdict
// - done: reviewer approved, work merged or mergeable
// - needs_review: failed in a way that needs a human decision
// - cancelled: explicitly abandoned
// - quarantined: exceeded the attempts cap, parked for human resolution
type State string

const (
	StateDraft       State = "draft"
	StateReady       State = "ready"
	StateAssigned    State = "assigned"
	StateInProgress  State = "in_progress"
	StateVerifying   State = "verifying"
	StateInReview    State = "in_review"
	StateDone        State = "done"
	StateNeedsReview State = "needs_review"
	StateCancelled   State = "cancelled"
	StateQuarantined State = "quarantined"
)

// IsValid returns true if the state is a valid ticket state.
func (s State) IsValid() bool {
	switch s {
	case StateDraft, StateReady, StateAssigned, StateInProgress, StateVerifying,
		StateInReview, StateDone, StateNeedsReview, StateCancelled, StateQuarantined:
		return true
	}
	return false
}

// IsTerminal returns true if the state is terminal.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateCancelled
}

// IsClaimed returns true if the state implies a worker holds the ticket.
// Claim token, expiry, and assignee are non-null exactly in these states.
func (s State) IsClaimed() bool {
	return s == StateAssigned || s == StateInProgress || s == StateVerifying
}

// NeedsAttention returns true if the state requires human action to proceed.
func (s State) NeedsAttention() bool {
	return s == StateNeedsReview || s == StateQuarantined
}

// Scope represents the estimated size of a ticket.
type Scope string

const (
	ScopeSmall  Scope = "small"
	ScopeMedium Scope = "medium"
	ScopeLarge  Scope = "large"
)

// IsValid returns true if the scope is a valid estimated scope.
func (s Scope) IsValid() bool {
	switch s {
	case ScopeSmall, ScopeMedium, ScopeLarge:
		return true
	}
	return false
}

// ValidationLevel selects the validator ladder run on generated files.
type ValidationLevel string

const (
	ValidationMinimal  ValidationLevel = "minimal"
	ValidationStandard ValidationLevel = "standard"
	ValidationStrict   ValidationLevel = "strict"
)

// IsValid returns true if the validation level is recognized.
func (v ValidationLevel) IsValid() bool {
	switch v {
	case ValidationMinimal, ValidationStandard, ValidationStrict:
		return true
	}
	return false
}

// ActorType represents who produced an event.
type ActorType string

const (
	ActorAgent  ActorType = "agent"
	ActorHuman  ActorType = "human"
	ActorSystem ActorType = "system"
)

// IsValid returns true if the actor type is valid.
func (at ActorType) IsValid() bool {
	switch at {
	case ActorAgent, ActorHuman, ActorSystem:
		return true
	}
	return false
}

// EventCategory classifies an activity event. The set is closed: the store
// rejects appends outside it.
type EventCategory string

const (
	EventTicketClaimed  EventCategory = "ticket_claimed"
	EventStatusChange   EventCategory = "status_change"
	EventCodeGeneration EventCategory = "code_generation"
	EventGitOperation   EventCategory = "git_operation"
	EventPRCreated      EventCategory = "pr_created"
	EventValidation     EventCategory = "validation"
	EventHeartbeat      EventCategory = "heartbeat"
	EventFailure        EventCategory = "failure"
	EventCompleted      EventCategory = "completed"
)

// IsValid returns true if the category is in the closed set.
func (c EventCategory) IsValid() bool {
	switch c {
	case EventTicketClaimed, EventStatusChange, EventCodeGeneration, EventGitOperation,
		EventPRCreated, EventValidation, EventHeartbeat, EventFailure, EventCompleted:
		return true
	}
	return false
}

// DisplayName returns the human-readable label used by the activity feed.
func (c EventCategory) DisplayName() string {
	switch c {
	case EventTicketClaimed:
		return "Claimed"
	case EventStatusChange:
		return "Status changed"
	case EventCodeGeneration:
		return "Code generated"
	case EventGitOperation:
		return "Git operation"
	case EventPRCreated:
		return "PR created"
	case EventValidation:
		return "Validation"
	case EventHeartbeat:
		return "Heartbeat"
	case EventFailure:
		return "Failure"
	case EventCompleted:
		return "Completed"
	default:
		return string(c)
	}
}

// CriterionStatus is the verdict the model reports per acceptance criterion.
type CriterionStatus string

const (
	CriterionSatisfied          CriterionStatus = "SATISFIED"
	CriterionPartiallySatisfied CriterionStatus = "PARTIALLY_SATISFIED"
	CriterionBlocked            CriterionStatus = "BLOCKED"
)

// IsValid returns true if the criterion status is recognized.
func (cs CriterionStatus) IsValid() bool {
	switch cs {
	case CriterionSatisfied, CriterionPartiallySatisfied, CriterionBlocked:
		return true
	}
	return false
}

// ErrorClass classifies a failed attempt. Worker-reported classes plus the
// two classes the orchestrator assigns on its own (heartbeat_lost and
// dependency_unresolvable).
type ErrorClass string

const (
	ErrClassAPIError            ErrorClass = "api_error"
	ErrClassNetworkError        ErrorClass = "network_error"
	ErrClassBlocked             ErrorClass = "blocked"
	ErrClassValidationExhausted ErrorClass = "validation_exhausted"
	ErrClassPatchExhausted      ErrorClass = "patch_exhausted"
	ErrClassGitError            ErrorClass = "git_error"
	ErrClassEmptyCommit         ErrorClass = "empty_commit"
	ErrClassHeartbeatLost       ErrorClass = "heartbeat_lost"
	ErrClassDependencyDead      ErrorClass = "dependency_unresolvable"
)

// IsValid returns true if the error class is recognized.
func (ec ErrorClass) IsValid() bool {
	switch ec {
	case ErrClassAPIError, ErrClassNetworkError, ErrClassBlocked,
		ErrClassValidationExhausted, ErrClassPatchExhausted, ErrClassGitError,
		ErrClassEmptyCommit, ErrClassHeartbeatLost, ErrClassDependencyDead:
		return true
	}
	return false
}

// Retryable returns true if the orchestrator may re-queue a failure of this
// class, attempts cap permitting. blocked and empty_commit always escalate.
func (ec ErrorClass) Retryable() bool {
	switch ec {
	case ErrClassBlocked, ErrClassEmptyCommit, ErrClassDependencyDead:
		return false
	}
	return true
}

// Verdict is the external reviewer's decision on a ticket in review.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// IsValid returns true if the verdict is recognized.
func (v Verdict) IsValid() bool {
	return v == VerdictApprove || v == VerdictRequestChanges
}
