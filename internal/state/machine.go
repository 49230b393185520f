// Package state implements the ticket state machine for gantry.
package state

import (
	"fmt"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// TransitionType describes the kind of transition being performed.
type TransitionType string

const (
	TransitionTypeAuto   TransitionType = "auto"   // System-triggered transition
	TransitionTypeManual TransitionType = "manual" // Human operator transition
	TransitionTypeWorker TransitionType = "worker" // Agent-driven via the claim protocol
	TransitionTypeExpire TransitionType = "expire" // Reclaim sweep transition
	TransitionTypeReview TransitionType = "review" // Reviewer verdict transition
)

// Transition represents a state transition request.
type Transition struct {
	From      models.State
	To        models.State
	Type      TransitionType
	Actor     models.ActorType
	ActorID   string
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition request.
func NewTransition(from, to models.State, transType TransitionType, actor models.ActorType, actorID, reason string) *Transition {
	return &Transition{
		From:      from,
		To:        to,
		Type:      transType,
		Actor:     actor,
		ActorID:   actorID,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// TransitionRule defines a valid state transition and its requirements.
type TransitionRule struct {
	From          models.State
	To            models.State
	AllowedTypes  []TransitionType
	RequireReason bool
	Description   string
}

// validTransitions defines all valid state transitions.
var validTransitions = []TransitionRule{
	// draft → ready (approval)
	{
		From:         models.StateDraft,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeManual, TransitionTypeAuto},
		Description:  "Ticket approved and eligible for scheduling",
	},

	// ready → assigned (claim)
	{
		From:         models.StateReady,
		To:           models.StateAssigned,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Ticket claimed by an agent",
	},

	// assigned → in_progress (work started)
	{
		From:         models.StateAssigned,
		To:           models.StateInProgress,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Agent began execution",
	},

	// in_progress → verifying (changes staged)
	{
		From:         models.StateInProgress,
		To:           models.StateVerifying,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Changes applied, validation running",
	},

	// verifying → in_progress (validation failed, retries remain)
	{
		From:          models.StateVerifying,
		To:            models.StateInProgress,
		AllowedTypes:  []TransitionType{TransitionTypeWorker},
		RequireReason: true,
		Description:   "Validation failed, agent retrying with feedback",
	},

	// claimed → in_review (success report)
	{
		From:         models.StateVerifying,
		To:           models.StateInReview,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Commit pushed and pull request opened",
	},
	{
		From:         models.StateInProgress,
		To:           models.StateInReview,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Commit pushed and pull request opened",
	},
	{
		From:         models.StateAssigned,
		To:           models.StateInReview,
		AllowedTypes: []TransitionType{TransitionTypeWorker},
		Description:  "Commit pushed and pull request opened",
	},

	// claimed → ready (retryable failure or claim expiry)
	{
		From:         models.StateAssigned,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeWorker, TransitionTypeExpire},
		Description:  "Claim released, ticket requeued",
	},
	{
		From:         models.StateInProgress,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeWorker, TransitionTypeExpire},
		Description:  "Claim released, ticket requeued",
	},
	{
		From:         models.StateVerifying,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeWorker, TransitionTypeExpire},
		Description:  "Claim released, ticket requeued",
	},

	// claimed → needs_review (non-retryable failure or attempt budget spent)
	{
		From:          models.StateAssigned,
		To:            models.StateNeedsReview,
		AllowedTypes:  []TransitionType{TransitionTypeWorker},
		RequireReason: true,
		Description:   "Agent failure requires human attention",
	},
	{
		From:          models.StateInProgress,
		To:            models.StateNeedsReview,
		AllowedTypes:  []TransitionType{TransitionTypeWorker},
		RequireReason: true,
		Description:   "Agent failure requires human attention",
	},
	{
		From:          models.StateVerifying,
		To:            models.StateNeedsReview,
		AllowedTypes:  []TransitionType{TransitionTypeWorker},
		RequireReason: true,
		Description:   "Agent failure requires human attention",
	},

	// ready → quarantined (sweep catches exhausted attempt budget)
	{
		From:          models.StateReady,
		To:            models.StateQuarantined,
		AllowedTypes:  []TransitionType{TransitionTypeAuto, TransitionTypeExpire},
		RequireReason: true,
		Description:   "Attempt budget exhausted without completion",
	},

	// in_review → done (approve)
	{
		From:         models.StateInReview,
		To:           models.StateDone,
		AllowedTypes: []TransitionType{TransitionTypeReview, TransitionTypeManual},
		Description:  "Pull request approved",
	},

	// in_review → ready (request changes)
	{
		From:          models.StateInReview,
		To:            models.StateReady,
		AllowedTypes:  []TransitionType{TransitionTypeReview, TransitionTypeManual},
		RequireReason: true,
		Description:   "Changes requested, attempts reset for rework",
	},

	// needs_review → ready (operator requeue)
	{
		From:         models.StateNeedsReview,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Operator cleared the failure and requeued",
	},

	// quarantined → ready (operator release)
	{
		From:         models.StateQuarantined,
		To:           models.StateReady,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Operator released the ticket from quarantine",
	},

	// * → cancelled (cancel from any non-terminal state)
	{
		From:         models.StateDraft,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateReady,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateAssigned,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateInProgress,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateVerifying,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateInReview,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateNeedsReview,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
	{
		From:         models.StateQuarantined,
		To:           models.StateCancelled,
		AllowedTypes: []TransitionType{TransitionTypeManual},
		Description:  "Ticket cancelled",
	},
}

// transitionRuleMap provides fast lookup of transition rules.
var transitionRuleMap map[string]*TransitionRule

func init() {
	transitionRuleMap = make(map[string]*TransitionRule)
	for i := range validTransitions {
		rule := &validTransitions[i]
		key := makeTransitionKey(rule.From, rule.To)
		transitionRuleMap[key] = rule
	}
}

func makeTransitionKey(from, to models.State) string {
	return string(from) + "->" + string(to)
}

// Machine provides state machine operations for tickets.
type Machine struct{}

// NewMachine creates a new state machine instance.
func NewMachine() *Machine {
	return &Machine{}
}

// GetTransitionRule returns the rule for a transition, or nil if invalid.
func (m *Machine) GetTransitionRule(from, to models.State) *TransitionRule {
	return transitionRuleMap[makeTransitionKey(from, to)]
}

// CanTransition checks if a transition is valid for the given ticket.
// It returns nil if the transition is allowed, or an error explaining why not.
func (m *Machine) CanTransition(ticket *models.Ticket, to models.State, transType TransitionType, reason string) error {
	if ticket == nil {
		return fmt.Errorf("ticket is nil")
	}

	from := ticket.State

	// Same state is not a transition
	if from == to {
		return fmt.Errorf("ticket is already in state %s", to)
	}

	// Terminal states have no outgoing transitions
	if from.IsTerminal() {
		return fmt.Errorf("ticket is %s, which is terminal", from)
	}

	// Find the transition rule
	rule := m.GetTransitionRule(from, to)
	if rule == nil {
		return fmt.Errorf("transition from %s to %s is not allowed", from, to)
	}

	// Check if the transition type is allowed
	typeAllowed := false
	for _, allowedType := range rule.AllowedTypes {
		if allowedType == transType {
			typeAllowed = true
			break
		}
	}
	if !typeAllowed {
		return fmt.Errorf("transition type %s is not allowed for %s -> %s", transType, from, to)
	}

	// Check if reason is required
	if rule.RequireReason && reason == "" {
		return fmt.Errorf("reason is required for transition from %s to %s", from, to)
	}

	return nil
}

// ValidateTransition validates a full transition request.
func (m *Machine) ValidateTransition(ticket *models.Ticket, t *Transition) error {
	if t == nil {
		return fmt.Errorf("transition is nil")
	}

	// Verify the from state matches
	if ticket.State != t.From {
		return fmt.Errorf("ticket state is %s, but transition expects %s", ticket.State, t.From)
	}

	return m.CanTransition(ticket, t.To, t.Type, t.Reason)
}

// GetValidTransitions returns all valid transitions from the given state.
func (m *Machine) GetValidTransitions(from models.State) []TransitionRule {
	var transitions []TransitionRule
	for _, rule := range validTransitions {
		if rule.From == from {
			transitions = append(transitions, rule)
		}
	}
	return transitions
}

// GetAllTransitionRules returns all defined transition rules.
func (m *Machine) GetAllTransitionRules() []TransitionRule {
	result := make([]TransitionRule, len(validTransitions))
	copy(result, validTransitions)
	return result
}

// CategoryForTransition returns the event category to record for a transition.
func CategoryForTransition(from, to models.State, transType TransitionType) models.EventCategory {
	switch to {
	case models.StateAssigned:
		if from == models.StateReady && transType == TransitionTypeWorker {
			return models.EventTicketClaimed
		}
	case models.StateNeedsReview, models.StateQuarantined:
		return models.EventFailure
	case models.StateDone:
		return models.EventCompleted
	}
	return models.EventStatusChange
}
