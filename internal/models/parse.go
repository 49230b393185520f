package models

import (
	"fmt"
	"strings"
)

// normalize lowercases, trims, and converts hyphens to underscores so CLI
// and API input like "In-Progress" parses cleanly.
func normalize(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// ParseState parses a ticket state from user input.
func ParseState(s string) (State, error) {
	st := State(normalize(s))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid state: %q (valid: draft, ready, assigned, in_progress, verifying, in_review, done, needs_review, cancelled, quarantined)", s)
	}
	return st, nil
}

// ParseScope parses an estimated scope from user input.
func ParseScope(s string) (Scope, error) {
	sc := Scope(normalize(s))
	if !sc.IsValid() {
		return "", fmt.Errorf("invalid scope: %q (valid: small, medium, large)", s)
	}
	return sc, nil
}

// ParseValidationLevel parses a validation level from user input.
func ParseValidationLevel(s string) (ValidationLevel, error) {
	v := ValidationLevel(normalize(s))
	if !v.IsValid() {
		return "", fmt.Errorf("invalid validation level: %q (valid: minimal, standard, strict)", s)
	}
	return v, nil
}

// ParseVerdict parses a review verdict from user input.
func ParseVerdict(s string) (Verdict, error) {
	v := Verdict(normalize(s))
	if !v.IsValid() {
		return "", fmt.Errorf("invalid verdict: %q (valid: approve, request_changes)", s)
	}
	return v, nil
}

// ParseCriterionStatus parses a criterion status from model output. The
// canonical form is upper-case; lower/mixed case is accepted.
func ParseCriterionStatus(s string) (CriterionStatus, error) {
	cs := CriterionStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !cs.IsValid() {
		return "", fmt.Errorf("invalid criterion status: %q (valid: SATISFIED, PARTIALLY_SATISFIED, BLOCKED)", s)
	}
	return cs, nil
}
