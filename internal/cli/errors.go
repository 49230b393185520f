package cli

import (
	"errors"
	"fmt"
	"strings"

	gerrors "github.com/parallax-code/gantry/internal/errors"
)

// GantryError is an error with an exit code and optional suggestion.
// It complements the shared errors.Error type for failures that originate
// in the CLI itself (bad arguments, missing database) rather than in a
// service call.
type GantryError struct {
	Code       int
	Message    string
	Cause      error
	Suggestion string
}

func (e *GantryError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *GantryError) Unwrap() error {
	return e.Cause
}

// FormatError returns the error message with suggestion if present
func (e *GantryError) FormatError() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.Error())
	if e.Suggestion != "" {
		b.WriteString("\n\nSuggestion: ")
		b.WriteString(e.Suggestion)
	}
	return b.String()
}

// ExitCode returns the exit code for any error.
// Supports both GantryError and the shared errors.Error type.
func ExitCode(err error) int {
	// Check for shared error type first
	var sharedErr *gerrors.Error
	if errors.As(err, &sharedErr) {
		return sharedErr.CLIExitCode()
	}

	// Fall back to GantryError
	var gerr *GantryError
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return ExitGeneralError
}

// FormatErrorMessage returns formatted error with suggestion if available.
// Supports both GantryError and the shared errors.Error type.
func FormatErrorMessage(err error) string {
	// Check for shared error type first
	var sharedErr *gerrors.Error
	if errors.As(err, &sharedErr) {
		var b strings.Builder
		b.WriteString("Error: ")
		b.WriteString(sharedErr.Error())
		if sharedErr.Suggestion != "" {
			b.WriteString("\n\nSuggestion: ")
			b.WriteString(sharedErr.Suggestion)
		}
		return b.String()
	}

	// Fall back to GantryError
	var gerr *GantryError
	if errors.As(err, &gerr) {
		return gerr.FormatError()
	}
	return "Error: " + err.Error()
}

// Error constructors with proper exit codes

// ErrInvalidArgs creates an error for invalid arguments (exit code 2)
func ErrInvalidArgs(format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitInvalidArgs,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrInvalidArgsWithSuggestion creates an error for invalid arguments with a suggestion
func ErrInvalidArgsWithSuggestion(suggestion, format string, args ...interface{}) error {
	return &GantryError{
		Code:       ExitInvalidArgs,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
	}
}

// ErrNotFound creates an error for missing resources (exit code 3)
func ErrNotFound(format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitNotFound,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrNotFoundWithSuggestion creates a not found error with a suggestion
func ErrNotFoundWithSuggestion(suggestion, format string, args ...interface{}) error {
	return &GantryError{
		Code:       ExitNotFound,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
	}
}

// ErrStateError creates an error for invalid state transitions (exit code 4)
func ErrStateError(format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitStateError,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrStateErrorWithSuggestion creates a state error with a suggestion
func ErrStateErrorWithSuggestion(suggestion, format string, args ...interface{}) error {
	return &GantryError{
		Code:       ExitStateError,
		Message:    fmt.Sprintf(format, args...),
		Suggestion: suggestion,
	}
}

// ErrDatabase creates an error for database operations (exit code 5)
func ErrDatabase(cause error, format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitDBError,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// ErrDatabaseWithSuggestion creates a database error with a suggestion
func ErrDatabaseWithSuggestion(cause error, suggestion, format string, args ...interface{}) error {
	return &GantryError{
		Code:       ExitDBError,
		Message:    fmt.Sprintf(format, args...),
		Cause:      cause,
		Suggestion: suggestion,
	}
}

// ErrStaleClaim creates an error for lost or contested claims (exit code 6)
func ErrStaleClaim(format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitStaleClaim,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrGeneral creates a general error (exit code 1)
func ErrGeneral(format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitGeneralError,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrGeneralWithCause creates a general error with a cause
func ErrGeneralWithCause(cause error, format string, args ...interface{}) error {
	return &GantryError{
		Code:    ExitGeneralError,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Common suggestions
const (
	SuggestRunInit        = "Run 'gantry init' to create a new database."
	SuggestCheckTicketKey = "Check the ticket key format. It should be like TKT-1A2B3C4D."
	SuggestListProjects   = "Run 'gantry project list' to see available projects."
	SuggestListTickets    = "Run 'gantry ticket list' to see available tickets."
	SuggestCheckState     = "Run 'gantry ticket show %s' to check the ticket's current state."
	SuggestListClaims     = "The ticket may be held by another agent. Run 'gantry claims list' to see active claims."
)
