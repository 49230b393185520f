// Package errors provides shared error types that map to both CLI exit codes
// and HTTP status codes, enabling consistent error handling across the CLI,
// the orchestrator API, and the worker.
package errors

import (
	"fmt"
	"net/http"
)

// Kind represents the category of an error, which determines both the
// CLI exit code and HTTP status code.
type Kind int

const (
	// KindInvalidArgs represents invalid input arguments.
	// CLI exit code: 2, HTTP status: 400 Bad Request
	KindInvalidArgs Kind = iota

	// KindNotFound represents a missing resource.
	// CLI exit code: 3, HTTP status: 404 Not Found
	KindNotFound

	// KindStateError represents a transition the state machine forbids.
	// CLI exit code: 4, HTTP status: 422 Unprocessable Entity
	KindStateError

	// KindStaleState represents a lost compare-and-swap: the ticket moved
	// under the caller. Claim loops retry with an exclusion set.
	// CLI exit code: 6, HTTP status: 409 Conflict
	KindStaleState

	// KindStaleClaim represents a claim token mismatch or expired claim.
	// The worker holding the stale token must abort immediately.
	// CLI exit code: 6, HTTP status: 409 Conflict
	KindStaleClaim

	// KindStorage represents a storage-layer failure. The API never exposes
	// the sqlite error verbatim; callers see the stable store_error code.
	// CLI exit code: 5, HTTP status: 500 Internal Server Error
	KindStorage

	// KindConfig represents invalid or missing configuration.
	// CLI exit code: 2, HTTP status: 500 Internal Server Error
	KindConfig

	// KindExternal represents a failure in an external system (LLM, git,
	// forge). CLI exit code: 1, HTTP status: 502 Bad Gateway
	KindExternal

	// KindGeneral represents a general error that doesn't fit other categories.
	// CLI exit code: 1, HTTP status: 500 Internal Server Error
	KindGeneral
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgs:
		return "InvalidArgs"
	case KindNotFound:
		return "NotFound"
	case KindStateError:
		return "StateError"
	case KindStaleState:
		return "StaleState"
	case KindStaleClaim:
		return "StaleClaim"
	case KindStorage:
		return "Storage"
	case KindConfig:
		return "Config"
	case KindExternal:
		return "External"
	case KindGeneral:
		return "General"
	default:
		return "Unknown"
	}
}

// Code returns the stable wire code for the kind, used in API error bodies.
func (k Kind) Code() string {
	switch k {
	case KindInvalidArgs:
		return "invalid_args"
	case KindNotFound:
		return "not_found"
	case KindStateError:
		return "state_error"
	case KindStaleState:
		return "stale_state"
	case KindStaleClaim:
		return "stale_claim"
	case KindStorage:
		return "store_error"
	case KindConfig:
		return "config_error"
	case KindExternal:
		return "external_error"
	default:
		return "error"
	}
}

// Error represents a structured error with kind, message, cause, and optional
// details. It implements the standard error interface and maps to CLI exit
// codes and HTTP status codes.
type Error struct {
	Kind       Kind
	Message    string
	Cause      error
	Details    map[string]interface{}
	Suggestion string // Optional suggestion for resolving the error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause, enabling errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// CLIExitCode returns the appropriate CLI exit code for this error.
func (e *Error) CLIExitCode() int {
	switch e.Kind {
	case KindInvalidArgs, KindConfig:
		return 2
	case KindNotFound:
		return 3
	case KindStateError:
		return 4
	case KindStorage:
		return 5
	case KindStaleState, KindStaleClaim:
		return 6
	default:
		return 1
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidArgs:
		return http.StatusBadRequest // 400
	case KindNotFound:
		return http.StatusNotFound // 404
	case KindStateError:
		return http.StatusUnprocessableEntity // 422
	case KindStaleState, KindStaleClaim:
		return http.StatusConflict // 409
	case KindExternal:
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// Public reports whether the error message is safe to return over the API.
// Storage errors are not: they surface as the bare store_error code so
// sqlite internals never leak to workers.
func (e *Error) Public() bool {
	return e.Kind != KindStorage
}

// WithDetails adds details to the error and returns it for chaining.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds a suggestion to the error and returns it for chaining.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// Constructor functions

// NotFound creates an error for missing resources.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindNotFound,
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidArgs creates an error for invalid arguments.
func InvalidArgs(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindInvalidArgs,
		Message: fmt.Sprintf(format, args...),
	}
}

// StateError creates an error for transitions the state machine forbids.
func StateError(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindStateError,
		Message: fmt.Sprintf(format, args...),
	}
}

// StaleState creates an error for a lost compare-and-swap.
func StaleState(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindStaleState,
		Message: fmt.Sprintf(format, args...),
	}
}

// StaleClaim creates an error for a claim token mismatch.
func StaleClaim(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindStaleClaim,
		Message: fmt.Sprintf(format, args...),
	}
}

// Storage creates an error for storage-layer failures.
func Storage(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindStorage,
		Message: fmt.Sprintf(format, args...),
	}
}

// Config creates an error for configuration problems.
func Config(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindConfig,
		Message: fmt.Sprintf(format, args...),
	}
}

// External creates an error for upstream system failures.
func External(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindExternal,
		Message: fmt.Sprintf(format, args...),
	}
}

// General creates a general error.
func General(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    KindGeneral,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with a specific kind and message.
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// WrapStorage wraps an error as a storage error.
func WrapStorage(err error, format string, args ...interface{}) *Error {
	return Wrap(err, KindStorage, format, args...)
}

// Helper functions for extracting error information

// GetKind extracts the Kind from an error, returning KindGeneral if the error
// is not an *Error.
func GetKind(err error) Kind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return KindGeneral
}

// GetCLIExitCode extracts the CLI exit code from an error.
func GetCLIExitCode(err error) int {
	if e, ok := err.(*Error); ok {
		return e.CLIExitCode()
	}
	return 1
}

// GetHTTPStatus extracts the HTTP status code from an error.
func GetHTTPStatus(err error) int {
	if e, ok := err.(*Error); ok {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Is returns true if the error is of the specified kind.
func Is(err error, kind Kind) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == kind
	}
	return false
}
