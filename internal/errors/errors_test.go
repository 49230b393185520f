package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestKindString(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindInvalidArgs, "InvalidArgs"},
		{KindNotFound, "NotFound"},
		{KindStateError, "StateError"},
		{KindStaleState, "StaleState"},
		{KindStaleClaim, "StaleClaim"},
		{KindStorage, "Storage"},
		{KindConfig, "Config"},
		{KindExternal, "External"},
		{KindGeneral, "General"},
		{Kind(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.String(); got != tt.expected {
				t.Errorf("Kind.String() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestKindCode(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected string
	}{
		{KindStaleState, "stale_state"},
		{KindStaleClaim, "stale_claim"},
		{KindStorage, "store_error"},
		{KindNotFound, "not_found"},
		{KindGeneral, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.kind.Code(); got != tt.expected {
				t.Errorf("Kind.Code() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestErrorImplementsError(t *testing.T) {
	err := NotFound("ticket %s not found", "TKT-00000001")

	var _ error = err // Compile-time check that *Error implements error

	if err.Error() != "ticket TKT-00000001 not found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "ticket TKT-00000001 not found")
	}
}

func TestErrorWithCause(t *testing.T) {
	cause := errors.New("database connection failed")
	err := WrapStorage(cause, "failed to fetch ticket")

	expected := "failed to fetch ticket: database connection failed"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("underlying error")
	err := Wrap(cause, KindStorage, "wrapped error")

	unwrapped := err.Unwrap()
	if unwrapped != cause {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
	}

	// Test errors.Is compatibility
	if !errors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
}

func TestCLIExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"InvalidArgs", InvalidArgs("bad input"), 2},
		{"Config", Config("missing key"), 2},
		{"NotFound", NotFound("not found"), 3},
		{"StateError", StateError("invalid state"), 4},
		{"Storage", Storage("db error"), 5},
		{"StaleState", StaleState("ticket moved"), 6},
		{"StaleClaim", StaleClaim("token mismatch"), 6},
		{"External", External("llm unreachable"), 1},
		{"General", General("general error"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.CLIExitCode(); got != tt.expected {
				t.Errorf("CLIExitCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected int
	}{
		{"InvalidArgs", InvalidArgs("bad input"), http.StatusBadRequest},
		{"NotFound", NotFound("not found"), http.StatusNotFound},
		{"StateError", StateError("invalid state"), http.StatusUnprocessableEntity},
		{"StaleState", StaleState("ticket moved"), http.StatusConflict},
		{"StaleClaim", StaleClaim("token mismatch"), http.StatusConflict},
		{"Storage", Storage("db error"), http.StatusInternalServerError},
		{"External", External("upstream down"), http.StatusBadGateway},
		{"General", General("general error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatus(); got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestPublic(t *testing.T) {
	if Storage("sqlite barfed").Public() {
		t.Error("storage errors must not be public")
	}
	if !StaleClaim("token mismatch").Public() {
		t.Error("stale claim errors should be public")
	}
	if !InvalidArgs("bad").Public() {
		t.Error("validation errors should be public")
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, KindStorage, "failed to connect to database")

	if err.Kind != KindStorage {
		t.Errorf("Kind = %v, want %v", err.Kind, KindStorage)
	}
	if err.Cause != cause {
		t.Errorf("Cause = %v, want %v", err.Cause, cause)
	}
	if err.Message != "failed to connect to database" {
		t.Errorf("Message = %q, want %q", err.Message, "failed to connect to database")
	}
}

func TestWithDetails(t *testing.T) {
	err := NotFound("ticket not found").
		WithDetails("ticket_key", "TKT-00000001").
		WithDetails("state", "ready")

	if err.Details == nil {
		t.Fatal("Details is nil")
	}
	if err.Details["ticket_key"] != "TKT-00000001" {
		t.Errorf("Details[ticket_key] = %v, want %q", err.Details["ticket_key"], "TKT-00000001")
	}
	if err.Details["state"] != "ready" {
		t.Errorf("Details[state] = %v, want %q", err.Details["state"], "ready")
	}
}

func TestWithSuggestion(t *testing.T) {
	err := NotFound("ticket not found").
		WithSuggestion("Run 'gantry ticket list' to see available tickets")

	if err.Suggestion != "Run 'gantry ticket list' to see available tickets" {
		t.Errorf("Suggestion = %q", err.Suggestion)
	}
}

func TestGetKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Kind
	}{
		{"NotFound error", NotFound("not found"), KindNotFound},
		{"InvalidArgs error", InvalidArgs("bad input"), KindInvalidArgs},
		{"Standard error", errors.New("standard error"), KindGeneral},
		{"Nil wrapped", Wrap(nil, KindStateError, "state error"), KindStateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetKind(tt.err); got != tt.expected {
				t.Errorf("GetKind() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestGetCLIExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"NotFound error", NotFound("not found"), 3},
		{"Standard error", errors.New("standard error"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCLIExitCode(tt.err); got != tt.expected {
				t.Errorf("GetCLIExitCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGetHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"StaleClaim error", StaleClaim("mismatch"), http.StatusConflict},
		{"Standard error", errors.New("standard error"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetHTTPStatus(tt.err); got != tt.expected {
				t.Errorf("GetHTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestIs(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		expected bool
	}{
		{"matching kind", StaleState("moved"), KindStaleState, true},
		{"non-matching kind", StaleState("moved"), KindStaleClaim, false},
		{"standard error", errors.New("standard"), KindNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Is(tt.err, tt.kind); got != tt.expected {
				t.Errorf("Is() = %v, want %v", got, tt.expected)
			}
		})
	}
}
