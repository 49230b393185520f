// Package llm calls the upstream model API. The worker makes exactly one
// kind of call: a single-turn generation with a system persona and a user
// prompt, returning text. Errors carry a retryability verdict derived
// from the HTTP status so the worker can pick a failure class.
package llm

import (
	"context"
	"time"
)

// Request is a single-turn generation call.
type Request struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
}

// Usage is the token accounting echoed into the attempt history.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the concatenated text of the model's reply plus usage.
type Response struct {
	Text  string
	Usage Usage
}

// Client generates text. The production implementation is Anthropic;
// tests script a fake.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// APIError is a non-2xx reply from the model API.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter *time.Duration

	retryable bool
}

func (e *APIError) Error() string {
	return e.Message
}

// Retryable reports whether the worker should retry the whole ticket.
// Rate limits, request timeouts, and server errors are transient;
// everything else (bad request, auth, not found) will not improve on its
// own.
func (e *APIError) Retryable() bool {
	return e.retryable
}

// ErrorFromStatus classifies an upstream HTTP status. 429, 408, and 5xx
// are retryable; 4xx otherwise is not.
func ErrorFromStatus(status int, message string, retryAfter *time.Duration) *APIError {
	err := &APIError{
		StatusCode: status,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch {
	case status == 429 || status == 408:
		err.retryable = true
	case status >= 500:
		err.retryable = true
	}
	return err
}
