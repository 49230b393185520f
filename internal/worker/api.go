package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// APIError is a non-2xx orchestrator reply carrying the stable error code
// from the response body.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("orchestrator replied %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("orchestrator replied %d (%s)", e.Status, e.Code)
}

// Stale reports whether the claim behind the request is gone: the
// reclaimer or another worker owns the ticket now.
func (e *APIError) Stale() bool {
	return e.Code == "stale_claim" || e.Code == "stale_state"
}

// errNoContent marks an empty 204 reply internally.
var errNoContent = errors.New("no content")

// APIClient calls the orchestrator's worker endpoints. The shared agent
// key rides on every request as X-Agent-Key and never appears in logs.
type APIClient struct {
	baseURL  string
	agentKey string
	client   *http.Client
}

// NewAPIClient creates a client for the orchestrator at baseURL.
func NewAPIClient(baseURL, agentKey string) *APIClient {
	return &APIClient{
		baseURL:  strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		agentKey: agentKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Claim is a granted claim: the ticket, its bearer token, and the resolved
// settings the pipeline runs under.
type Claim struct {
	Ticket         *models.Ticket          `json:"ticket"`
	ClaimToken     string                  `json:"claim_token"`
	ClaimExpiresAt time.Time               `json:"claim_expires_at"`
	Settings       *models.ProjectSettings `json:"project_settings"`
}

// tokenPayload is the common body of the claim-scoped endpoints.
type tokenPayload struct {
	TicketID   int64  `json:"ticket_id"`
	AgentID    string `json:"agent_id"`
	ClaimToken string `json:"claim_token"`
}

// Claim asks for the oldest eligible ready ticket. Returns (nil, nil) when
// the queue is empty.
func (c *APIClient) Claim(ctx context.Context, agentID, projectKey, epicKey string) (*Claim, error) {
	req := struct {
		AgentID      string `json:"agent_id"`
		ProjectID    string `json:"project_id,omitempty"`
		TicketFilter struct {
			Epic string `json:"epic,omitempty"`
		} `json:"ticket_filter"`
	}{AgentID: agentID, ProjectID: projectKey}
	req.TicketFilter.Epic = epicKey

	var claim Claim
	err := c.post(ctx, "/claim", req, &claim)
	if errors.Is(err, errNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

// Heartbeat extends the claim and returns the new expiry.
func (c *APIClient) Heartbeat(ctx context.Context, ticketID int64, agentID, token string) (time.Time, error) {
	var resp struct {
		ClaimExpiresAt time.Time `json:"claim_expires_at"`
	}
	err := c.post(ctx, "/heartbeat", tokenPayload{TicketID: ticketID, AgentID: agentID, ClaimToken: token}, &resp)
	return resp.ClaimExpiresAt, err
}

// Advance moves the ticket between the claimed states.
func (c *APIClient) Advance(ctx context.Context, ticketID int64, agentID, token string, state models.State) error {
	req := struct {
		tokenPayload
		State string `json:"state"`
	}{
		tokenPayload: tokenPayload{TicketID: ticketID, AgentID: agentID, ClaimToken: token},
		State:        string(state),
	}
	return c.post(ctx, "/status", req, nil)
}

// Complete submits the execution report.
func (c *APIClient) Complete(ctx context.Context, ticketID int64, agentID, token string, report service.CompleteReport) error {
	req := struct {
		tokenPayload
		service.CompleteReport
	}{
		tokenPayload:   tokenPayload{TicketID: ticketID, AgentID: agentID, ClaimToken: token},
		CompleteReport: report,
	}
	return c.post(ctx, "/complete", req, nil)
}

// Fail reports a failed execution with its error class.
func (c *APIClient) Fail(ctx context.Context, ticketID int64, agentID, token, message string, class models.ErrorClass, shouldRetry bool) error {
	req := struct {
		tokenPayload
		ErrorMessage string `json:"error_message"`
		ErrorClass   string `json:"error_class"`
		ShouldRetry  bool   `json:"should_retry"`
	}{
		tokenPayload: tokenPayload{TicketID: ticketID, AgentID: agentID, ClaimToken: token},
		ErrorMessage: message,
		ErrorClass:   string(class),
		ShouldRetry:  shouldRetry,
	}
	return c.post(ctx, "/fail", req, nil)
}

// AppendActivity writes a progress event to the ticket's activity log.
func (c *APIClient) AppendActivity(ctx context.Context, ticketKey, agentID string, category models.EventCategory, message string, metadata map[string]interface{}) error {
	req := struct {
		AgentID  string                 `json:"agent_id"`
		Category string                 `json:"category"`
		Message  string                 `json:"message"`
		Metadata map[string]interface{} `json:"metadata,omitempty"`
	}{AgentID: agentID, Category: string(category), Message: message, Metadata: metadata}
	return c.post(ctx, "/tickets/"+ticketKey+"/activity", req, nil)
}

func (c *APIClient) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.agentKey != "" {
		req.Header.Set("X-Agent-Key", c.agentKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return errNoContent
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		apiErr := &APIError{Status: resp.StatusCode}
		var errBody struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &errBody) == nil {
			apiErr.Code = errBody.Error
			apiErr.Message = errBody.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
