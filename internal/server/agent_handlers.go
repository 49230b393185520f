package server

import (
	"net/http"

	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// handleClaim hands the oldest eligible ready ticket to the calling agent.
// 200 with the claim payload, 204 when the queue is empty.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID      string `json:"agent_id"`
		ProjectID    string `json:"project_id"`
		TicketFilter struct {
			Epic string `json:"epic"`
		} `json:"ticket_filter"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	result, err := s.tickets.Claim(service.ClaimRequest{
		AgentID:    req.AgentID,
		ProjectKey: req.ProjectID,
		EpicKey:    req.TicketFilter.Epic,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if result == nil {
		s.metrics.Claims.WithLabelValues("empty").Inc()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.metrics.Claims.WithLabelValues("granted").Inc()
	s.metrics.ClaimConflicts.Add(float64(result.Conflicts))
	s.logger.Info("claim granted",
		"ticket", result.Ticket.Key, "agent", req.AgentID)

	writeJSON(w, http.StatusOK, result)
}

// tokenRequest is the common body of the token-authenticated endpoints.
type tokenRequest struct {
	TicketID   int64  `json:"ticket_id"`
	AgentID    string `json:"agent_id"`
	ClaimToken string `json:"claim_token"`
}

// handleHeartbeat extends the caller's claim. 409 when the token is stale.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	ticket, err := s.tickets.Heartbeat(req.TicketID, req.AgentID, req.ClaimToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":           ticket,
		"claim_expires_at": ticket.ClaimExpiresAt,
	})
}

// handleStatus moves the caller's ticket between the claimed states.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tokenRequest
		State string `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	ticket, err := s.tickets.Advance(req.TicketID, req.AgentID, req.ClaimToken, models.State(req.State))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

// handleComplete records an execution report and routes the ticket per
// the completion policy.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tokenRequest
		service.CompleteReport
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	ticket, err := s.tickets.Complete(req.TicketID, req.AgentID, req.ClaimToken, req.CompleteReport)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.metrics.Completions.WithLabelValues(string(ticket.State)).Inc()
	s.logger.Info("execution reported",
		"ticket", ticket.Key, "agent", req.AgentID,
		"success", req.Success, "state", ticket.State)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

// handleFail records a failure report.
func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		tokenRequest
		ErrorMessage string `json:"error_message"`
		ErrorClass   string `json:"error_class"`
		ShouldRetry  bool   `json:"should_retry"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	ticket, err := s.tickets.Fail(req.TicketID, req.AgentID, req.ClaimToken,
		req.ErrorMessage, models.ErrorClass(req.ErrorClass), req.ShouldRetry)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	s.metrics.Completions.WithLabelValues(string(ticket.State)).Inc()
	s.logger.Info("failure reported",
		"ticket", ticket.Key, "agent", req.AgentID,
		"class", req.ErrorClass, "state", ticket.State)

	writeJSON(w, http.StatusOK, map[string]interface{}{"ticket": ticket})
}

// handleAppendActivity appends a worker progress event to a ticket's log.
func (s *Server) handleAppendActivity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req struct {
		AgentID  string                 `json:"agent_id"`
		Category string                 `json:"category"`
		Message  string                 `json:"message"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	ev, err := s.tickets.AppendActivity(key, models.ActorAgent, req.AgentID,
		models.EventCategory(req.Category), req.Message, req.Metadata)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, eventToResponse(ev))
}
