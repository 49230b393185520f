package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/parallax-code/gantry/internal/db"
	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/service"
)

// adminActor labels admin API mutations in the event log when the caller
// doesn't identify itself.
const adminActor = "api"

// Ticket handlers

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	filter := db.TicketFilter{Limit: 100}

	q := r.URL.Query()
	if project := q.Get("project"); project != "" {
		filter.ProjectKey = strings.ToUpper(project)
	}
	if state := q.Get("state"); state != "" {
		st := models.State(state)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid_args", "invalid state: "+state)
			return
		}
		filter.State = &st
	}
	if assignee := q.Get("assignee"); assignee != "" {
		filter.AssigneeID = assignee
	}
	if epicKey := q.Get("epic"); epicKey != "" {
		epic, err := s.epics.Get(epicKey)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		filter.EpicID = &epic.ID
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Offset = n
		}
	}

	tickets, err := s.tickets.List(filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title         string   `json:"title"`
		Description   string   `json:"description"`
		Criteria      []string `json:"criteria"`
		FilesToCreate []string `json:"files_to_create"`
		FilesToModify []string `json:"files_to_modify"`
		Scope         string   `json:"scope"`
		RepoURL       string   `json:"repo_url"`
		BaseBranch    string   `json:"base_branch"`
		Model         string   `json:"model"`
		MaxAttempts   int      `json:"max_attempts"`
		Project       string   `json:"project"`
		Epic          string   `json:"epic"`
		DependsOn     []string `json:"depends_on"`
		Ready         bool     `json:"ready"`
		Actor         string   `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}
	if req.Actor == "" {
		req.Actor = adminActor
	}

	ticket, err := s.tickets.Create(service.CreateTicketInput{
		Title:         req.Title,
		Description:   req.Description,
		Criteria:      req.Criteria,
		FilesToCreate: req.FilesToCreate,
		FilesToModify: req.FilesToModify,
		Scope:         req.Scope,
		RepoURL:       req.RepoURL,
		BaseBranch:    req.BaseBranch,
		Model:         req.Model,
		MaxAttempts:   req.MaxAttempts,
		ProjectKey:    req.Project,
		EpicKey:       req.Epic,
		DependsOn:     req.DependsOn,
		Ready:         req.Ready,
		Actor:         req.Actor,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	detail, err := s.tickets.Detail(r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	history, err := s.tickets.Activity(detail.Ticket.Key, 0, 50)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := struct {
		*service.TicketDetail
		History []EventResponse `json:"history"`
	}{
		TicketDetail: detail,
		History:      make([]EventResponse, 0, len(history)),
	}
	for _, ev := range history {
		response.History = append(response.History, eventToResponse(ev))
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleReadyTicket(w http.ResponseWriter, r *http.Request) {
	actor := s.actorFromBody(r)
	ticket, err := s.tickets.MarkReady(r.PathValue("key"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleRequeueTicket(w http.ResponseWriter, r *http.Request) {
	actor := s.actorFromBody(r)
	ticket, err := s.tickets.Requeue(r.PathValue("key"), actor)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleCancelTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	decodeJSON(r, &req) // empty body allowed
	if req.Actor == "" {
		req.Actor = adminActor
	}

	ticket, err := s.tickets.Cancel(r.PathValue("key"), req.Actor, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (s *Server) handleReviewTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
		Verdict  string `json:"verdict"`
		Feedback string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}
	if req.Reviewer == "" {
		req.Reviewer = adminActor
	}

	ticket, err := s.tickets.Review(r.PathValue("key"), req.Reviewer,
		models.Verdict(req.Verdict), req.Feedback)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

// Dependency handlers

func (s *Server) handleListDependencies(w http.ResponseWriter, r *http.Request) {
	detail, err := s.tickets.Detail(r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prerequisites": detail.Prerequisites,
		"dependents":    detail.Dependents,
	})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DependsOn string `json:"depends_on"`
		Actor     string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}
	if req.Actor == "" {
		req.Actor = adminActor
	}

	if err := s.tickets.AddDependency(r.PathValue("key"), req.DependsOn, req.Actor); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// actorFromBody reads an optional {"actor": ...} body.
func (s *Server) actorFromBody(r *http.Request) string {
	var req struct {
		Actor string `json:"actor"`
	}
	decodeJSON(r, &req)
	if req.Actor == "" {
		return adminActor
	}
	return req.Actor
}

// Epic handlers

func (s *Server) handleListEpics(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	epics, err := s.epics.List(openOnly)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, epics)
}

func (s *Server) handleCreateEpic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid request body")
		return
	}

	epic, err := s.epics.Create(req.Title, req.Description)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, epic)
}

func (s *Server) handleGetEpic(w http.ResponseWriter, r *http.Request) {
	detail, err := s.epics.Detail(r.PathValue("key"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// Escalation handlers

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	filter := db.EscalationFilter{Limit: 100}
	if r.URL.Query().Get("open") == "true" {
		filter.OpenOnly = true
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}

	escalations, err := s.escalations.List(filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, escalations)
}

func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_args", "invalid escalation id")
		return
	}

	escalation, serr := s.escalations.Resolve(id)
	if serr != nil {
		s.writeServiceError(w, r, serr)
		return
	}
	writeJSON(w, http.StatusOK, escalation)
}

// Stats handler

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summary, err := s.stats.GetSummary(db.StatsFilter{
		ProjectKey: strings.ToUpper(r.URL.Query().Get("project")),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
