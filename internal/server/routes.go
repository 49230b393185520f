package server

import (
	"crypto/subtle"
	"net/http"
)

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	// Worker-facing claim protocol. Everything that mutates requires the
	// shared agent key.
	s.router.Handle("POST /claim", s.requireAgentKey(s.handleClaim))
	s.router.Handle("POST /heartbeat", s.requireAgentKey(s.handleHeartbeat))
	s.router.Handle("POST /status", s.requireAgentKey(s.handleStatus))
	s.router.Handle("POST /complete", s.requireAgentKey(s.handleComplete))
	s.router.Handle("POST /fail", s.requireAgentKey(s.handleFail))
	s.router.Handle("POST /tickets/{key}/activity", s.requireAgentKey(s.handleAppendActivity))

	// Activity reads are open: the log is the human-facing audit trail.
	s.router.HandleFunc("GET /tickets/{key}/activity", s.handleGetActivity)
	s.router.HandleFunc("GET /tickets/{key}/activity/stream", s.handleStreamActivity)

	// Admin API, localhost-intended.
	s.router.HandleFunc("GET /api/tickets", s.handleListTickets)
	s.router.HandleFunc("POST /api/tickets", s.handleCreateTicket)
	s.router.HandleFunc("GET /api/tickets/{key}", s.handleGetTicket)
	s.router.HandleFunc("POST /api/tickets/{key}/ready", s.handleReadyTicket)
	s.router.HandleFunc("POST /api/tickets/{key}/cancel", s.handleCancelTicket)
	s.router.HandleFunc("POST /api/tickets/{key}/requeue", s.handleRequeueTicket)
	s.router.HandleFunc("POST /api/tickets/{key}/review", s.handleReviewTicket)
	s.router.HandleFunc("GET /api/tickets/{key}/deps", s.handleListDependencies)
	s.router.HandleFunc("POST /api/tickets/{key}/deps", s.handleAddDependency)

	s.router.HandleFunc("GET /api/epics", s.handleListEpics)
	s.router.HandleFunc("POST /api/epics", s.handleCreateEpic)
	s.router.HandleFunc("GET /api/epics/{key}", s.handleGetEpic)

	s.router.HandleFunc("GET /api/escalations", s.handleListEscalations)
	s.router.HandleFunc("POST /api/escalations/{id}/resolve", s.handleResolveEscalation)

	s.router.HandleFunc("GET /api/stats", s.handleStats)
	s.router.HandleFunc("GET /api/health", s.handleHealth)

	s.router.Handle("GET /metrics", s.metrics.Handler())
}

// requireAgentKey rejects requests whose X-Agent-Key doesn't match the
// configured service key. An empty configured key disables the check.
func (s *Server) requireAgentKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AgentKey != "" {
			got := r.Header.Get("X-Agent-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.AgentKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-Agent-Key")
				return
			}
		}
		next(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
