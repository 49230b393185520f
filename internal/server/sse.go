package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/parallax-code/gantry/internal/models"
)

// Hub fans out committed activity events to stream subscribers, keyed by
// ticket. Thread-safe. History lives in the event store, not here: a
// reconnecting client replays from the database via Last-Event-ID.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]map[uint64]chan *models.Event
	nextID uint64
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[uint64]chan *models.Event)}
}

// Publish delivers an event to every subscriber of its ticket. Slow
// clients are dropped rather than blocking the append path.
func (h *Hub) Publish(ev *models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[ev.TicketID] {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(h.subs[ev.TicketID], id)
		}
	}
}

// Subscribe returns a channel of live events for one ticket and an
// unsubscribe function.
func (h *Hub) Subscribe(ticketID int64) (<-chan *models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *models.Event, 64)
	id := h.nextID
	h.nextID++

	if h.subs[ticketID] == nil {
		h.subs[ticketID] = make(map[uint64]chan *models.Event)
	}
	h.subs[ticketID][id] = ch

	unsub := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ticketID][id]; ok {
			delete(h.subs[ticketID], id)
			close(ch)
		}
		if len(h.subs[ticketID]) == 0 {
			delete(h.subs, ticketID)
		}
	}
	return ch, unsub
}

// EventResponse is an activity log entry as rendered by the API.
type EventResponse struct {
	ID              int64                  `json:"id"`
	TicketKey       string                 `json:"ticket_key,omitempty"`
	Category        string                 `json:"category"`
	CategoryDisplay string                 `json:"category_display"`
	ActorType       string                 `json:"actor_type"`
	ActorID         string                 `json:"actor_id,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

func eventToResponse(ev *models.Event) EventResponse {
	resp := EventResponse{
		ID:              ev.ID,
		TicketKey:       ev.TicketKey,
		Category:        string(ev.Category),
		CategoryDisplay: ev.Category.DisplayName(),
		ActorType:       string(ev.ActorType),
		ActorID:         ev.ActorID,
		Message:         ev.Message,
		CreatedAt:       ev.CreatedAt,
	}
	if meta, err := ev.GetMetadata(); err == nil {
		resp.Metadata = meta
	}
	return resp
}

// handleGetActivity returns a ticket's activity log, oldest first.
// Supports ?after=<event id> and ?limit=<n>.
func (s *Server) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var afterID int64
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			afterID = n
		}
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events, err := s.tickets.Activity(key, afterID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	response := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		response = append(response, eventToResponse(ev))
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStreamActivity serves a ticket's activity log as Server-Sent
// Events: a replay of rows after Last-Event-ID, then live appends.
// Delivery is at-least-once around the replay boundary; clients dedupe
// by event id.
func (s *Server) handleStreamActivity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	ticket, err := s.tickets.Get(key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "error", "streaming not supported")
		return
	}

	var lastID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			lastID = n
		}
	}

	// Subscribe before the replay query so nothing falls in the gap.
	live, unsub := s.hub.Subscribe(ticket.ID)
	defer unsub()

	s.metrics.StreamClients.Inc()
	defer s.metrics.StreamClients.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx proxy compatibility
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replay, err := s.tickets.Activity(key, lastID, 0)
	if err != nil {
		return
	}
	for _, ev := range replay {
		writeSSEFrame(w, ev)
		if ev.ID > lastID {
			lastID = ev.ID
		}
	}
	flusher.Flush()

	// Periodic comments keep idle connections alive through proxies.
	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-live:
			if !ok {
				// Dropped for slowness; the client reconnects with
				// Last-Event-ID and replays what it missed.
				return
			}
			if ev.ID <= lastID {
				continue
			}
			lastID = ev.ID
			writeSSEFrame(w, ev)
			flusher.Flush()
		}
	}
}

// writeSSEFrame writes one event as an SSE frame. The frame id is the
// event id, so reconnects resume exactly where the stream broke.
func writeSSEFrame(w http.ResponseWriter, ev *models.Event) {
	data, err := json.Marshal(eventToResponse(ev))
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Category, data)
}
