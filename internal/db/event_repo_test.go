package db

import (
	"testing"

	"github.com/parallax-code/gantry/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRepo_Append(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	ticketRepo := NewTicketRepo(db.DB)
	repo := NewEventRepo(db.DB)
	ticket := newReadyTicket(t, ticketRepo, "event target")

	event := models.NewEvent(ticket.ID, models.EventTicketClaimed, models.ActorAgent, "agent-1", "claimed by agent-1")
	require.NoError(t, repo.Append(event))
	assert.Greater(t, event.ID, int64(0))

	got, err := repo.GetByID(event.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.EventTicketClaimed, got.Category)
	assert.Equal(t, models.ActorAgent, got.ActorType)
	assert.Equal(t, "agent-1", got.ActorID)
	assert.Equal(t, "claimed by agent-1", got.Message)
	assert.Equal(t, ticket.Key, got.TicketKey)
}

func TestEventRepo_AppendRejectsInvalid(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	repo := NewEventRepo(db.DB)

	err := repo.Append(&models.Event{TicketID: 0, Category: models.EventHeartbeat, ActorType: models.ActorAgent})
	assert.Error(t, err)

	err = repo.Append(&models.Event{TicketID: 1, Category: "made_up", ActorType: models.ActorAgent})
	assert.Error(t, err)
}

func TestEventRepo_AppendWithMetadata(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	ticketRepo := NewTicketRepo(db.DB)
	repo := NewEventRepo(db.DB)
	ticket := newReadyTicket(t, ticketRepo, "metadata target")

	event, err := models.NewEventWithMetadata(
		ticket.ID, models.EventValidation, models.ActorAgent, "agent-1", "validation passed",
		map[string]interface{}{"level": "standard", "files": 3},
	)
	require.NoError(t, err)
	require.NoError(t, repo.Append(event))

	got, err := repo.GetByID(event.ID)
	require.NoError(t, err)
	meta, err := got.GetMetadata()
	require.NoError(t, err)
	assert.Equal(t, "standard", meta["level"])
	assert.Equal(t, float64(3), meta["files"])
}

func TestEventRepo_ListByTicket_CursorResume(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	ticketRepo := NewTicketRepo(db.DB)
	repo := NewEventRepo(db.DB)
	ticket := newReadyTicket(t, ticketRepo, "stream target")
	other := newReadyTicket(t, ticketRepo, "other ticket")

	messages := []string{"first", "second", "third", "fourth"}
	var ids []int64
	for _, msg := range messages {
		ev := models.NewEvent(ticket.ID, models.EventStatusChange, models.ActorSystem, "", msg)
		require.NoError(t, repo.Append(ev))
		ids = append(ids, ev.ID)
	}
	// Interleaved noise on another ticket must not appear
	require.NoError(t, repo.Append(models.NewEvent(other.ID, models.EventHeartbeat, models.ActorAgent, "agent-9", "beat")))

	all, err := repo.ListByTicket(ticket.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, ev := range all {
		assert.Equal(t, messages[i], ev.Message, "append order at %d", i)
	}

	// Resume after the second event yields only the tail
	tail, err := repo.ListByTicket(ticket.ID, ids[1], 0)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, "third", tail[0].Message)
	assert.Equal(t, "fourth", tail[1].Message)

	// Resume at the newest id yields nothing
	empty, err := repo.ListByTicket(ticket.ID, ids[3], 0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	// Limit caps the page
	page, err := repo.ListByTicket(ticket.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "first", page[0].Message)
}

func TestEventRepo_LatestID(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	ticketRepo := NewTicketRepo(db.DB)
	repo := NewEventRepo(db.DB)
	ticket := newReadyTicket(t, ticketRepo, "latest target")

	id, err := repo.LatestID(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	ev := models.NewEvent(ticket.ID, models.EventHeartbeat, models.ActorAgent, "agent-1", "beat")
	require.NoError(t, repo.Append(ev))

	id, err = repo.LatestID(ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, id)
}

func TestEventRepo_ListFiltersByCategory(t *testing.T) {
	db := NewTestDB(t)
	defer db.Close()

	ticketRepo := NewTicketRepo(db.DB)
	repo := NewEventRepo(db.DB)
	ticket := newReadyTicket(t, ticketRepo, "filter target")

	require.NoError(t, repo.Append(models.NewEvent(ticket.ID, models.EventHeartbeat, models.ActorAgent, "agent-1", "beat")))
	require.NoError(t, repo.Append(models.NewEvent(ticket.ID, models.EventFailure, models.ActorAgent, "agent-1", "api_error")))
	require.NoError(t, repo.Append(models.NewEvent(ticket.ID, models.EventHeartbeat, models.ActorAgent, "agent-1", "beat")))

	cat := models.EventFailure
	got, err := repo.List(EventFilter{TicketID: &ticket.ID, Category: &cat})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "api_error", got[0].Message)

	counts, err := repo.CountByCategory(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.EventHeartbeat])
	assert.Equal(t, 1, counts[models.EventFailure])
}
