package handler

import (
	"errors"
	"net/http"

	"github.com/ghaph/auto-middleman/internal/store"
	"github.com/ghaph/auto-middleman/internal/ticket"
)

// TicketHandler serves the operator view of negotiation tickets.
type TicketHandler struct {
	engine *ticket.Engine
	store  store.Store
}

func NewTicketHandler(eng *ticket.Engine, st store.Store) *TicketHandler {
	return &TicketHandler{engine: eng, store: st}
}

// List returns open tickets. With ?closed=true it returns closed tickets
// from the store instead.
func (h *TicketHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("closed") == "true" {
		var tickets []ticket.Ticket
		if err := h.store.FindAll(r.Context(), store.Tickets, store.Filter{"closed": true}, &tickets); err != nil {
			RespondError(w, r, http.StatusInternalServerError, "tickets/list-failed", "failed to list tickets")
			return
		}
		if tickets == nil {
			tickets = []ticket.Ticket{}
		}
		RespondJSON(w, http.StatusOK, tickets)
		return
	}

	open := h.engine.Tickets()
	if open == nil {
		open = []*ticket.Ticket{}
	}
	RespondJSON(w, http.StatusOK, open)
}

// Get returns a single ticket by id, whether open or closed.
func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		RespondError(w, r, http.StatusBadRequest, "tickets/invalid-id", "ticket id must be a non-negative integer")
		return
	}
	if t, err := h.engine.Get(id); err == nil {
		RespondJSON(w, http.StatusOK, t)
		return
	}

	var t ticket.Ticket
	err := h.store.FindOne(r.Context(), store.Tickets, store.Filter{"id": id}, &t)
	if errors.Is(err, store.ErrNotFound) {
		RespondError(w, r, http.StatusNotFound, "tickets/not-found", "ticket not found")
		return
	}
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "tickets/get-failed", "failed to load ticket")
		return
	}
	RespondJSON(w, http.StatusOK, t)
}
