package market

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/model"
)

// Routes mounts the event read endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/events", s.handleListEvents)
	r.Get("/events/{eventID}", s.handleGetEvent)
}

// AdminRoutes mounts the event management endpoints on r. The caller is
// responsible for restricting r to administrators.
func (s *Service) AdminRoutes(r chi.Router) {
	r.Post("/events", s.handleCreateEvent)
	r.Patch("/events/{eventID}", s.handleUpdateEvent)
	r.Patch("/events/{eventID}/status", s.handleUpdateEventStatus)
	r.Delete("/events/{eventID}", s.handleDeleteEvent)
	r.Post("/events/options", s.handleCreateOption)
	r.Patch("/events/options/{optionID}/result", s.handleSetOptionResult)
}

type statusRequest struct {
	Status model.EventStatus `json:"status" validate:"required"`
}

type resultRequest struct {
	Result *bool `json:"result" validate:"required"`
}

// handleCreateEvent handles POST /api/v1/events
func (s *Service) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req CreateEventInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	event, err := s.CreateEvent(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, event)
}

// handleGetEvent handles GET /api/v1/events/{eventID}
func (s *Service) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := s.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, event)
}

// handleListEvents handles GET /api/v1/events?page&limit&status&category&startAfter&endBefore
func (s *Service) handleListEvents(w http.ResponseWriter, r *http.Request) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	f := model.EventFilter{
		Status:   model.EventStatus(q.Get("status")),
		Category: q.Get("category"),
	}
	if f.StartAfter, err = httpx.QueryTime(r, "startAfter"); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if f.EndBefore, err = httpx.QueryTime(r, "endBefore"); err != nil {
		httpx.WriteError(w, r, err)
		return
	}

	result, err := s.ListEvents(r.Context(), f, page)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

// handleUpdateEvent handles PATCH /api/v1/events/{eventID}
func (s *Service) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var req UpdateEventInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	event, err := s.UpdateEvent(r.Context(), chi.URLParam(r, "eventID"), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, event)
}

// handleUpdateEventStatus handles PATCH /api/v1/events/{eventID}/status
func (s *Service) handleUpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	event, err := s.UpdateEventStatus(r.Context(), chi.URLParam(r, "eventID"), req.Status)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, event)
}

// handleDeleteEvent handles DELETE /api/v1/events/{eventID}
func (s *Service) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.DeleteEvent(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateOption handles POST /api/v1/events/options
func (s *Service) handleCreateOption(w http.ResponseWriter, r *http.Request) {
	var req CreateOptionInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	opt, err := s.CreateOption(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, opt)
}

// handleSetOptionResult handles PATCH /api/v1/events/options/{optionID}/result
func (s *Service) handleSetOptionResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	res, err := s.SetOptionResult(r.Context(), chi.URLParam(r, "optionID"), *req.Result)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, res)
}
