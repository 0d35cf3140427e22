package trade

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/auth"
	"github.com/atmx/settlement-engine/internal/httpx"
	"github.com/atmx/settlement-engine/internal/model"
)

// Routes mounts the trade endpoints available to any authenticated caller.
// Non-admin callers only ever see and create their own trades.
func (s *Service) Routes(r chi.Router) {
	r.Post("/trades", s.handleCreateTrade)
	r.Get("/trades", s.handleListTrades)
	r.Get("/trades/{tradeID}", s.handleGetTrade)
}

// AdminRoutes mounts the trade management endpoints on r. The caller is
// responsible for restricting r to administrators.
func (s *Service) AdminRoutes(r chi.Router) {
	r.Get("/trades/user/{userID}", s.handleListByUser)
	r.Get("/trades/event/{eventID}", s.handleListByEvent)
	r.Patch("/trades/{tradeID}/status", s.handleUpdateStatus)
	r.Patch("/trades/{tradeID}/settle", s.handleSettleTrade)
	r.Post("/events/{eventID}/settle", s.handleSettleEvent)
}

type statusRequest struct {
	Status model.TradeStatus `json:"status" validate:"required"`
}

type settleRequest struct {
	Result *bool `json:"result" validate:"required"`
}

// handleCreateTrade handles POST /api/v1/trades
func (s *Service) handleCreateTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, apperr.New(apperr.Unauthorized, "authentication required"))
		return
	}
	var req CreateInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	switch {
	case req.UserID == "":
		req.UserID = id.UserID
	case req.UserID != id.UserID && !id.IsAdmin():
		httpx.WriteError(w, r, apperr.New(apperr.Forbidden, "cannot trade for another user"))
		return
	}

	t, err := s.CreateTrade(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

// handleGetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	d, err := s.GetTradeDetail(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	if !id.IsAdmin() && d.Trade.UserID != id.UserID {
		// Indistinguishable from a missing trade.
		httpx.WriteError(w, r, apperr.New(apperr.NotFound, "trade not found"))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, d)
}

// handleListTrades handles GET /api/v1/trades?page&limit&status&eventId&optionId&userId&result
func (s *Service) handleListTrades(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	f, page, err := parseListQuery(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	f.UserID = r.URL.Query().Get("userId")
	if !id.IsAdmin() {
		f.UserID = id.UserID
	}
	s.writeList(w, r, f, page)
}

// handleListByUser handles GET /api/v1/trades/user/{userID}
func (s *Service) handleListByUser(w http.ResponseWriter, r *http.Request) {
	f, page, err := parseListQuery(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	f.UserID = chi.URLParam(r, "userID")
	s.writeList(w, r, f, page)
}

// handleListByEvent handles GET /api/v1/trades/event/{eventID}
func (s *Service) handleListByEvent(w http.ResponseWriter, r *http.Request) {
	f, page, err := parseListQuery(r)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	f.EventID = chi.URLParam(r, "eventID")
	s.writeList(w, r, f, page)
}

func (s *Service) writeList(w http.ResponseWriter, r *http.Request, f model.TradeFilter, page model.PageRequest) {
	result, err := s.ListTrades(r.Context(), f, page)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, result)
}

func parseListQuery(r *http.Request) (model.TradeFilter, model.PageRequest, error) {
	page, err := httpx.ParsePage(r)
	if err != nil {
		return model.TradeFilter{}, page, err
	}
	q := r.URL.Query()
	f := model.TradeFilter{
		EventID:  q.Get("eventId"),
		OptionID: q.Get("optionId"),
		Status:   model.TradeStatus(q.Get("status")),
	}
	if f.Result, err = httpx.QueryBool(r, "result"); err != nil {
		return model.TradeFilter{}, page, err
	}
	return f, page, nil
}

// handleUpdateStatus handles PATCH /api/v1/trades/{tradeID}/status
func (s *Service) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	t, err := s.UpdateTradeStatus(r.Context(), chi.URLParam(r, "tradeID"), req.Status)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// handleSettleTrade handles PATCH /api/v1/trades/{tradeID}/settle
func (s *Service) handleSettleTrade(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	t, err := s.SettleTrade(r.Context(), chi.URLParam(r, "tradeID"), *req.Result)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

// handleSettleEvent handles POST /api/v1/events/{eventID}/settle
func (s *Service) handleSettleEvent(w http.ResponseWriter, r *http.Request) {
	sum, err := s.SettleEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sum)
}
