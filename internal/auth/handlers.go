package auth

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/apperr"
	"github.com/atmx/settlement-engine/internal/httpx"
)

// PublicRoutes mounts signup and login on r.
func (s *Service) PublicRoutes(r chi.Router) {
	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
}

// Routes mounts the authenticated auth endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/auth/me", s.handleMe)
}

// handleSignup handles POST /api/v1/auth/signup
func (s *Service) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req SignupInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	sess, err := s.Signup(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, sess)
}

// handleLogin handles POST /api/v1/auth/login
func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginInput
	if err := httpx.Decode(r, &req); err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	sess, err := s.Login(r.Context(), req)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

// handleMe handles GET /api/v1/auth/me
func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	id, ok := FromContext(r.Context())
	if !ok {
		httpx.WriteError(w, r, apperr.New(apperr.Unauthorized, "authentication required"))
		return
	}
	u, err := s.Me(r.Context(), id)
	if err != nil {
		httpx.WriteError(w, r, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, u)
}
