package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

type accountRequest struct {
	Platform  string          `json:"platform"`
	Email     string          `json:"email"`
	Password  string          `json:"password"`
	Proxy     string          `json:"proxy"`
	LoginMode string          `json:"login_mode"`
	Cookies   []domain.Cookie `json:"cookies"`
	Token     string          `json:"token"`
	DeviceID  string          `json:"device_id"`
	UserAgent string          `json:"user_agent"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if req.Email == "" {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "email is required"})
		return
	}

	acct := domain.NewAccount(req.Platform, req.Email)
	applyAccountRequest(acct, &req)

	if err := s.store.CreateAccount(r.Context(), acct); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, acct)
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.store.ListAccounts(r.Context(), r.URL.Query().Get("platform"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"accounts": accounts, "count": len(accounts)})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, acct)
}

func (s *Server) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.store.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}

	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if req.Email != "" {
		acct.Email = req.Email
	}
	if req.Platform != "" {
		acct.Platform = req.Platform
	}
	applyAccountRequest(acct, &req)

	if err := s.store.UpdateAccount(r.Context(), acct); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, acct)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAccount(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func applyAccountRequest(acct *domain.Account, req *accountRequest) {
	if req.Password != "" {
		acct.EncryptedPassword = req.Password
	}
	if req.Proxy != "" {
		acct.Proxy = req.Proxy
	}
	if req.LoginMode != "" {
		acct.LoginMode = req.LoginMode
	}
	if len(req.Cookies) > 0 {
		acct.Cookies = req.Cookies
	}
	if req.Token != "" {
		acct.AccessToken = req.Token
		acct.TokenStatus = domain.TokenValid
	}
	if req.DeviceID != "" {
		acct.DeviceID = req.DeviceID
	}
	if req.UserAgent != "" {
		acct.UserAgent = req.UserAgent
	}
}
