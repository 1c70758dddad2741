package server

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "paused by operator"
	}
	s.sched.Pause(req.Reason)
	s.respond(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.sched.Resume()
	s.respond(w, http.StatusOK, s.sched.Status())
}

func (s *Server) handleForceReset(w http.ResponseWriter, r *http.Request) {
	s.sched.ForceReset()
	s.respond(w, http.StatusOK, s.sched.Status())
}
