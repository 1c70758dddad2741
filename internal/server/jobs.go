package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// createJobSchema validates job submissions before they touch the store.
const createJobSchema = `{
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "image_path": {"type": "string"},
    "duration": {"type": "integer", "enum": [5, 10, 15]},
    "aspect_ratio": {"type": "string", "enum": ["16:9", "9:16", "1:1"]},
    "max_retries": {"type": "integer", "minimum": 0, "maximum": 10},
    "account_id": {"type": "string"}
  },
  "additionalProperties": false
}`

var compileJobSchema = sync.OnceValue(func() *jsonschema.Schema {
	return jsonschema.MustCompileString("create_job.json", createJobSchema)
})

type createJobRequest struct {
	Prompt      string `json:"prompt"`
	ImagePath   string `json:"image_path"`
	Duration    int    `json:"duration"`
	AspectRatio string `json:"aspect_ratio"`
	MaxRetries  *int   `json:"max_retries"`
	AccountID   string `json:"account_id"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "unreadable body"})
		return
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}
	if err := compileJobSchema().Validate(raw); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid job: %v", err)})
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.respond(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		return
	}

	job := domain.NewJob(req.Prompt)
	if req.ImagePath != "" {
		job.ImagePath = req.ImagePath
	}
	if req.Duration != 0 {
		job.Duration = req.Duration
	}
	if req.AspectRatio != "" {
		job.AspectRatio = req.AspectRatio
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.AccountID != "" {
		job.AccountID = req.AccountID
	}

	if err := s.store.CreateJob(r.Context(), job); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var filter store.JobFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		filter.Statuses = []domain.Status{domain.Status(raw)}
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.Status.IsActive() {
		s.respond(w, http.StatusConflict, errorResponse{Error: "cannot delete an active job; cancel it first"})
		return
	}
	if err := s.store.DeleteJob(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.StartJob(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "started"})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RetryJob(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "retrying"})
}

func (s *Server) handleRetrySubtasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.RetrySubtasks(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "retrying from checkpoint"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.sched.CancelJob(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelled"})
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request) {
	started, err := s.sched.StartAll(r.Context())
	if err != nil && started == 0 {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]int{"started": started})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	started, err := s.sched.RetryFailed(r.Context())
	if err != nil && started == 0 {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]int{"retried": started})
}

func (s *Server) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if p, ok := s.sched.Progress(id); ok {
		s.respond(w, http.StatusOK, p)
		return
	}

	// Fall back to the durable record for jobs the tracker no longer holds.
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"job_id":  job.ID,
		"stage":   string(job.Status),
		"percent": job.Progress,
	})
}

func (s *Server) handleAllProgress(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.sched.ProgressSnapshot())
}
