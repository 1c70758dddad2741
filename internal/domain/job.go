package domain

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSentPrompt Status = "sent_prompt"
	StatusGenerating Status = "generating"
	StatusDownload   Status = "download"
	StatusCompleted  Status = "completed"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// validTransitions is the full job status transition table. Any pair not
// listed here is rejected with a TransitionError instead of silently applied.
var validTransitions = map[Status][]Status{
	StatusDraft:      {StatusPending, StatusProcessing, StatusCancelled},
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusSentPrompt, StatusGenerating, StatusDownload, StatusCompleted, StatusDone, StatusFailed, StatusCancelled},
	StatusSentPrompt: {StatusGenerating, StatusFailed, StatusCancelled},
	StatusGenerating: {StatusDownload, StatusFailed, StatusCancelled},
	StatusDownload:   {StatusDone, StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted:  {StatusDone},
	StatusFailed:     {StatusPending},
	StatusDone:       {},
	StatusCancelled:  {},
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// IsActive reports whether the job is owned by an in-flight pipeline stage.
func (s Status) IsActive() bool {
	switch s {
	case StatusProcessing, StatusSentPrompt, StatusGenerating, StatusDownload:
		return true
	}
	return false
}

// ValidTransitions returns the allowed next statuses for s.
func (s Status) ValidTransitions() []Status {
	return validTransitions[s]
}

// ValidateTransition checks the transition table. The failed -> pending edge
// is reserved for the explicit retry operation and rejected unless allowRetry
// is set, so a background loop can never silently resurrect a failed job.
func ValidateTransition(current, next Status, allowRetry bool) error {
	if current == StatusFailed && next == StatusPending && !allowRetry {
		return &TransitionError{From: current, To: next, Hint: "use the retry operation to restart failed jobs"}
	}
	for _, allowed := range validTransitions[current] {
		if next == allowed {
			return nil
		}
	}
	return &TransitionError{From: current, To: next}
}

// Job is one requested video-generation unit of work tracked through the
// generate -> poll -> download pipeline. TaskState is the durable checkpoint
// that lets the pipeline resume after a crash.
type Job struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	ImagePath   string     `json:"image_path,omitempty"`
	Duration    int        `json:"duration"`
	AspectRatio string     `json:"aspect_ratio"`
	Status      Status     `json:"status"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	Progress    int        `json:"progress"`
	VideoURL    string     `json:"video_url,omitempty"`
	VideoID     string     `json:"video_id,omitempty"`
	LocalPath   string     `json:"local_path,omitempty"`
	FileSize    int64      `json:"file_size,omitempty"`
	AccountID   string     `json:"account_id,omitempty"`
	TaskState   *TaskState `json:"task_state,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a draft job with defaults matching the upstream service
// (5 second clip, landscape) and a fresh pipeline checkpoint.
func NewJob(prompt string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:          uuid.NewString(),
		Prompt:      prompt,
		Duration:    5,
		AspectRatio: "16:9",
		Status:      StatusDraft,
		MaxRetries:  3,
		TaskState:   NewTaskState(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Transition validates and applies a status change.
func (j *Job) Transition(next Status, allowRetry bool) error {
	if err := ValidateTransition(j.Status, next, allowRetry); err != nil {
		return err
	}
	j.Status = next
	j.UpdatedAt = time.Now().UTC()
	return nil
}
