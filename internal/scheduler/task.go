package scheduler

import (
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// TaskContext is one unit of work flowing through the queues. Exactly one
// payload field is set, matching the task type.
type TaskContext struct {
	JobID string
	Type  domain.TaskType

	Generate *GeneratePayload
	Poll     *PollPayload
	Download *DownloadPayload
}

// GeneratePayload carries everything a generate worker needs, including the
// retry and switch counters that survive re-enqueues.
type GeneratePayload struct {
	Prompt      string
	Duration    int
	AspectRatio string
	ImagePath   string

	// AccountID pins the job to a specific account when set. Empty means
	// pick one.
	AccountID string

	// ExcludeAccountIDs lists accounts that already failed this job at the
	// account level (quota, verification, suspension).
	ExcludeAccountIDs []string

	SwitchCount   int
	APIRetryCount int
}

// Excluded reports whether id is on the exclusion list.
func (p *GeneratePayload) Excluded(id string) bool {
	for _, e := range p.ExcludeAccountIDs {
		if e == id {
			return true
		}
	}
	return false
}

// Exclude adds id to the exclusion list if not already present.
func (p *GeneratePayload) Exclude(id string) {
	if !p.Excluded(id) {
		p.ExcludeAccountIDs = append(p.ExcludeAccountIDs, id)
	}
}

// PollPayload identifies the remote task to watch.
type PollPayload struct {
	AccountID    string
	RemoteTaskID string
	PollCount    int
}

// DownloadPayload identifies the finished video to fetch.
type DownloadPayload struct {
	URL       string
	VideoID   string
	AccountID string
}

// NewGenerateTask builds a generate task from a job's stored fields.
func NewGenerateTask(job *domain.Job) *TaskContext {
	return &TaskContext{
		JobID: job.ID,
		Type:  domain.TaskGenerate,
		Generate: &GeneratePayload{
			Prompt:      job.Prompt,
			Duration:    job.Duration,
			AspectRatio: job.AspectRatio,
			ImagePath:   job.ImagePath,
			AccountID:   job.AccountID,
		},
	}
}

// NewPollTask builds a poll task for a submitted remote task.
func NewPollTask(jobID, accountID, remoteTaskID string) *TaskContext {
	return &TaskContext{
		JobID: jobID,
		Type:  domain.TaskPoll,
		Poll: &PollPayload{
			AccountID:    accountID,
			RemoteTaskID: remoteTaskID,
		},
	}
}

// NewDownloadTask builds a download task for a completed video.
func NewDownloadTask(jobID, accountID, url, videoID string) *TaskContext {
	return &TaskContext{
		JobID: jobID,
		Type:  domain.TaskDownload,
		Download: &DownloadPayload{
			URL:       url,
			VideoID:   videoID,
			AccountID: accountID,
		},
	}
}
