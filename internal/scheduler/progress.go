package scheduler

import "sync"

// JobProgress is a point-in-time view of one job's progress.
type JobProgress struct {
	JobID     string  `json:"job_id"`
	Stage     string  `json:"stage"`
	Percent   float64 `json:"percent"`
	AccountID string  `json:"account_id,omitempty"`
	Message   string  `json:"message,omitempty"`
}

// ProgressTracker keeps in-memory progress for active jobs. It is a cache
// over the durable job rows, not a source of truth.
type ProgressTracker struct {
	mu   sync.RWMutex
	jobs map[string]JobProgress
}

// NewProgressTracker creates an empty tracker.
func NewProgressTracker() *ProgressTracker {
	return &ProgressTracker{jobs: make(map[string]JobProgress)}
}

// Set records the current progress of a job.
func (t *ProgressTracker) Set(p JobProgress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[p.JobID] = p
}

// Get returns the progress of one job.
func (t *ProgressTracker) Get(jobID string) (JobProgress, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.jobs[jobID]
	return p, ok
}

// Remove drops a finished job from the tracker.
func (t *ProgressTracker) Remove(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobID)
}

// Snapshot returns a copy of every tracked job's progress.
func (t *ProgressTracker) Snapshot() map[string]JobProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]JobProgress, len(t.jobs))
	for id, p := range t.jobs {
		out[id] = p
	}
	return out
}
