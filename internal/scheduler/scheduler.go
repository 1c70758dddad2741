// Package scheduler orchestrates video generation jobs: bounded task
// queues, per-account arbitration, and the generate/poll/download worker
// loops that move jobs through their lifecycle.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/config"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// Scheduler is the single orchestration value for the process. It owns the
// task queues, the account controller, and the worker loops.
type Scheduler struct {
	store    store.Store
	drivers  *driver.Registry
	cfg      *config.Manager
	logger   *slog.Logger
	queues   *TaskQueueSet
	accounts *AccountController
	progress *ProgressTracker

	mu     sync.Mutex
	active map[string]bool // job IDs with an in-flight or queued task

	pauseMu     sync.RWMutex
	paused      bool
	pauseReason string
}

// New creates a scheduler. It does not start any workers; call Run.
func New(st store.Store, drivers *driver.Registry, cfg *config.Manager, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	sc := cfg.Scheduler()
	s := &Scheduler{
		store:    st,
		drivers:  drivers,
		cfg:      cfg,
		logger:   logger,
		queues:   NewTaskQueueSet(sc.QueueSize, sc.EnqueueTimeout(), logger.With("component", "queues")),
		progress: NewProgressTracker(),
		active:   make(map[string]bool),
	}
	s.accounts = NewAccountController(st, func() time.Duration { return cfg.Scheduler().Cooldown() }, logger.With("component", "accounts"))
	return s
}

// Run starts the worker loops and blocks until ctx is cancelled. It
// hydrates pending work from the store before the loops begin.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Hydrate(ctx); err != nil {
		s.logger.Error("startup hydration failed", "error", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.runGenerate(ctx) })
	g.Go(func() error { return s.runPoll(ctx) })
	g.Go(func() error { return s.runDownload(ctx) })
	g.Go(func() error { return s.runRecovery(ctx) })

	s.logger.Info("scheduler started")
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// markActive records a job as having queued or in-flight work. Returns
// false if it was already active.
func (s *Scheduler) markActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[jobID] {
		return false
	}
	s.active[jobID] = true
	return true
}

func (s *Scheduler) markInactive(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func (s *Scheduler) isActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}

// ActiveCount returns how many jobs currently have queued or in-flight work.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Paused reports the pause state and its reason.
func (s *Scheduler) Paused() (bool, string) {
	s.pauseMu.RLock()
	defer s.pauseMu.RUnlock()
	return s.paused, s.pauseReason
}

// Pause stops workers from dispatching new generations. Queued tasks stay
// queued; in-flight work finishes.
func (s *Scheduler) Pause(reason string) {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if s.paused {
		return
	}
	s.paused = true
	s.pauseReason = reason
	s.logger.Warn("scheduler paused", "reason", reason)
}

// Resume clears the pause state.
func (s *Scheduler) Resume() {
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	s.pauseReason = ""
	s.logger.Info("scheduler resumed")
}

// ForceReset clears the account busy set and cooldown stamps and resumes
// the scheduler. It exists to recover from operator-visible wedge states.
func (s *Scheduler) ForceReset() {
	s.accounts.ForceReset()
	s.Resume()
}

// Progress returns the in-memory progress of one job.
func (s *Scheduler) Progress(jobID string) (JobProgress, bool) {
	return s.progress.Get(jobID)
}

// ProgressSnapshot returns progress for all tracked jobs.
func (s *Scheduler) ProgressSnapshot() map[string]JobProgress {
	return s.progress.Snapshot()
}

// Status summarizes queue depths, busy accounts, active jobs, and pause
// state for the operator surface.
func (s *Scheduler) Status() map[string]any {
	paused, reason := s.Paused()
	depths := s.queues.Depths()
	return map[string]any{
		"paused":        paused,
		"pause_reason":  reason,
		"active_jobs":   s.ActiveCount(),
		"busy_accounts": s.accounts.BusyCount(),
		"queue_depths": map[string]int{
			"generate": depths[domain.TaskGenerate],
			"poll":     depths[domain.TaskPoll],
			"download": depths[domain.TaskDownload],
			"verify":   depths[domain.TaskVerify],
		},
	}
}

// StartJob moves a job to processing and enqueues its generate task. The
// status changes synchronously so the caller observes a started job even
// while the task is still queued.
func (s *Scheduler) StartJob(ctx context.Context, jobID string) error {
	if paused, _ := s.Paused(); paused {
		return domain.ErrSystemPaused
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsActive() || job.Status == domain.StatusPending {
		return &domain.TransitionError{
			From: job.Status,
			To:   domain.StatusProcessing,
			Hint: "job is already started",
		}
	}
	if err := job.Transition(domain.StatusProcessing, false); err != nil {
		return err
	}
	job.TaskState = domain.NewTaskState()
	job.ErrorMsg = ""
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return s.enqueueGenerate(ctx, job)
}

// RetryJob resets a failed job completely and re-runs it from the start.
func (s *Scheduler) RetryJob(ctx context.Context, jobID string) error {
	if paused, _ := s.Paused(); paused {
		return domain.ErrSystemPaused
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Transition(domain.StatusPending, true); err != nil {
		return err
	}
	job.TaskState = domain.NewTaskState()
	job.ErrorMsg = ""
	job.RetryCount++
	job.Progress = 0
	job.VideoURL = ""
	job.VideoID = ""
	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return s.enqueueGenerate(ctx, job)
}

// RetrySubtasks resumes a failed job from its checkpoint instead of
// restarting: completed stages are kept and only the failed stage reruns.
func (s *Scheduler) RetrySubtasks(ctx context.Context, jobID string) error {
	if paused, _ := s.Paused(); paused {
		return domain.ErrSystemPaused
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Transition(domain.StatusPending, true); err != nil {
		return err
	}
	job.ErrorMsg = ""

	ts := job.TaskState
	ts.Normalize()

	// Reset the failed stage to pending, keep completed ones.
	for _, tt := range []domain.TaskType{domain.TaskGenerate, domain.TaskPoll, domain.TaskDownload, domain.TaskVerify} {
		cp := ts.Checkpoint(tt)
		if cp != nil && cp.Status == domain.TaskFailed {
			cp.Status = domain.TaskPending
			cp.LastError = ""
		}
	}

	if err := s.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	return s.resumeFromCheckpoint(ctx, job)
}

// resumeFromCheckpoint enqueues the first incomplete stage of a job,
// using whatever checkpoint data survives.
func (s *Scheduler) resumeFromCheckpoint(ctx context.Context, job *domain.Job) error {
	ts := job.TaskState
	gen := ts.Checkpoint(domain.TaskGenerate)
	if gen.Status != domain.TaskCompleted {
		return s.enqueueGenerate(ctx, job)
	}

	// Generation already submitted; pick up from poll or download.
	if dl := ts.Checkpoint(domain.TaskDownload); job.VideoURL != "" &&
		(dl == nil || dl.Status != domain.TaskCompleted) {
		if !s.markActive(job.ID) {
			return nil
		}
		return s.queues.Enqueue(ctx, NewDownloadTask(job.ID, gen.AccountID, job.VideoURL, job.VideoID))
	}
	if gen.RemoteTaskID != "" {
		if !s.markActive(job.ID) {
			return nil
		}
		return s.queues.Enqueue(ctx, NewPollTask(job.ID, gen.AccountID, gen.RemoteTaskID))
	}
	return s.enqueueGenerate(ctx, job)
}

func (s *Scheduler) enqueueGenerate(ctx context.Context, job *domain.Job) error {
	if !s.markActive(job.ID) {
		s.logger.Debug("job already active, skipping enqueue", "job_id", job.ID)
		return nil
	}
	if err := s.queues.Enqueue(ctx, NewGenerateTask(job)); err != nil {
		s.markInactive(job.ID)
		return err
	}
	return nil
}

// CancelJob moves a job to cancelled and releases its active-set slot.
// In-flight work notices through the store's terminal guard: any persist it
// attempts afterwards is refused.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := job.Transition(domain.StatusCancelled, false); err != nil {
		return err
	}
	if err := s.store.UpdateJobStatus(ctx, jobID, domain.StatusCancelled, ""); err != nil {
		return err
	}
	s.progress.Remove(jobID)
	s.markInactive(jobID)
	s.logger.Info("job cancelled", "job_id", jobID)
	return nil
}

// StartAll starts every draft and pending job. It returns the number of
// jobs enqueued and the first error encountered, continuing past
// per-job failures.
func (s *Scheduler) StartAll(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses: []domain.Status{domain.StatusDraft, domain.StatusPending},
	})
	if err != nil {
		return 0, err
	}
	return s.startBatch(ctx, jobs)
}

// RetryFailed re-runs every failed job from its checkpoint.
func (s *Scheduler) RetryFailed(ctx context.Context) (int, error) {
	jobs, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses: []domain.Status{domain.StatusFailed},
	})
	if err != nil {
		return 0, err
	}

	var started int
	var firstErr error
	for _, job := range jobs {
		if err := s.RetrySubtasks(ctx, job.ID); err != nil {
			s.logger.Warn("retry failed job", "job_id", job.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
	}
	return started, firstErr
}

func (s *Scheduler) startBatch(ctx context.Context, jobs []*domain.Job) (int, error) {
	var started int
	var firstErr error
	for _, job := range jobs {
		var err error
		switch job.Status {
		case domain.StatusDraft:
			err = s.StartJob(ctx, job.ID)
		case domain.StatusPending:
			err = s.resumeFromCheckpoint(ctx, job)
		}
		if err != nil {
			s.logger.Warn("start job", "job_id", job.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
	}
	return started, firstErr
}

// failJob moves a job to failed with a message and cleans up tracking. A
// job cancelled in the meantime keeps its terminal status.
func (s *Scheduler) failJob(ctx context.Context, job *domain.Job, taskType domain.TaskType, cause error) {
	msg := cause.Error()
	s.logger.Error("job failed", "job_id", job.ID, "task", string(taskType), "error", msg)

	job.TaskState.MarkFailed(taskType, msg)
	if err := s.store.UpdateTaskState(ctx, job.ID, job.TaskState); err != nil && !errors.Is(err, domain.ErrJobFinished) {
		s.logger.Warn("persist task state", "job_id", job.ID, "error", err)
	}
	if err := s.store.UpdateJobStatus(ctx, job.ID, domain.StatusFailed, msg); err != nil && !errors.Is(err, domain.ErrJobFinished) {
		s.logger.Error("persist failed status", "job_id", job.ID, "error", err)
	}
	s.progress.Remove(job.ID)
	s.markInactive(job.ID)
}

// dropFinishedJob abandons in-flight work for a job that reached a terminal
// status while the worker held it.
func (s *Scheduler) dropFinishedJob(jobID string, logger *slog.Logger) {
	logger.Info("job finished elsewhere, dropping in-flight work", "job_id", jobID)
	s.progress.Remove(jobID)
	s.markInactive(jobID)
}

// loadLiveJob fetches a job and reports whether it is still worth working
// on. A missing or terminal job returns nil.
func (s *Scheduler) loadLiveJob(ctx context.Context, jobID string) *domain.Job {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("job lookup failed, dropping task", "job_id", jobID, "error", err)
		s.markInactive(jobID)
		return nil
	}
	if job.Status.IsTerminal() {
		s.logger.Debug("dropping task for terminal job", "job_id", jobID, "status", job.Status)
		s.progress.Remove(jobID)
		s.markInactive(jobID)
		return nil
	}
	return job
}
