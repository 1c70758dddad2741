package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// nonTerminalStatuses is everything the recovery paths care about.
var nonTerminalStatuses = []domain.Status{
	domain.StatusPending,
	domain.StatusProcessing,
	domain.StatusSentPrompt,
	domain.StatusGenerating,
	domain.StatusDownload,
}

// runRecovery periodically sweeps for jobs that stopped making progress
// and re-enqueues them based on their checkpoint.
func (s *Scheduler) runRecovery(ctx context.Context) error {
	logger := s.logger.With("component", "recovery")
	logger.Info("recovery loop started")

	for {
		interval := s.cfg.Scheduler().SweepInterval()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if paused, _ := s.Paused(); paused {
			continue
		}
		s.sweepStale(ctx, logger)
	}
}

// sweepStale finds active jobs whose updated_at is past the staleness
// window and routes each back into the pipeline.
func (s *Scheduler) sweepStale(ctx context.Context, logger *slog.Logger) {
	cutoff := time.Now().UTC().Add(-s.cfg.Scheduler().StalenessWindow())
	stale, err := s.store.ListStaleJobs(ctx, []domain.Status{
		domain.StatusProcessing,
		domain.StatusSentPrompt,
		domain.StatusGenerating,
		domain.StatusDownload,
	}, cutoff)
	if err != nil {
		logger.Error("stale sweep query failed", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	logger.Warn("found stale jobs", "count", len(stale))
	for _, job := range stale {
		// Tasks already queued or in flight show up stale while waiting
		// their turn; only rescue jobs nothing is working on.
		if s.isActive(job.ID) {
			continue
		}
		s.routeRecoveredJob(ctx, job, logger)
	}
}

// routeRecoveredJob re-enqueues a job at its furthest completed stage.
// A job whose generation was already submitted must never be reset to
// pending, since that would submit a duplicate generation.
func (s *Scheduler) routeRecoveredJob(ctx context.Context, job *domain.Job, logger *slog.Logger) {
	ts := job.TaskState
	ts.Normalize()
	gen := ts.Checkpoint(domain.TaskGenerate)

	if job.VideoURL != "" {
		if !s.markActive(job.ID) {
			return
		}
		accountID := job.AccountID
		if gen.AccountID != "" {
			accountID = gen.AccountID
		}
		logger.Info("recovering job at download stage", "job_id", job.ID)
		if err := s.queues.Enqueue(ctx, NewDownloadTask(job.ID, accountID, job.VideoURL, job.VideoID)); err != nil {
			logger.Warn("recovery download enqueue failed", "job_id", job.ID, "error", err)
			s.markInactive(job.ID)
		}
		return
	}

	if gen.Status == domain.TaskCompleted && gen.RemoteTaskID != "" {
		if !s.markActive(job.ID) {
			return
		}
		logger.Info("recovering job at poll stage",
			"job_id", job.ID, "remote_task_id", gen.RemoteTaskID)
		if err := s.queues.Enqueue(ctx, NewPollTask(job.ID, gen.AccountID, gen.RemoteTaskID)); err != nil {
			logger.Warn("recovery poll enqueue failed", "job_id", job.ID, "error", err)
			s.markInactive(job.ID)
		}
		return
	}

	// Nothing was submitted; restarting from generate is safe.
	if err := s.store.UpdateJobStatus(ctx, job.ID, domain.StatusPending, ""); err != nil {
		if !errors.Is(err, domain.ErrJobFinished) {
			logger.Error("reset stale job to pending", "job_id", job.ID, "error", err)
		}
		return
	}
	job.Status = domain.StatusPending
	logger.Info("recovering job from the start", "job_id", job.ID)
	if err := s.enqueueGenerate(ctx, job); err != nil {
		logger.Warn("recovery generate enqueue failed", "job_id", job.ID, "error", err)
	}
}

// Hydrate re-inserts every persisted non-terminal job into its correct
// queue. Called once before the worker loops start so the pipeline
// survives a restart.
func (s *Scheduler) Hydrate(ctx context.Context) error {
	logger := s.logger.With("component", "recovery")

	jobs, err := s.store.ListJobs(ctx, store.JobFilter{Statuses: nonTerminalStatuses})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	logger.Info("hydrating persisted jobs", "count", len(jobs))
	for _, job := range jobs {
		if s.isActive(job.ID) {
			continue
		}
		s.routeRecoveredJob(ctx, job, logger)
	}
	return nil
}
