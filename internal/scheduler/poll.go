package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver"
)

// runPoll is the poll worker loop. It drains waiting poll tasks in batches
// and groups them by account so one listing call serves every job sharing
// that account.
func (s *Scheduler) runPoll(ctx context.Context) error {
	logger := s.logger.With("component", "poll")
	logger.Info("poll loop started")

	for {
		if paused, _ := s.Paused(); paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseIdle):
			}
			continue
		}

		first, err := s.queues.Dequeue(ctx, domain.TaskPoll)
		if err != nil {
			return err
		}

		batch := []*TaskContext{first}
		if n := s.cfg.Scheduler().PollBatchSize; n > 1 {
			batch = append(batch, s.queues.DrainUpTo(domain.TaskPoll, n-1)...)
		}

		byAccount := make(map[string][]*TaskContext)
		for _, task := range batch {
			byAccount[task.Poll.AccountID] = append(byAccount[task.Poll.AccountID], task)
		}
		for accountID, tasks := range byAccount {
			s.pollAccountGroup(ctx, accountID, tasks, logger)
		}
	}
}

// pollAccountGroup polls one account's remote tasks and routes each job
// accordingly: still running, completed, failed, or vanished.
func (s *Scheduler) pollAccountGroup(ctx context.Context, accountID string, tasks []*TaskContext, logger *slog.Logger) {
	sc := s.cfg.Scheduler()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		logger.Warn("account lookup failed, delaying polls", "account_id", accountID, "error", err)
		s.requeueAll(ctx, tasks, sc.PollDelay())
		return
	}
	drv, err := s.drivers.ForAccount(acct)
	if err != nil {
		logger.Warn("driver unavailable, delaying polls", "account_id", accountID, "error", err)
		s.requeueAll(ctx, tasks, sc.PollDelay())
		return
	}

	pending, err := drv.GetPendingTasks(ctx)
	if err != nil {
		logger.Warn("pending task listing failed, delaying polls", "account_id", accountID, "error", err)
		s.requeueAll(ctx, tasks, sc.PollDelay())
		return
	}

	running := make(map[string]driver.PendingTask, len(pending))
	for _, pt := range pending {
		running[pt.ID] = pt
	}

	for _, task := range tasks {
		job := s.loadLiveJob(ctx, task.JobID)
		if job == nil {
			continue
		}

		if pt, ok := running[task.Poll.RemoteTaskID]; ok {
			s.notePollProgress(ctx, job, task, pt)
			s.requeuePoll(ctx, task, sc.PollDelay())
			continue
		}

		// Not in the pending list: the task either finished or vanished.
		// Resolve strictly by remote task ID.
		s.deepCheck(ctx, job, task, drv, logger)
	}
}

func (s *Scheduler) notePollProgress(ctx context.Context, job *domain.Job, task *TaskContext, pt driver.PendingTask) {
	task.Poll.PollCount++
	s.progress.Set(JobProgress{
		JobID:     job.ID,
		Stage:     "poll",
		Percent:   25 + pt.ProgressPct/2, // 25..75 while generating
		AccountID: task.Poll.AccountID,
		Message:   "generating",
	})
	if err := s.store.TouchJob(ctx, job.ID); err != nil && !errors.Is(err, domain.ErrJobFinished) {
		s.logger.Warn("touch job", "job_id", job.ID, "error", err)
	}
}

// deepCheck resolves a job no longer visible in the pending list via a
// bounded completion scan.
func (s *Scheduler) deepCheck(ctx context.Context, job *domain.Job, task *TaskContext, drv driver.Driver, logger *slog.Logger) {
	sc := s.cfg.Scheduler()

	result, err := drv.WaitForCompletion(ctx, task.Poll.RemoteTaskID, sc.DeepCheckWindow())
	if err != nil {
		if driver.KindOf(err) == driver.KindTransient {
			logger.Debug("completion check failed, retrying later",
				"job_id", job.ID, "error", err)
			s.requeuePoll(ctx, task, sc.PollDelay())
			return
		}
		s.failJob(ctx, job, domain.TaskPoll, fmt.Errorf("completion check: %w", err))
		return
	}
	if result == nil {
		// Not visible anywhere yet. Keep polling; the recovery monitor
		// catches jobs stuck here past the staleness window.
		s.requeuePoll(ctx, task, sc.PollDelay())
		return
	}

	if result.Status == "failed" {
		s.failJob(ctx, job, domain.TaskPoll, fmt.Errorf("generation failed upstream (task %s)", task.Poll.RemoteTaskID))
		return
	}
	if result.DownloadURL == "" {
		s.requeuePoll(ctx, task, sc.PollDelay())
		return
	}

	job.VideoURL = result.DownloadURL
	job.VideoID = result.ID
	job.Status = domain.StatusDownload
	job.TaskState.CompletePoll()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobFinished) {
			s.dropFinishedJob(job.ID, logger)
			return
		}
		logger.Error("persist completed generation", "job_id", job.ID, "error", err)
		s.requeuePoll(ctx, task, sc.PollDelay())
		return
	}

	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "download", Percent: 75,
		AccountID: task.Poll.AccountID, Message: "generation complete",
	})
	logger.Info("generation complete",
		"job_id", job.ID, "remote_task_id", task.Poll.RemoteTaskID, "video_id", result.ID)

	if err := s.queues.Enqueue(ctx, NewDownloadTask(job.ID, task.Poll.AccountID, result.DownloadURL, result.ID)); err != nil {
		logger.Warn("download enqueue failed, deferring to recovery", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) requeuePoll(ctx context.Context, task *TaskContext, delay time.Duration) {
	go func() {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return
			}
		}
		if err := s.queues.Enqueue(ctx, task); err != nil {
			s.logger.Warn("poll requeue failed, deferring to recovery", "job_id", task.JobID, "error", err)
			s.markInactive(task.JobID)
		}
	}()
}

func (s *Scheduler) requeueAll(ctx context.Context, tasks []*TaskContext, delay time.Duration) {
	for _, task := range tasks {
		s.requeuePoll(ctx, task, delay)
	}
}
