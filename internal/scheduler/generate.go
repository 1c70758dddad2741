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

// pauseIdle is how long worker loops sleep between pause checks.
const pauseIdle = time.Second

// runGenerate is the generation worker loop. It keeps a bounded number of
// submissions in flight and idles while the scheduler is paused.
func (s *Scheduler) runGenerate(ctx context.Context) error {
	limit := s.cfg.Scheduler().GenerateConcurrency
	if limit <= 0 {
		limit = 20
	}
	sem := make(chan struct{}, limit)
	logger := s.logger.With("component", "generate")
	logger.Info("generate loop started", "concurrency", limit)

	for {
		if paused, _ := s.Paused(); paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseIdle):
			}
			continue
		}

		task, err := s.queues.Dequeue(ctx, domain.TaskGenerate)
		if err != nil {
			return err
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		go func(task *TaskContext) {
			defer func() { <-sem }()
			s.processGenerate(ctx, task, logger)
		}(task)
	}
}

// processGenerate runs one generation attempt end to end. The job always
// leaves with either a follow-up enqueue or a terminal status, and the
// account is always released.
func (s *Scheduler) processGenerate(ctx context.Context, task *TaskContext, logger *slog.Logger) {
	job := s.loadLiveJob(ctx, task.JobID)
	if job == nil {
		return
	}
	p := task.Generate
	sc := s.cfg.Scheduler()

	if job.Status == domain.StatusPending || job.Status == domain.StatusDraft {
		if err := s.store.UpdateJobStatus(ctx, job.ID, domain.StatusProcessing, ""); err != nil {
			if errors.Is(err, domain.ErrJobFinished) {
				s.dropFinishedJob(job.ID, logger)
				return
			}
			logger.Error("persist processing status", "job_id", job.ID, "error", err)
			s.requeueGenerate(ctx, task, sc.RequeueDelay())
			return
		}
		job.Status = domain.StatusProcessing
	}
	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "generate", Percent: 0, Message: "selecting account",
	})

	acct, err := s.resolveAccount(ctx, p, sc.Platform)
	if err != nil {
		if errors.Is(err, domain.ErrNoAccountAvailable) {
			s.handleNoAccount(ctx, job, task, logger)
			return
		}
		logger.Error("account resolution failed", "job_id", job.ID, "error", err)
		s.requeueGenerate(ctx, task, sc.RequeueDelay())
		return
	}

	// Serialize submissions on this account: lock, wait out the cooldown,
	// claim it busy, and stamp the submit time before the network call so
	// a concurrent job cannot reuse the account inside the cooldown.
	lock := s.accounts.Lock(acct.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.accounts.WaitCooldown(ctx, acct.ID); err != nil {
		s.requeueGenerate(ctx, task, 0)
		return
	}
	if !s.accounts.MarkBusy(acct.ID) {
		s.requeueGenerate(ctx, task, sc.RequeueDelay())
		return
	}
	defer s.accounts.MarkFree(acct.ID)
	s.accounts.RecordSubmit(ctx, acct.ID)

	drv, err := s.drivers.ForAccount(acct)
	if err != nil {
		s.handleDriverError(ctx, job, task, acct, err, logger)
		return
	}

	if abandoned := s.precheckCredits(ctx, job, task, acct, drv, sc.CreditThreshold, logger); abandoned {
		return
	}

	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "generate", Percent: 10,
		AccountID: acct.ID, Message: "submitting prompt",
	})

	result, err := drv.GenerateVideo(ctx, driver.GenerateRequest{
		Prompt:      p.Prompt,
		Duration:    p.Duration,
		AspectRatio: p.AspectRatio,
		ImagePath:   p.ImagePath,
	})
	if err != nil {
		s.handleDriverError(ctx, job, task, acct, err, logger)
		return
	}

	job.TaskState.CompleteSubmit(acct.ID, result.TaskID)
	job.AccountID = acct.ID
	job.Status = domain.StatusGenerating
	if err := s.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobFinished) {
			s.dropFinishedJob(job.ID, logger)
			return
		}
		logger.Error("persist submitted job", "job_id", job.ID, "error", err)
		s.failJob(ctx, job, domain.TaskGenerate, fmt.Errorf("persist after submit: %w", err))
		return
	}

	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "generate", Percent: 25,
		AccountID: acct.ID, Message: "prompt submitted",
	})
	logger.Info("generation submitted",
		"job_id", job.ID, "account_id", acct.ID, "remote_task_id", result.TaskID)

	if err := s.queues.Enqueue(ctx, NewPollTask(job.ID, acct.ID, result.TaskID)); err != nil {
		// The submission is persisted; recovery will re-enqueue the poll.
		logger.Warn("poll enqueue failed, deferring to recovery", "job_id", job.ID, "error", err)
	}
}

// resolveAccount honors a pinned account when it is still usable, else
// selects one by LRU.
func (s *Scheduler) resolveAccount(ctx context.Context, p *GeneratePayload, platform string) (*domain.Account, error) {
	if p.AccountID != "" && !p.Excluded(p.AccountID) {
		acct, err := s.store.GetAccount(ctx, p.AccountID)
		if err == nil && acct.HasCredits() && !s.accounts.IsBusy(acct.ID) {
			return acct, nil
		}
	}
	return s.accounts.Select(ctx, platform, p.ExcludeAccountIDs)
}

// handleNoAccount distinguishes "everything busy right now" (delayed
// re-enqueue) from "no account anywhere has credits" (system pause with
// the job reset to pending so it resumes automatically).
func (s *Scheduler) handleNoAccount(ctx context.Context, job *domain.Job, task *TaskContext, logger *slog.Logger) {
	sc := s.cfg.Scheduler()
	usable, err := s.store.ListUsableAccounts(ctx, sc.Platform)
	if err == nil && len(usable) == 0 {
		s.pauseForCredits(ctx, job, task, logger)
		return
	}
	logger.Debug("all accounts busy or cooling down, delaying job", "job_id", job.ID)
	s.requeueGenerate(ctx, task, sc.RequeueDelay())
}

// noCreditsReason is both the pause reason and the error message left on
// jobs parked by the pause, so operators see the cause in either place.
const noCreditsReason = "no account has credits remaining"

// pauseForCredits pauses the scheduler and resets the job to pending, then
// requeues it so it restarts as soon as an operator resumes.
func (s *Scheduler) pauseForCredits(ctx context.Context, job *domain.Job, task *TaskContext, logger *slog.Logger) {
	s.Pause(noCreditsReason)
	if err := s.store.UpdateJobStatus(ctx, job.ID, domain.StatusPending, noCreditsReason); err != nil {
		logger.Error("reset job to pending", "job_id", job.ID, "error", err)
	}
	s.requeueGenerate(ctx, task, 0)
}

// precheckCredits abandons the account (exclude and re-enqueue, not a
// failed attempt) when its balance is below the safety threshold. Returns
// true when the attempt was abandoned.
func (s *Scheduler) precheckCredits(ctx context.Context, job *domain.Job, task *TaskContext, acct *domain.Account, drv driver.Driver, threshold int, logger *slog.Logger) bool {
	info, err := drv.GetCredits(ctx)
	if err != nil {
		// Credit visibility is best-effort; the submit itself will surface
		// a quota error if the balance is really gone.
		logger.Debug("credit check failed, proceeding", "account_id", acct.ID, "error", err)
		return false
	}
	if info.Credits == nil {
		return false
	}
	if uerr := s.store.UpdateAccountCredits(ctx, acct.ID, info.Credits, resetTime(info.ResetSeconds)); uerr != nil {
		logger.Warn("persist account credits", "account_id", acct.ID, "error", uerr)
	}
	if *info.Credits >= threshold {
		return false
	}

	logger.Info("account below credit threshold, switching",
		"job_id", job.ID, "account_id", acct.ID, "credits", *info.Credits)
	task.Generate.Exclude(acct.ID)
	s.requeueGenerate(ctx, task, 0)
	return true
}

// handleDriverError applies the failure taxonomy: transient errors retry
// the same account a bounded number of times, terminal errors fail the job,
// and everything else (account-level kinds plus anything unclassified)
// excludes the account and switches, bounded by the switch counter.
// Whichever limit trips first wins.
func (s *Scheduler) handleDriverError(ctx context.Context, job *domain.Job, task *TaskContext, acct *domain.Account, cause error, logger *slog.Logger) {
	sc := s.cfg.Scheduler()
	p := task.Generate
	kind := driver.KindOf(cause)

	switch kind {
	case driver.KindTransient:
		p.APIRetryCount++
		if p.APIRetryCount > sc.MaxTaskRetries {
			s.failJob(ctx, job, domain.TaskGenerate,
				fmt.Errorf("generation failed after %d retries: %w", sc.MaxTaskRetries, cause))
			return
		}
		logger.Warn("transient generation error, retrying",
			"job_id", job.ID, "account_id", acct.ID,
			"attempt", p.APIRetryCount, "error", cause)
		job.TaskState.RecordFailure(domain.TaskGenerate, cause.Error())
		if err := s.store.UpdateTaskState(ctx, job.ID, job.TaskState); err != nil {
			logger.Warn("persist task state", "job_id", job.ID, "error", err)
		}
		p.AccountID = acct.ID // stay on the same account
		s.requeueGenerate(ctx, task, sc.RequeueDelay())

	case driver.KindTerminal:
		s.failJob(ctx, job, domain.TaskGenerate, cause)

	default:
		s.quarantineAccount(ctx, acct, kind, logger)
		p.Exclude(acct.ID)
		p.AccountID = ""
		p.SwitchCount++
		if p.SwitchCount > sc.MaxAccountSwitches {
			s.failJob(ctx, job, domain.TaskGenerate,
				fmt.Errorf("exhausted %d account switches: %w", sc.MaxAccountSwitches, cause))
			return
		}
		logger.Warn("account-level error, switching account",
			"job_id", job.ID, "account_id", acct.ID,
			"kind", string(kind), "switch", p.SwitchCount, "error", cause)
		s.requeueGenerate(ctx, task, 0)
	}
}

// quarantineAccount records why an account was pulled from rotation.
func (s *Scheduler) quarantineAccount(ctx context.Context, acct *domain.Account, kind driver.Kind, logger *slog.Logger) {
	switch kind {
	case driver.KindQuotaExhausted:
		zero := 0
		if err := s.store.UpdateAccountCredits(ctx, acct.ID, &zero, nil); err != nil {
			logger.Warn("persist exhausted credits", "account_id", acct.ID, "error", err)
		}
	case driver.KindVerificationRequired, driver.KindSuspended:
		acct.TokenStatus = domain.TokenExpired
		if err := s.store.UpdateAccount(ctx, acct); err != nil {
			logger.Warn("persist account token status", "account_id", acct.ID, "error", err)
		}
	}
}

// resetTime converts a relative reset window to an absolute timestamp.
func resetTime(seconds int) *time.Time {
	if seconds <= 0 {
		return nil
	}
	t := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
	return &t
}

// requeueGenerate puts a generate task back on its queue, optionally after
// a delay. The delayed path runs in its own goroutine so the worker slot
// frees immediately.
func (s *Scheduler) requeueGenerate(ctx context.Context, task *TaskContext, delay time.Duration) {
	if delay <= 0 {
		if err := s.queues.Enqueue(ctx, task); err != nil {
			s.logger.Warn("requeue failed, deferring to recovery", "job_id", task.JobID, "error", err)
			s.markInactive(task.JobID)
		}
		return
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return
		}
		if err := s.queues.Enqueue(ctx, task); err != nil {
			s.logger.Warn("delayed requeue failed, deferring to recovery", "job_id", task.JobID, "error", err)
			s.markInactive(task.JobID)
		}
	}()
}
