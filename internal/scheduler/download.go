package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// runDownload is the download worker loop. It runs at lower concurrency
// than generation since downloads are bandwidth-bound.
func (s *Scheduler) runDownload(ctx context.Context) error {
	limit := s.cfg.Scheduler().DownloadConcurrency
	if limit <= 0 {
		limit = 5
	}
	sem := make(chan struct{}, limit)
	logger := s.logger.With("component", "download")
	logger.Info("download loop started", "concurrency", limit)

	for {
		if paused, _ := s.Paused(); paused {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pauseIdle):
			}
			continue
		}

		task, err := s.queues.Dequeue(ctx, domain.TaskDownload)
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
			s.processDownload(ctx, task, logger)
		}(task)
	}
}

// processDownload fetches one finished video to local storage. Download
// failures are terminal; operators re-run them via retry-subtasks.
func (s *Scheduler) processDownload(ctx context.Context, task *TaskContext, logger *slog.Logger) {
	job := s.loadLiveJob(ctx, task.JobID)
	if job == nil {
		return
	}
	p := task.Download
	sc := s.cfg.Scheduler()

	acct, err := s.store.GetAccount(ctx, p.AccountID)
	if err != nil {
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("account %s: %w", p.AccountID, err))
		return
	}
	drv, err := s.drivers.ForAccount(acct)
	if err != nil {
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("driver for account %s: %w", p.AccountID, err))
		return
	}

	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "download", Percent: 80,
		AccountID: p.AccountID, Message: "downloading video",
	})

	dir := s.cfg.Get().Storage.DownloadDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("create download dir: %w", err))
		return
	}

	name := p.VideoID
	if name == "" {
		name = job.ID
	}
	path := filepath.Join(dir, name+".mp4")

	f, err := os.Create(path)
	if err != nil {
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("create file: %w", err))
		return
	}

	written, err := drv.DownloadVideo(ctx, p.URL, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(path)
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("download: %w", err))
		return
	}
	if closeErr != nil {
		os.Remove(path)
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("flush file: %w", closeErr))
		return
	}
	if written < sc.MinFileSizeBytes {
		os.Remove(path)
		s.failJob(ctx, job, domain.TaskDownload,
			fmt.Errorf("downloaded file too small (%d bytes), likely an error payload", written))
		return
	}

	job.LocalPath = path
	job.FileSize = written
	job.Status = domain.StatusDone
	job.Progress = 100
	job.TaskState.CompleteDownload()
	if err := s.store.UpdateJob(ctx, job); err != nil {
		if errors.Is(err, domain.ErrJobFinished) {
			os.Remove(path)
			s.dropFinishedJob(job.ID, logger)
			return
		}
		logger.Error("persist finished job", "job_id", job.ID, "error", err)
		s.failJob(ctx, job, domain.TaskDownload, fmt.Errorf("persist after download: %w", err))
		return
	}

	s.progress.Set(JobProgress{
		JobID: job.ID, Stage: "done", Percent: 100,
		AccountID: p.AccountID, Message: "video saved",
	})
	s.markInactive(job.ID)
	logger.Info("job complete",
		"job_id", job.ID, "path", path, "bytes", written)
}
