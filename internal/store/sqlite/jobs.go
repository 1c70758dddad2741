package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

const jobColumns = `id, prompt, image_path, duration, aspect_ratio, status, error_message,
	retry_count, max_retries, progress, video_url, video_id, local_path, file_size,
	account_id, task_state, created_at, updated_at`

func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Prompt, job.ImagePath, job.Duration, job.AspectRatio,
		string(job.Status), job.ErrorMsg, job.RetryCount, job.MaxRetries,
		job.Progress, job.VideoURL, job.VideoID, job.LocalPath, job.FileSize,
		job.AccountID, encodeTaskState(job.TaskState), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (s *Store) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any
	if len(filter.Statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	return s.queryJobs(ctx, query, args...)
}

func (s *Store) ListStaleJobs(ctx context.Context, statuses []domain.Status, cutoff time.Time) ([]*domain.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN (` + placeholders(len(statuses)) + `) AND updated_at < ?
		ORDER BY updated_at ASC`
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, cutoff)
	return s.queryJobs(ctx, query, args...)
}

// notTerminal guards every job update: a row that reached done or cancelled
// is never written again, so a worker racing a cancellation cannot
// resurrect the job.
const notTerminal = ` AND status NOT IN ('done', 'cancelled')`

func (s *Store) UpdateJob(ctx context.Context, job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET prompt = ?, image_path = ?, duration = ?, aspect_ratio = ?,
			status = ?, error_message = ?, retry_count = ?, max_retries = ?,
			progress = ?, video_url = ?, video_id = ?, local_path = ?, file_size = ?,
			account_id = ?, task_state = ?, updated_at = ?
		WHERE id = ?`+notTerminal,
		job.Prompt, job.ImagePath, job.Duration, job.AspectRatio,
		string(job.Status), job.ErrorMsg, job.RetryCount, job.MaxRetries,
		job.Progress, job.VideoURL, job.VideoID, job.LocalPath, job.FileSize,
		job.AccountID, encodeTaskState(job.TaskState), job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return s.requireLiveJob(ctx, res, job.ID)
}

func (s *Store) UpdateJobStatus(ctx context.Context, id string, status domain.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`+notTerminal,
		string(status), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return s.requireLiveJob(ctx, res, id)
}

func (s *Store) UpdateTaskState(ctx context.Context, id string, state *domain.TaskState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET task_state = ?, updated_at = ? WHERE id = ?`+notTerminal,
		encodeTaskState(state), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	return s.requireLiveJob(ctx, res, id)
}

func (s *Store) TouchJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET updated_at = ? WHERE id = ?`+notTerminal, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return s.requireLiveJob(ctx, res, id)
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return requireRow(res)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job       domain.Job
		status    string
		taskState string
	)
	err := row.Scan(
		&job.ID, &job.Prompt, &job.ImagePath, &job.Duration, &job.AspectRatio,
		&status, &job.ErrorMsg, &job.RetryCount, &job.MaxRetries, &job.Progress,
		&job.VideoURL, &job.VideoID, &job.LocalPath, &job.FileSize,
		&job.AccountID, &taskState, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.Status(status)
	job.TaskState = domain.ParseTaskState(taskState)
	return &job, nil
}

func encodeTaskState(state *domain.TaskState) string {
	if state == nil {
		return ""
	}
	return state.Encode()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// requireLiveJob distinguishes a missing row from one the terminal guard
// refused to update.
func (s *Store) requireLiveJob(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return domain.ErrJobFinished
}
