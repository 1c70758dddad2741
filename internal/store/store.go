// Package store defines persistence for Job and Account aggregates.
package store

import (
	"context"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// JobFilter narrows List results.
type JobFilter struct {
	Statuses []domain.Status // empty = all
	Limit    int             // 0 = no limit
}

// Store persists jobs and accounts. Implementations must support filtering
// jobs by a status set and partial task-state updates; orchestrators lean on
// both for crash recovery.
type Store interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*domain.Job, error)
	// ListStaleJobs returns jobs in any of the given statuses whose
	// updated_at is older than cutoff.
	ListStaleJobs(ctx context.Context, statuses []domain.Status, cutoff time.Time) ([]*domain.Job, error)
	UpdateJob(ctx context.Context, job *domain.Job) error
	UpdateJobStatus(ctx context.Context, id string, status domain.Status, errMsg string) error
	// UpdateTaskState writes only the task-state column and updated_at.
	UpdateTaskState(ctx context.Context, id string, state *domain.TaskState) error
	// TouchJob bumps updated_at so the stale sweep sees progress.
	TouchJob(ctx context.Context, id string) error
	DeleteJob(ctx context.Context, id string) error

	CreateAccount(ctx context.Context, acc *domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context, platform string) ([]*domain.Account, error)
	// ListUsableAccounts returns accounts on the platform whose credits are
	// unknown or positive, ordered least-recently-used first.
	ListUsableAccounts(ctx context.Context, platform string) ([]*domain.Account, error)
	UpdateAccount(ctx context.Context, acc *domain.Account) error
	UpdateAccountCredits(ctx context.Context, id string, credits *int, resetAt *time.Time) error
	TouchAccountLastUsed(ctx context.Context, id string) error
	DeleteAccount(ctx context.Context, id string) error

	Close() error
}
