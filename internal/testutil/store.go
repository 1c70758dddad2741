// Package testutil provides in-memory fakes shared across package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// MemStore is an in-memory store.Store for tests. It copies values on the
// way in and out so tests cannot share mutable state with the code under
// test by accident.
type MemStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	accounts map[string]*domain.Account
}

var _ store.Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		jobs:     make(map[string]*domain.Job),
		accounts: make(map[string]*domain.Account),
	}
}

func copyJob(j *domain.Job) *domain.Job {
	c := *j
	if j.TaskState != nil {
		c.TaskState = domain.ParseTaskState(j.TaskState.Encode())
	}
	return &c
}

func copyAccount(a *domain.Account) *domain.Account {
	c := *a
	if a.CreditsRemaining != nil {
		v := *a.CreditsRemaining
		c.CreditsRemaining = &v
	}
	c.Cookies = append([]domain.Cookie(nil), a.Cookies...)
	return &c
}

func (m *MemStore) CreateJob(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = copyJob(job)
	return nil
}

func (m *MemStore) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *MemStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.Status]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		want[st] = true
	}

	var out []*domain.Job
	for _, j := range m.jobs {
		if len(want) > 0 && !want[j.Status] {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) ListStaleJobs(ctx context.Context, statuses []domain.Status, cutoff time.Time) ([]*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[domain.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []*domain.Job
	for _, j := range m.jobs {
		if want[j.Status] && j.UpdatedAt.Before(cutoff) {
			out = append(out, copyJob(j))
		}
	}
	return out, nil
}

// liveJob mirrors the sqlite terminal guard: writes to done or cancelled
// rows are refused. Callers must hold m.mu.
func (m *MemStore) liveJob(id string) (*domain.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if j.Status.IsTerminal() {
		return nil, domain.ErrJobFinished
	}
	return j, nil
}

func (m *MemStore) UpdateJob(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.liveJob(job.ID); err != nil {
		return err
	}
	c := copyJob(job)
	c.UpdatedAt = time.Now().UTC()
	m.jobs[job.ID] = c
	return nil
}

func (m *MemStore) UpdateJobStatus(ctx context.Context, id string, status domain.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.liveJob(id)
	if err != nil {
		return err
	}
	j.Status = status
	j.ErrorMsg = errMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) UpdateTaskState(ctx context.Context, id string, state *domain.TaskState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.liveJob(id)
	if err != nil {
		return err
	}
	j.TaskState = domain.ParseTaskState(state.Encode())
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) TouchJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.liveJob(id)
	if err != nil {
		return err
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemStore) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemStore) CreateAccount(ctx context.Context, acc *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (m *MemStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyAccount(a), nil
}

func (m *MemStore) ListAccounts(ctx context.Context, platform string) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Account
	for _, a := range m.accounts {
		if platform != "" && a.Platform != platform {
			continue
		}
		out = append(out, copyAccount(a))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Email < out[k].Email })
	return out, nil
}

func (m *MemStore) ListUsableAccounts(ctx context.Context, platform string) ([]*domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Account
	for _, a := range m.accounts {
		if platform != "" && a.Platform != platform {
			continue
		}
		if !a.HasCredits() {
			continue
		}
		out = append(out, copyAccount(a))
	}
	// Never-used accounts first, then least recently used.
	sort.Slice(out, func(i, k int) bool {
		ai, ak := out[i], out[k]
		switch {
		case ai.LastUsed == nil && ak.LastUsed == nil:
			return ai.Email < ak.Email
		case ai.LastUsed == nil:
			return true
		case ak.LastUsed == nil:
			return false
		default:
			return ai.LastUsed.Before(*ak.LastUsed)
		}
	})
	return out, nil
}

func (m *MemStore) UpdateAccount(ctx context.Context, acc *domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.ID]; !ok {
		return domain.ErrNotFound
	}
	m.accounts[acc.ID] = copyAccount(acc)
	return nil
}

func (m *MemStore) UpdateAccountCredits(ctx context.Context, id string, credits *int, resetAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if credits != nil {
		v := *credits
		a.CreditsRemaining = &v
	} else {
		a.CreditsRemaining = nil
	}
	a.CreditsResetAt = resetAt
	now := time.Now().UTC()
	a.CreditsLastChecked = &now
	return nil
}

func (m *MemStore) TouchAccountLastUsed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	a.LastUsed = &now
	return nil
}

func (m *MemStore) DeleteAccount(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.accounts, id)
	return nil
}

func (m *MemStore) Close() error { return nil }
