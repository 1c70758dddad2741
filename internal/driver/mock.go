package driver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// Mock is a Driver for testing. Behavior is scripted per method; calls are
// recorded with timestamps so tests can assert ordering and spacing.
type Mock struct {
	Latency time.Duration

	// Scripted results. Errors take precedence over values.
	GenerateErr    error
	TaskID         string
	Credits        *int
	CreditsErr     error
	Pending        []PendingTask
	PendingErr     error
	Completion     *VideoResult
	CompletionErr  error
	DownloadBody   string
	DownloadErr    error

	mu            sync.Mutex
	generateCalls []time.Time
	generateCount atomic.Int64
}

// NewMock returns a mock driver that succeeds with a fixed task id.
func NewMock() *Mock {
	return &Mock{TaskID: "task-mock-1"}
}

func (m *Mock) Start(ctx context.Context) error { return nil }
func (m *Mock) Stop(ctx context.Context) error  { return nil }

func (m *Mock) GenerateVideo(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	m.mu.Lock()
	m.generateCalls = append(m.generateCalls, time.Now())
	m.mu.Unlock()
	count := m.generateCount.Add(1)

	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	id := m.TaskID
	if id == "" {
		id = fmt.Sprintf("task-mock-%d", count)
	}
	return &GenerateResult{TaskID: id}, nil
}

func (m *Mock) GetCredits(ctx context.Context) (*CreditInfo, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.CreditsErr != nil {
		return nil, m.CreditsErr
	}
	return &CreditInfo{Credits: m.Credits}, nil
}

func (m *Mock) UploadImage(ctx context.Context, path string) (string, error) {
	return "file-mock-1", nil
}

func (m *Mock) WaitForCompletion(ctx context.Context, taskID string, timeout time.Duration) (*VideoResult, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.CompletionErr != nil {
		return nil, m.CompletionErr
	}
	return m.Completion, nil
}

func (m *Mock) GetPendingTasks(ctx context.Context) ([]PendingTask, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	if m.PendingErr != nil {
		return nil, m.PendingErr
	}
	return m.Pending, nil
}

func (m *Mock) DownloadVideo(ctx context.Context, url string, w io.Writer) (int64, error) {
	if err := m.sleep(ctx); err != nil {
		return 0, err
	}
	if m.DownloadErr != nil {
		return 0, m.DownloadErr
	}
	n, err := io.WriteString(w, m.DownloadBody)
	return int64(n), err
}

// GenerateCalls returns the timestamps of GenerateVideo invocations.
func (m *Mock) GenerateCalls() []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Time, len(m.generateCalls))
	copy(out, m.generateCalls)
	return out
}

// GenerateCount returns how many times GenerateVideo was called.
func (m *Mock) GenerateCount() int {
	return int(m.generateCount.Load())
}

func (m *Mock) sleep(ctx context.Context) error {
	if m.Latency <= 0 {
		return nil
	}
	select {
	case <-time.After(m.Latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MockFactory serves one shared Mock (or a per-account map) for a platform.
type MockFactory struct {
	PlatformKey string
	Shared      *Mock

	mu        sync.Mutex
	PerAccount map[string]*Mock
}

func (f *MockFactory) Platform() string {
	if f.PlatformKey == "" {
		return "sora"
	}
	return f.PlatformKey
}

func (f *MockFactory) ForAccount(acc *domain.Account) (Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PerAccount != nil {
		if d, ok := f.PerAccount[acc.ID]; ok {
			return d, nil
		}
	}
	if f.Shared == nil {
		f.Shared = NewMock()
	}
	return f.Shared, nil
}

var _ Driver = (*Mock)(nil)
var _ Factory = (*MockFactory)(nil)
