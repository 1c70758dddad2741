package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/config"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/driver"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/testutil"
)

func testConfig(t *testing.T) *config.Manager {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Scheduler.CooldownSeconds = 0
	cfg.Scheduler.EnqueueTimeoutSecs = 1
	cfg.Scheduler.RequeueDelaySecs = 0
	cfg.Scheduler.PollDelaySecs = 0
	cfg.Scheduler.MaxTaskRetries = 2
	cfg.Scheduler.MaxAccountSwitches = 3
	cfg.Scheduler.MinFileSizeBytes = 10
	cfg.Storage.DownloadDir = filepath.Join(t.TempDir(), "downloads")
	return config.NewStaticManager(cfg)
}

func newTestScheduler(t *testing.T, factory driver.Factory) (*Scheduler, *testutil.MemStore) {
	t.Helper()
	st := testutil.NewMemStore()
	reg := driver.NewRegistry(discardLogger())
	if factory != nil {
		reg.Register(factory)
	}
	return New(st, reg, testConfig(t), discardLogger()), st
}

func seedPendingJob(t *testing.T, st *testutil.MemStore, prompt string) *domain.Job {
	t.Helper()
	job := domain.NewJob(prompt)
	job.Status = domain.StatusPending
	job.TaskState = domain.NewTaskState()
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func seedUsableAccount(t *testing.T, st *testutil.MemStore, email string) *domain.Account {
	t.Helper()
	acct := domain.NewAccount("sora", email)
	if err := st.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

// waitForDepth waits for an async requeue to land on a queue.
func waitForDepth(t *testing.T, s *Scheduler, tt domain.TaskType, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.queues.Depths()[tt] >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue %s never reached depth %d (depths: %v)", tt, want, s.queues.Depths())
}

func TestGenerateHappyPath(t *testing.T) {
	mock := driver.NewMock()
	mock.TaskID = "remote-42"
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "one@example.com")
	job := seedPendingJob(t, st, "a fox")

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != domain.StatusGenerating {
		t.Fatalf("status = %s, want generating (error: %s)", got.Status, got.ErrorMsg)
	}
	if got.TaskState.RemoteTaskID() != "remote-42" {
		t.Fatalf("remote task id = %q", got.TaskState.RemoteTaskID())
	}
	if got.AccountID != acct.ID {
		t.Fatalf("job account = %q, want %q", got.AccountID, acct.ID)
	}
	if s.queues.Depths()[domain.TaskPoll] != 1 {
		t.Fatal("poll task should be enqueued after submit")
	}
	if s.accounts.IsBusy(acct.ID) {
		t.Fatal("account must be released after the attempt")
	}

	updated, _ := st.GetAccount(ctx, acct.ID)
	if updated.LastUsed == nil {
		t.Fatal("submit should stamp account last_used")
	}
}

func TestGenerateQuotaErrorSwitchesAccount(t *testing.T) {
	broke := driver.NewMock()
	broke.GenerateErr = driver.NewError(driver.KindQuotaExhausted, "insufficient_credits")
	healthy := driver.NewMock()
	healthy.TaskID = "remote-ok"

	s, st := newTestScheduler(t, nil)
	ctx := context.Background()

	// a@ sorts first in the memory store, so it is selected first.
	a := seedUsableAccount(t, st, "a@example.com")
	b := seedUsableAccount(t, st, "b@example.com")
	reg := driver.NewRegistry(discardLogger())
	reg.Register(&driver.MockFactory{PerAccount: map[string]*driver.Mock{a.ID: broke, b.ID: healthy}})
	s.drivers = reg

	job := seedPendingJob(t, st, "switch me")
	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	// The failed attempt re-enqueues with the first account excluded.
	task := s.queues.TryDequeue(domain.TaskGenerate)
	if task == nil {
		t.Fatal("expected a re-enqueued generate task")
	}
	if !task.Generate.Excluded(a.ID) {
		t.Fatalf("first account not excluded: %v", task.Generate.ExcludeAccountIDs)
	}
	if task.Generate.SwitchCount != 1 {
		t.Fatalf("switch count = %d, want 1", task.Generate.SwitchCount)
	}

	// The exhausted account is persisted with zero credits.
	quarantined, _ := st.GetAccount(ctx, a.ID)
	if quarantined.CreditsRemaining == nil || *quarantined.CreditsRemaining != 0 {
		t.Fatalf("credits = %v, want 0", quarantined.CreditsRemaining)
	}

	// Second attempt lands on the healthy account.
	s.processGenerate(ctx, task, discardLogger())
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusGenerating {
		t.Fatalf("status after switch = %s (error: %s)", got.Status, got.ErrorMsg)
	}
	if got.AccountID != b.ID {
		t.Fatalf("job account = %q, want healthy %q", got.AccountID, b.ID)
	}
}

func TestGenerateTransientRetriesAreBounded(t *testing.T) {
	mock := driver.NewMock()
	mock.GenerateErr = driver.NewError(driver.KindTransient, "heavy_load")
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	seedUsableAccount(t, st, "flaky@example.com")
	job := seedPendingJob(t, st, "retry me")

	s.markActive(job.ID)
	task := NewGenerateTask(job)
	for i := 0; i < 10; i++ {
		s.processGenerate(ctx, task, discardLogger())
		next := s.queues.TryDequeue(domain.TaskGenerate)
		if next == nil {
			break
		}
		task = next
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMsg, "retries") {
		t.Fatalf("error message = %q", got.ErrorMsg)
	}
	// MaxTaskRetries=2 allows the initial attempt plus two retries.
	if mock.GenerateCount() != 3 {
		t.Fatalf("generate calls = %d, want 3", mock.GenerateCount())
	}
	if s.isActive(job.ID) {
		t.Fatal("failed job should leave the active set")
	}
}

func TestGenerateTerminalErrorFailsJob(t *testing.T) {
	mock := driver.NewMock()
	mock.GenerateErr = driver.NewError(driver.KindTerminal, "prompt rejected")
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	seedUsableAccount(t, st, "x@example.com")
	job := seedPendingJob(t, st, "bad prompt")

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if mock.GenerateCount() != 1 {
		t.Fatalf("generate calls = %d, want 1 (no retry on terminal)", mock.GenerateCount())
	}
}

func TestGenerateCreditPrecheckAbandonsAccount(t *testing.T) {
	mock := driver.NewMock()
	zero := 0
	mock.Credits = &zero
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "poor@example.com")
	job := seedPendingJob(t, st, "no budget")

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	if mock.GenerateCount() != 0 {
		t.Fatal("generate must not be called below the credit threshold")
	}
	task := s.queues.TryDequeue(domain.TaskGenerate)
	if task == nil {
		t.Fatal("abandoning an account should re-enqueue, not fail")
	}
	if !task.Generate.Excluded(acct.ID) {
		t.Fatal("abandoned account should be excluded")
	}
	if task.Generate.SwitchCount != 0 || task.Generate.APIRetryCount != 0 {
		t.Fatalf("abandonment must not consume retry budget: %+v", task.Generate)
	}
}

func TestGeneratePausesWhenNoCreditsAnywhere(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "done@example.com")
	zero := 0
	_ = st.UpdateAccountCredits(ctx, acct.ID, &zero, nil)

	job := seedPendingJob(t, st, "stalled")
	job.Status = domain.StatusProcessing
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	if paused, reason := s.Paused(); !paused || !strings.Contains(reason, "credits") {
		t.Fatalf("expected paused with a credits reason, got paused=%v reason=%q", paused, reason)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending for automatic resume", got.Status)
	}
	if !strings.Contains(got.ErrorMsg, "credits") {
		t.Fatalf("error message = %q, want the credit exhaustion spelled out", got.ErrorMsg)
	}
	if s.queues.Depths()[domain.TaskGenerate] != 1 {
		t.Fatal("paused job should stay queued")
	}
}

func TestGenerateUnclassifiedErrorSwitchesAccount(t *testing.T) {
	mock := driver.NewMock()
	mock.GenerateErr = errors.New("connection reset by peer")
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "u@example.com")
	job := seedPendingJob(t, st, "mystery failure")

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	// An error the driver did not classify must not burn same-account
	// retries; the job moves to another account instead.
	task := s.queues.TryDequeue(domain.TaskGenerate)
	if task == nil {
		t.Fatal("expected a re-enqueued generate task")
	}
	if !task.Generate.Excluded(acct.ID) {
		t.Fatalf("failing account not excluded: %v", task.Generate.ExcludeAccountIDs)
	}
	if task.Generate.SwitchCount != 1 {
		t.Fatalf("switch count = %d, want 1", task.Generate.SwitchCount)
	}
	if task.Generate.APIRetryCount != 0 {
		t.Fatalf("api retry count = %d, want 0", task.Generate.APIRetryCount)
	}
}

func TestCancelDuringSubmissionStaysCancelled(t *testing.T) {
	mock := driver.NewMock()
	mock.Latency = 150 * time.Millisecond
	mock.TaskID = "remote-late"
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	seedUsableAccount(t, st, "slow@example.com")
	job := seedPendingJob(t, st, "cancel mid-flight")

	s.markActive(job.ID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.processGenerate(ctx, NewGenerateTask(job), discardLogger())
	}()

	time.Sleep(50 * time.Millisecond)
	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	<-done

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, the in-flight worker must not overwrite cancelled", got.Status)
	}
	if got.TaskState.RemoteTaskID() != "" {
		t.Fatal("cancelled job must not keep a submission checkpoint")
	}
	if s.queues.Depths()[domain.TaskPoll] != 0 {
		t.Fatal("cancelled job must not enqueue a poll task")
	}
	if s.isActive(job.ID) {
		t.Fatal("cancelled job should leave the active set")
	}
}

func TestGenerateSpacesSubmissionsOnSharedAccount(t *testing.T) {
	mock := driver.NewMock()
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	const cooldown = 150 * time.Millisecond
	s.accounts = NewAccountController(st, func() time.Duration { return cooldown }, discardLogger())

	seedUsableAccount(t, st, "shared@example.com")
	first := seedPendingJob(t, st, "first clip")
	second := seedPendingJob(t, st, "second clip")

	var wg sync.WaitGroup
	for _, job := range []*domain.Job{first, second} {
		s.markActive(job.ID)
		wg.Add(1)
		go func(job *domain.Job) {
			defer wg.Done()
			s.processGenerate(ctx, NewGenerateTask(job), discardLogger())
		}(job)
	}
	wg.Wait()

	// The loser of the account race re-enqueues; drain until both jobs
	// have submitted.
	deadline := time.Now().Add(2 * time.Second)
	for mock.GenerateCount() < 2 && time.Now().Before(deadline) {
		if task := s.queues.TryDequeue(domain.TaskGenerate); task != nil {
			s.processGenerate(ctx, task, discardLogger())
			continue
		}
		time.Sleep(5 * time.Millisecond)
	}

	calls := mock.GenerateCalls()
	if len(calls) != 2 {
		t.Fatalf("generate calls = %d, want 2", len(calls))
	}
	if spacing := calls[1].Sub(calls[0]); spacing < cooldown {
		t.Fatalf("submissions %v apart, want at least the %v cooldown", spacing, cooldown)
	}

	for _, job := range []*domain.Job{first, second} {
		got, _ := st.GetJob(ctx, job.ID)
		if got.Status != domain.StatusGenerating {
			t.Fatalf("job %q status = %s, want generating (error: %s)", got.Prompt, got.Status, got.ErrorMsg)
		}
	}
}

func TestGenerateDropsTerminalJob(t *testing.T) {
	mock := driver.NewMock()
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	seedUsableAccount(t, st, "c@example.com")
	job := seedPendingJob(t, st, "cancelled")
	_ = st.UpdateJobStatus(ctx, job.ID, domain.StatusCancelled, "")

	s.markActive(job.ID)
	s.processGenerate(ctx, NewGenerateTask(job), discardLogger())

	if mock.GenerateCount() != 0 {
		t.Fatal("terminal job must not reach the driver")
	}
	if s.isActive(job.ID) {
		t.Fatal("terminal job should leave the active set")
	}
}

func TestPollRunningTaskTouchesAndRequeues(t *testing.T) {
	mock := driver.NewMock()
	mock.Pending = []driver.PendingTask{{ID: "rt-1", Status: "running", ProgressPct: 40}}
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "p@example.com")
	job := seedPendingJob(t, st, "polling")
	job.Status = domain.StatusGenerating
	job.TaskState.CompleteSubmit(acct.ID, "rt-1")
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	task := NewPollTask(job.ID, acct.ID, "rt-1")
	s.pollAccountGroup(ctx, acct.ID, []*TaskContext{task}, discardLogger())

	waitForDepth(t, s, domain.TaskPoll, 1)
	if p, ok := s.Progress(job.ID); !ok || p.Stage != "poll" {
		t.Fatalf("progress = %+v ok=%v", p, ok)
	}
}

func TestPollCompletionEnqueuesDownload(t *testing.T) {
	mock := driver.NewMock()
	mock.Completion = &driver.VideoResult{
		ID:          "vid-9",
		DownloadURL: "https://cdn.example.com/vid-9.mp4",
		Status:      "succeeded",
	}
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "p2@example.com")
	job := seedPendingJob(t, st, "finishing")
	job.Status = domain.StatusGenerating
	job.TaskState.CompleteSubmit(acct.ID, "rt-2")
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.pollAccountGroup(ctx, acct.ID, []*TaskContext{NewPollTask(job.ID, acct.ID, "rt-2")}, discardLogger())

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusDownload {
		t.Fatalf("status = %s, want download", got.Status)
	}
	if got.VideoURL == "" || got.VideoID != "vid-9" {
		t.Fatalf("video fields = %q %q", got.VideoURL, got.VideoID)
	}
	if s.queues.Depths()[domain.TaskDownload] != 1 {
		t.Fatal("download task should be enqueued")
	}
}

func TestPollUpstreamFailureFailsJob(t *testing.T) {
	mock := driver.NewMock()
	mock.Completion = &driver.VideoResult{ID: "vid-x", Status: "failed"}
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "p3@example.com")
	job := seedPendingJob(t, st, "doomed")
	job.Status = domain.StatusGenerating
	job.TaskState.CompleteSubmit(acct.ID, "rt-3")
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.pollAccountGroup(ctx, acct.ID, []*TaskContext{NewPollTask(job.ID, acct.ID, "rt-3")}, discardLogger())

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestPollVanishedTaskKeepsPolling(t *testing.T) {
	mock := driver.NewMock() // no pending tasks, nil completion
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "p4@example.com")
	job := seedPendingJob(t, st, "invisible")
	job.Status = domain.StatusGenerating
	job.TaskState.CompleteSubmit(acct.ID, "rt-4")
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.pollAccountGroup(ctx, acct.ID, []*TaskContext{NewPollTask(job.ID, acct.ID, "rt-4")}, discardLogger())

	waitForDepth(t, s, domain.TaskPoll, 1)
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusGenerating {
		t.Fatalf("vanished task must not change status, got %s", got.Status)
	}
}

func TestDownloadSuccess(t *testing.T) {
	mock := driver.NewMock()
	mock.DownloadBody = strings.Repeat("v", 64)
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "d@example.com")
	job := seedPendingJob(t, st, "save me")
	job.Status = domain.StatusDownload
	job.VideoURL = "https://cdn.example.com/v.mp4"
	job.VideoID = "vid-dl"
	job.TaskState.CompleteSubmit(acct.ID, "rt-d")
	job.TaskState.CompletePoll()
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.processDownload(ctx, NewDownloadTask(job.ID, acct.ID, job.VideoURL, job.VideoID), discardLogger())

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s, want done (error: %s)", got.Status, got.ErrorMsg)
	}
	if got.FileSize != 64 {
		t.Fatalf("file size = %d, want 64", got.FileSize)
	}
	data, err := os.ReadFile(got.LocalPath)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if len(data) != 64 {
		t.Fatalf("file on disk is %d bytes", len(data))
	}
	if s.isActive(job.ID) {
		t.Fatal("done job should leave the active set")
	}
}

func TestDownloadRejectsUndersizedFile(t *testing.T) {
	mock := driver.NewMock()
	mock.DownloadBody = "err" // below the 10-byte minimum
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: mock})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "d2@example.com")
	job := seedPendingJob(t, st, "tiny")
	job.Status = domain.StatusDownload
	job.VideoURL = "https://cdn.example.com/tiny.mp4"
	_ = st.UpdateJob(ctx, job)

	s.markActive(job.ID)
	s.processDownload(ctx, NewDownloadTask(job.ID, acct.ID, job.VideoURL, "vid-t"), discardLogger())

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMsg, "too small") {
		t.Fatalf("error message = %q", got.ErrorMsg)
	}
	if got.LocalPath != "" {
		if _, err := os.Stat(got.LocalPath); !errors.Is(err, os.ErrNotExist) {
			t.Fatal("undersized file should be removed")
		}
	}
}

func TestRecoveryRoutesByCheckpoint(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()
	logger := discardLogger()

	acct := seedUsableAccount(t, st, "r@example.com")

	// Submitted but unpolled: must go to poll, never back to generate.
	polled := seedPendingJob(t, st, "stale poll")
	polled.Status = domain.StatusGenerating
	polled.TaskState.CompleteSubmit(acct.ID, "rt-stale")
	_ = st.UpdateJob(ctx, polled)

	// URL captured: must go to download.
	downloading := seedPendingJob(t, st, "stale download")
	downloading.Status = domain.StatusDownload
	downloading.VideoURL = "https://cdn.example.com/s.mp4"
	downloading.TaskState.CompleteSubmit(acct.ID, "rt-dl")
	downloading.TaskState.CompletePoll()
	_ = st.UpdateJob(ctx, downloading)

	// Nothing submitted: safe to restart from generate.
	fresh := seedPendingJob(t, st, "stale fresh")
	fresh.Status = domain.StatusProcessing
	_ = st.UpdateJob(ctx, fresh)

	for _, id := range []string{polled.ID, downloading.ID, fresh.ID} {
		job, _ := st.GetJob(ctx, id)
		s.routeRecoveredJob(ctx, job, logger)
	}

	depths := s.queues.Depths()
	if depths[domain.TaskPoll] != 1 {
		t.Fatalf("poll depth = %d, want 1", depths[domain.TaskPoll])
	}
	if depths[domain.TaskDownload] != 1 {
		t.Fatalf("download depth = %d, want 1", depths[domain.TaskDownload])
	}
	if depths[domain.TaskGenerate] != 1 {
		t.Fatalf("generate depth = %d, want 1", depths[domain.TaskGenerate])
	}

	restarted, _ := st.GetJob(ctx, fresh.ID)
	if restarted.Status != domain.StatusPending {
		t.Fatalf("fresh job status = %s, want pending", restarted.Status)
	}
}

func TestHydrateIsIdempotent(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "h@example.com")
	job := seedPendingJob(t, st, "hydrate me")
	job.Status = domain.StatusGenerating
	job.TaskState.CompleteSubmit(acct.ID, "rt-h")
	_ = st.UpdateJob(ctx, job)

	if err := s.Hydrate(ctx); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if err := s.Hydrate(ctx); err != nil {
		t.Fatalf("second hydrate: %v", err)
	}

	if got := s.queues.Depths()[domain.TaskPoll]; got != 1 {
		t.Fatalf("poll depth after double hydrate = %d, want exactly 1", got)
	}
}

func TestStartJobLifecycle(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	job := domain.NewJob("fresh draft")
	_ = st.CreateJob(ctx, job)

	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("status = %s, want processing immediately after start", got.Status)
	}
	if s.queues.Depths()[domain.TaskGenerate] != 1 {
		t.Fatal("start should enqueue a generate task")
	}

	if err := s.StartJob(ctx, job.ID); err == nil {
		t.Fatal("starting an already-started job should fail")
	}
}

func TestStartJobRefusedWhilePaused(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	job := domain.NewJob("blocked")
	_ = st.CreateJob(ctx, job)

	s.Pause("maintenance")
	if err := s.StartJob(ctx, job.ID); !errors.Is(err, domain.ErrSystemPaused) {
		t.Fatalf("expected ErrSystemPaused, got %v", err)
	}

	s.Resume()
	if err := s.StartJob(ctx, job.ID); err != nil {
		t.Fatalf("start after resume: %v", err)
	}
}

func TestRetryJobResetsEverything(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "rj@example.com")
	job := seedPendingJob(t, st, "failed once")
	job.Status = domain.StatusFailed
	job.ErrorMsg = "it broke"
	job.VideoURL = "https://stale.example.com/old.mp4"
	job.TaskState.CompleteSubmit(acct.ID, "rt-old")
	_ = st.UpdateJob(ctx, job)

	if err := s.RetryJob(ctx, job.ID); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusPending || got.ErrorMsg != "" || got.VideoURL != "" {
		t.Fatalf("retry left stale state: %+v", got)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if got.TaskState.RemoteTaskID() != "" {
		t.Fatal("full retry must discard the old remote task id")
	}
	if s.queues.Depths()[domain.TaskGenerate] != 1 {
		t.Fatal("retry should enqueue generate")
	}
}

func TestRetrySubtasksResumesFromCheckpoint(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	acct := seedUsableAccount(t, st, "rs@example.com")
	job := seedPendingJob(t, st, "failed at download")
	job.Status = domain.StatusFailed
	job.VideoURL = "https://cdn.example.com/keep.mp4"
	job.VideoID = "vid-keep"
	job.TaskState.CompleteSubmit(acct.ID, "rt-keep")
	job.TaskState.CompletePoll()
	job.TaskState.MarkFailed(domain.TaskDownload, "disk full")
	_ = st.UpdateJob(ctx, job)

	if err := s.RetrySubtasks(ctx, job.ID); err != nil {
		t.Fatalf("retry subtasks: %v", err)
	}

	depths := s.queues.Depths()
	if depths[domain.TaskDownload] != 1 {
		t.Fatalf("download depth = %d, want 1 (checkpoint resume)", depths[domain.TaskDownload])
	}
	if depths[domain.TaskGenerate] != 0 {
		t.Fatal("checkpoint resume must not resubmit the generation")
	}
}

func TestCancelJob(t *testing.T) {
	s, st := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})
	ctx := context.Background()

	job := seedPendingJob(t, st, "cancel me")

	if err := s.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if err := s.CancelJob(ctx, job.ID); err == nil {
		t.Fatal("cancelling a cancelled job should fail")
	}
}

func TestStatusSnapshot(t *testing.T) {
	s, _ := newTestScheduler(t, &driver.MockFactory{Shared: driver.NewMock()})

	s.Pause("inspection")
	status := s.Status()
	if status["paused"] != true || status["pause_reason"] != "inspection" {
		t.Fatalf("status = %v", status)
	}
	if _, ok := status["queue_depths"]; !ok {
		t.Fatal("status should include queue depths")
	}
}
