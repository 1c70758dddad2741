package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/testutil"
)

func newTestController(t *testing.T, cooldown time.Duration) (*AccountController, *testutil.MemStore) {
	t.Helper()
	st := testutil.NewMemStore()
	ctrl := NewAccountController(st, func() time.Duration { return cooldown }, discardLogger())
	return ctrl, st
}

func seedAccount(t *testing.T, st *testutil.MemStore, email string, lastUsed *time.Time) *domain.Account {
	t.Helper()
	acct := domain.NewAccount("sora", email)
	acct.LastUsed = lastUsed
	if err := st.CreateAccount(context.Background(), acct); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	return acct
}

func TestSelectPrefersLeastRecentlyUsed(t *testing.T) {
	ctrl, st := newTestController(t, 0)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	recent := time.Now().Add(-time.Minute)
	older := seedAccount(t, st, "older@example.com", &old)
	seedAccount(t, st, "recent@example.com", &recent)

	got, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != older.ID {
		t.Fatalf("selected %s, want least recently used %s", got.Email, older.Email)
	}
}

func TestSelectNeverUsedComesFirst(t *testing.T) {
	ctrl, st := newTestController(t, 0)
	ctx := context.Background()

	used := time.Now().Add(-24 * time.Hour)
	seedAccount(t, st, "used@example.com", &used)
	fresh := seedAccount(t, st, "fresh@example.com", nil)

	got, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != fresh.ID {
		t.Fatalf("selected %s, want never-used %s", got.Email, fresh.Email)
	}
}

func TestSelectSkipsBusyAndExcluded(t *testing.T) {
	ctrl, st := newTestController(t, 0)
	ctx := context.Background()

	a := seedAccount(t, st, "a@example.com", nil)
	b := seedAccount(t, st, "b@example.com", nil)
	c := seedAccount(t, st, "c@example.com", nil)

	ctrl.MarkBusy(a.ID)
	got, err := ctrl.Select(ctx, "sora", []string{b.ID})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("selected %s, want %s", got.Email, c.Email)
	}

	ctrl.MarkBusy(c.ID)
	if _, err := ctrl.Select(ctx, "sora", []string{b.ID}); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable, got %v", err)
	}
}

func TestSelectSkipsExhaustedCredits(t *testing.T) {
	ctrl, st := newTestController(t, 0)
	ctx := context.Background()

	broke := seedAccount(t, st, "broke@example.com", nil)
	zero := 0
	if err := st.UpdateAccountCredits(ctx, broke.ID, &zero, nil); err != nil {
		t.Fatalf("zero credits: %v", err)
	}

	if _, err := ctrl.Select(ctx, "sora", nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable, got %v", err)
	}
}

func TestSelectSkipsCoolingDownAccounts(t *testing.T) {
	ctrl, st := newTestController(t, time.Hour)
	ctx := context.Background()

	hot := seedAccount(t, st, "hot@example.com", nil)
	ready := seedAccount(t, st, "ready@example.com", nil)

	ctrl.RecordSubmit(ctx, hot.ID)
	got, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if got.ID != ready.ID {
		t.Fatalf("selected %s, want the account outside its cooldown %s", got.Email, ready.Email)
	}

	ctrl.RecordSubmit(ctx, ready.ID)
	if _, err := ctrl.Select(ctx, "sora", nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable with all accounts cooling down, got %v", err)
	}
}

func TestSelectReturnsAccountAfterCooldownExpires(t *testing.T) {
	ctrl, st := newTestController(t, 50*time.Millisecond)
	ctx := context.Background()
	acct := seedAccount(t, st, "cd@example.com", nil)

	ctrl.RecordSubmit(ctx, acct.ID)
	if _, err := ctrl.Select(ctx, "sora", nil); !errors.Is(err, domain.ErrNoAccountAvailable) {
		t.Fatalf("expected ErrNoAccountAvailable during cooldown, got %v", err)
	}

	time.Sleep(70 * time.Millisecond)
	got, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select after cooldown: %v", err)
	}
	if got.ID != acct.ID {
		t.Fatalf("selected %s, want %s", got.Email, acct.Email)
	}
}

func TestMarkBusyIsExclusive(t *testing.T) {
	ctrl, _ := newTestController(t, 0)

	if !ctrl.MarkBusy("acct-1") {
		t.Fatal("first claim should succeed")
	}
	if ctrl.MarkBusy("acct-1") {
		t.Fatal("second claim should fail")
	}
	ctrl.MarkFree("acct-1")
	if !ctrl.MarkBusy("acct-1") {
		t.Fatal("claim after release should succeed")
	}
	// MarkFree on an unclaimed account is a no-op.
	ctrl.MarkFree("never-claimed")
}

func TestMarkBusyConcurrentClaims(t *testing.T) {
	ctrl, _ := newTestController(t, 0)

	const goroutines = 32
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctrl.MarkBusy("contested") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d goroutines claimed the account, want exactly 1", wins)
	}
}

func TestCooldownWindow(t *testing.T) {
	ctrl, st := newTestController(t, 100*time.Millisecond)
	ctx := context.Background()
	acct := seedAccount(t, st, "cd@example.com", nil)

	if got := ctrl.CooldownRemaining(acct.ID); got != 0 {
		t.Fatalf("cooldown before any submit = %v, want 0", got)
	}

	ctrl.RecordSubmit(ctx, acct.ID)
	if got := ctrl.CooldownRemaining(acct.ID); got <= 0 {
		t.Fatal("cooldown should be positive right after a submit")
	}

	time.Sleep(120 * time.Millisecond)
	if got := ctrl.CooldownRemaining(acct.ID); got != 0 {
		t.Fatalf("cooldown after window = %v, want 0", got)
	}
}

func TestRecordSubmitBumpsLRU(t *testing.T) {
	ctrl, st := newTestController(t, 0)
	ctx := context.Background()

	a := seedAccount(t, st, "a@example.com", nil)
	b := seedAccount(t, st, "b@example.com", nil)

	first, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	ctrl.RecordSubmit(ctx, first.ID)

	second, err := ctrl.Select(ctx, "sora", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("submit should rotate selection to the other account")
	}
	_ = a
	_ = b
}

func TestForceResetClearsRuntimeState(t *testing.T) {
	ctrl, st := newTestController(t, time.Hour)
	ctx := context.Background()
	acct := seedAccount(t, st, "fr@example.com", nil)

	ctrl.MarkBusy(acct.ID)
	ctrl.RecordSubmit(ctx, acct.ID)
	ctrl.ForceReset()

	if ctrl.IsBusy(acct.ID) {
		t.Fatal("busy flag should clear on force reset")
	}
	if got := ctrl.CooldownRemaining(acct.ID); got != 0 {
		t.Fatalf("cooldown after force reset = %v, want 0", got)
	}
}
