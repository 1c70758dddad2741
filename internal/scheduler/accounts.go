package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/store"
)

// AccountController arbitrates account usage: one job per account at a
// time, a submit cooldown between generations on the same account, and
// least-recently-used selection.
type AccountController struct {
	store    store.Store
	cooldown func() time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	busy       map[string]bool
	lastSubmit map[string]time.Time
	locks      map[string]*sync.Mutex
}

// NewAccountController creates an account controller. cooldown is read per
// call so hot-reloaded values take effect immediately.
func NewAccountController(st store.Store, cooldown func() time.Duration, logger *slog.Logger) *AccountController {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountController{
		store:      st,
		cooldown:   cooldown,
		logger:     logger,
		busy:       make(map[string]bool),
		lastSubmit: make(map[string]time.Time),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Select picks a usable account: not busy, not excluded, ready to submit
// now (cooldown elapsed), with credits either unknown or positive, least
// recently used first. Returns domain.ErrNoAccountAvailable when nothing
// qualifies right now.
func (c *AccountController) Select(ctx context.Context, platform string, exclude []string) (*domain.Account, error) {
	accounts, err := c.store.ListUsableAccounts(ctx, platform)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, acct := range accounts {
		if c.busy[acct.ID] || excluded[acct.ID] {
			continue
		}
		if c.cooldownLeft(acct.ID) > 0 {
			continue
		}
		return acct, nil
	}
	return nil, domain.ErrNoAccountAvailable
}

// Lock returns the per-account mutex, creating it on first use. Callers
// hold it across the cooldown wait and the submit so two workers cannot
// interleave submissions on one account.
func (c *AccountController) Lock(accountID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		c.locks[accountID] = m
	}
	return m
}

// MarkBusy claims the account. Returns false if it was already claimed.
func (c *AccountController) MarkBusy(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy[accountID] {
		return false
	}
	c.busy[accountID] = true
	return true
}

// MarkFree releases the account. Safe to call when not busy.
func (c *AccountController) MarkFree(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, accountID)
}

// IsBusy reports whether the account is currently claimed.
func (c *AccountController) IsBusy(accountID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[accountID]
}

// CooldownRemaining reports how long before the account may submit again.
// Zero means it may submit now.
func (c *AccountController) CooldownRemaining(accountID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cooldownLeft(accountID)
}

// cooldownLeft is CooldownRemaining for callers already holding c.mu.
func (c *AccountController) cooldownLeft(accountID string) time.Duration {
	last, ok := c.lastSubmit[accountID]
	if !ok {
		return 0
	}
	remaining := c.cooldown() - time.Since(last)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSubmit stamps the account's last submission time and bumps its
// LRU position in the store.
func (c *AccountController) RecordSubmit(ctx context.Context, accountID string) {
	c.mu.Lock()
	c.lastSubmit[accountID] = time.Now()
	c.mu.Unlock()

	if err := c.store.TouchAccountLastUsed(ctx, accountID); err != nil {
		c.logger.Warn("failed to touch account last_used", "account_id", accountID, "error", err)
	}
}

// WaitCooldown blocks until the account's cooldown elapses or ctx ends.
func (c *AccountController) WaitCooldown(ctx context.Context, accountID string) error {
	remaining := c.CooldownRemaining(accountID)
	if remaining <= 0 {
		return nil
	}
	c.logger.Debug("waiting for account cooldown",
		"account_id", accountID, "remaining", remaining)
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceReset clears the busy set and cooldown stamps. Recovery only.
func (c *AccountController) ForceReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.busy)
	c.busy = make(map[string]bool)
	c.lastSubmit = make(map[string]time.Time)
	if n > 0 {
		c.logger.Warn("force-reset cleared busy accounts", "count", n)
	}
}

// BusyCount reports how many accounts are currently claimed.
func (c *AccountController) BusyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.busy)
}
