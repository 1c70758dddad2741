package driver

import (
	"fmt"
	"log/slog"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/internal/domain"
)

// Factory produces a Driver bound to one account. Implementations exist per
// platform; swapping an implementation never touches orchestration.
type Factory interface {
	// Platform returns the platform key this factory serves.
	Platform() string

	// ForAccount builds a driver using the account's captured session.
	ForAccount(acc *domain.Account) (Driver, error)
}

// Registry maps platform keys to factories.
type Registry struct {
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty factory registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{factories: make(map[string]Factory), logger: logger}
}

// Register adds a platform factory.
func (r *Registry) Register(f Factory) {
	r.factories[f.Platform()] = f
	r.logger.Info("driver factory registered", "platform", f.Platform())
}

// ForAccount resolves the account's platform factory and builds a driver.
func (r *Registry) ForAccount(acc *domain.Account) (Driver, error) {
	f, ok := r.factories[acc.Platform]
	if !ok {
		return nil, fmt.Errorf("no driver factory for platform %q", acc.Platform)
	}
	return f.ForAccount(acc)
}
