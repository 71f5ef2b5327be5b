// Package driver resolves the configured backup driver by name.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/onkernel/backupd/lib/backups"
	"github.com/samber/lo"
)

// ErrUnknownDriver is returned when no factory is registered under a name.
var ErrUnknownDriver = errors.New("unknown backup driver")

// Factory creates a driver instance.
type Factory func(ctx context.Context) (backups.Driver, error)

// Registry maps driver names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Registering a name twice replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates the driver registered under name.
func (r *Registry) New(ctx context.Context, name string) (backups.Driver, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrUnknownDriver, name, r.Names())
	}

	d, err := f(ctx)
	if err != nil {
		return nil, fmt.Errorf("create backup driver %s: %w", name, err)
	}
	return d, nil
}

// Names returns the registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.factories)
	slices.Sort(names)
	return names
}
