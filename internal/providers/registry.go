package providers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/storage"
)

// ErrNotConfigured reports that a tenant has no enabled binding for the
// requested provider type. This is a configuration error, distinct from a
// runtime provider failure, and is never retried.
var ErrNotConfigured = errors.New("providers: no binding configured")

// Factory constructs an adapter instance from a tenant's binding.
type Factory func(cfg *config.Config, binding storage.ProviderBinding) (Adapter, error)

// BindingSource resolves the tenant's configuration for a provider type.
type BindingSource interface {
	GetProviderBinding(ctx context.Context, tenantID uuid.UUID, providerType string) (storage.ProviderBinding, error)
}

// Registry maps provider types to factories and caches constructed adapter
// instances per binding so connection pools survive across requests.
type Registry struct {
	cfg      *config.Config
	bindings BindingSource

	mu        sync.RWMutex
	factories map[string]Factory
	instances map[uuid.UUID]cachedAdapter
}

type cachedAdapter struct {
	adapter   Adapter
	updatedAt time.Time
}

func NewRegistry(cfg *config.Config, bindings BindingSource) *Registry {
	return &Registry{
		cfg:       cfg,
		bindings:  bindings,
		factories: make(map[string]Factory),
		instances: make(map[uuid.UUID]cachedAdapter),
	}
}

// Register wires a factory for a provider type. Called once at process start;
// registering the same type twice replaces the factory and drops any cached
// instances built from it.
func (r *Registry) Register(providerType string, factory Factory) {
	if factory == nil {
		panic("providers: factory required")
	}
	if providerType == "" {
		panic("providers: provider type required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerType] = factory
}

// Types returns the registered provider types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve returns the adapter instance serving (tenant, providerType). The
// binding lookup happens on every call so credential rotations take effect;
// the constructed instance is cached until the binding row changes.
func (r *Registry) Resolve(ctx context.Context, tenantID uuid.UUID, providerType string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[providerType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrNotConfigured, providerType)
	}

	binding, err := r.bindings.GetProviderBinding(ctx, tenantID, providerType)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: tenant %s has no %s binding", ErrNotConfigured, tenantID, providerType)
		}
		return nil, fmt.Errorf("resolve binding: %w", err)
	}

	r.mu.RLock()
	cached, ok := r.instances[binding.ID]
	r.mu.RUnlock()
	if ok && cached.updatedAt.Equal(binding.UpdatedAt) {
		return cached.adapter, nil
	}

	adapter, err := factory(r.cfg, binding)
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", providerType, err)
	}

	r.mu.Lock()
	r.instances[binding.ID] = cachedAdapter{adapter: adapter, updatedAt: binding.UpdatedAt}
	r.mu.Unlock()

	return adapter, nil
}
