// Package accounts routes uniform account operations (get, hold, capture,
// release, credit, debit) to heterogeneous external core-banking backends.
// Each backend advertises a capability set; unsupported operations are
// rejected before any network call. Every call runs through the
// resilience guard chain with the backend's own policy.
package accounts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
)

// Registry is the in-memory view of the backend registry. It reloads from
// the repository when its snapshot is older than refreshEvery, so backend
// policy edits take effect without restarts.
type Registry struct {
	repo         repository.BackendRepository
	refreshEvery time.Duration
	clk          clock.Clock

	mu        sync.RWMutex
	bySystem  map[string]*domain.BackendSystem
	routes    []repository.PrefixRoute
	fetchedAt time.Time
}

// NewRegistry creates a new Registry
func NewRegistry(repo repository.BackendRepository, refreshEvery time.Duration, clk clock.Clock) *Registry {
	return &Registry{
		repo:         repo,
		refreshEvery: refreshEvery,
		clk:          clk,
	}
}

// Resolve maps an account reference to its owning backend by longest
// matching prefix. Returns domain.ErrBackendNotFound when no prefix
// matches.
func (r *Registry) Resolve(ctx context.Context, accountRef string) (*domain.BackendSystem, error) {
	bySystem, routes, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	var best *repository.PrefixRoute
	for i := range routes {
		route := &routes[i]
		if !strings.HasPrefix(accountRef, route.Prefix) {
			continue
		}
		if best == nil || len(route.Prefix) > len(best.Prefix) {
			best = route
		}
	}
	if best == nil {
		return nil, domain.ErrBackendNotFound
	}

	backend, ok := bySystem[best.SystemID]
	if !ok {
		return nil, domain.ErrBackendNotFound
	}
	return backend, nil
}

// Get returns one backend by system ID
func (r *Registry) Get(ctx context.Context, systemID string) (*domain.BackendSystem, error) {
	bySystem, _, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	backend, ok := bySystem[systemID]
	if !ok {
		return nil, domain.ErrBackendNotFound
	}
	return backend, nil
}

// ProbeTargets lists backends for the health monitor
func (r *Registry) ProbeTargets(ctx context.Context) (map[string]string, error) {
	bySystem, _, err := r.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	targets := make(map[string]string, len(bySystem))
	for id, backend := range bySystem {
		targets[id] = backend.BaseURL
	}
	return targets, nil
}

// snapshot returns the cached registry, reloading when stale. A failed
// reload serves the previous snapshot if one exists.
func (r *Registry) snapshot(ctx context.Context) (map[string]*domain.BackendSystem, []repository.PrefixRoute, error) {
	r.mu.RLock()
	fresh := r.bySystem != nil && r.clk.Now().Sub(r.fetchedAt) < r.refreshEvery
	bySystem, routes := r.bySystem, r.routes
	r.mu.RUnlock()

	if fresh {
		return bySystem, routes, nil
	}

	backends, err := r.repo.ListActive(ctx)
	if err != nil {
		if bySystem != nil {
			return bySystem, routes, nil
		}
		return nil, nil, err
	}
	loadedRoutes, err := r.repo.ListPrefixRoutes(ctx)
	if err != nil {
		if bySystem != nil {
			return bySystem, routes, nil
		}
		return nil, nil, err
	}

	loaded := make(map[string]*domain.BackendSystem, len(backends))
	for _, backend := range backends {
		loaded[backend.SystemID] = backend
	}

	r.mu.Lock()
	r.bySystem = loaded
	r.routes = loadedRoutes
	r.fetchedAt = r.clk.Now()
	r.mu.Unlock()

	return loaded, loadedRoutes, nil
}
