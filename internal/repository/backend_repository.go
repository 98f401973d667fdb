package repository

import (
	"context"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// PrefixRoute maps an account-ref prefix to its owning backend.
type PrefixRoute struct {
	Prefix   string
	SystemID string
}

// BackendRepository is the registry of external core-banking systems and
// the account-prefix routing that maps account refs onto them. The
// registry is platform-wide, not tenant-scoped: every tenant's accounts
// live on the same set of backends.
type BackendRepository interface {
	// ListActive returns all active backends.
	ListActive(ctx context.Context) ([]*domain.BackendSystem, error)

	// GetBySystemID retrieves one backend. Returns
	// domain.ErrBackendNotFound when missing or inactive.
	GetBySystemID(ctx context.Context, systemID string) (*domain.BackendSystem, error)

	// ListPrefixRoutes returns every registered prefix route. Longest
	// prefix wins; matching happens in the in-memory registry.
	ListPrefixRoutes(ctx context.Context) ([]PrefixRoute, error)

	// Seed installs the default backend registry, leaving existing rows
	// untouched.
	Seed(ctx context.Context) error
}
