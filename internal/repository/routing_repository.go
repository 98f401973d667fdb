package repository

import (
	"context"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// RoutingRepository loads routing rules and tenant clearing defaults.
// Methods read the tenant from the request context.
type RoutingRepository interface {
	// ListActiveRules returns the tenant's ACTIVE rules scoped to the
	// given business unit or to no business unit, ordered by
	// (priority ASC, rule_id ASC). Effective-window filtering is the
	// evaluator's job; rows with windows entirely in the past or future
	// are still returned.
	ListActiveRules(ctx context.Context, businessUnitID string) ([]*domain.RoutingRule, error)

	// GetTenantDefault returns the tenant's fallback clearing system,
	// or "" when none is configured.
	GetTenantDefault(ctx context.Context) (string, error)
}
