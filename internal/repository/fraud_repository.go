package repository

import (
	"context"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// FraudRepository loads fraud toggle configuration. Methods read the
// tenant from the request context.
type FraudRepository interface {
	// ListToggleConfigs returns the tenant's toggle rows. Specificity
	// resolution and effective-window filtering belong to the engine.
	ListToggleConfigs(ctx context.Context) ([]*domain.FraudToggleConfig, error)

	// GetFallbackStrategy returns the tenant's scorer-outage strategy,
	// or "" when the tenant has no override.
	GetFallbackStrategy(ctx context.Context) (domain.FraudFallbackStrategy, error)
}
