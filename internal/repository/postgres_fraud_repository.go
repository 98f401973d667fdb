package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PostgresFraudRepository implements FraudRepository using PostgreSQL
type PostgresFraudRepository struct {
	pool *pgxpool.Pool
}

var _ FraudRepository = (*PostgresFraudRepository)(nil)

// NewPostgresFraudRepository creates a new PostgresFraudRepository
func NewPostgresFraudRepository(pool *pgxpool.Pool) *PostgresFraudRepository {
	return &PostgresFraudRepository{pool: pool}
}

// ListToggleConfigs returns the tenant's fraud toggle rows
func (r *PostgresFraudRepository) ListToggleConfigs(ctx context.Context) ([]*domain.FraudToggleConfig, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.fraud.list_toggle_configs")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("tenant_id", tc.TenantID))

	query := `
		SELECT id, tenant_id, payment_type, local_instrument, clearing_system,
		       is_enabled, priority, effective_from, effective_to, reason
		FROM fraud_toggle_configs
		WHERE tenant_id = $1
		ORDER BY priority ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, tc.TenantID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list fraud toggles: %w", err)
	}
	defer rows.Close()

	var configs []*domain.FraudToggleConfig
	for rows.Next() {
		cfg, err := scanFraudToggle(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan fraud toggle: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating fraud toggles: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(configs)))
	span.SetStatus(codes.Ok, "")
	return configs, nil
}

// GetFallbackStrategy returns the tenant's configured scorer-outage strategy
func (r *PostgresFraudRepository) GetFallbackStrategy(ctx context.Context) (domain.FraudFallbackStrategy, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.fraud.get_fallback_strategy")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return "", err
	}

	span.SetAttributes(attribute.String("tenant_id", tc.TenantID))

	query := `
		SELECT fallback_strategy
		FROM fraud_tenant_settings
		WHERE tenant_id = $1
	`

	var strategy string
	err = r.pool.QueryRow(ctx, query, tc.TenantID).Scan(&strategy)
	if err != nil {
		if err == pgx.ErrNoRows {
			span.SetStatus(codes.Ok, "")
			return "", nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to get fraud fallback strategy: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return domain.FraudFallbackStrategy(strategy), nil
}

func scanFraudToggle(row pgx.Row) (*domain.FraudToggleConfig, error) {
	cfg := &domain.FraudToggleConfig{}
	var reason *string

	err := row.Scan(
		&cfg.ID,
		&cfg.TenantID,
		&cfg.PaymentType,
		&cfg.LocalInstrument,
		&cfg.ClearingSystem,
		&cfg.IsEnabled,
		&cfg.Priority,
		&cfg.EffectiveFrom,
		&cfg.EffectiveTo,
		&reason,
	)
	if err != nil {
		return nil, err
	}

	if reason != nil {
		cfg.Reason = *reason
	}
	return cfg, nil
}
