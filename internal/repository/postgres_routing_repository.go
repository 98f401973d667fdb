package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PostgresRoutingRepository implements RoutingRepository using PostgreSQL
type PostgresRoutingRepository struct {
	pool *pgxpool.Pool
}

var _ RoutingRepository = (*PostgresRoutingRepository)(nil)

// NewPostgresRoutingRepository creates a new PostgresRoutingRepository
func NewPostgresRoutingRepository(pool *pgxpool.Pool) *PostgresRoutingRepository {
	return &PostgresRoutingRepository{pool: pool}
}

// ListActiveRules returns the tenant's ACTIVE rules for the business unit
func (r *PostgresRoutingRepository) ListActiveRules(ctx context.Context, businessUnitID string) ([]*domain.RoutingRule, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.routing.list_active_rules")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tc.TenantID),
		attribute.String("business_unit_id", businessUnitID),
	)

	query := `
		SELECT rule_id, tenant_id, business_unit_id, priority,
		       conditions, actions, effective_from, effective_to,
		       status, updated_at
		FROM routing_rules
		WHERE tenant_id = $1
		  AND (business_unit_id = $2 OR business_unit_id IS NULL)
		  AND status = 'ACTIVE'
		ORDER BY priority ASC, rule_id ASC
	`

	rows, err := r.pool.Query(ctx, query, tc.TenantID, businessUnitID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list routing rules: %w", err)
	}
	defer rows.Close()

	var rules []*domain.RoutingRule
	for rows.Next() {
		rule, err := scanRoutingRule(rows)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan routing rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating routing rules: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(rules)))
	span.SetStatus(codes.Ok, "")
	return rules, nil
}

// GetTenantDefault returns the tenant's fallback clearing system
func (r *PostgresRoutingRepository) GetTenantDefault(ctx context.Context) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.routing.get_tenant_default")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return "", err
	}

	span.SetAttributes(attribute.String("tenant_id", tc.TenantID))

	var clearingSystem string
	err = r.pool.QueryRow(ctx,
		`SELECT default_clearing_system FROM tenant_routing_defaults WHERE tenant_id = $1`,
		tc.TenantID,
	).Scan(&clearingSystem)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "no default configured")
			return "", nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("failed to get tenant routing default: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return clearingSystem, nil
}

func scanRoutingRule(row pgx.Row) (*domain.RoutingRule, error) {
	rule := &domain.RoutingRule{}
	var (
		conditions []byte
		actions    []byte
		status     string
	)

	err := row.Scan(
		&rule.RuleID,
		&rule.TenantID,
		&rule.BusinessUnitID,
		&rule.Priority,
		&conditions,
		&actions,
		&rule.EffectiveFrom,
		&rule.EffectiveTo,
		&status,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule conditions: %w", err)
		}
	}
	if len(actions) > 0 {
		if err := json.Unmarshal(actions, &rule.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule actions: %w", err)
		}
	}
	rule.Status = domain.RuleStatus(status)

	return rule, nil
}
