package repository

import (
	"context"
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

// PostgresHoldRepository implements HoldRepository using PostgreSQL
type PostgresHoldRepository struct {
	pool *pgxpool.Pool
}

var _ HoldRepository = (*PostgresHoldRepository)(nil)

// NewPostgresHoldRepository creates a new PostgresHoldRepository
func NewPostgresHoldRepository(pool *pgxpool.Pool) *PostgresHoldRepository {
	return &PostgresHoldRepository{pool: pool}
}

// Create records a backend-issued hold
func (r *PostgresHoldRepository) Create(ctx context.Context, hold *domain.FundsHold) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.hold.create")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("hold_ref", hold.HoldRef),
		attribute.String("payment_id", hold.PaymentID),
	)

	query := `
		INSERT INTO funds_holds (
			hold_ref, tenant_id, business_unit_id, payment_id, account_ref,
			amount, currency, status, expires_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = r.pool.Exec(ctx, query,
		hold.HoldRef,
		tc.TenantID,
		hold.BusinessUnitID,
		hold.PaymentID,
		hold.AccountRef,
		hold.Amount,
		hold.Currency,
		string(hold.Status),
		hold.ExpiresAt,
		hold.CreatedAt,
		hold.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "duplicate hold")
			return domain.ErrDuplicateHold
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create hold: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByHoldRef retrieves a hold by its backend reference
func (r *PostgresHoldRepository) GetByHoldRef(ctx context.Context, holdRef string) (*domain.FundsHold, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.hold.get_by_ref")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("hold_ref", holdRef))

	row := r.pool.QueryRow(ctx,
		selectHold+` WHERE tenant_id = $1 AND hold_ref = $2`,
		tc.TenantID, holdRef,
	)

	hold, err := scanHold(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrHoldNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get hold: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return hold, nil
}

// GetActiveByPaymentID returns the payment's ACTIVE hold
func (r *PostgresHoldRepository) GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.FundsHold, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.hold.get_active_by_payment")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("payment_id", paymentID))

	row := r.pool.QueryRow(ctx,
		selectHold+` WHERE tenant_id = $1 AND payment_id = $2 AND status = 'ACTIVE'`,
		tc.TenantID, paymentID,
	)

	hold, err := scanHold(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrHoldNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get active hold: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return hold, nil
}

// MarkCaptured flips ACTIVE → CAPTURED
func (r *PostgresHoldRepository) MarkCaptured(ctx context.Context, holdRef string) (bool, error) {
	return r.transition(ctx, "repo.postgres.hold.mark_captured", holdRef, domain.HoldStatusCaptured)
}

// MarkReleased flips ACTIVE → RELEASED
func (r *PostgresHoldRepository) MarkReleased(ctx context.Context, holdRef string) (bool, error) {
	return r.transition(ctx, "repo.postgres.hold.mark_released", holdRef, domain.HoldStatusReleased)
}

func (r *PostgresHoldRepository) transition(ctx context.Context, spanName, holdRef string, to domain.HoldStatus) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, spanName)
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return false, err
	}

	span.SetAttributes(attribute.String("hold_ref", holdRef))

	result, err := r.pool.Exec(ctx, `
		UPDATE funds_holds
		SET status = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND hold_ref = $2 AND status = 'ACTIVE'
	`, tc.TenantID, holdRef, string(to))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to transition hold: %w", err)
	}

	if result.RowsAffected() == 0 {
		var exists bool
		err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM funds_holds WHERE tenant_id = $1 AND hold_ref = $2)`,
			tc.TenantID, holdRef,
		).Scan(&exists)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return false, fmt.Errorf("failed to classify hold transition: %w", err)
		}
		if !exists {
			span.SetStatus(codes.Error, "not found")
			return false, domain.ErrHoldNotFound
		}
		// Already terminal; replay of capture/release is benign
		span.SetStatus(codes.Ok, "already terminal")
		return false, nil
	}

	span.SetStatus(codes.Ok, "")
	return true, nil
}

const selectHold = `
	SELECT
		hold_ref, tenant_id, business_unit_id, payment_id, account_ref,
		amount, currency, status, expires_at, created_at, updated_at
	FROM funds_holds
`

func scanHold(row pgx.Row) (*domain.FundsHold, error) {
	hold := &domain.FundsHold{}
	var status string

	err := row.Scan(
		&hold.HoldRef,
		&hold.TenantID,
		&hold.BusinessUnitID,
		&hold.PaymentID,
		&hold.AccountRef,
		&hold.Amount,
		&hold.Currency,
		&status,
		&hold.ExpiresAt,
		&hold.CreatedAt,
		&hold.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	hold.Status = domain.HoldStatus(status)
	return hold, nil
}
