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

// PostgresPaymentRepository implements PaymentRepository using PostgreSQL
type PostgresPaymentRepository struct {
	pool *pgxpool.Pool
}

var _ PaymentRepository = (*PostgresPaymentRepository)(nil)

// NewPostgresPaymentRepository creates a new PostgresPaymentRepository
func NewPostgresPaymentRepository(pool *pgxpool.Pool) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{pool: pool}
}

// CreateInTx inserts a new payment inside the caller's transaction
func (r *PostgresPaymentRepository) CreateInTx(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.payment.create")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("payment_id", payment.PaymentID),
		attribute.String("tenant_id", tc.TenantID),
		attribute.String("payment_type", string(payment.PaymentType)),
	)

	metadata, err := json.Marshal(payment.Metadata)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to marshal payment metadata: %w", err)
	}

	query := `
		INSERT INTO payments (
			payment_id, tenant_id, business_unit_id, customer_id,
			debit_account_ref, credit_account_ref, amount, currency,
			payment_type, local_instrument, external_reference, urgency,
			metadata, status, status_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17
		)
	`

	_, err = tx.Exec(ctx, query,
		payment.PaymentID,
		tc.TenantID,
		payment.BusinessUnitID,
		payment.CustomerID,
		payment.DebitAccountRef,
		payment.CreditAccountRef,
		payment.Amount,
		payment.Currency,
		string(payment.PaymentType),
		nullString(payment.LocalInstrument),
		nullString(payment.ExternalReference),
		nullString(payment.Urgency),
		metadata,
		string(payment.Status),
		nullString(payment.StatusReason),
		payment.CreatedAt,
		payment.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "duplicate")
			return domain.ErrDuplicatePayment
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a payment by its ID
func (r *PostgresPaymentRepository) GetByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.payment.get_by_id")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("payment_id", paymentID),
		attribute.String("tenant_id", tc.TenantID),
	)

	row := r.pool.QueryRow(ctx, selectPayment+` WHERE tenant_id = $1 AND payment_id = $2`, tc.TenantID, paymentID)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return payment, nil
}

// GetByExternalReference retrieves a payment by the initiator's reference
func (r *PostgresPaymentRepository) GetByExternalReference(ctx context.Context, externalRef string) (*domain.Payment, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.payment.get_by_external_reference")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("external_reference", externalRef),
		attribute.String("tenant_id", tc.TenantID),
	)

	row := r.pool.QueryRow(ctx, selectPayment+` WHERE tenant_id = $1 AND external_reference = $2`, tc.TenantID, externalRef)

	payment, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrPaymentNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get payment by external reference: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return payment, nil
}

// UpdateStatusInTx updates payment status inside the caller's transaction
func (r *PostgresPaymentRepository) UpdateStatusInTx(ctx context.Context, tx pgx.Tx, paymentID string, status domain.PaymentStatus, reason string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.payment.update_status")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("payment_id", paymentID),
		attribute.String("status", string(status)),
	)

	query := `
		UPDATE payments
		SET status = $3, status_reason = $4, updated_at = NOW()
		WHERE tenant_id = $1 AND payment_id = $2
		  AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'REJECTED')
	`

	result, err := tx.Exec(ctx, query, tc.TenantID, paymentID, string(status), nullString(reason))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	if result.RowsAffected() == 0 {
		// Either missing or already terminal; re-query to classify
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM payments WHERE tenant_id = $1 AND payment_id = $2`,
			tc.TenantID, paymentID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return domain.ErrPaymentNotFound
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to classify payment update: %w", err)
		}
		span.SetStatus(codes.Error, "terminal")
		return domain.ErrSagaTerminal
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

const selectPayment = `
	SELECT
		payment_id, tenant_id, business_unit_id, customer_id,
		debit_account_ref, credit_account_ref, amount, currency,
		payment_type, local_instrument, external_reference, urgency,
		metadata, status, status_reason, created_at, updated_at
	FROM payments
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	payment := &domain.Payment{}
	var (
		paymentType     string
		localInstrument *string
		externalRef     *string
		urgency         *string
		metadata        []byte
		status          string
		statusReason    *string
	)

	err := row.Scan(
		&payment.PaymentID,
		&payment.TenantID,
		&payment.BusinessUnitID,
		&payment.CustomerID,
		&payment.DebitAccountRef,
		&payment.CreditAccountRef,
		&payment.Amount,
		&payment.Currency,
		&paymentType,
		&localInstrument,
		&externalRef,
		&urgency,
		&metadata,
		&status,
		&statusReason,
		&payment.CreatedAt,
		&payment.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	payment.PaymentType = domain.PaymentType(paymentType)
	payment.Status = domain.PaymentStatus(status)
	if localInstrument != nil {
		payment.LocalInstrument = *localInstrument
	}
	if externalRef != nil {
		payment.ExternalReference = *externalRef
	}
	if urgency != nil {
		payment.Urgency = *urgency
	}
	if statusReason != nil {
		payment.StatusReason = *statusReason
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &payment.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payment metadata: %w", err)
		}
	}

	return payment, nil
}
