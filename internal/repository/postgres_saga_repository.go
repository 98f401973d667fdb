package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// PostgresSagaRepository implements SagaRepository using PostgreSQL
type PostgresSagaRepository struct {
	pool *pgxpool.Pool
}

var _ SagaRepository = (*PostgresSagaRepository)(nil)

// NewPostgresSagaRepository creates a new PostgresSagaRepository
func NewPostgresSagaRepository(pool *pgxpool.Pool) *PostgresSagaRepository {
	return &PostgresSagaRepository{pool: pool}
}

// CreateInTx inserts a new saga instance inside the caller's transaction
func (r *PostgresSagaRepository) CreateInTx(ctx context.Context, tx pgx.Tx, saga *domain.SagaInstance) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.create")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("saga_id", saga.SagaID),
		attribute.String("tenant_id", tc.TenantID),
	)

	completedSteps, compensationStack, attemptCounts, data, err := marshalSagaState(saga)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `
		INSERT INTO payment_sagas (
			saga_id, tenant_id, business_unit_id, current_step,
			completed_steps, compensation_stack, attempt_counts, data,
			last_event_seq, deadline_at, status, failure_cause, resume_on,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13,
			$14, $15
		)
	`

	_, err = tx.Exec(ctx, query,
		saga.SagaID,
		tc.TenantID,
		saga.BusinessUnitID,
		nullString(saga.CurrentStep),
		completedSteps,
		compensationStack,
		attemptCounts,
		data,
		saga.LastEventSeq,
		saga.DeadlineAt,
		string(saga.Status),
		nullString(saga.FailureCause),
		nullString(string(saga.ResumeOn)),
		saga.CreatedAt,
		saga.UpdatedAt,
	)

	if err != nil {
		if isUniqueViolation(err) {
			span.SetStatus(codes.Error, "duplicate")
			return domain.ErrDuplicatePayment
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to create saga: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetByID retrieves a saga by its ID
func (r *PostgresSagaRepository) GetByID(ctx context.Context, sagaID string) (*domain.SagaInstance, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.get_by_id")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("saga_id", sagaID),
		attribute.String("tenant_id", tc.TenantID),
	)

	row := r.pool.QueryRow(ctx, selectSaga+` WHERE tenant_id = $1 AND saga_id = $2`, tc.TenantID, sagaID)

	saga, err := scanSaga(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrSagaNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get saga: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return saga, nil
}

// UpdateInTx persists the full saga state inside the caller's transaction
func (r *PostgresSagaRepository) UpdateInTx(ctx context.Context, tx pgx.Tx, saga *domain.SagaInstance) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.update")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("saga_id", saga.SagaID),
		attribute.String("status", string(saga.Status)),
		attribute.String("current_step", saga.CurrentStep),
	)

	completedSteps, compensationStack, attemptCounts, data, err := marshalSagaState(saga)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	query := `
		UPDATE payment_sagas SET
			current_step = $3,
			completed_steps = $4,
			compensation_stack = $5,
			attempt_counts = $6,
			data = $7,
			last_event_seq = $8,
			status = $9,
			failure_cause = $10,
			resume_on = $11,
			updated_at = $12
		WHERE tenant_id = $1 AND saga_id = $2
		  AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'REJECTED')
	`

	result, err := tx.Exec(ctx, query,
		tc.TenantID,
		saga.SagaID,
		nullString(saga.CurrentStep),
		completedSteps,
		compensationStack,
		attemptCounts,
		data,
		saga.LastEventSeq,
		string(saga.Status),
		nullString(saga.FailureCause),
		nullString(string(saga.ResumeOn)),
		saga.UpdatedAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to update saga: %w", err)
	}

	if result.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT status FROM payment_sagas WHERE tenant_id = $1 AND saga_id = $2`,
			tc.TenantID, saga.SagaID,
		).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return domain.ErrSagaNotFound
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to classify saga update: %w", err)
		}
		span.SetStatus(codes.Error, "terminal")
		return domain.ErrSagaTerminal
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// AppendTransitionInTx records one state-change audit row
func (r *PostgresSagaRepository) AppendTransitionInTx(ctx context.Context, tx pgx.Tx, transition *domain.SagaTransition) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.append_transition")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("saga_id", transition.SagaID),
		attribute.String("from", string(transition.FromStatus)),
		attribute.String("to", string(transition.ToStatus)),
	)

	query := `
		INSERT INTO saga_transitions (
			saga_id, tenant_id, from_status, to_status, step, cause, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = tx.Exec(ctx, query,
		transition.SagaID,
		tc.TenantID,
		string(transition.FromStatus),
		string(transition.ToStatus),
		nullString(transition.Step),
		nullString(transition.Cause),
		transition.OccurredAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to append saga transition: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ClearSuspension wakes a suspended saga
func (r *PostgresSagaRepository) ClearSuspension(ctx context.Context, sagaID string, trigger domain.ResumeTrigger) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.clear_suspension")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return false, err
	}

	span.SetAttributes(
		attribute.String("saga_id", sagaID),
		attribute.String("trigger", string(trigger)),
	)

	query := `
		UPDATE payment_sagas
		SET resume_on = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND saga_id = $2 AND resume_on = $3
		  AND status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'REJECTED')
	`

	result, err := r.pool.Exec(ctx, query, tc.TenantID, sagaID, string(trigger))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to clear saga suspension: %w", err)
	}

	woke := result.RowsAffected() > 0
	span.SetAttributes(attribute.Bool("woke", woke))
	span.SetStatus(codes.Ok, "")
	return woke, nil
}

// ClaimDue returns sagas eligible for driving
func (r *PostgresSagaRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.claim_due")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := selectSaga + `
		WHERE status IN ('RUNNING', 'COMPENSATING')
		  AND resume_on IS NULL
		  AND (lease_owner IS NULL OR lease_expires_at < $1)
		ORDER BY updated_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim due sagas: %w", err)
	}
	defer rows.Close()

	sagas, err := collectSagas(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(sagas)))
	span.SetStatus(codes.Ok, "")
	return sagas, nil
}

// AcquireLease claims single-writer ownership of a saga
func (r *PostgresSagaRepository) AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.acquire_lease")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", sagaID),
		attribute.String("owner", owner),
	)

	query := `
		UPDATE payment_sagas
		SET lease_owner = $2, lease_expires_at = NOW() + make_interval(secs => $3)
		WHERE saga_id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_expires_at < NOW())
	`

	result, err := r.pool.Exec(ctx, query, sagaID, owner, ttl.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to acquire saga lease: %w", err)
	}

	if result.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "lease held")
		return domain.ErrSagaLeaseHeld
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// RenewLease extends the caller's lease
func (r *PostgresSagaRepository) RenewLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.renew_lease")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", sagaID),
		attribute.String("owner", owner),
	)

	query := `
		UPDATE payment_sagas
		SET lease_expires_at = NOW() + make_interval(secs => $3)
		WHERE saga_id = $1 AND lease_owner = $2
	`

	result, err := r.pool.Exec(ctx, query, sagaID, owner, ttl.Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to renew saga lease: %w", err)
	}

	if result.RowsAffected() == 0 {
		span.SetStatus(codes.Error, "lease lost")
		return domain.ErrSagaLeaseHeld
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ReleaseLease gives up the lease if still held by owner
func (r *PostgresSagaRepository) ReleaseLease(ctx context.Context, sagaID, owner string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.release_lease")
	defer span.End()

	span.SetAttributes(
		attribute.String("saga_id", sagaID),
		attribute.String("owner", owner),
	)

	query := `
		UPDATE payment_sagas
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE saga_id = $1 AND lease_owner = $2
	`

	if _, err := r.pool.Exec(ctx, query, sagaID, owner); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to release saga lease: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListDeadlineExceeded returns non-terminal sagas past their deadline
func (r *PostgresSagaRepository) ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.saga.list_deadline_exceeded")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	query := selectSaga + `
		WHERE status NOT IN ('COMPLETED', 'FAILED', 'TIMED_OUT', 'REJECTED')
		  AND deadline_at <= $1
		ORDER BY deadline_at ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to list deadline-exceeded sagas: %w", err)
	}
	defer rows.Close()

	sagas, err := collectSagas(rows)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("count", len(sagas)))
	span.SetStatus(codes.Ok, "")
	return sagas, nil
}

const selectSaga = `
	SELECT
		saga_id, tenant_id, business_unit_id, current_step,
		completed_steps, compensation_stack, attempt_counts, data,
		last_event_seq, deadline_at, status, failure_cause, resume_on,
		lease_owner, lease_expires_at, created_at, updated_at
	FROM payment_sagas
`

func marshalSagaState(saga *domain.SagaInstance) (completedSteps, compensationStack, attemptCounts, data []byte, err error) {
	completedSteps, err = json.Marshal(saga.CompletedSteps)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal completed steps: %w", err)
	}
	compensationStack, err = json.Marshal(saga.CompensationStack)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal compensation stack: %w", err)
	}
	attemptCounts, err = json.Marshal(saga.AttemptCounts)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal attempt counts: %w", err)
	}
	data, err = json.Marshal(saga.Data)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to marshal saga data: %w", err)
	}
	return completedSteps, compensationStack, attemptCounts, data, nil
}

func scanSaga(row pgx.Row) (*domain.SagaInstance, error) {
	saga := &domain.SagaInstance{}
	var (
		currentStep       *string
		completedSteps    []byte
		compensationStack []byte
		attemptCounts     []byte
		data              []byte
		status            string
		failureCause      *string
		resumeOn          *string
		leaseOwner        *string
		leaseExpiresAt    *time.Time
	)

	err := row.Scan(
		&saga.SagaID,
		&saga.TenantID,
		&saga.BusinessUnitID,
		&currentStep,
		&completedSteps,
		&compensationStack,
		&attemptCounts,
		&data,
		&saga.LastEventSeq,
		&saga.DeadlineAt,
		&status,
		&failureCause,
		&resumeOn,
		&leaseOwner,
		&leaseExpiresAt,
		&saga.CreatedAt,
		&saga.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	saga.Status = domain.SagaStatus(status)
	if currentStep != nil {
		saga.CurrentStep = *currentStep
	}
	if failureCause != nil {
		saga.FailureCause = *failureCause
	}
	if resumeOn != nil {
		saga.ResumeOn = domain.ResumeTrigger(*resumeOn)
	}
	if leaseOwner != nil {
		saga.LeaseOwner = *leaseOwner
	}
	saga.LeaseExpiresAt = leaseExpiresAt

	if err := json.Unmarshal(completedSteps, &saga.CompletedSteps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal(compensationStack, &saga.CompensationStack); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compensation stack: %w", err)
	}
	if err := json.Unmarshal(attemptCounts, &saga.AttemptCounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attempt counts: %w", err)
	}
	if err := json.Unmarshal(data, &saga.Data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal saga data: %w", err)
	}

	return saga, nil
}

func collectSagas(rows pgx.Rows) ([]*domain.SagaInstance, error) {
	var sagas []*domain.SagaInstance
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, err
		}
		sagas = append(sagas, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sagas: %w", err)
	}
	return sagas, nil
}
