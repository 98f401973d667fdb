package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/telemetry"
)

// serializableAttempts bounds internal retries of serialization conflicts
const serializableAttempts = 3

// PostgresLimitRepository implements LimitRepository using PostgreSQL
type PostgresLimitRepository struct {
	pool *pgxpool.Pool
}

var _ LimitRepository = (*PostgresLimitRepository)(nil)

// NewPostgresLimitRepository creates a new PostgresLimitRepository
func NewPostgresLimitRepository(pool *pgxpool.Pool) *PostgresLimitRepository {
	return &PostgresLimitRepository{pool: pool}
}

// GetPolicy returns the customer's limit policy, preferring the customer row
// over the tenant-wide default
func (r *PostgresLimitRepository) GetPolicy(ctx context.Context, customerID string) (*domain.LimitPolicy, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.get_policy")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("tenant_id", tc.TenantID),
		attribute.String("customer_id", customerID),
	)

	query := `
		SELECT tenant_id, customer_id, daily_limit, monthly_limit,
		       per_transaction_max, per_type_daily, daily_count_max
		FROM limit_policies
		WHERE tenant_id = $1 AND (customer_id = $2 OR customer_id IS NULL)
		ORDER BY customer_id NULLS LAST
		LIMIT 1
	`

	policy := &domain.LimitPolicy{}
	var (
		policyCustomerID *string
		perTypeDaily     []byte
	)

	err = r.pool.QueryRow(ctx, query, tc.TenantID, customerID).Scan(
		&policy.TenantID,
		&policyCustomerID,
		&policy.DailyLimit,
		&policy.MonthlyLimit,
		&policy.PerTransactionMax,
		&perTypeDaily,
		&policy.DailyCountMax,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Ok, "no policy configured")
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get limit policy: %w", err)
	}

	if policyCustomerID != nil {
		policy.CustomerID = *policyCustomerID
	}
	if len(perTypeDaily) > 0 {
		if err := json.Unmarshal(perTypeDaily, &policy.PerTypeDaily); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to unmarshal per-type limits: %w", err)
		}
	}

	span.SetStatus(codes.Ok, "")
	return policy, nil
}

// GetCounters returns current usage for the given buckets
func (r *PostgresLimitRepository) GetCounters(ctx context.Context, customerID string, buckets []string) (map[string]*domain.LimitCounter, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.get_counters")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("customer_id", customerID),
		attribute.Int("buckets", len(buckets)),
	)

	query := `
		SELECT tenant_id, customer_id, bucket, used_amount, used_count, updated_at
		FROM limit_counters
		WHERE tenant_id = $1 AND customer_id = $2 AND bucket = ANY($3)
	`

	rows, err := r.pool.Query(ctx, query, tc.TenantID, customerID, buckets)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get limit counters: %w", err)
	}
	defer rows.Close()

	counters := make(map[string]*domain.LimitCounter)
	for rows.Next() {
		counter := &domain.LimitCounter{}
		if err := rows.Scan(
			&counter.TenantID,
			&counter.CustomerID,
			&counter.Bucket,
			&counter.UsedAmount,
			&counter.UsedCount,
			&counter.UpdatedAt,
		); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan limit counter: %w", err)
		}
		counters[counter.Bucket] = counter
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating limit counters: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return counters, nil
}

// Reserve inserts the reservation row and applies every bucket delta in one
// serializable transaction
func (r *PostgresLimitRepository) Reserve(ctx context.Context, res *domain.LimitReservation, entries []BucketReserve) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.reserve")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(
		attribute.String("reservation_id", res.ReservationID),
		attribute.String("payment_id", res.PaymentID),
		attribute.String("customer_id", res.CustomerID),
	)

	// Fixed lock order across concurrent reserves
	sorted := make([]BucketReserve, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bucket < sorted[j].Bucket })

	for attempt := 0; ; attempt++ {
		err = r.reserveOnce(ctx, tc.TenantID, res, sorted)
		if err == nil {
			span.SetStatus(codes.Ok, "")
			return nil
		}
		if isSerializationFailure(err) && attempt < serializableAttempts-1 {
			continue
		}
		if dimension, ok := domain.IsLimitExceeded(err); ok {
			span.SetAttributes(attribute.String("exceeded_in", dimension))
			span.SetStatus(codes.Error, "limit exceeded")
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}

func (r *PostgresLimitRepository) reserveOnce(ctx context.Context, tenantID string, res *domain.LimitReservation, entries []BucketReserve) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin reserve transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertReservation := `
		INSERT INTO limit_reservations (
			reservation_id, tenant_id, business_unit_id, customer_id,
			payment_id, amount, currency, payment_type, status,
			reserved_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = tx.Exec(ctx, insertReservation,
		res.ReservationID,
		tenantID,
		res.BusinessUnitID,
		res.CustomerID,
		res.PaymentID,
		res.Amount,
		res.Currency,
		string(res.PaymentType),
		string(domain.ReservationStatusReserved),
		res.ReservedAt,
		res.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateReservation
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}

	ensureBucket := `
		INSERT INTO limit_counters (tenant_id, customer_id, bucket, used_amount, used_count, updated_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (tenant_id, customer_id, bucket) DO NOTHING
	`
	applyDelta := `
		UPDATE limit_counters
		SET used_amount = used_amount + $4,
		    used_count = used_count + $5,
		    updated_at = $6
		WHERE tenant_id = $1 AND customer_id = $2 AND bucket = $3
		  AND ($7::numeric = 0 OR used_amount + $4 <= $7)
		  AND ($8::bigint = 0 OR used_count + $5 <= $8)
	`

	for _, entry := range entries {
		if _, err := tx.Exec(ctx, ensureBucket, tenantID, res.CustomerID, entry.Bucket, res.ReservedAt); err != nil {
			return fmt.Errorf("failed to ensure bucket %s: %w", entry.Bucket, err)
		}

		result, err := tx.Exec(ctx, applyDelta,
			tenantID,
			res.CustomerID,
			entry.Bucket,
			entry.Amount,
			entry.Count,
			res.ReservedAt,
			entry.MaxAmount,
			entry.MaxCount,
		)
		if err != nil {
			return fmt.Errorf("failed to apply delta to bucket %s: %w", entry.Bucket, err)
		}
		if result.RowsAffected() == 0 {
			// Ceiling check failed: abort, nothing sticks
			return domain.NewLimitExceeded(entry.Dimension)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit reserve: %w", err)
	}
	return nil
}

// GetReservation retrieves a reservation by ID
func (r *PostgresLimitRepository) GetReservation(ctx context.Context, reservationID string) (*domain.LimitReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.get_reservation")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("reservation_id", reservationID))

	row := r.pool.QueryRow(ctx,
		selectReservation+` WHERE tenant_id = $1 AND reservation_id = $2`,
		tc.TenantID, reservationID,
	)

	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrReservationNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get reservation: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return res, nil
}

// GetActiveByPaymentID returns the payment's RESERVED reservation
func (r *PostgresLimitRepository) GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.LimitReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.get_active_by_payment")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return nil, err
	}

	span.SetAttributes(attribute.String("payment_id", paymentID))

	row := r.pool.QueryRow(ctx,
		selectReservation+` WHERE tenant_id = $1 AND payment_id = $2 AND status = 'RESERVED'`,
		tc.TenantID, paymentID,
	)

	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrReservationNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to get active reservation: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return res, nil
}

// Consume flips RESERVED → CONSUMED
func (r *PostgresLimitRepository) Consume(ctx context.Context, reservationID string) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.consume")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return err
	}

	span.SetAttributes(attribute.String("reservation_id", reservationID))

	result, err := r.pool.Exec(ctx, `
		UPDATE limit_reservations
		SET status = 'CONSUMED'
		WHERE tenant_id = $1 AND reservation_id = $2 AND status = 'RESERVED'
	`, tc.TenantID, reservationID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to consume reservation: %w", err)
	}

	if result.RowsAffected() == 0 {
		var status string
		err := r.pool.QueryRow(ctx,
			`SELECT status FROM limit_reservations WHERE tenant_id = $1 AND reservation_id = $2`,
			tc.TenantID, reservationID,
		).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return domain.ErrReservationNotFound
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to classify consume: %w", err)
		}
		if domain.ReservationStatus(status) == domain.ReservationStatusConsumed {
			// Replay of a completed consume
			span.SetStatus(codes.Ok, "already consumed")
			return nil
		}
		span.SetStatus(codes.Error, "not active")
		return domain.ErrReservationNotActive
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// Release flips RESERVED → RELEASED and restores bucket capacity
func (r *PostgresLimitRepository) Release(ctx context.Context, reservationID, reason string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.release")
	defer span.End()

	tc, err := tenant.From(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "missing tenant")
		return false, err
	}

	span.SetAttributes(attribute.String("reservation_id", reservationID))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		selectReservation+` WHERE tenant_id = $1 AND reservation_id = $2 FOR UPDATE`,
		tc.TenantID, reservationID,
	)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return false, domain.ErrReservationNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to lock reservation: %w", err)
	}

	if res.Status != domain.ReservationStatusReserved {
		// Terminal already; releasing again is a no-op
		span.SetStatus(codes.Ok, "already terminal")
		return false, nil
	}

	if err := restoreCapacityInTx(ctx, tx, tc.TenantID, res, domain.ReservationStatusReleased, reason); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("failed to commit release: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return true, nil
}

// ClaimExpired flips batches of lapsed RESERVED rows to EXPIRED
func (r *PostgresLimitRepository) ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*domain.LimitReservation, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.limit.claim_expired")
	defer span.End()

	span.SetAttributes(attribute.Int("limit", limit))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to begin expiry transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := selectReservation + `
		WHERE status = 'RESERVED' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to claim expired reservations: %w", err)
	}

	var expired []*domain.LimitReservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			rows.Close()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to scan expired reservation: %w", err)
		}
		expired = append(expired, res)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("error iterating expired reservations: %w", err)
	}
	rows.Close()

	for _, res := range expired {
		if err := restoreCapacityInTx(ctx, tx, res.TenantID, res, domain.ReservationStatusExpired, "ttl lapsed"); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to commit expiry: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(expired)))
	span.SetStatus(codes.Ok, "")
	return expired, nil
}

// restoreCapacityInTx flips the reservation status and subtracts its deltas
// from the same buckets the reserve added them to. Bucket keys derive from
// reserved_at, so the restore is symmetric even across day boundaries.
func restoreCapacityInTx(ctx context.Context, tx pgx.Tx, tenantID string, res *domain.LimitReservation, to domain.ReservationStatus, reason string) error {
	result, err := tx.Exec(ctx, `
		UPDATE limit_reservations
		SET status = $3, release_reason = $4
		WHERE tenant_id = $1 AND reservation_id = $2 AND status = 'RESERVED'
	`, tenantID, res.ReservationID, string(to), nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to transition reservation: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil
	}

	type delta struct {
		bucket string
		amount decimal.Decimal
		count  int64
	}
	deltas := []delta{
		{domain.DailyBucket(res.ReservedAt), res.Amount, 0},
		{domain.MonthlyBucket(res.ReservedAt), res.Amount, 0},
		{domain.TypeBucket(res.ReservedAt, res.PaymentType), res.Amount, 0},
		{domain.CountBucket(res.ReservedAt), decimal.Zero, 1},
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].bucket < deltas[j].bucket })

	for _, d := range deltas {
		_, err := tx.Exec(ctx, `
			UPDATE limit_counters
			SET used_amount = used_amount - $4,
			    used_count = used_count - $5,
			    updated_at = NOW()
			WHERE tenant_id = $1 AND customer_id = $2 AND bucket = $3
		`, tenantID, res.CustomerID, d.bucket, d.amount, d.count)
		if err != nil {
			return fmt.Errorf("failed to restore bucket %s: %w", d.bucket, err)
		}
	}

	return nil
}

const selectReservation = `
	SELECT
		reservation_id, tenant_id, business_unit_id, customer_id,
		payment_id, amount, currency, payment_type, status,
		release_reason, reserved_at, expires_at
	FROM limit_reservations
`

func scanReservation(row pgx.Row) (*domain.LimitReservation, error) {
	res := &domain.LimitReservation{}
	var (
		paymentType   string
		status        string
		releaseReason *string
	)

	err := row.Scan(
		&res.ReservationID,
		&res.TenantID,
		&res.BusinessUnitID,
		&res.CustomerID,
		&res.PaymentID,
		&res.Amount,
		&res.Currency,
		&paymentType,
		&status,
		&releaseReason,
		&res.ReservedAt,
		&res.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	res.PaymentType = domain.PaymentType(paymentType)
	res.Status = domain.ReservationStatus(status)
	if releaseReason != nil {
		res.ReleaseReason = *releaseReason
	}

	return res, nil
}
