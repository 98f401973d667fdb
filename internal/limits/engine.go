// Package limits implements multi-level limit reservation over customer
// usage counters. Capacity is claimed with a time-boxed reservation,
// settled by consume, and returned by release or expiry. Enforcement
// spans four bucketed dimensions (daily, monthly, per-type daily, daily
// count) plus a stateless per-transaction ceiling.
package limits

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kranthikarthan/payments-engine/internal/domain"
	"github.com/kranthikarthan/payments-engine/internal/metrics"
	"github.com/kranthikarthan/payments-engine/internal/repository"
	"github.com/kranthikarthan/payments-engine/internal/tenant"
	"github.com/kranthikarthan/payments-engine/pkg/clock"
	"github.com/kranthikarthan/payments-engine/pkg/logger"
)

// Defaults applies when a customer has no configured policy. Zero values
// leave the dimension unenforced.
type Defaults struct {
	Daily          decimal.Decimal
	Monthly        decimal.Decimal
	PerTransaction decimal.Decimal
	DailyCount     int64
}

// ReserveParams describes one reservation request.
type ReserveParams struct {
	BusinessUnitID string
	CustomerID     string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	PaymentType    domain.PaymentType
}

// Engine coordinates limit checks, reservations and settlement.
type Engine struct {
	repo           repository.LimitRepository
	defaults       Defaults
	reservationTTL time.Duration
	clk            clock.Clock
	log            *zap.Logger
}

// NewEngine creates a new limit Engine
func NewEngine(repo repository.LimitRepository, defaults Defaults, reservationTTL time.Duration, clk clock.Clock) *Engine {
	return &Engine{
		repo:           repo,
		defaults:       defaults,
		reservationTTL: reservationTTL,
		clk:            clk,
		log:            logger.Get(),
	}
}

// Check reports availability without reserving. The answer is advisory:
// only Reserve hands out capacity.
func (e *Engine) Check(ctx context.Context, customerID string, amount decimal.Decimal, pt domain.PaymentType) (*domain.LimitAvailability, error) {
	if amount.Sign() <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	policy, err := e.effectivePolicy(ctx, customerID)
	if err != nil {
		return nil, err
	}

	now := e.clk.Now()
	buckets := []string{
		domain.DailyBucket(now),
		domain.MonthlyBucket(now),
		domain.TypeBucket(now, pt),
		domain.CountBucket(now),
	}
	counters, err := e.repo.GetCounters(ctx, customerID, buckets)
	if err != nil {
		return nil, err
	}

	avail := &domain.LimitAvailability{Sufficient: true}

	if policy.PerTransactionMax.Sign() > 0 && amount.GreaterThan(policy.PerTransactionMax) {
		avail.Sufficient = false
		avail.ExceededIn = domain.LimitDimensionPerTransaction
	}

	avail.DailyAvailable = remainingAmount(policy.DailyLimit, counters[domain.DailyBucket(now)])
	if policy.DailyLimit.Sign() > 0 && avail.Sufficient && amount.GreaterThan(avail.DailyAvailable) {
		avail.Sufficient = false
		avail.ExceededIn = domain.LimitDimensionDaily
	}

	avail.MonthlyAvailable = remainingAmount(policy.MonthlyLimit, counters[domain.MonthlyBucket(now)])
	if policy.MonthlyLimit.Sign() > 0 && avail.Sufficient && amount.GreaterThan(avail.MonthlyAvailable) {
		avail.Sufficient = false
		avail.ExceededIn = domain.LimitDimensionMonthly
	}

	typeLimit := policy.TypeDailyLimit(pt)
	avail.PerTypeAvailable = remainingAmount(typeLimit, counters[domain.TypeBucket(now, pt)])
	if typeLimit.Sign() > 0 && avail.Sufficient && amount.GreaterThan(avail.PerTypeAvailable) {
		avail.Sufficient = false
		avail.ExceededIn = domain.LimitDimensionPerType
	}

	avail.CountRemaining = remainingCount(policy.DailyCountMax, counters[domain.CountBucket(now)])
	if policy.DailyCountMax > 0 && avail.Sufficient && avail.CountRemaining < 1 {
		avail.Sufficient = false
		avail.ExceededIn = domain.LimitDimensionDailyCount
	}

	return avail, nil
}

// Reserve claims capacity across every enforced dimension atomically.
// Success returns a RESERVED reservation with a TTL; failure in any one
// dimension reserves nothing and reports the first exceeded dimension.
func (e *Engine) Reserve(ctx context.Context, params ReserveParams) (*domain.LimitReservation, error) {
	tc, err := tenant.From(ctx)
	if err != nil {
		return nil, err
	}
	if params.Amount.Sign() <= 0 {
		return nil, domain.ErrInvalidAmount
	}

	policy, err := e.effectivePolicy(ctx, params.CustomerID)
	if err != nil {
		return nil, err
	}

	// Per-transaction is stateless: no bucket row, checked up front
	if policy.PerTransactionMax.Sign() > 0 && params.Amount.GreaterThan(policy.PerTransactionMax) {
		metrics.RecordLimitRejection(ctx, tc.TenantID, domain.LimitDimensionPerTransaction)
		return nil, domain.NewLimitExceeded(domain.LimitDimensionPerTransaction)
	}

	now := e.clk.Now()
	res := &domain.LimitReservation{
		ReservationID:  clock.NewReservationID(),
		TenantID:       tc.TenantID,
		BusinessUnitID: params.BusinessUnitID,
		CustomerID:     params.CustomerID,
		PaymentID:      params.PaymentID,
		Amount:         params.Amount,
		Currency:       params.Currency,
		PaymentType:    params.PaymentType,
		Status:         domain.ReservationStatusReserved,
		ReservedAt:     now,
		ExpiresAt:      now.Add(e.reservationTTL),
	}

	entries := reserveEntries(policy, params.Amount, params.PaymentType, now)

	if err := e.repo.Reserve(ctx, res, entries); err != nil {
		if dimension, ok := domain.IsLimitExceeded(err); ok {
			metrics.RecordLimitRejection(ctx, tc.TenantID, dimension)
		}
		return nil, err
	}

	metrics.RecordReservation(ctx, tc.TenantID)
	e.log.Debug("Reserved limit capacity",
		zap.String("reservation_id", res.ReservationID),
		zap.String("payment_id", params.PaymentID),
		zap.String("amount", params.Amount.String()),
	)

	return res, nil
}

// Consume settles a reservation permanently. Idempotent: consuming a
// CONSUMED reservation is a no-op. Expired reservations cannot be
// consumed even if the sweeper has not flipped them yet.
func (e *Engine) Consume(ctx context.Context, reservationID string) error {
	res, err := e.repo.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	if res.Status == domain.ReservationStatusReserved && res.IsExpired(e.clk.Now()) {
		return domain.ErrReservationNotActive
	}

	return e.repo.Consume(ctx, reservationID)
}

// ActiveReservation returns the payment's RESERVED reservation, or
// ErrReservationNotFound. Redrives use it to recover a reservation id
// written before a crash.
func (e *Engine) ActiveReservation(ctx context.Context, paymentID string) (*domain.LimitReservation, error) {
	return e.repo.GetActiveByPaymentID(ctx, paymentID)
}

// Release returns a reservation's capacity. Releasing a terminal
// reservation is a no-op, so compensation replays are safe.
func (e *Engine) Release(ctx context.Context, reservationID, reason string) error {
	tc, err := tenant.From(ctx)
	if err != nil {
		return err
	}

	released, err := e.repo.Release(ctx, reservationID, reason)
	if err != nil {
		return err
	}
	if released {
		metrics.RecordRelease(ctx, tc.TenantID)
	}
	return nil
}

// ReleaseByPayment releases the payment's active reservation if one
// exists. Missing reservations are fine: the saga may fail before
// reserving.
func (e *Engine) ReleaseByPayment(ctx context.Context, paymentID, reason string) error {
	res, err := e.repo.GetActiveByPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) {
			return nil
		}
		return err
	}
	return e.Release(ctx, res.ReservationID, reason)
}

// SweepExpired expires lapsed reservations and returns them so the caller
// can resume or fail the owning sagas. Cross-tenant; meant for the
// sweeper worker.
func (e *Engine) SweepExpired(ctx context.Context, batchSize int) ([]*domain.LimitReservation, error) {
	expired, err := e.repo.ClaimExpired(ctx, e.clk.Now(), batchSize)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		metrics.RecordExpirations(ctx, int64(len(expired)))
		e.log.Info("Expired lapsed reservations", zap.Int("count", len(expired)))
	}
	return expired, nil
}

// effectivePolicy loads the customer policy or falls back to the
// tenant-independent defaults
func (e *Engine) effectivePolicy(ctx context.Context, customerID string) (*domain.LimitPolicy, error) {
	policy, err := e.repo.GetPolicy(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if policy != nil {
		return policy, nil
	}
	return &domain.LimitPolicy{
		DailyLimit:        e.defaults.Daily,
		MonthlyLimit:      e.defaults.Monthly,
		PerTransactionMax: e.defaults.PerTransaction,
		DailyCountMax:     e.defaults.DailyCount,
	}, nil
}

// reserveEntries builds the four bucket deltas for one reservation. The
// restore path recomputes the same keys from the reservation row, so the
// two stay symmetric by construction.
func reserveEntries(policy *domain.LimitPolicy, amount decimal.Decimal, pt domain.PaymentType, at time.Time) []repository.BucketReserve {
	return []repository.BucketReserve{
		{
			Bucket:    domain.DailyBucket(at),
			Dimension: domain.LimitDimensionDaily,
			Amount:    amount,
			MaxAmount: policy.DailyLimit,
		},
		{
			Bucket:    domain.MonthlyBucket(at),
			Dimension: domain.LimitDimensionMonthly,
			Amount:    amount,
			MaxAmount: policy.MonthlyLimit,
		},
		{
			Bucket:    domain.TypeBucket(at, pt),
			Dimension: domain.LimitDimensionPerType,
			Amount:    amount,
			MaxAmount: policy.TypeDailyLimit(pt),
		},
		{
			Bucket:    domain.CountBucket(at),
			Dimension: domain.LimitDimensionDailyCount,
			Amount:    decimal.Zero,
			Count:     1,
			MaxCount:  policy.DailyCountMax,
		},
	}
}

func remainingAmount(limit decimal.Decimal, counter *domain.LimitCounter) decimal.Decimal {
	if limit.Sign() <= 0 {
		return decimal.Zero
	}
	if counter == nil {
		return limit
	}
	remaining := limit.Sub(counter.UsedAmount)
	if remaining.Sign() < 0 {
		return decimal.Zero
	}
	return remaining
}

func remainingCount(limit int64, counter *domain.LimitCounter) int64 {
	if limit <= 0 {
		return 0
	}
	if counter == nil {
		return limit
	}
	remaining := limit - counter.UsedCount
	if remaining < 0 {
		return 0
	}
	return remaining
}
