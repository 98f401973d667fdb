package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// BucketReserve is one bucket delta applied by a reserve. Zero ceilings mean
// the dimension is not enforced; usage is still recorded.
type BucketReserve struct {
	Bucket    string
	Dimension string
	Amount    decimal.Decimal
	Count     int64
	MaxAmount decimal.Decimal
	MaxCount  int64
}

// LimitRepository defines the interface for limit policies, usage counters
// and reservations. Request-path methods are tenant-scoped via context;
// ClaimExpired is worker-facing and works across tenants.
type LimitRepository interface {
	// GetPolicy returns the customer's limit policy, falling back to the
	// tenant-wide default row. Returns nil when neither is configured.
	GetPolicy(ctx context.Context, customerID string) (*domain.LimitPolicy, error)

	// GetCounters returns current usage for the given buckets. Buckets with
	// no row yet are absent from the result.
	GetCounters(ctx context.Context, customerID string, buckets []string) (map[string]*domain.LimitCounter, error)

	// Reserve inserts the reservation row and applies every bucket delta
	// with conditional updates in a single serializable transaction. Bucket
	// rows are touched in sorted bucket-key order so concurrent reserves
	// lock in the same order and the first committer wins. A failed ceiling
	// check aborts with LimitExceededError naming the dimension; a second
	// non-terminal reservation for the payment is ErrDuplicateReservation.
	Reserve(ctx context.Context, res *domain.LimitReservation, entries []BucketReserve) error

	// GetReservation retrieves a reservation by ID
	GetReservation(ctx context.Context, reservationID string) (*domain.LimitReservation, error)

	// GetActiveByPaymentID returns the payment's RESERVED reservation, or
	// ErrReservationNotFound.
	GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.LimitReservation, error)

	// Consume flips RESERVED → CONSUMED. Consuming an already-CONSUMED
	// reservation is a no-op success; any other state is a conflict.
	Consume(ctx context.Context, reservationID string) error

	// Release flips RESERVED → RELEASED and restores the bucket capacity in
	// the same transaction. Releasing a terminal reservation is a no-op;
	// the return reports whether capacity was restored.
	Release(ctx context.Context, reservationID, reason string) (bool, error)

	// ClaimExpired flips batches of lapsed RESERVED rows to EXPIRED,
	// restoring capacity, and returns what it expired.
	ClaimExpired(ctx context.Context, now time.Time, limit int) ([]*domain.LimitReservation, error)
}
