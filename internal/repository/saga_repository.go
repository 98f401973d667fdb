package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// SagaRepository defines the interface for saga instance persistence.
//
// Request-path methods (CreateInTx, GetByID, UpdateInTx, AppendTransitionInTx,
// ClearSuspension) read the tenant from context and scope by it. The driver
// methods (ClaimDue, lease operations, ListDeadlineExceeded) run on behalf of
// infrastructure and work across tenants; callers install the claimed row's
// tenant into context before touching anything else.
type SagaRepository interface {
	// CreateInTx inserts a new saga instance inside the caller's transaction
	CreateInTx(ctx context.Context, tx pgx.Tx, saga *domain.SagaInstance) error

	// GetByID retrieves a saga by its ID
	GetByID(ctx context.Context, sagaID string) (*domain.SagaInstance, error)

	// UpdateInTx persists the full saga state inside the caller's transaction.
	// Terminal sagas are immutable; updating one returns ErrSagaTerminal.
	UpdateInTx(ctx context.Context, tx pgx.Tx, saga *domain.SagaInstance) error

	// AppendTransitionInTx records one state-change audit row
	AppendTransitionInTx(ctx context.Context, tx pgx.Tx, transition *domain.SagaTransition) error

	// ClearSuspension wakes a suspended saga. The update is conditional on
	// resume_on matching the trigger; a stale wake-up affects zero rows and
	// returns false.
	ClearSuspension(ctx context.Context, sagaID string, trigger domain.ResumeTrigger) (bool, error)

	// ClaimDue returns sagas eligible for driving: RUNNING or COMPENSATING,
	// not suspended, with no live lease. Rows are returned oldest first.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error)

	// AcquireLease claims single-writer ownership of a saga. Returns
	// ErrSagaLeaseHeld when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error

	// RenewLease extends the caller's lease; fails if ownership was lost
	RenewLease(ctx context.Context, sagaID, owner string, ttl time.Duration) error

	// ReleaseLease gives up the lease if still held by owner
	ReleaseLease(ctx context.Context, sagaID, owner string) error

	// ListDeadlineExceeded returns non-terminal sagas past their deadline,
	// including suspended ones.
	ListDeadlineExceeded(ctx context.Context, now time.Time, limit int) ([]*domain.SagaInstance, error)
}
