package repository

import (
	"context"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// HoldRepository tracks backend funds holds so compensation can find and
// release them. Methods read the tenant from the request context.
type HoldRepository interface {
	// Create records a backend-issued hold.
	Create(ctx context.Context, hold *domain.FundsHold) error

	// GetByHoldRef retrieves a hold by its backend reference.
	// Returns domain.ErrHoldNotFound if missing.
	GetByHoldRef(ctx context.Context, holdRef string) (*domain.FundsHold, error)

	// GetActiveByPaymentID returns the payment's ACTIVE hold, or
	// domain.ErrHoldNotFound when none exists.
	GetActiveByPaymentID(ctx context.Context, paymentID string) (*domain.FundsHold, error)

	// MarkCaptured flips ACTIVE → CAPTURED. Returns true when this call
	// performed the flip, false when the hold was already CAPTURED.
	MarkCaptured(ctx context.Context, holdRef string) (bool, error)

	// MarkReleased flips ACTIVE → RELEASED. Returns true when this call
	// performed the flip, false when the hold was already released or
	// expired.
	MarkReleased(ctx context.Context, holdRef string) (bool, error)
}
