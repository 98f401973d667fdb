package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// PaymentRepository defines the interface for payment data access. Methods
// read the tenant from the request context and scope every statement by it;
// a missing tenant context is an authorization error.
type PaymentRepository interface {
	// CreateInTx inserts a new payment inside the caller's transaction
	CreateInTx(ctx context.Context, tx pgx.Tx, payment *domain.Payment) error

	// GetByID retrieves a payment by its ID
	GetByID(ctx context.Context, paymentID string) (*domain.Payment, error)

	// GetByExternalReference retrieves a payment by the initiator's reference
	GetByExternalReference(ctx context.Context, externalRef string) (*domain.Payment, error)

	// UpdateStatusInTx updates payment status inside the caller's transaction.
	// Terminal payments are immutable; updating one returns ErrSagaTerminal.
	UpdateStatusInTx(ctx context.Context, tx pgx.Tx, paymentID string, status domain.PaymentStatus, reason string) error
}
