package repository

import (
	"context"
	"time"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// QueuedMessageRepository stores durable retry records for offline
// external calls.
//
// Create, GetByID and Cancel read the tenant from the request context.
// ClaimDue, MarkProcessed, MarkFailed and ExpireOverdue serve the redrive
// worker, which drains all tenants; the worker installs tenant context
// from each claimed row before driving the call.
type QueuedMessageRepository interface {
	// Create persists a new PENDING record. Re-queuing an idempotency
	// key that already has a record is a no-op.
	Create(ctx context.Context, msg *domain.QueuedMessage) error

	// GetByID retrieves a record. Returns
	// domain.ErrQueuedMessageNotFound when missing.
	GetByID(ctx context.Context, messageID string) (*domain.QueuedMessage, error)

	// GetByIdempotencyKey finds an existing record for the key, or
	// domain.ErrQueuedMessageNotFound.
	GetByIdempotencyKey(ctx context.Context, idempotencyKey string) (*domain.QueuedMessage, error)

	// ClaimDue atomically flips due PENDING/RETRY rows to PROCESSING
	// and returns them. Rows locked by a concurrent claimer are
	// skipped.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error)

	// MarkProcessed flips PROCESSING → PROCESSED.
	MarkProcessed(ctx context.Context, messageID string) error

	// MarkFailed records the error and flips PROCESSING → RETRY with
	// the given next attempt time, or → FAILED when attempts are
	// exhausted. Returns the resulting status.
	MarkFailed(ctx context.Context, messageID, lastError string, nextRetryAt time.Time) (domain.QueuedMessageStatus, error)

	// ExpireOverdue flips non-terminal rows past expires_at to EXPIRED
	// and returns them so the caller can resume the owning sagas.
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.QueuedMessage, error)

	// Cancel flips a non-terminal record to CANCELLED. Returns true
	// when this call performed the flip.
	Cancel(ctx context.Context, messageID string) (bool, error)
}
