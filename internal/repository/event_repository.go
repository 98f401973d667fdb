package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kranthikarthan/payments-engine/internal/domain"
)

// EventRepository defines the interface for the transaction event log, which
// doubles as the outbox until rows are published.
type EventRepository interface {
	// AppendInTx assigns the next per-saga sequence number and inserts the
	// event inside the caller's transaction. The assigned seq is written
	// back to event.Seq.
	AppendInTx(ctx context.Context, tx pgx.Tx, event *domain.TransactionEvent) error

	// ListBySaga returns all events for a saga in seq order
	ListBySaga(ctx context.Context, sagaID string) ([]*domain.TransactionEvent, error)

	// ListUnpublished returns publishable rows ordered (saga_id, seq).
	// Worker-facing; works across tenants.
	ListUnpublished(ctx context.Context, limit int) ([]*domain.TransactionEvent, error)

	// MarkPublished stamps a row as delivered
	MarkPublished(ctx context.Context, eventID string, at time.Time) error

	// RecordPublishFailure increments the attempt counter and parks the row
	// as POISON once maxAttempts is reached. Returns true when poisoned.
	RecordPublishFailure(ctx context.Context, eventID string, maxAttempts int) (bool, error)
}
